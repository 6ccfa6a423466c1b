// Package worker implements the Worker Pool: a fixed number of concurrent
// child-process slots, each running one job to completion before taking the
// next one the Scheduling Loop hands it.
package worker

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/lartpang/runit/internal/jobtable"
	"github.com/lartpang/runit/internal/ledger"
	"github.com/lartpang/runit/internal/telemetry"
	"go.uber.org/zap"
)

// Dispatch bundles everything a worker slot needs to run one admitted job:
// the job itself and the reservation its admission produced.
type Dispatch struct {
	JobID       int
	Command     string
	Reservation *ledger.Reservation
}

// Pool runs at most maxWorkers jobs concurrently via a buffered-channel
// counting semaphore, mirroring the bounded-concurrency idiom the rest of
// this codebase uses for its worker goroutines.
type Pool struct {
	sem    chan struct{}
	table  *jobtable.Table
	ledger *ledger.Ledger
	agg    *telemetry.Aggregator
	log    *zap.SugaredLogger
	shell  string
}

// New builds a pool with room for maxWorkers concurrent child processes.
// No aggregator is attached until WithAggregator is called; without one, job
// durations are not recorded.
func New(maxWorkers int, table *jobtable.Table, led *ledger.Ledger, log *zap.SugaredLogger) *Pool {
	return &Pool{
		sem:    make(chan struct{}, maxWorkers),
		table:  table,
		ledger: led,
		log:    log,
		shell:  "sh",
	}
}

// WithAggregator attaches a duration aggregator that the pool records each
// finished job's duration into.
func (p *Pool) WithAggregator(agg *telemetry.Aggregator) *Pool {
	p.agg = agg
	return p
}

// Submit blocks until a worker slot is free, then runs d.Command in the
// background and returns immediately; the caller (the Scheduling Loop) does
// not wait on job completion, it continues the admission pass.
//
// ctx cancellation (operator interrupt) stops new submissions from
// blocking forever, and it also kills a command already running: the child
// is started with exec.CommandContext on the same ctx, so it is killed when
// ctx is cancelled and the job is then marked FAILED.
func (p *Pool) Submit(ctx context.Context, d Dispatch) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	go p.run(ctx, d)
	return nil
}

func (p *Pool) run(ctx context.Context, d Dispatch) {
	defer func() { <-p.sem }()
	defer p.ledger.Release(d.Reservation)

	cmd := exec.CommandContext(ctx, p.shell, "-c", d.Command)
	cmd.Env = append(os.Environ(), "CUDA_VISIBLE_DEVICES="+strings.Join(d.Reservation.GPUIDs, ","))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	p.log.Infow("starting job", "job_id", d.JobID, "gpus", d.Reservation.GPUIDs, "command", d.Command)

	err := cmd.Run()
	if err != nil {
		p.log.Warnw("job failed", "job_id", d.JobID, "error", err)
		if mErr := p.table.MarkFailed(d.JobID, err); mErr != nil {
			panic(mErr)
		}
		p.recordDuration(d.JobID)
		return
	}

	p.log.Infow("job finished", "job_id", d.JobID)
	if mErr := p.table.MarkDone(d.JobID); mErr != nil {
		panic(mErr)
	}
	p.recordDuration(d.JobID)
}

func (p *Pool) recordDuration(jobID int) {
	if p.agg == nil {
		return
	}
	p.agg.Record(jobID, p.table.Get(jobID).Duration())
}

// Wait blocks until every in-flight slot has drained, for use during
// graceful shutdown once the Scheduling Loop has stopped submitting new
// work.
func (p *Pool) Wait() {
	for i := 0; i < cap(p.sem); i++ {
		p.sem <- struct{}{}
	}
}
