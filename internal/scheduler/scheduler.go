// Package scheduler implements the Admission Policy and the Scheduling
// Loop: the single goroutine that repeatedly scans pending jobs in
// submission order, asks the Resource Ledger whether each can be admitted,
// and hands admitted jobs to the Worker Pool.
package scheduler

import (
	"context"
	"time"

	"github.com/lartpang/runit/internal/jobtable"
	"github.com/lartpang/runit/internal/ledger"
	"github.com/lartpang/runit/internal/telemetry"
	"github.com/lartpang/runit/internal/worker"
	"go.uber.org/zap"
)

// Intervals controls how long the loop sleeps between decisions. These map
// directly to the --interval-for-waiting-gpu and --interval-for-loop CLI
// flags.
type Intervals struct {
	WaitingForGPU time.Duration
	Loop          time.Duration
}

// Loop owns one pass over the Job Table per iteration: every WAITING job is
// offered to the ledger in id order, admitted jobs move to RUNNING and are
// dispatched, and the loop sleeps Intervals.Loop after every pass, whether
// or not anything was admitted.
type Loop struct {
	table     *jobtable.Table
	ledger    *ledger.Ledger
	pool      *worker.Pool
	intervals Intervals
	log       *zap.SugaredLogger
	metrics   *telemetry.Metrics
}

// New builds a Loop wired to an already-constructed Job Table, Ledger, and
// Worker Pool.
func New(table *jobtable.Table, led *ledger.Ledger, pool *worker.Pool, intervals Intervals, log *zap.SugaredLogger) *Loop {
	return &Loop{table: table, ledger: led, pool: pool, intervals: intervals, log: log}
}

// WithMetrics attaches a Prometheus exporter that the loop refreshes after
// every pass.
func (l *Loop) WithMetrics(m *telemetry.Metrics) *Loop {
	l.metrics = m
	return l
}

// Run drives the scheduling loop until every job reaches a terminal state
// (I6) or ctx is cancelled by an operator interrupt, whichever comes first.
// It returns nil on normal completion and ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if l.table.AllTerminal() {
			l.log.Info("every job reached a terminal state, exiting the scheduling loop")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := l.pass(ctx); err != nil {
			return err
		}

		if l.metrics != nil {
			l.metrics.ObserveLedger(l.ledger.Snapshot())
			l.metrics.ObserveJobTable(l.table.CountByStatus())
		}

		select {
		case <-time.After(l.intervals.Loop):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pass makes one admission attempt per pending job, in id order. A denied
// job logs its shortfall and sleeps WaitingForGPU before the scan continues
// to the next job, matching the source's per-job retry delay inside the
// same pass.
func (l *Loop) pass(ctx context.Context) error {
	for _, job := range l.table.IterPending() {
		var (
			res *ledger.Reservation
			ok  bool
		)
		switch l.ledger.Mode() {
		case ledger.Exclusive:
			res, ok = l.ledger.TryReserveExclusive(job.NumGPUs)
		case ledger.Memory:
			res, ok = l.ledger.TryReserveMemory(job.NumGPUs, job.Memory)
		}
		if !ok {
			if l.metrics != nil {
				l.metrics.RecordAdmissionDenial()
			}
			l.log.Warnw("skipping job, not enough GPUs available", "job_id", job.ID, "requested_gpus", job.NumGPUs, "requested_memory_mb", job.Memory, "ledger", l.ledger.Snapshot())

			select {
			case <-time.After(l.intervals.WaitingForGPU):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if mErr := l.table.MarkRunning(job.ID); mErr != nil {
			// A job in IterPending() is WAITING by construction, so
			// MarkRunning can only fail here if the Job Table's state
			// machine has been violated elsewhere — a scheduler bug, not
			// a recoverable condition.
			panic(mErr)
		}
		if sErr := l.pool.Submit(ctx, worker.Dispatch{JobID: job.ID, Command: job.Command, Reservation: res}); sErr != nil {
			l.ledger.Release(res)
			return sErr
		}

		l.log.Infow("admitted job", "job_id", job.ID, "gpus", res.GPUIDs)
	}
	return nil
}
