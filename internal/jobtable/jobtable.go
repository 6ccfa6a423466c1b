// Package jobtable implements the Job Table: the process-wide record of
// every submitted job's lifecycle state, guarded by a single mutex and
// advanced only through the monotonic transitions WAITING -> RUNNING ->
// {DONE, FAILED}.
package jobtable

import (
	"sync"
	"time"

	"github.com/lartpang/runit/internal/rterrors"
)

// Status is a job's lifecycle state. The zero value is Waiting so a freshly
// appended Job never needs an explicit initializer.
type Status int

const (
	Waiting Status = iota
	Running
	Done
	Failed
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "WAITING"
	case Running:
		return "RUNNING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is a final state the scheduler will never
// advance further.
func (s Status) Terminal() bool { return s == Done || s == Failed }

// Job is one line of the submitted batch plus the bookkeeping the scheduler
// and telemetry attach to it as it runs.
type Job struct {
	ID      int
	Command string
	NumGPUs int
	Memory  int // MB per GPU; ignored in exclusive mode

	status     Status
	startedAt  time.Time
	finishedAt time.Time
	exitErr    error
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() Status { return j.status }

// Duration reports how long a started job has run. It is zero for jobs that
// never reached Running, and reflects wall-clock-to-now for a job still
// Running.
func (j *Job) Duration() time.Duration {
	if j.startedAt.IsZero() {
		return 0
	}
	end := j.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(j.startedAt)
}

// Err returns the error a FAILED job exited with, if any.
func (j *Job) Err() error { return j.exitErr }

// Table is the mutex-guarded collection of every job in the batch, indexed
// by its zero-based submission order.
type Table struct {
	mu   sync.Mutex
	jobs []*Job
}

// New builds a Table from a freshly-parsed batch. Job IDs are assigned as
// the zero-based index into specs, matching submission order.
func New(specs []Job) *Table {
	jobs := make([]*Job, len(specs))
	for i := range specs {
		j := specs[i]
		j.ID = i
		j.status = Waiting
		jobs[i] = &j
	}
	return &Table{jobs: jobs}
}

// Len reports the batch size.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Get returns a snapshot copy of job id's current state. It panics if id is
// out of range: an out-of-range id can only reach here through a scheduler
// bug, never through user input.
func (t *Table) Get(id int) Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.jobs[id]
}

// MarkRunning transitions job id from WAITING to RUNNING and records its
// start time. Calling it on a job that is not WAITING is a scheduler bug and
// raises InvalidStateTransition.
func (t *Table) MarkRunning(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	j := t.jobs[id]
	if j.status != Waiting {
		return &rterrors.InvalidStateTransition{JobID: id, From: j.status.String(), To: Running.String()}
	}
	j.status = Running
	j.startedAt = time.Now()
	return nil
}

// MarkDone transitions job id from RUNNING to DONE. Calling it on a job that
// is not RUNNING is a scheduler bug and raises InvalidStateTransition.
func (t *Table) MarkDone(id int) error {
	return t.finish(id, Done, nil)
}

// MarkFailed transitions job id from RUNNING to FAILED, recording the cause.
// A child process exiting nonzero is the expected path here, not a
// scheduler bug, so this never panics on its own account — only the
// state-transition guard can still fire if called out of order.
func (t *Table) MarkFailed(id int, cause error) error {
	return t.finish(id, Failed, cause)
}

func (t *Table) finish(id int, to Status, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	j := t.jobs[id]
	if j.status != Running {
		return &rterrors.InvalidStateTransition{JobID: id, From: j.status.String(), To: to.String()}
	}
	j.status = to
	j.finishedAt = time.Now()
	j.exitErr = cause
	return nil
}

// AllTerminal reports whether every job has reached DONE or FAILED. The
// scheduling loop polls this to decide when to stop (I6: termination is
// driven by this predicate, never by a sentinel "DONE" status string).
func (t *Table) AllTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, j := range t.jobs {
		if !j.status.Terminal() {
			return false
		}
	}
	return true
}

// IterPending returns a snapshot of every job still WAITING, in submission
// (id) order, for the Admission Policy's per-pass scan.
func (t *Table) IterPending() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		if j.status == Waiting {
			out = append(out, *j)
		}
	}
	return out
}

// Snapshot returns a copy of every job's current state, in id order, for
// status-API and telemetry consumption.
func (t *Table) Snapshot() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Job, len(t.jobs))
	for i, j := range t.jobs {
		out[i] = *j
	}
	return out
}

// CountByStatus tallies jobs per status for telemetry gauges.
func (t *Table) CountByStatus() map[Status]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := map[Status]int{Waiting: 0, Running: 0, Done: 0, Failed: 0}
	for _, j := range t.jobs {
		counts[j.status]++
	}
	return counts
}
