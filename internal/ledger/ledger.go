// Package ledger implements the Resource Ledger: the process-wide,
// mutex-serialized accounting of per-GPU free memory (memory mode) or
// per-GPU availability (exclusive mode).
//
// The two modes are kept as tagged variants of one Ledger rather than one
// degenerate memory model, so the exclusive path stays allocation-free (a
// plain set of tokens) and keeps its own, non-buggy admission arithmetic —
// the memory-mode predicate's strict inequality (see TryReserveMemory) is a
// source-compatible quirk that must not leak into exclusive mode.
package ledger

import (
	"fmt"
	"sync"

	"github.com/lartpang/runit/internal/device"
)

// Mode selects which admission arithmetic the ledger uses.
type Mode int

const (
	// Exclusive models each GPU as an indivisible token held by at most
	// one job at a time.
	Exclusive Mode = iota
	// Memory models each GPU as a free-memory counter debited on
	// admission and credited on release.
	Memory
)

// Reservation is the ephemeral record returned by a successful TryReserve:
// an ordered list of GPU ids and, in memory mode, the per-device debit that
// must be passed back to Release.
type Reservation struct {
	GPUIDs    []string
	MemPerGPU int // 0 in exclusive mode
}

// Ledger is the shared, mutex-guarded resource accountant. The same
// instance is consulted by the Admission Policy and mutated by workers on
// release; there is exactly one Ledger per scheduler process.
type Ledger struct {
	mu   sync.Mutex
	mode Mode

	// order is the GPU inventory order; candidate selection in memory
	// mode walks it to keep "first N candidates" deterministic.
	order []string

	// Memory mode bookkeeping.
	totalMB map[string]int
	freeMB  map[string]int

	// Exclusive mode bookkeeping: true means the token is free.
	available map[string]bool
}

// New builds a Ledger seeded from the given inventory. In exclusive mode
// every listed GPU starts available; in memory mode every GPU starts with
// its probed free memory.
func New(mode Mode, gpus []device.GPU) *Ledger {
	l := &Ledger{
		mode:      mode,
		order:     make([]string, len(gpus)),
		totalMB:   make(map[string]int, len(gpus)),
		freeMB:    make(map[string]int, len(gpus)),
		available: make(map[string]bool, len(gpus)),
	}
	for i, g := range gpus {
		l.order[i] = g.ID
		l.totalMB[g.ID] = g.TotalMemoryMB
		l.freeMB[g.ID] = g.FreeMemoryMB
		l.available[g.ID] = true
	}
	return l
}

// Mode reports which admission arithmetic this ledger uses.
func (l *Ledger) Mode() Mode { return l.mode }

// TryReserveExclusive attempts to withhold n whole GPUs. Candidates are
// taken in inventory order (FIFO) for determinism.
func (l *Ledger) TryReserveExclusive(n int) (*Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, n)
	for _, id := range l.order {
		if l.available[id] {
			ids = append(ids, id)
			if len(ids) == n {
				break
			}
		}
	}
	if len(ids) < n {
		return nil, false
	}
	for _, id := range ids {
		l.available[id] = false
	}
	return &Reservation{GPUIDs: ids}, true
}

// TryReserveMemory attempts to withhold n GPUs each carrying at least
// memPerGPU MB of free memory.
//
// The admission guard is `len(candidates) <= n`, a strict inequality that
// denies a job exactly matching the available device count. This mirrors a
// quirk in the Python original this scheduler replaces and is preserved
// deliberately for behavioral parity rather than "fixed" to `<`.
func (l *Ledger) TryReserveMemory(n, memPerGPU int) (*Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	candidates := make([]string, 0, len(l.order))
	for _, id := range l.order {
		if l.freeMB[id] >= memPerGPU {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) <= n {
		return nil, false
	}

	chosen := candidates[:n]
	for _, id := range chosen {
		l.freeMB[id] -= memPerGPU
	}
	ids := make([]string, n)
	copy(ids, chosen)
	return &Reservation{GPUIDs: ids, MemPerGPU: memPerGPU}, true
}

// Release returns a reservation's devices to the ledger. Double-release is a
// programming error: it is detected and panics rather than silently
// corrupting the accounting (I1/I2 would otherwise be violated invisibly).
func (l *Ledger) Release(r *Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.mode {
	case Exclusive:
		for _, id := range r.GPUIDs {
			if l.available[id] {
				panic(fmt.Sprintf("double release of GPU %q detected", id))
			}
			l.available[id] = true
		}
	case Memory:
		for _, id := range r.GPUIDs {
			next := l.freeMB[id] + r.MemPerGPU
			if next > l.totalMB[id] {
				panic(fmt.Sprintf("double release of GPU %q detected: would free %d/%d MB", id, next, l.totalMB[id]))
			}
			l.freeMB[id] = next
		}
	}
}

// Snapshot is a structured, logging/telemetry-friendly view of ledger
// state. It takes the lock only long enough to copy out current values.
type Snapshot struct {
	Mode  Mode
	Free  map[string]int // memory mode: free MB; exclusive mode: 1 (free) or 0 (held)
	Total map[string]int // memory mode: total MB; exclusive mode: 1
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{Mode: l.mode, Free: make(map[string]int, len(l.order)), Total: make(map[string]int, len(l.order))}
	for _, id := range l.order {
		switch l.mode {
		case Exclusive:
			if l.available[id] {
				s.Free[id] = 1
			} else {
				s.Free[id] = 0
			}
			s.Total[id] = 1
		case Memory:
			s.Free[id] = l.freeMB[id]
			s.Total[id] = l.totalMB[id]
		}
	}
	return s
}

// FeasibleMemory reports whether at least one GPU's total memory can ever
// satisfy memPerGPU. Used at load time (I7) to reject jobs that would loop
// forever waiting for a reservation no GPU can ever grant.
func (l *Ledger) FeasibleMemory(memPerGPU int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range l.order {
		if l.totalMB[id] >= memPerGPU {
			return true
		}
	}
	return false
}
