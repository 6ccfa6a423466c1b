package ledger

import (
	"sync"
	"testing"

	"github.com/lartpang/runit/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gpus(ids ...string) []device.GPU {
	out := make([]device.GPU, len(ids))
	for i, id := range ids {
		out[i] = device.GPU{ID: id, TotalMemoryMB: 16000, FreeMemoryMB: 16000}
	}
	return out
}

func TestExclusiveReserveRelease(t *testing.T) {
	l := New(Exclusive, gpus("0", "1"))

	r, ok := l.TryReserveExclusive(2)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"0", "1"}, r.GPUIDs)

	_, ok = l.TryReserveExclusive(1)
	assert.False(t, ok, "no tokens should remain")

	l.Release(r)

	r2, ok := l.TryReserveExclusive(1)
	require.True(t, ok)
	assert.Len(t, r2.GPUIDs, 1)
}

func TestExclusiveDoubleReleasePanics(t *testing.T) {
	l := New(Exclusive, gpus("0"))
	r, ok := l.TryReserveExclusive(1)
	require.True(t, ok)

	l.Release(r)
	assert.Panics(t, func() { l.Release(r) })
}

func TestMemoryStrictInequalityDeniesExactMatch(t *testing.T) {
	// One GPU with exactly enough memory for one job: |candidates| == 1,
	// and the job needs num_gpus=1, so 1 <= 1 denies per source parity.
	l := New(Memory, []device.GPU{{ID: "0", TotalMemoryMB: 16000, FreeMemoryMB: 16000}})

	_, ok := l.TryReserveMemory(1, 6000)
	assert.False(t, ok, "strict inequality must deny when candidates == num_gpus")
}

func TestMemoryFractionalSharing(t *testing.T) {
	l := New(Memory, []device.GPU{{ID: "0", TotalMemoryMB: 16000, FreeMemoryMB: 16000}})

	// Two candidate-eligible GPUs are needed to admit a 1-GPU job under
	// the strict guard; simulate that by adding a second device.
	l = New(Memory, []device.GPU{
		{ID: "0", TotalMemoryMB: 16000, FreeMemoryMB: 16000},
		{ID: "1", TotalMemoryMB: 16000, FreeMemoryMB: 16000},
	})

	r1, ok := l.TryReserveMemory(1, 6000)
	require.True(t, ok)

	snap := l.Snapshot()
	assert.Equal(t, 16000-6000, snap.Free[r1.GPUIDs[0]])

	l.Release(r1)
	snap = l.Snapshot()
	assert.Equal(t, 16000, snap.Free[r1.GPUIDs[0]])
}

func TestMemoryDoubleReleasePanics(t *testing.T) {
	l := New(Memory, []device.GPU{
		{ID: "0", TotalMemoryMB: 16000, FreeMemoryMB: 16000},
		{ID: "1", TotalMemoryMB: 16000, FreeMemoryMB: 16000},
	})
	r, ok := l.TryReserveMemory(1, 6000)
	require.True(t, ok)

	l.Release(r)
	assert.Panics(t, func() { l.Release(r) })
}

// TestConcurrentReserveReleaseKeepsInvariant exercises I1/I2 under
// concurrent access: free memory never goes negative and always returns to
// its initial value once every reservation has been released.
func TestConcurrentReserveReleaseKeepsInvariant(t *testing.T) {
	l := New(Memory, []device.GPU{
		{ID: "0", TotalMemoryMB: 16000, FreeMemoryMB: 16000},
		{ID: "1", TotalMemoryMB: 16000, FreeMemoryMB: 16000},
		{ID: "2", TotalMemoryMB: 16000, FreeMemoryMB: 16000},
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, ok := l.TryReserveMemory(1, 1000)
				if !ok {
					return
				}
				for _, id := range r.GPUIDs {
					assert.GreaterOrEqual(t, l.Snapshot().Free[id], 0)
				}
				l.Release(r)
				return
			}
		}()
	}
	wg.Wait()

	snap := l.Snapshot()
	for _, id := range []string{"0", "1", "2"} {
		assert.Equal(t, 16000, snap.Free[id])
		assert.GreaterOrEqual(t, snap.Free[id], 0)
	}
}
