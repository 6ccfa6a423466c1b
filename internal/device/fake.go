package device

import "fmt"

// FakeProber is a deterministic, in-memory Prober used by exclusive mode
// (which never queries memory) and by tests that need reproducible GPU
// enumeration without a driver present.
type FakeProber struct {
	ids      []string
	totalMB  map[string]int
	usedMB   map[string]int
}

// NewFakeProber builds a prober over the given ids. It holds no memory
// readings: TotalAndUsedMB returns an error for any id that WithMemory has
// not recorded.
func NewFakeProber(ids ...string) *FakeProber {
	return &FakeProber{
		ids:     ids,
		totalMB: make(map[string]int),
		usedMB:  make(map[string]int),
	}
}

// WithMemory records a total/used memory reading for id, for chained
// construction in tests.
func (f *FakeProber) WithMemory(id string, totalMB, usedMB int) *FakeProber {
	f.totalMB[id] = totalMB
	f.usedMB[id] = usedMB
	return f
}

func (f *FakeProber) Enumerate() ([]string, error) {
	out := make([]string, len(f.ids))
	copy(out, f.ids)
	return out, nil
}

func (f *FakeProber) TotalAndUsedMB(id string) (int, int, error) {
	total, ok := f.totalMB[id]
	if !ok {
		return 0, 0, fmt.Errorf("fake prober has no memory reading for GPU %q", id)
	}
	return total, f.usedMB[id], nil
}
