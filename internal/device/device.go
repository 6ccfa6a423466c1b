// Package device implements the Device Inventory: an immutable table of
// GPUs seeded once, at startup, from a driver probe.
package device

import (
	"fmt"

	"github.com/lartpang/runit/internal/rterrors"
)

// GPU describes a single device as configured and probed at startup.
type GPU struct {
	// ID is the stable token that appears verbatim in the child's
	// CUDA_VISIBLE_DEVICES environment variable.
	ID string
	// TotalMemoryMB is the device's total memory, meaningful only in
	// memory mode.
	TotalMemoryMB int
	// FreeMemoryMB is the probed free memory at startup, meaningful only
	// in memory mode. It seeds the Resource Ledger and is never read
	// again after initialization.
	FreeMemoryMB int
}

// Prober is the driver query facility. It is consulted exactly once per
// GPU, during Inventory construction, and never again: the hot path of the
// scheduler never touches the driver.
type Prober interface {
	// TotalAndUsedMB returns a device's total and currently-used memory,
	// in MB, for the device identified by id.
	TotalAndUsedMB(id string) (totalMB, usedMB int, err error)
	// Enumerate lists every device id the driver reports.
	Enumerate() ([]string, error)
}

// Descriptor is the raw, as-configured shape of a GPU entry from the config
// file, before probing.
type Descriptor struct {
	ID     string
	Memory int // 0 when unset; exclusive mode ignores it entirely.
}

// Inventory is the immutable table of GPUs built once at startup.
type Inventory struct {
	gpus []GPU
}

// NewInventory probes every descriptor exactly once and returns the
// resulting immutable inventory. It fails fast with a ConfigurationError if
// any requested id is absent from the driver's enumeration, or if more
// devices are requested than the driver reports.
func NewInventory(descriptors []Descriptor, probeMemory bool, prober Prober) (*Inventory, error) {
	if len(descriptors) == 0 {
		return nil, rterrors.NewConfigError("gpu list is empty", nil)
	}

	available, err := prober.Enumerate()
	if err != nil {
		return nil, rterrors.NewConfigError("failed to enumerate GPUs from the driver", err)
	}
	if len(descriptors) > len(available) {
		return nil, rterrors.NewConfigError(
			fmt.Sprintf("requested %d GPUs but the driver reports only %d", len(descriptors), len(available)), nil)
	}
	known := make(map[string]bool, len(available))
	for _, id := range available {
		known[id] = true
	}

	gpus := make([]GPU, 0, len(descriptors))
	for _, d := range descriptors {
		if !known[d.ID] {
			return nil, rterrors.NewConfigError(fmt.Sprintf("GPU id %q is not present in the driver's enumeration", d.ID), nil)
		}

		g := GPU{ID: d.ID, TotalMemoryMB: d.Memory}
		if probeMemory {
			totalMB, usedMB, err := prober.TotalAndUsedMB(d.ID)
			if err != nil {
				return nil, rterrors.NewConfigError(fmt.Sprintf("failed to probe free memory for GPU %q", d.ID), err)
			}
			if d.Memory > 0 {
				g.TotalMemoryMB = d.Memory
			} else {
				g.TotalMemoryMB = totalMB
			}
			g.FreeMemoryMB = totalMB - usedMB
		}
		gpus = append(gpus, g)
	}

	return &Inventory{gpus: gpus}, nil
}

// List returns the full, immutable GPU table.
func (inv *Inventory) List() []GPU {
	out := make([]GPU, len(inv.gpus))
	copy(out, inv.gpus)
	return out
}

// Len reports how many GPUs are in the inventory.
func (inv *Inventory) Len() int { return len(inv.gpus) }
