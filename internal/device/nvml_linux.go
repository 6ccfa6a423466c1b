//go:build linux

package device

import (
	"fmt"
	"strconv"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NVMLProber probes real NVIDIA GPUs through the NVML shared library. GPU
// ids in the config file are expected to be the device's numeric index as a
// string, matching the convention CUDA_VISIBLE_DEVICES itself uses.
type NVMLProber struct{}

// NewNVMLProber initializes NVML. Callers must call Shutdown when done; the
// scheduler does this once, during startup, never again afterward.
func NewNVMLProber() (*NVMLProber, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("initialize NVML: %s", nvml.ErrorString(ret))
	}
	return &NVMLProber{}, nil
}

// Shutdown releases the NVML library handle.
func (p *NVMLProber) Shutdown() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("shutdown NVML: %s", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProber) Enumerate() ([]string, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("get device count: %s", nvml.ErrorString(ret))
	}
	ids := make([]string, count)
	for i := 0; i < count; i++ {
		ids[i] = strconv.Itoa(i)
	}
	return ids, nil
}

func (p *NVMLProber) TotalAndUsedMB(id string) (totalMB, usedMB int, err error) {
	idx, err := strconv.Atoi(id)
	if err != nil {
		return 0, 0, fmt.Errorf("GPU id %q is not a valid NVML device index: %w", id, err)
	}

	dev, ret := nvml.DeviceGetHandleByIndex(idx)
	if ret != nvml.SUCCESS {
		return 0, 0, fmt.Errorf("get handle for device %d: %s", idx, nvml.ErrorString(ret))
	}
	mem, ret := dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return 0, 0, fmt.Errorf("get memory info for device %d: %s", idx, nvml.ErrorString(ret))
	}
	const mib = 1024 * 1024
	return int(mem.Total / mib), int(mem.Used / mib), nil
}
