// Package config loads and validates the YAML batch file that describes
// the GPU inventory and the job list to run.
package config

import (
	"fmt"
	"os"

	"github.com/lartpang/runit/internal/device"
	"github.com/lartpang/runit/internal/jobtable"
	"github.com/lartpang/runit/internal/ledger"
	"github.com/lartpang/runit/internal/rterrors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// GPUEntry is one record of the config file's gpu sequence.
type GPUEntry struct {
	ID     string `yaml:"id"`
	Memory int    `yaml:"memory"`
}

// JobEntry is one record of the config file's job sequence.
type JobEntry struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	NumGPUs int    `yaml:"num_gpus"`
	Memory  int    `yaml:"memory"`
}

// document is the two-key config shape.
type document struct {
	GPU []GPUEntry `yaml:"gpu"`
	Job []JobEntry `yaml:"job"`
}

// Batch is a fully parsed, not-yet-validated configuration: the raw GPU
// descriptors and job specs plus the mode this file implies or was told to
// use.
type Batch struct {
	GPUs    []GPUEntry
	Jobs    []JobEntry
	Mode    ledger.Mode
	Legacy  bool // true if the bare-sequence legacy shape was detected
}

// Load reads and parses path. When the document's top level is a bare
// sequence rather than a {gpu, job} mapping, the legacy shape is assumed:
// every record is a job, the GPU list is left empty (the caller must derive
// it from the driver's full enumeration), and the mode is forced to
// exclusive.
func Load(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rterrors.NewConfigError("failed to read config file", err)
	}

	var probe yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, rterrors.NewConfigError("failed to parse config file as YAML", err)
	}
	if probe.Kind == 0 {
		return nil, rterrors.NewConfigError("config file is empty", nil)
	}

	// A document node wraps the real root; unwrap it to inspect the shape.
	root := &probe
	if probe.Kind == yaml.DocumentNode && len(probe.Content) == 1 {
		root = probe.Content[0]
	}

	if root.Kind == yaml.SequenceNode {
		var jobs []JobEntry
		if err := root.Decode(&jobs); err != nil {
			return nil, rterrors.NewConfigError("failed to parse legacy bare job sequence", err)
		}
		return &Batch{Jobs: jobs, Mode: ledger.Exclusive, Legacy: true}, nil
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, rterrors.NewConfigError("failed to parse config file", err)
	}
	if len(doc.GPU) == 0 {
		return nil, rterrors.NewConfigError("gpu list is empty", nil)
	}
	if len(doc.Job) == 0 {
		return nil, rterrors.NewConfigError("job list is empty", nil)
	}

	mode := ledger.Exclusive
	for _, g := range doc.GPU {
		if g.Memory > 0 {
			mode = ledger.Memory
		}
	}
	for _, j := range doc.Job {
		if j.Memory > 0 {
			mode = ledger.Memory
		}
	}

	return &Batch{GPUs: doc.GPU, Jobs: doc.Job, Mode: mode}, nil
}

// ModeOverride resolves the --mode flag (empty string means "use the
// inferred mode").
func (b *Batch) ModeOverride(flag string) (ledger.Mode, error) {
	switch flag {
	case "":
		return b.Mode, nil
	case "exclusive":
		return ledger.Exclusive, nil
	case "memory":
		return ledger.Memory, nil
	default:
		return 0, rterrors.NewConfigError(fmt.Sprintf("unrecognized --mode value %q: must be \"exclusive\" or \"memory\"", flag), nil)
	}
}

// Descriptors converts the batch's GPU entries into device.Descriptor for
// Inventory construction. When the batch came from the legacy bare-sequence
// shape, ids must instead be derived from the driver's full enumeration by
// the caller (main), since no gpu list exists to convert.
func (b *Batch) Descriptors() []device.Descriptor {
	out := make([]device.Descriptor, len(b.GPUs))
	for i, g := range b.GPUs {
		out[i] = device.Descriptor{ID: g.ID, Memory: g.Memory}
	}
	return out
}

// Jobspecs converts the batch's job entries into jobtable.Job, coercing a
// missing or non-positive memory field to zero and logging a warning for
// each coercion, and validates num_gpus against the inventory size (I3).
func (b *Batch) Jobspecs(inventorySize int, log *zap.SugaredLogger) ([]jobtable.Job, error) {
	specs := make([]jobtable.Job, len(b.Jobs))
	for i, j := range b.Jobs {
		mem := j.Memory
		if mem <= 0 {
			log.Warnw("job memory is non-positive, coercing to 0", "job_name", j.Name, "memory", j.Memory)
			mem = 0
		}
		if j.NumGPUs <= 0 {
			return nil, rterrors.NewConfigError("job has non-positive num_gpus", nil)
		}
		if j.NumGPUs > inventorySize {
			return nil, rterrors.NewConfigError("job requests more GPUs than are in the inventory", nil)
		}
		specs[i] = jobtable.Job{Command: j.Command, NumGPUs: j.NumGPUs, Memory: mem}
	}
	return specs, nil
}

// CheckFeasibility rejects (I7) any job whose memory requirement exceeds
// every GPU's total memory: in steady state, no reservation could ever
// satisfy it and the loop would wait forever.
func CheckFeasibility(led *ledger.Ledger, specs []jobtable.Job) error {
	if led.Mode() != ledger.Memory {
		return nil
	}
	for _, s := range specs {
		if s.Memory > 0 && !led.FeasibleMemory(s.Memory) {
			return rterrors.NewConfigError("job requires more memory per GPU than any configured GPU has in total", nil)
		}
	}
	return nil
}
