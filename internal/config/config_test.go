package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lartpang/runit/internal/device"
	"github.com/lartpang/runit/internal/jobtable"
	"github.com/lartpang/runit/internal/ledger"
	"github.com/lartpang/runit/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobsWithMemory(mem int) []jobtable.Job {
	return []jobtable.Job{{Command: "true", NumGPUs: 1, Memory: mem}}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadTwoKeyDocumentInfersExclusiveMode(t *testing.T) {
	path := writeConfig(t, `
gpu:
  - id: "0"
  - id: "1"
job:
  - name: a
    command: "true"
    num_gpus: 1
  - name: b
    command: "true"
    num_gpus: 2
`)
	b, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ledger.Exclusive, b.Mode)
	assert.Len(t, b.GPUs, 2)
	assert.Len(t, b.Jobs, 2)
	assert.False(t, b.Legacy)
}

func TestLoadTwoKeyDocumentInfersMemoryModeFromGPUEntry(t *testing.T) {
	path := writeConfig(t, `
gpu:
  - id: "0"
    memory: 16000
job:
  - name: a
    command: "true"
    num_gpus: 1
`)
	b, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ledger.Memory, b.Mode)
}

func TestLoadLegacyBareSequenceForcesExclusiveMode(t *testing.T) {
	path := writeConfig(t, `
- name: a
  command: "true"
  num_gpus: 1
- name: b
  command: "false"
  num_gpus: 1
`)
	b, err := Load(path)
	require.NoError(t, err)
	assert.True(t, b.Legacy)
	assert.Equal(t, ledger.Exclusive, b.Mode)
	assert.Empty(t, b.GPUs)
	assert.Len(t, b.Jobs, 2)
}

func TestLoadEmptyGPUListIsConfigurationError(t *testing.T) {
	path := writeConfig(t, `
gpu: []
job:
  - name: a
    command: "true"
    num_gpus: 1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestModeOverrideRejectsUnknownValue(t *testing.T) {
	b := &Batch{Mode: ledger.Exclusive}
	_, err := b.ModeOverride("bogus")
	assert.Error(t, err)
}

func TestModeOverrideEmptyUsesInferredMode(t *testing.T) {
	b := &Batch{Mode: ledger.Memory}
	m, err := b.ModeOverride("")
	require.NoError(t, err)
	assert.Equal(t, ledger.Memory, m)
}

func TestJobspecsCoercesNonPositiveMemoryToZero(t *testing.T) {
	log, err := logging.New(true)
	require.NoError(t, err)

	b := &Batch{Jobs: []JobEntry{{Command: "true", NumGPUs: 1, Memory: -5}}}
	specs, err := b.Jobspecs(2, log)
	require.NoError(t, err)
	assert.Equal(t, 0, specs[0].Memory)
}

func TestJobspecsRejectsNumGPUsExceedingInventory(t *testing.T) {
	log, err := logging.New(true)
	require.NoError(t, err)

	b := &Batch{Jobs: []JobEntry{{Command: "true", NumGPUs: 3}}}
	_, err = b.Jobspecs(2, log)
	assert.Error(t, err)
}

func TestCheckFeasibilityRejectsUnsatisfiableMemoryJob(t *testing.T) {
	led := ledger.New(ledger.Memory, []device.GPU{{ID: "0", TotalMemoryMB: 8000, FreeMemoryMB: 8000}})

	err := CheckFeasibility(led, jobsWithMemory(16000))
	assert.Error(t, err)

	err = CheckFeasibility(led, jobsWithMemory(4000))
	assert.NoError(t, err)
}
