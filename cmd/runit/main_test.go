package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRequiresConfigFlag(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	assert.Error(t, err)
}

func TestEndToEndExclusiveModeRunsBothJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gpu:
  - id: "0"
  - id: "1"
job:
  - name: ok
    command: "true"
    num_gpus: 1
  - name: bad
    command: "false"
    num_gpus: 1
`), 0o644))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", path, "--interval-for-waiting-gpu", "0", "--interval-for-loop", "0"})
	// A per-job failure (exit code 1) is recorded in the job table, not
	// propagated as a process error: the loop only reports an error on
	// context cancellation.
	err := cmd.Execute()
	assert.NoError(t, err)
}
