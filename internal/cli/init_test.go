package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mailshard/internal/shard"
)

func TestInit_BuildsTreeThenVerifies(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	opts := testOptions("run-init-1", "run-init-2")

	stdout, _, err := executeCommand(t, opts,
		"--format", "json", "init", "--root", root, "--depth", "3")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		RunID  string     `json:"run_id"`
		Data   InitResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-init-1", resp.RunID)
	assert.Equal(t, root, resp.Data.Root)
	assert.Equal(t, root+".manifest.db", resp.Data.Manifest)
	assert.Equal(t, shard.BucketCount(3), resp.Data.Stats.Total)
	assert.Equal(t, int64(shard.BucketCount(3)), resp.Data.Stats.Created)
	assert.Zero(t, resp.Data.Stats.Existing)

	info, err := os.Stat(filepath.Join(root, "a", "l", "i"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
	assert.Zero(t, info.Size())

	// A second init leaves every bucket in place.
	stdout, _, err = executeCommand(t, opts, "init", "--root", root, "--depth", "3")
	require.NoError(t, err)
	assert.Contains(t, stdout, "created: 0  existing: 50,653")
	assert.Contains(t, stdout, "run: run-init-2")

	stdout, _, err = executeCommand(t, opts, "verify", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, stdout, "All 50,653 buckets present")
	assert.Contains(t, stdout, "(depth 3)")

	// Remove one bucket; verify reports it and fails.
	require.NoError(t, os.Remove(filepath.Join(root, "z", "z", "z")))
	stdout, _, err = executeCommand(t, opts, "verify", "--root", root)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeIncomplete)
	assert.Contains(t, stdout, "1 of 50,653 buckets missing")
}

func TestInit_DepthMismatch(t *testing.T) {
	root, importDir := newStoreRoot(t, map[string]string{"a.txt": sampleDump})
	opts := testOptions("run-1", "run-2")

	_, _, err := executeCommand(t, opts, "import", "--root", root, "--depth", "4", importDir)
	require.NoError(t, err)

	stdout, _, err := executeCommand(t, opts, "init", "--root", root, "--depth", "3")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeDepthMismatch)
	assert.Contains(t, stdout, "Error [E006]")

	// Nothing was built at the wrong depth.
	_, statErr := os.Stat(filepath.Join(root, "z", "z", "z"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInit_OverTreeOfOtherDepth(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	// An unrecorded depth 4 fragment.
	writeFile(t, filepath.Join(root, "0", "0", "0", "0"), "")

	stdout, _, err := executeCommand(t, testOptions("run-1"), "init", "--root", root, "--depth", "3")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeDepthMismatch)
	assert.Contains(t, stdout, "is depth 4 on disk, requested 3")

	// The manifest was never opened, so no depth was pinned.
	assert.NoFileExists(t, root+".manifest.db")
}

func TestInit_InvalidDepth(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")

	_, _, err := executeCommand(t, testOptions(), "init", "--root", root, "--depth", "2")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeConfig)

	_, statErr := os.Stat(root)
	assert.True(t, os.IsNotExist(statErr))
}

func TestInit_RequiresRoot(t *testing.T) {
	_, _, err := executeCommand(t, testOptions(), "init", "--depth", "3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage root is required")
}

func TestConfirmInit_DeclinedOnTerminal(t *testing.T) {
	restore := stdinIsTerminal
	stdinIsTerminal = func() bool { return true }
	defer func() { stdinIsTerminal = restore }()

	root := filepath.Join(t.TempDir(), "store")
	cmd := newRootCommand(testOptions())
	var stdout, stderr strings.Builder
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader("n\n"))
	cmd.SetArgs([]string{"init", "--root", root, "--depth", "4"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeAborted)
	assert.Contains(t, stderr.String(), "depth 4 creates 1,874,161 bucket files")
	assert.Contains(t, stderr.String(), "Continue? [y/N]")

	_, statErr := os.Stat(root)
	assert.True(t, os.IsNotExist(statErr), "declined init must not touch the filesystem")
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"maybe\n", false},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			cmd := NewRootCommand()
			var stderr strings.Builder
			cmd.SetErr(&stderr)
			cmd.SetIn(strings.NewReader(tt.input))

			assert.Equal(t, tt.want, confirm(cmd, "Proceed?"))
			assert.Equal(t, "Proceed? [y/N]: ", stderr.String())
		})
	}
}
