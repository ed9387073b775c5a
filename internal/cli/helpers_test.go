package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/mailshard/internal/runid"
	"github.com/roach88/mailshard/internal/testutil"
)

// testOptions returns RootOptions with deterministic run ids and timestamps.
func testOptions(ids ...string) *RootOptions {
	return &RootOptions{
		IDs:   runid.NewFixedGenerator(ids...),
		Clock: testutil.NewDeterministicClock(),
	}
}

// executeCommand runs the root command with args and captures its output.
func executeCommand(t *testing.T, opts *RootOptions, args ...string) (string, string, error) {
	t.Helper()

	restore := stdinIsTerminal
	stdinIsTerminal = func() bool { return false }
	t.Cleanup(func() { stdinIsTerminal = restore })

	cmd := newRootCommand(opts)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// writeFile creates path (and its parents) with content.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// newStoreRoot returns an existing, empty storage root and a source
// directory holding the given files.
func newStoreRoot(t *testing.T, sources map[string]string) (root, importDir string) {
	t.Helper()
	dir := t.TempDir()
	root = filepath.Join(dir, "store")
	importDir = filepath.Join(dir, "dumps")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(importDir, 0o755))
	for name, content := range sources {
		writeFile(t, filepath.Join(importDir, name), content)
	}
	return root, importDir
}
