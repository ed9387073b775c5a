package store

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestStore opens a fresh manifest in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedDeployment records root at depth or fails the test.
func seedDeployment(t *testing.T, s *Store, root string, depth int) Deployment {
	t.Helper()
	d, err := s.EnsureDeployment(context.Background(), Deployment{
		Root:      root,
		Depth:     depth,
		Alphabet:  "0123456789abcdefghijklmnopqrstuvwxyz*",
		CreatedAt: 1700000000,
	})
	if err != nil {
		t.Fatalf("EnsureDeployment() failed: %v", err)
	}
	return d
}

// createTestRun builds an import run with minimal required fields.
func createTestRun(id, root string, startedAt int64) Run {
	return Run{
		ID:        id,
		Root:      root,
		Kind:      RunImport,
		Separator: ":",
		StartedAt: startedAt,
	}
}
