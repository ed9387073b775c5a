package shardtree

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mailshard/internal/shard"
)

func quietOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// snapshot returns every regular file under root with its content.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestBuild_CreatesEveryBucket(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")

	stats, err := Build(context.Background(), root, 3, quietOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(shard.BucketCount(3)), stats.Created)
	assert.Equal(t, int64(0), stats.Existing)
	assert.Equal(t, 50653, stats.Total)

	files := snapshot(t, root)
	assert.Len(t, files, shard.BucketCount(3))
	for _, content := range files {
		assert.Empty(t, content)
	}

	// Each level has exactly 37 children
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, shard.AlphabetSize)

	entries, err = os.ReadDir(filepath.Join(root, "a", "symbols"))
	require.NoError(t, err)
	assert.Len(t, entries, shard.AlphabetSize)
	for _, e := range entries {
		assert.False(t, e.IsDir(), "leaf %s should be a file", e.Name())
	}
}

func TestBuild_Idempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")

	_, err := Build(context.Background(), root, 3, quietOptions())
	require.NoError(t, err)

	// Existing content must survive a rebuild
	bucket := shard.Resolve("alice@example.com", 3).Path(root)
	require.NoError(t, os.WriteFile(bucket, []byte("alice@example.com:1\n"), 0o644))

	before := snapshot(t, root)

	stats, err := Build(context.Background(), root, 3, quietOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Created)
	assert.Equal(t, int64(shard.BucketCount(3)), stats.Existing)

	after := snapshot(t, root)
	assert.Equal(t, before, after)
	assert.Equal(t, "alice@example.com:1\n", after[filepath.Join("a", "l", "i")])
}

func TestBuild_ResumesPartialTree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")

	// Simulate an interrupted build: only part of one subtree exists
	partial := filepath.Join(root, "0", "0")
	require.NoError(t, os.MkdirAll(partial, 0o755))
	for _, sym := range []string{"0", "1", "2"} {
		require.NoError(t, os.WriteFile(filepath.Join(partial, sym), nil, 0o644))
	}

	stats, err := Build(context.Background(), root, 3, quietOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Existing)
	assert.Equal(t, int64(shard.BucketCount(3)-3), stats.Created)

	verify, err := Verify(context.Background(), root, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), verify.Missing)
}

func TestBuild_Cancelled(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := Build(ctx, root, 3, quietOptions())
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, stats.Created, int64(shard.BucketCount(3)))

	// Resuming completes the tree
	stats, err = Build(context.Background(), root, 3, quietOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(shard.BucketCount(3)), stats.Created+stats.Existing)
}

func TestBuild_InvalidDepth(t *testing.T) {
	_, err := Build(context.Background(), t.TempDir(), 5, quietOptions())
	require.ErrorIs(t, err, shard.ErrInvalidDepth)
}

func TestVerify_ReportsMissing(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	_, err := Build(context.Background(), root, 3, quietOptions())
	require.NoError(t, err)

	removed := []string{
		shard.Bucket{"a", "b", "c"}.Path(root),
		shard.Bucket{"symbols", "symbols", "symbols"}.Path(root),
	}
	for _, p := range removed {
		require.NoError(t, os.Remove(p))
	}

	stats, err := Verify(context.Background(), root, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Missing)
	assert.Equal(t, int64(shard.BucketCount(3)-2), stats.Existing)
}

func TestVerify_EmptyRoot(t *testing.T) {
	stats, err := Verify(context.Background(), t.TempDir(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(shard.BucketCount(3)), stats.Missing)
}

func TestBuild_TopLevelNamesMatchAlphabet(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	_, err := Build(context.Background(), root, 3, quietOptions())
	require.NoError(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := shard.Symbols()
	sort.Strings(want)
	assert.Equal(t, want, names)
}

// touch creates an empty file at root/parts..., with parents.
func touch(t *testing.T, root string, parts ...string) {
	t.Helper()
	path := filepath.Join(append([]string{root}, parts...)...)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestBuild_RejectsDirectoryAtBucketPath(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	// A fragment of a depth 4 tree: 0/0/0 is a directory.
	touch(t, root, "0", "0", "0", "0")

	_, err := Build(context.Background(), root, 3, quietOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotBucket)
	assert.Contains(t, err.Error(), "bucket 0/0/0 is a directory")
}

func TestDetectDepth(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, root string)
		want  int
	}{
		{"missing root", func(t *testing.T, root string) {}, 0},
		{"empty root", func(t *testing.T, root string) {
			require.NoError(t, os.MkdirAll(root, 0o755))
		}, 0},
		{"depth 3", func(t *testing.T, root string) {
			touch(t, root, "a", "l", "i")
		}, 3},
		{"depth 4", func(t *testing.T, root string) {
			touch(t, root, "b", "l", "o", "c")
		}, 4},
		{"catch-all symbol", func(t *testing.T, root string) {
			touch(t, root, "symbols", "symbols", "symbols")
		}, 3},
		{"ignores non-symbol entries", func(t *testing.T, root string) {
			touch(t, root, "README")
			touch(t, root, ".git", "x", "y", "z")
		}, 0},
		{"skips empty subtree", func(t *testing.T, root string) {
			require.NoError(t, os.MkdirAll(filepath.Join(root, "0", "0"), 0o755))
			touch(t, root, "z", "z", "z")
		}, 3},
		{"deeper than supported", func(t *testing.T, root string) {
			touch(t, root, "a", "b", "c", "d", "e", "f")
		}, shard.MaxDepth + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := filepath.Join(t.TempDir(), "data")
			tt.setup(t, root)

			got, err := DetectDepth(root)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckDepth(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	require.NoError(t, CheckDepth(root, 4), "missing root passes")

	touch(t, root, "a", "l", "i")
	require.NoError(t, CheckDepth(root, 3))

	err := CheckDepth(root, 4)
	require.ErrorIs(t, err, ErrDepthConflict)
	var conflict *DepthConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Found)
	assert.Equal(t, 4, conflict.Requested)
	assert.Contains(t, err.Error(), "is depth 3 on disk, requested 4")
}
