package compact

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mailshard/internal/metrics"
	"github.com/roach88/mailshard/internal/shard"
)

const messyBucket = "Alice@Example.com:100\n" +
	"alice@example.com:100\n" +
	"\n" +
	"garbage line\n" +
	"  bob@example.com : 7  \n" +
	"alice@example.com:101\n" +
	"garbage line\n" +
	"bob@example.com:7"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeBucket(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
}

func TestBucket_DryRunLeavesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b")
	writeBucket(t, path, messyBucket, 0o644)

	rep, err := Bucket(path, false)
	require.NoError(t, err)

	assert.Equal(t, 7, rep.Lines)
	assert.Equal(t, 4, rep.Kept)
	assert.Equal(t, 3, rep.Removed)
	assert.Equal(t, 2, rep.Rewritten)
	assert.Equal(t, 2, rep.Verbatim)
	assert.True(t, rep.Changed)
	assert.False(t, rep.Applied)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, messyBucket, string(data))
}

func TestBucket_Apply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b")
	writeBucket(t, path, messyBucket, 0o600)

	rep, err := Bucket(path, true)
	require.NoError(t, err)
	assert.True(t, rep.Applied)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "compacted_bucket", data)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestBucket_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b")
	writeBucket(t, path, messyBucket, 0o644)

	_, err := Bucket(path, true)
	require.NoError(t, err)

	rep, err := Bucket(path, true)
	require.NoError(t, err)
	assert.False(t, rep.Changed)
	assert.False(t, rep.Applied)
	assert.Equal(t, 0, rep.Removed)
	assert.Equal(t, 0, rep.Rewritten)
	assert.Equal(t, 1, rep.Verbatim)
}

func TestBucket_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b")
	writeBucket(t, path, "", 0o644)

	rep, err := Bucket(path, true)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Lines)
	assert.False(t, rep.Changed)
}

func TestBucket_OnlyBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b")
	writeBucket(t, path, "\n \n", 0o644)

	rep, err := Bucket(path, true)
	require.NoError(t, err)
	assert.True(t, rep.Applied)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestBucket_Missing(t *testing.T) {
	_, err := Bucket(filepath.Join(t.TempDir(), "absent"), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestTree(t *testing.T) {
	root := t.TempDir()
	messy := shard.Resolve("alice@example.com", 3)
	clean := shard.Resolve("carol@example.com", 3)
	writeBucket(t, messy.Path(root), messyBucket, 0o644)
	writeBucket(t, clean.Path(root), "carol@example.com:1\n", 0o644)

	m := metrics.New()
	opts := Options{Logger: discardLogger(), Metrics: m}

	dry, err := Tree(context.Background(), root, 3, opts)
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Equal(t, 2, dry.Buckets)
	assert.Equal(t, shard.BucketCount(3)-2, dry.Missing)
	assert.Equal(t, 1, dry.Changed)
	assert.Equal(t, 0, dry.Applied)
	assert.Equal(t, 3, dry.Removed)

	opts.Apply = true
	applied, err := Tree(context.Background(), root, 3, opts)
	require.NoError(t, err)
	assert.False(t, applied.DryRun)
	assert.Equal(t, 1, applied.Applied)
	assert.Equal(t, 8, applied.Lines)

	path := filepath.Join(t.TempDir(), "compact.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mailshard_compact_lines_removed_total 3")
}

func TestTree_FailedBucketContinues(t *testing.T) {
	root := t.TempDir()
	bad := shard.Resolve("alice@example.com", 3)
	require.NoError(t, os.MkdirAll(bad.Path(root), 0o755))
	good := shard.Resolve("bob@example.com", 3)
	writeBucket(t, good.Path(root), "bob@example.com:1\nbob@example.com:1\n", 0o644)

	rep, err := Tree(context.Background(), root, 3, Options{Apply: true, Logger: discardLogger()})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Applied)
}

func TestTree_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Tree(ctx, t.TempDir(), 3, Options{Logger: discardLogger()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTree_InvalidDepth(t *testing.T) {
	_, err := Tree(context.Background(), t.TempDir(), 5, Options{})
	assert.ErrorIs(t, err, shard.ErrInvalidDepth)
}
