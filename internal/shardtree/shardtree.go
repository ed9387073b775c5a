// Package shardtree materializes the full bucket tree on disk.
//
// Every bucket file is created up front so the import pipeline never has to
// check for existence per record. Building is idempotent and resumable: an
// interrupted build leaves a valid partial tree and a rerun only creates the
// entries that are still missing. Existing files are never truncated.
package shardtree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/mailshard/internal/shard"
)

// DefaultParallelism bounds how many top-level subtrees are built at once.
const DefaultParallelism = 4

// ErrNotBucket means a bucket path holds something other than a regular
// file, typically a directory left by a tree of a different depth.
var ErrNotBucket = errors.New("not a bucket file")

// Options configures a tree build.
type Options struct {
	// Parallelism is the number of top-level subtrees built concurrently.
	// Zero means DefaultParallelism.
	Parallelism int

	// Logger receives progress and error messages. Nil means slog.Default().
	Logger *slog.Logger

	// ProgressInterval throttles progress log lines. Zero means 5 seconds.
	ProgressInterval time.Duration
}

// Stats summarizes a build or verification pass.
type Stats struct {
	Depth    int   `json:"depth"`
	Total    int   `json:"total"`
	Created  int64 `json:"created"`
	Existing int64 `json:"existing"`
	Missing  int64 `json:"missing,omitempty"`
}

// Build creates every directory and bucket file of a depth-level tree under
// root. Root itself is created if missing.
//
// On cancellation Build returns ctx.Err() with the stats accumulated so far;
// the partially built tree is valid and a later Build resumes it.
func Build(ctx context.Context, root string, depth int, opts Options) (Stats, error) {
	stats := Stats{Depth: depth, Total: shard.BucketCount(depth)}
	if err := shard.CheckDepth(depth); err != nil {
		return stats, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return stats, fmt.Errorf("create root: %w", err)
	}

	var created, existing atomic.Int64
	progress := &rate.Sometimes{Interval: interval}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, top := range shard.Symbols() {
		top := top
		g.Go(func() error {
			return shard.WalkPrefix(shard.Bucket{top}, depth, func(b shard.Bucket) error {
				if err := gctx.Err(); err != nil {
					return err
				}
				made, err := ensureBucket(root, b)
				if err != nil {
					return err
				}
				if made {
					created.Add(1)
				} else {
					existing.Add(1)
				}
				progress.Do(func() {
					done := created.Load() + existing.Load()
					logger.Info("building shard tree",
						"done", done,
						"total", stats.Total,
						"created", created.Load())
				})
				return nil
			})
		})
	}

	err := g.Wait()
	stats.Created = created.Load()
	stats.Existing = existing.Load()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stats, ctxErr
		}
		return stats, fmt.Errorf("build shard tree: %w", err)
	}

	logger.Info("shard tree ready",
		"root", root,
		"depth", depth,
		"created", stats.Created,
		"existing", stats.Existing)
	return stats, nil
}

// ensureBucket creates the bucket's parent directories and an empty file if
// absent. It reports whether the file was created by this call.
func ensureBucket(root string, b shard.Bucket) (bool, error) {
	path := b.Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create directory for %s: %w", b, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return false, fmt.Errorf("stat bucket %s: %w", b, statErr)
		}
		if !info.Mode().IsRegular() {
			return false, fmt.Errorf("%w: bucket %s is a %s", ErrNotBucket, b, kind(info.Mode()))
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create bucket %s: %w", b, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close bucket %s: %w", b, err)
	}
	return true, nil
}

// Verify counts bucket files missing from the tree under root without
// creating anything.
func Verify(ctx context.Context, root string, depth int) (Stats, error) {
	stats := Stats{Depth: depth, Total: shard.BucketCount(depth)}
	if err := shard.CheckDepth(depth); err != nil {
		return stats, err
	}

	err := shard.Walk(depth, func(b shard.Bucket) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := os.Stat(b.Path(root))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			stats.Missing++
		case err != nil:
			return fmt.Errorf("stat bucket %s: %w", b, err)
		case info.IsDir():
			return fmt.Errorf("bucket %s is a directory", b)
		default:
			stats.Existing++
		}
		return nil
	})
	return stats, err
}

// DetectDepth reports the depth of the tree already under root: the level
// of the first regular file found by a depth-first search over
// symbol-named entries. It returns 0 when root is missing or holds no
// bucket yet. A tree deeper than shard.MaxDepth reports shard.MaxDepth+1.
func DetectDepth(root string) (int, error) {
	symbols := make(map[string]bool, shard.AlphabetSize)
	for _, s := range shard.Symbols() {
		symbols[s] = true
	}
	return detect(root, 1, symbols)
}

func detect(dir string, level int, symbols map[string]bool) (int, error) {
	if level > shard.MaxDepth+1 {
		return level - 1, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("detect depth: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		switch {
		case !symbols[e.Name()]:
		case e.Type().IsRegular():
			return level, nil
		case e.IsDir():
			dirs = append(dirs, filepath.Join(dir, e.Name()))
		}
	}
	for _, d := range dirs {
		found, err := detect(d, level+1, symbols)
		if err != nil || found != 0 {
			return found, err
		}
	}
	return 0, nil
}

// CheckDepth fails with ErrDepthConflict when the tree under root was
// built at a depth other than depth. An empty or missing root passes.
func CheckDepth(root string, depth int) error {
	found, err := DetectDepth(root)
	if err != nil {
		return err
	}
	if found != 0 && found != depth {
		return &DepthConflictError{Root: root, Found: found, Requested: depth}
	}
	return nil
}

// ErrDepthConflict matches a *DepthConflictError with errors.Is.
var ErrDepthConflict = errors.New("tree on disk has a different depth")

// DepthConflictError reports the depth found on disk.
type DepthConflictError struct {
	Root      string
	Found     int
	Requested int
}

func (e *DepthConflictError) Error() string {
	if e.Found > shard.MaxDepth {
		return fmt.Sprintf("tree under %s is deeper than %d levels, requested %d", e.Root, shard.MaxDepth, e.Requested)
	}
	return fmt.Sprintf("tree under %s is depth %d on disk, requested %d", e.Root, e.Found, e.Requested)
}

func (e *DepthConflictError) Is(target error) bool {
	return target == ErrDepthConflict
}

func kind(m fs.FileMode) string {
	if m.IsDir() {
		return "directory"
	}
	return "non-regular file"
}
