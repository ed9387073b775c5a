// Package compact rewrites bucket files into canonical, duplicate-free form.
//
// Buckets written by older tooling may hold records in non-canonical form
// (mixed-case emails, padded ids) or the same record twice. The import
// pipeline tolerates both, so compaction is never run implicitly; it is an
// explicit maintenance pass. Without Apply it only reports what it would do.
//
// Lines that do not parse as email:id are kept verbatim. Survivors keep
// their first-seen order.
package compact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/mailshard/internal/metrics"
	"github.com/roach88/mailshard/internal/record"
	"github.com/roach88/mailshard/internal/shard"
)

// Report describes one bucket file.
type Report struct {
	Path      string `json:"path"`
	Lines     int    `json:"lines"`
	Kept      int    `json:"kept"`
	Removed   int    `json:"removed"`
	Rewritten int    `json:"rewritten"`
	Verbatim  int    `json:"verbatim"`
	Changed   bool   `json:"changed"`
	Applied   bool   `json:"applied"`
}

// Bucket compacts the bucket file at path. The file is only replaced when
// apply is set and the compacted content differs from what is on disk; the
// replacement is atomic.
func Bucket(path string, apply bool) (Report, error) {
	rep := Report{Path: path}

	original, err := os.ReadFile(path)
	if err != nil {
		return rep, fmt.Errorf("read bucket: %w", err)
	}

	lines, err := record.ReadLines(bytes.NewReader(original))
	if err != nil {
		return rep, fmt.Errorf("read bucket %s: %w", path, err)
	}
	rep.Lines = len(lines)

	parser := record.NewParser(record.Separator)
	seen := make(map[string]struct{}, len(lines))
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		key := line
		if rec, outcome := parser.Parse(line); outcome == record.Accepted {
			key = rec.Canonical()
			if key != line {
				rep.Rewritten++
			}
		} else {
			rep.Verbatim++
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, key)
	}
	rep.Kept = len(kept)
	rep.Removed = rep.Lines - rep.Kept

	var out string
	if len(kept) > 0 {
		out = strings.Join(kept, "\n") + "\n"
	}
	rep.Changed = out != string(original)

	if apply && rep.Changed {
		if err := replaceFile(path, out); err != nil {
			return rep, err
		}
		rep.Applied = true
	}
	return rep, nil
}

// replaceFile writes content to a temp file beside path and renames it over
// path, keeping the original permissions.
func replaceFile(path, content string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat bucket: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace bucket: %w", err)
	}
	return nil
}

// Options configures a tree compaction.
type Options struct {
	// Apply rewrites changed buckets. When false the pass is a dry run.
	Apply bool

	// Logger receives progress and per-bucket failures. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics, if set, counts removed lines on applied rewrites.
	Metrics *metrics.Collector

	// ProgressInterval throttles progress log lines. Zero means 5 seconds.
	ProgressInterval time.Duration
}

// TreeReport aggregates Bucket reports over a whole tree.
type TreeReport struct {
	Depth     int  `json:"depth"`
	Buckets   int  `json:"buckets"`
	Missing   int  `json:"missing"`
	Failed    int  `json:"failed"`
	Changed   int  `json:"changed"`
	Applied   int  `json:"applied"`
	Lines     int  `json:"lines"`
	Removed   int  `json:"removed"`
	Rewritten int  `json:"rewritten"`
	Verbatim  int  `json:"verbatim"`
	DryRun    bool `json:"dry_run"`
}

// Tree compacts every bucket of a depth-level tree under root. Missing
// buckets are counted, not created. A bucket that cannot be read or
// replaced is logged and counted in Failed; the pass continues.
//
// On cancellation Tree returns ctx.Err() with the report so far.
func Tree(ctx context.Context, root string, depth int, opts Options) (TreeReport, error) {
	rep := TreeReport{Depth: depth, DryRun: !opts.Apply}
	if err := shard.CheckDepth(depth); err != nil {
		return rep, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	progress := &rate.Sometimes{Interval: interval}
	total := shard.BucketCount(depth)

	err := shard.Walk(depth, func(b shard.Bucket) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := Bucket(b.Path(root), opts.Apply)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			rep.Missing++
			return nil
		case err != nil:
			rep.Failed++
			logger.Warn("compact bucket failed", "bucket", b.String(), "error", err)
			return nil
		}

		rep.Buckets++
		rep.Lines += r.Lines
		rep.Removed += r.Removed
		rep.Rewritten += r.Rewritten
		rep.Verbatim += r.Verbatim
		if r.Changed {
			rep.Changed++
		}
		if r.Applied {
			rep.Applied++
			opts.Metrics.Compacted(r.Removed)
			logger.Debug("compacted bucket", "bucket", b.String(), "removed", r.Removed)
		}

		progress.Do(func() {
			logger.Info("compacting",
				"done", rep.Buckets+rep.Missing+rep.Failed,
				"total", total,
				"removed", rep.Removed)
		})
		return nil
	})
	if err != nil {
		return rep, err
	}
	return rep, nil
}
