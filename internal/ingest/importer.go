package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/time/rate"

	"github.com/roach88/mailshard/internal/metrics"
	"github.com/roach88/mailshard/internal/record"
	"github.com/roach88/mailshard/internal/shard"
	"github.com/roach88/mailshard/internal/shardtree"
)

// DefaultBufferThreshold is the number of pending records per bucket that
// triggers a flush.
const DefaultBufferThreshold = 500

// DefaultProgressEvery is the number of processed lines between progress
// log lines.
const DefaultProgressEvery = 100_000

// Config configures an Importer.
type Config struct {
	// Root is the storage root holding the bucket tree. It must exist.
	Root string

	// Depth is the deployment's shard depth (3 or 4).
	Depth int

	// Separator splits source lines into email and id. Empty means ":".
	Separator string

	// BufferThreshold is the per-bucket flush threshold. Zero means
	// DefaultBufferThreshold.
	BufferThreshold int

	// ProgressEvery is the number of processed lines between progress logs.
	// Zero means DefaultProgressEvery.
	ProgressEvery int

	// Logger receives progress and failure messages. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics receives counters. Nil records nothing.
	Metrics *metrics.Collector
}

// SourceResult summarizes one consumed source.
type SourceResult struct {
	Name      string `json:"name"`
	Processed int64  `json:"processed"`
	Added     int64  `json:"added"`
	Error     string `json:"error,omitempty"`

	Err error `json:"-"`
}

// Result aggregates the outcome of one Import call.
type Result struct {
	Processed int64 `json:"processed"`
	Added     int64 `json:"added"`

	// Skipped counts non-blank lines rejected as malformed.
	Skipped int64 `json:"skipped"`

	// Dropped counts added records lost to failed flushes.
	Dropped int64 `json:"dropped"`

	Flushes            int  `json:"flushes"`
	FlushFailures      int  `json:"flush_failures"`
	SourceFailures     int  `json:"source_failures"`
	BucketReadFailures int  `json:"bucket_read_failures"`
	BucketsTouched     int  `json:"buckets_touched"`
	Interrupted        bool `json:"interrupted"`

	Sources []SourceResult `json:"sources"`

	// BucketFailures lists buckets that could not be read or flushed.
	BucketFailures []BucketFailure `json:"bucket_failures,omitempty"`
}

// BucketFailure records one degraded bucket operation.
type BucketFailure struct {
	Bucket string `json:"bucket"`
	Op     string `json:"op"` // "read" or "flush"
	Error  string `json:"error"`
}

// Warnings is the number of degraded outcomes surfaced by the run.
func (r Result) Warnings() int {
	return r.SourceFailures + r.BucketReadFailures + r.FlushFailures
}

// Importer runs the dedup import pipeline against one storage root.
type Importer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector
	parser  *record.Parser

	mu      sync.Mutex
	buckets map[string]*bucketState
	dirty   []*bucketState
}

// CheckRoot fails with ErrRootMissing unless root is an existing directory.
func CheckRoot(root string) error {
	info, err := os.Stat(root)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrRootMissing, root)
	}
	if err != nil {
		return fmt.Errorf("stat storage root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRootMissing, root)
	}
	return nil
}

// New validates cfg and returns an Importer, before any source is read. It
// fails with ErrRootMissing if the storage root does not exist and with
// shardtree.ErrDepthConflict if the tree under it has another depth.
func New(cfg Config) (*Importer, error) {
	if err := shard.CheckDepth(cfg.Depth); err != nil {
		return nil, err
	}
	if err := CheckRoot(cfg.Root); err != nil {
		return nil, err
	}
	if err := shardtree.CheckDepth(cfg.Root, cfg.Depth); err != nil {
		return nil, err
	}

	if cfg.Separator == "" {
		cfg.Separator = record.Separator
	}
	if cfg.BufferThreshold <= 0 {
		cfg.BufferThreshold = DefaultBufferThreshold
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Importer{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		parser:  record.NewParser(cfg.Separator),
		buckets: make(map[string]*bucketState),
	}, nil
}

// Import consumes sources in order and returns the aggregated result.
//
// When ctx is cancelled Import stops at the next line boundary, flushes every
// pending buffer and returns the partial result with an error wrapping
// ErrInterrupted. Source and bucket failures never make Import return an
// error; they are reported in the result.
func (i *Importer) Import(ctx context.Context, sources []Source) (Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	// Dedup sets and buffers are run-scoped.
	i.buckets = make(map[string]*bucketState)
	i.dirty = nil
	defer func() {
		i.buckets = make(map[string]*bucketState)
		i.dirty = nil
	}()

	res := Result{Sources: make([]SourceResult, 0, len(sources))}
	progress := &rate.Sometimes{Every: i.cfg.ProgressEvery}

	for idx, src := range sources {
		if ctx.Err() != nil {
			break
		}
		i.logger.Info("importing source",
			"source", src.Name(),
			"index", idx+1,
			"total", len(sources))

		sr := i.consume(ctx, src, &res, progress)
		i.flushAll(&res)
		res.Sources = append(res.Sources, sr)

		i.logger.Info("source done",
			"source", sr.Name,
			"processed", sr.Processed,
			"added", sr.Added)
	}

	i.flushAll(&res)
	res.BucketsTouched = len(i.buckets)

	if err := ctx.Err(); err != nil {
		res.Interrupted = true
		i.logger.Warn("import interrupted, pending buffers flushed",
			"processed", res.Processed,
			"added", res.Added)
		return res, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	}
	return res, nil
}

// consume reads one source line by line. A read failure abandons the source;
// lines processed before it stay counted.
func (i *Importer) consume(ctx context.Context, src Source, res *Result, progress *rate.Sometimes) SourceResult {
	sr := SourceResult{Name: src.Name()}

	rc, err := src.Open()
	if err != nil {
		i.sourceFailed(&sr, res, &SourceError{Source: sr.Name, Err: err})
		return sr
	}
	defer rc.Close()

	sc := record.NewScanner(rc)
	var lineNo int64
	for {
		if ctx.Err() != nil {
			return sr
		}
		if !sc.Scan() {
			break
		}
		lineNo++
		i.processLine(sc.Text(), &sr, res)
		progress.Do(func() {
			i.logger.Info("import progress",
				"processed", res.Processed,
				"added", res.Added,
				"buckets", len(i.buckets))
		})
	}
	if err := sc.Err(); err != nil {
		i.sourceFailed(&sr, res, &SourceError{Source: sr.Name, Line: lineNo, Err: err})
		return sr
	}

	i.metrics.SourceDone(nil)
	return sr
}

func (i *Importer) sourceFailed(sr *SourceResult, res *Result, err *SourceError) {
	sr.Err = err
	sr.Error = err.Error()
	res.SourceFailures++
	i.metrics.SourceDone(err)
	i.logger.Warn("source abandoned", "source", err.Source, "line", err.Line, "error", err.Err)
}

// processLine runs one line through parse, resolve, dedup and buffer.
func (i *Importer) processLine(line string, sr *SourceResult, res *Result) {
	rec, outcome := i.parser.Parse(line)
	switch outcome {
	case record.Accepted:
	case record.Blank:
		return
	default:
		res.Skipped++
		return
	}

	res.Processed++
	sr.Processed++
	i.metrics.LineProcessed()

	state := i.state(shard.Resolve(rec.Email, i.cfg.Depth), res)
	if !state.add(rec.Canonical()) {
		return
	}

	res.Added++
	sr.Added++
	i.metrics.RecordAdded()

	if !state.queued {
		state.queued = true
		i.dirty = append(i.dirty, state)
	}
	if state.pending() >= i.cfg.BufferThreshold {
		i.flushBucket(state, res)
	}
}

// state returns the bucket's run state, hydrating it on first reference.
func (i *Importer) state(b shard.Bucket, res *Result) *bucketState {
	key := b.String()
	if st, ok := i.buckets[key]; ok {
		return st
	}

	st := newBucketState(b, i.cfg.Root)
	i.buckets[key] = st

	n, err := st.hydrate()
	i.metrics.Hydrated(n, err)
	if err != nil {
		res.BucketReadFailures++
		res.BucketFailures = append(res.BucketFailures, BucketFailure{Bucket: key, Op: "read", Error: err.Error()})
		i.logger.Warn("bucket unreadable, treating as empty",
			"bucket", key,
			"error", err)
	} else {
		i.logger.Debug("bucket hydrated", "bucket", key, "records", n)
	}
	return st
}

func (i *Importer) flushBucket(st *bucketState, res *Result) {
	n, err := st.flush()
	if n == 0 {
		return
	}
	res.Flushes++
	i.metrics.Flush(n, err)
	if err != nil {
		res.FlushFailures++
		res.Dropped += int64(n)
		res.BucketFailures = append(res.BucketFailures, BucketFailure{
			Bucket: st.bucket.String(),
			Op:     "flush",
			Error:  err.Error(),
		})
		i.logger.Error("flush failed, records dropped",
			"bucket", st.bucket.String(),
			"records", n,
			"error", err)
	}
}

// flushAll flushes every bucket with pending records.
func (i *Importer) flushAll(res *Result) {
	for _, st := range i.dirty {
		i.flushBucket(st, res)
		st.queued = false
	}
	i.dirty = i.dirty[:0]
}
