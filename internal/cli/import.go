package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/mailshard/internal/ingest"
	"github.com/roach88/mailshard/internal/metrics"
	"github.com/roach88/mailshard/internal/record"
	"github.com/roach88/mailshard/internal/shardtree"
	"github.com/roach88/mailshard/internal/store"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	shardFlags
}

// ImportResult is the JSON payload of an import.
type ImportResult struct {
	Root  string `json:"root"`
	Depth int    `json:"depth"`
	ingest.Result
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <import-dir>",
		Short: "Import email:id records into the shard tree",
		Long: `Import every source file under <import-dir> into the storage root.

Each line is split on the first separator, the email is trimmed and
lowercased, the id trimmed, and the record appended to its bucket unless
the bucket already holds it. Source and bucket failures are reported and
skipped; the run continues. On Ctrl-C the current line finishes, pending
records are flushed and the command exits with status 130.

The storage root must already exist. Its depth is taken from the
deployment manifest; a root without a manifest entry is recorded at --depth.

Example:
  mailshard import --root /srv/mail ./dumps
  mailshard import --root /srv/mail --sep ';' --ext csv ./exports`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	opts.addRoot(cmd)
	opts.addDepth(cmd)
	opts.addMinFree(cmd)
	opts.addMetricsFile(cmd)
	cmd.Flags().StringVar(&opts.Separator, "sep", record.Separator, "separator between email and id in source lines")
	cmd.Flags().StringVar(&opts.Extension, "ext", "", "only import files with this extension")
	cmd.Flags().IntVar(&opts.Buffer, "buffer", ingest.DefaultBufferThreshold, "pending records per bucket before a flush")

	return cmd
}

func runImport(opts *ImportOptions, importDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd)

	cfg, err := resolveConfig(opts.RootOptions, cmd, &opts.shardFlags)
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeConfig, err.Error())
	}

	// The root must exist before anything is read or recorded.
	if err := ingest.CheckRoot(cfg.Root); err != nil {
		if errors.Is(err, ingest.ErrRootMissing) {
			return commandError(formatter, ExitCommandError, ErrCodeNotFound, err.Error())
		}
		return commandError(formatter, ExitCommandError, ErrCodeGeneric, err.Error())
	}

	files, err := ingest.Discover(importDir, cfg.Extension)
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeScanError, err.Error())
	}
	if len(files) == 0 {
		return commandError(formatter, ExitCommandError, ErrCodeNoFiles,
			fmt.Sprintf("no source files found in %s", importDir))
	}
	formatter.VerboseLog("Found %d source file(s) in %s", len(files), importDir)

	_ = checkDiskSpace(cfg, logger)

	st, err := openManifest(cfg)
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("open manifest: %v", err))
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing manifest", "error", closeErr)
		}
	}()

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	depth, err := deploymentDepth(ctx, st, cfg, opts.RootOptions, cmd, true)
	if err != nil {
		if errors.Is(err, store.ErrDepthMismatch) {
			return commandError(formatter, ExitCommandError, ErrCodeDepthMismatch, err.Error())
		}
		return commandError(formatter, ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("record deployment: %v", err))
	}

	run, err := beginRun(ctx, st, opts.RootOptions, logger, store.RunImport, cfg.Root, cfg.Separator)
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("record run: %v", err))
	}

	m := metrics.New()
	imp, err := ingest.New(ingest.Config{
		Root:            cfg.Root,
		Depth:           depth,
		Separator:       cfg.Separator,
		BufferThreshold: cfg.BufferThreshold,
		ProgressEvery:   cfg.ProgressEvery,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		run.finish(ctx, store.StatusFailed, nil)
		if errors.Is(err, shardtree.ErrDepthConflict) {
			return commandError(formatter, ExitCommandError, ErrCodeDepthMismatch, err.Error())
		}
		return commandError(formatter, ExitCommandError, ErrCodeGeneric, err.Error())
	}

	logger.Info("import starting", "root", cfg.Root, "depth", depth, "sources", len(files), "run_id", run.ID(), "manifest", st.Path())
	res, importErr := imp.Import(ctx, ingest.FileSources(files))
	writeMetrics(m, cfg.MetricsFile, logger)

	for _, sr := range res.Sources {
		if sr.Err != nil {
			run.warn(ctx, sr.Name, sr.Error)
		}
	}
	for _, bf := range res.BucketFailures {
		run.warn(ctx, "bucket "+bf.Bucket, bf.Op+": "+bf.Error)
	}

	status := store.StatusCompleted
	switch {
	case importErr == nil:
	case ingest.IsInterrupted(importErr):
		status = store.StatusInterrupted
	default:
		status = store.StatusFailed
	}
	run.finish(ctx, status, func(r *store.Run) {
		r.Processed = res.Processed
		r.Added = res.Added
		r.Dropped = res.Dropped
		r.Warnings = int64(res.Warnings())
		r.Sources = int64(len(res.Sources))
	})

	result := ImportResult{Root: cfg.Root, Depth: depth, Result: res}
	if formatter.Format == "json" {
		if err := formatter.SuccessWithRun(run.ID(), result); err != nil {
			return err
		}
	} else {
		writeImportSummary(formatter.Writer, res, run.ID())
	}

	switch status {
	case store.StatusInterrupted:
		return WrapExitError(ExitInterrupted, "import interrupted", importErr)
	case store.StatusFailed:
		return WrapExitError(ExitFailure, "import failed", importErr)
	}
	return nil
}

// writeImportSummary prints the human-readable run summary.
func writeImportSummary(w io.Writer, res ingest.Result, runID string) {
	mark := "✓"
	if res.Interrupted {
		mark = "!"
	} else if res.Warnings() > 0 {
		mark = "~"
	}

	fmt.Fprintf(w, "%s Imported %s new record(s) from %s line(s) in %d source(s)\n",
		mark,
		humanize.Comma(res.Added),
		humanize.Comma(res.Processed),
		len(res.Sources))
	fmt.Fprintf(w, "  skipped: %s  dropped: %s  buckets touched: %s  flushes: %s\n",
		humanize.Comma(res.Skipped),
		humanize.Comma(res.Dropped),
		humanize.Comma(int64(res.BucketsTouched)),
		humanize.Comma(int64(res.Flushes)))

	if res.Warnings() > 0 {
		fmt.Fprintf(w, "  warnings: %d (%d source, %d bucket read, %d flush)\n",
			res.Warnings(), res.SourceFailures, res.BucketReadFailures, res.FlushFailures)
		for _, sr := range res.Sources {
			if sr.Error != "" {
				fmt.Fprintf(w, "    %s: %s\n", sr.Name, sr.Error)
			}
		}
		for _, bf := range res.BucketFailures {
			fmt.Fprintf(w, "    bucket %s (%s): %s\n", bf.Bucket, bf.Op, bf.Error)
		}
	}
	if res.Interrupted {
		fmt.Fprintln(w, "  interrupted: pending records were flushed; rerun to continue")
	}
	fmt.Fprintf(w, "  run: %s\n", runID)
}
