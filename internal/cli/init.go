package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/mailshard/internal/config"
	"github.com/roach88/mailshard/internal/diskspace"
	"github.com/roach88/mailshard/internal/metrics"
	"github.com/roach88/mailshard/internal/shard"
	"github.com/roach88/mailshard/internal/shardtree"
	"github.com/roach88/mailshard/internal/store"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	shardFlags
	Yes bool
}

// InitResult is the JSON payload of a successful init.
type InitResult struct {
	Root     string          `json:"root"`
	Manifest string          `json:"manifest"`
	Stats    shardtree.Stats `json:"stats"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the full bucket tree under a storage root",
		Long: `Create every directory and empty bucket file of the shard tree.

Depth 3 creates 50,653 buckets; depth 4 creates 1,874,161 and asks for
confirmation on a terminal unless --yes is given. The run is idempotent and
resumable: existing buckets are left untouched and an interrupted init can
simply be run again. The depth is recorded in the deployment manifest and
later runs against the same root must use it.

Example:
  mailshard init --root /srv/mail --depth 3
  mailshard init --root /srv/mail --depth 4 --yes`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	opts.addRoot(cmd)
	opts.addDepth(cmd)
	opts.addMinFree(cmd)
	opts.addMetricsFile(cmd)
	cmd.Flags().IntVar(&opts.Parallelism, "parallelism", config.DefaultParallelism, "top-level subtrees built concurrently")
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "skip confirmation prompts")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd)

	cfg, err := resolveConfig(opts.RootOptions, cmd, &opts.shardFlags)
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeConfig, err.Error())
	}

	if err := checkTreeDepth(cfg.Root, cfg.Depth); err != nil {
		if errors.Is(err, store.ErrDepthMismatch) {
			return commandError(formatter, ExitCommandError, ErrCodeDepthMismatch, err.Error())
		}
		return commandError(formatter, ExitCommandError, ErrCodeGeneric, err.Error())
	}

	if !confirmInit(opts, cmd, cfg, logger) {
		return commandError(formatter, ExitFailure, ErrCodeAborted, "init aborted")
	}

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

	if _, err := st.EnsureDeployment(ctx, newDeployment(cfg, opts.RootOptions)); err != nil {
		if errors.Is(err, store.ErrDepthMismatch) {
			return commandError(formatter, ExitCommandError, ErrCodeDepthMismatch, err.Error())
		}
		return commandError(formatter, ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("record deployment: %v", err))
	}

	run, err := beginRun(ctx, st, opts.RootOptions, logger, store.RunInit, cfg.Root, "")
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("record run: %v", err))
	}

	m := metrics.New()
	logger.Info("building shard tree", "root", cfg.Root, "depth", cfg.Depth, "buckets", shard.BucketCount(cfg.Depth))
	stats, buildErr := shardtree.Build(ctx, cfg.Root, cfg.Depth, shardtree.Options{
		Parallelism: cfg.Parallelism,
		Logger:      logger,
	})
	m.TreeBuilt(stats.Created, stats.Existing)
	writeMetrics(m, cfg.MetricsFile, logger)

	record := func(r *store.Run) {
		r.Processed = stats.Created + stats.Existing
		r.Added = stats.Created
	}
	switch {
	case buildErr == nil:
		run.finish(ctx, store.StatusCompleted, record)
	case errors.Is(buildErr, context.Canceled):
		run.finish(ctx, store.StatusInterrupted, record)
		_ = formatter.Error(ErrCodeInterrupted, "init interrupted; rerun to resume", stats)
		return WrapExitError(ExitInterrupted, "init interrupted", buildErr)
	default:
		run.finish(ctx, store.StatusFailed, record)
		return commandError(formatter, ExitFailure, ErrCodeWriteFailed, buildErr.Error())
	}

	result := InitResult{Root: cfg.Root, Manifest: cfg.ManifestPath(), Stats: stats}
	if formatter.Format == "json" {
		return formatter.SuccessWithRun(run.ID(), result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Shard tree ready at %s (depth %d)\n", cfg.Root, cfg.Depth)
	fmt.Fprintf(formatter.Writer, "  buckets: %s  created: %s  existing: %s\n",
		humanize.Comma(int64(stats.Total)),
		humanize.Comma(stats.Created),
		humanize.Comma(stats.Existing))
	fmt.Fprintf(formatter.Writer, "  run: %s\n", run.ID())
	return nil
}

// confirmInit checks free space and, on a terminal, asks before a depth 4
// build or a build on a nearly full filesystem. Non-interactive runs only
// log the warning.
func confirmInit(opts *InitOptions, cmd *cobra.Command, cfg config.Config, logger *slog.Logger) bool {
	var reasons []string
	if cfg.Depth == 4 {
		reasons = append(reasons, "depth 4 creates 1,874,161 bucket files")
	}
	if low := checkDiskSpace(cfg, logger); low != nil {
		reasons = append(reasons, low.Error())
	}

	if len(reasons) == 0 || opts.Yes || !stdinIsTerminal() {
		return true
	}
	for _, r := range reasons {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", r)
	}
	return confirm(cmd, "Continue?")
}

// checkDiskSpace logs and returns an *diskspace.InsufficientError when the
// root's filesystem is below the configured minimum. Other errors (such as
// an unsupported platform) are logged at debug level and ignored.
func checkDiskSpace(cfg config.Config, logger *slog.Logger) error {
	err := diskspace.Check(cfg.Root, cfg.MinFreeBytes())
	var low *diskspace.InsufficientError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &low):
		logger.Warn("low disk space", "path", low.Path, "free", low.Free, "required", low.Required)
		return low
	default:
		logger.Debug("free space check skipped", "error", err)
		return nil
	}
}

// writeMetrics writes the textfile if a path is configured. A failed write
// is logged; it never fails the run.
func writeMetrics(m *metrics.Collector, path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	if err := m.WriteTextfile(path); err != nil {
		logger.Error("failed to write metrics", "path", path, "error", err)
		return
	}
	logger.Debug("metrics written", "path", path)
}
