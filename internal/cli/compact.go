package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/mailshard/internal/compact"
	"github.com/roach88/mailshard/internal/metrics"
	"github.com/roach88/mailshard/internal/store"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	shardFlags
	Apply bool
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Canonicalize and deduplicate existing bucket files",
		Long: `Rewrite bucket files so every record is in canonical email:id form and
appears once, keeping first-seen order. Lines that are not email:id records
are kept as they are.

Without --apply nothing is written and the command only reports what would
change. Import never compacts on its own.

Example:
  mailshard compact --root /srv/mail
  mailshard compact --root /srv/mail --apply`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(opts, cmd)
		},
	}

	opts.addRoot(cmd)
	opts.addDepth(cmd)
	opts.addMetricsFile(cmd)
	cmd.Flags().BoolVar(&opts.Apply, "apply", false, "rewrite changed buckets (default is a dry run)")

	return cmd
}

func runCompact(opts *CompactOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd)

	cfg, err := resolveConfig(opts.RootOptions, cmd, &opts.shardFlags)
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeConfig, err.Error())
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

	depth, err := deploymentDepth(ctx, st, cfg, opts.RootOptions, cmd, true)
	if err != nil {
		if errors.Is(err, store.ErrDepthMismatch) {
			return commandError(formatter, ExitCommandError, ErrCodeDepthMismatch, err.Error())
		}
		return commandError(formatter, ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("record deployment: %v", err))
	}

	run, err := beginRun(ctx, st, opts.RootOptions, logger, store.RunCompact, cfg.Root, "")
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("record run: %v", err))
	}

	m := metrics.New()
	rep, compactErr := compact.Tree(ctx, cfg.Root, depth, compact.Options{
		Apply:   opts.Apply,
		Logger:  logger,
		Metrics: m,
	})
	writeMetrics(m, cfg.MetricsFile, logger)

	record := func(r *store.Run) {
		r.Processed = int64(rep.Lines)
		r.Dropped = int64(rep.Removed)
		r.Warnings = int64(rep.Failed)
		r.Sources = int64(rep.Buckets)
	}
	switch {
	case compactErr == nil:
		run.finish(ctx, store.StatusCompleted, record)
	case errors.Is(compactErr, context.Canceled):
		run.finish(ctx, store.StatusInterrupted, record)
		_ = formatter.Error(ErrCodeInterrupted, "compact interrupted", rep)
		return WrapExitError(ExitInterrupted, "compact interrupted", compactErr)
	default:
		run.finish(ctx, store.StatusFailed, record)
		return commandError(formatter, ExitFailure, ErrCodeGeneric, compactErr.Error())
	}

	if formatter.Format == "json" {
		return formatter.SuccessWithRun(run.ID(), rep)
	}

	verb := "Would rewrite"
	if opts.Apply {
		verb = "Rewrote"
	}
	changed := rep.Changed
	if opts.Apply {
		changed = rep.Applied
	}
	fmt.Fprintf(formatter.Writer, "✓ %s %s of %s bucket(s)\n",
		verb, humanize.Comma(int64(changed)), humanize.Comma(int64(rep.Buckets)))
	fmt.Fprintf(formatter.Writer, "  lines: %s  duplicates removed: %s  rewritten: %s  kept verbatim: %s\n",
		humanize.Comma(int64(rep.Lines)),
		humanize.Comma(int64(rep.Removed)),
		humanize.Comma(int64(rep.Rewritten)),
		humanize.Comma(int64(rep.Verbatim)))
	if rep.Missing > 0 || rep.Failed > 0 {
		fmt.Fprintf(formatter.Writer, "  missing: %s  failed: %s\n",
			humanize.Comma(int64(rep.Missing)), humanize.Comma(int64(rep.Failed)))
	}
	if !opts.Apply && rep.Changed > 0 {
		fmt.Fprintln(formatter.Writer, "  dry run: pass --apply to rewrite")
	}
	fmt.Fprintf(formatter.Writer, "  run: %s\n", run.ID())
	return nil
}
