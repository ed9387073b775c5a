package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/mailshard/internal/shardtree"
	"github.com/roach88/mailshard/internal/store"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	shardFlags
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that every bucket file exists",
		Long: `Walk the bucket tree and count bucket files that are missing.

Exits with status 1 if any bucket is missing; running init again creates
them without touching existing data.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	opts.addRoot(cmd)
	opts.addDepth(cmd)

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd)

	cfg, err := resolveConfig(opts.RootOptions, cmd, &opts.shardFlags)
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeConfig, err.Error())
	}

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	// Verifying never creates a manifest; without one the configured depth
	// is checked against the tree on disk only.
	var depth int
	st, err := openExistingManifest(cfg)
	switch {
	case err == nil:
		defer st.Close()
		logger.Debug("using manifest", "manifest", st.Path())
		depth, err = deploymentDepth(ctx, st, cfg, opts.RootOptions, cmd, false)
	case errors.Is(err, fs.ErrNotExist):
		logger.Debug("no manifest, using configured depth", "manifest", cfg.ManifestPath())
		depth, err = cfg.Depth, checkTreeDepth(cfg.Root, cfg.Depth)
	default:
		return commandError(formatter, ExitCommandError, ErrCodeGeneric, fmt.Sprintf("open manifest: %v", err))
	}
	if err != nil {
		if errors.Is(err, store.ErrDepthMismatch) {
			return commandError(formatter, ExitCommandError, ErrCodeDepthMismatch, err.Error())
		}
		return commandError(formatter, ExitCommandError, ErrCodeGeneric, err.Error())
	}

	stats, err := shardtree.Verify(ctx, cfg.Root, depth)
	if err != nil {
		if ctx.Err() != nil {
			_ = formatter.Error(ErrCodeInterrupted, "verify interrupted", stats)
			return WrapExitError(ExitInterrupted, "verify interrupted", err)
		}
		return commandError(formatter, ExitFailure, ErrCodeGeneric, err.Error())
	}

	if stats.Missing > 0 {
		_ = formatter.Error(ErrCodeIncomplete,
			fmt.Sprintf("%s of %s buckets missing under %s",
				humanize.Comma(stats.Missing), humanize.Comma(int64(stats.Total)), cfg.Root),
			stats)
		return WrapExitError(ExitFailure, ErrCodeIncomplete+": bucket tree incomplete", nil)
	}

	if formatter.Format == "json" {
		return formatter.Success(stats)
	}
	fmt.Fprintf(formatter.Writer, "✓ All %s buckets present under %s (depth %d)\n",
		humanize.Comma(int64(stats.Total)), cfg.Root, depth)
	return nil
}
