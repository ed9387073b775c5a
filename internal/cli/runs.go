package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/mailshard/internal/store"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	shardFlags
	Limit int
	RunID string
}

// RunDetail is the JSON payload of `runs --id`.
type RunDetail struct {
	store.Run
	Details []store.RunWarning `json:"details"`
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs recorded in the deployment manifest",
		Long: `List recent init, import and compact runs against a storage root,
newest first. With --id, show one run and its warnings.

Example:
  mailshard runs --root /srv/mail --limit 5
  mailshard runs --root /srv/mail --id 01912f6e-...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(opts, cmd)
		},
	}

	opts.addRoot(cmd)
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list (0 for all)")
	cmd.Flags().StringVar(&opts.RunID, "id", "", "show a single run with its warnings")

	return cmd
}

func runRuns(opts *RunsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := resolveConfig(opts.RootOptions, cmd, &opts.shardFlags)
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeConfig, err.Error())
	}

	// Listing never creates a manifest.
	st, err := openExistingManifest(cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return commandError(formatter, ExitCommandError, ErrCodeNotFound,
			fmt.Sprintf("no manifest at %s", cfg.ManifestPath()))
	}
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeGeneric, fmt.Sprintf("open manifest: %v", err))
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.RunID != "" {
		return showRun(ctx, st, formatter, opts.RunID)
	}

	runs, err := st.ListRuns(ctx, cfg.Root, opts.Limit)
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeGeneric, err.Error())
	}
	if formatter.Format == "json" {
		return formatter.Success(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintf(formatter.Writer, "No runs recorded for %s\n", cfg.Root)
		return nil
	}
	writeRunTable(formatter.Writer, runs)
	return nil
}

func showRun(ctx context.Context, st *store.Store, formatter *OutputFormatter, id string) error {
	run, err := st.ReadRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return commandError(formatter, ExitCommandError, ErrCodeNotFound, fmt.Sprintf("run %s not found", id))
	}
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeGeneric, err.Error())
	}
	warnings, err := st.ReadRunWarnings(ctx, id)
	if err != nil {
		return commandError(formatter, ExitCommandError, ErrCodeGeneric, err.Error())
	}

	if formatter.Format == "json" {
		return formatter.SuccessWithRun(id, RunDetail{Run: run, Details: warnings})
	}

	writeRunTable(formatter.Writer, []store.Run{run})
	for _, w := range warnings {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", w.Source, w.Message)
	}
	return nil
}

func writeRunTable(w io.Writer, runs []store.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tSTARTED\tPROCESSED\tADDED\tWARNINGS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.ID,
			r.Kind,
			r.Status,
			time.Unix(r.StartedAt, 0).UTC().Format(time.RFC3339),
			humanize.Comma(r.Processed),
			humanize.Comma(r.Added),
			r.Warnings)
	}
	tw.Flush()
}
