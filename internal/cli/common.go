package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/roach88/mailshard/internal/config"
	"github.com/roach88/mailshard/internal/shard"
	"github.com/roach88/mailshard/internal/shardtree"
	"github.com/roach88/mailshard/internal/store"
)

// shardFlags holds the per-command flags that layer over the config file.
// Only flags the user actually set override the file.
type shardFlags struct {
	Root        string
	Depth       int
	Separator   string
	Buffer      int
	Extension   string
	Parallelism int
	MinFree     int64
	MetricsFile string
}

func (f *shardFlags) addRoot(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Root, "root", "", "storage root directory")
}

func (f *shardFlags) addDepth(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.Depth, "depth", config.DefaultDepth, "shard depth (3 or 4)")
}

func (f *shardFlags) addMetricsFile(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.MetricsFile, "metrics-file", "", "write Prometheus textfile metrics to this path")
}

func (f *shardFlags) addMinFree(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.MinFree, "min-free", 0, "warn below this many free bytes (default 10GiB at depth 4, 1GiB otherwise)")
}

// resolveConfig merges defaults, the --config file and set flags, then
// validates the result. Root and manifest paths are made absolute.
func resolveConfig(opts *RootOptions, cmd *cobra.Command, f *shardFlags) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigFile != "" {
		loaded, err := config.Load(opts.ConfigFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Root = f.Root
	}
	if flags.Changed("depth") {
		cfg.Depth = f.Depth
	}
	if flags.Changed("sep") {
		cfg.Separator = f.Separator
	}
	if flags.Changed("buffer") {
		cfg.BufferThreshold = f.Buffer
	}
	if flags.Changed("ext") {
		cfg.Extension = f.Extension
	}
	if flags.Changed("parallelism") {
		cfg.Parallelism = f.Parallelism
	}
	if flags.Changed("min-free") {
		cfg.MinFree = f.MinFree
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = f.MetricsFile
	}
	if opts.Manifest != "" {
		cfg.Manifest = opts.Manifest
	}
	cfg.Normalize()

	if cfg.Root == "" {
		return cfg, errors.New("storage root is required (--root or root: in config)")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return cfg, fmt.Errorf("resolve root: %w", err)
	}
	cfg.Root = root
	if cfg.Manifest != "" {
		if cfg.Manifest, err = filepath.Abs(cfg.Manifest); err != nil {
			return cfg, fmt.Errorf("resolve manifest: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// newLogger configures the process logger from the verbose flag.
func newLogger(opts *RootOptions, cmd *cobra.Command) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// commandError reports an error through the formatter and returns the
// matching ExitError.
func commandError(formatter *OutputFormatter, exitCode int, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return WrapExitError(exitCode, fmt.Sprintf("%s: %s", code, message), nil)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan) // Prevent signal handler leak
		select {
		case sig := <-sigChan:
			logger.Info("received signal, finishing current line and flushing", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	return ctx, cancel
}

// stdinIsTerminal reports whether confirmation prompts can be shown.
// Overridden in tests.
var stdinIsTerminal = func() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// confirm asks a yes/no question on stderr and reads the answer from the
// command's stdin. Anything but y/yes is a no.
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N]: ", question)
	answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// openManifest opens the deployment manifest, creating its directory.
func openManifest(cfg config.Config) (*store.Store, error) {
	path := cfg.ManifestPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create manifest directory: %w", err)
	}
	return store.Open(path)
}

// openExistingManifest opens the deployment manifest only if it already
// exists. A missing manifest is reported as fs.ErrNotExist.
func openExistingManifest(cfg config.Config) (*store.Store, error) {
	path := cfg.ManifestPath()
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return store.Open(path)
}

func newDeployment(cfg config.Config, opts *RootOptions) store.Deployment {
	return store.Deployment{
		Root:      cfg.Root,
		Depth:     cfg.Depth,
		Alphabet:  strings.Join(shard.Symbols(), ","),
		CreatedAt: opts.now().Unix(),
	}
}

// deploymentDepth returns the depth recorded for cfg.Root. An unrecorded
// root is recorded at cfg.Depth when record is set, and otherwise just uses
// cfg.Depth. An explicit --depth that disagrees with the record, or a tree
// on disk built at another depth, fails with store.ErrDepthMismatch.
func deploymentDepth(ctx context.Context, st *store.Store, cfg config.Config, opts *RootOptions, cmd *cobra.Command, record bool) (int, error) {
	d, err := st.Deployment(ctx, cfg.Root)
	switch {
	case err == nil:
		if cmd.Flags().Changed("depth") && cfg.Depth != d.Depth {
			return 0, fmt.Errorf("%w: %s is depth %d, requested %d",
				store.ErrDepthMismatch, cfg.Root, d.Depth, cfg.Depth)
		}
		if err := checkTreeDepth(cfg.Root, d.Depth); err != nil {
			return 0, err
		}
		return d.Depth, nil
	case errors.Is(err, store.ErrNotFound):
		if err := checkTreeDepth(cfg.Root, cfg.Depth); err != nil {
			return 0, err
		}
		if !record {
			return cfg.Depth, nil
		}
		d, err := st.EnsureDeployment(ctx, newDeployment(cfg, opts))
		if err != nil {
			return 0, err
		}
		return d.Depth, nil
	default:
		return 0, err
	}
}

// checkTreeDepth compares depth with the tree already under root, so a
// root built elsewhere or recorded in another manifest is never mixed.
func checkTreeDepth(root string, depth int) error {
	err := shardtree.CheckDepth(root, depth)
	if errors.Is(err, shardtree.ErrDepthConflict) {
		return fmt.Errorf("%w: %v", store.ErrDepthMismatch, err)
	}
	return err
}

// runRecorder tracks one run in the manifest. Finishing uses a context
// detached from cancellation so an interrupted run is still recorded.
type runRecorder struct {
	st     *store.Store
	run    store.Run
	opts   *RootOptions
	logger *slog.Logger
}

func beginRun(ctx context.Context, st *store.Store, opts *RootOptions, logger *slog.Logger, kind store.RunKind, root, sep string) (*runRecorder, error) {
	rec := &runRecorder{
		st: st,
		run: store.Run{
			ID:        opts.ids().Generate(),
			Root:      root,
			Kind:      kind,
			Status:    store.StatusRunning,
			Separator: sep,
			StartedAt: opts.now().Unix(),
		},
		opts:   opts,
		logger: logger,
	}
	if err := st.BeginRun(ctx, rec.run); err != nil {
		return nil, err
	}
	logger.Debug("run started", "run_id", rec.run.ID, "kind", kind)
	return rec, nil
}

func (r *runRecorder) ID() string {
	return r.run.ID
}

func (r *runRecorder) warn(ctx context.Context, source, message string) {
	err := r.st.WriteRunWarning(context.WithoutCancel(ctx), store.RunWarning{
		RunID:   r.run.ID,
		Source:  source,
		Message: message,
	})
	if err != nil {
		r.logger.Error("failed to record run warning", "run_id", r.run.ID, "error", err)
	}
}

func (r *runRecorder) finish(ctx context.Context, status store.RunStatus, update func(*store.Run)) {
	r.run.Status = status
	if update != nil {
		update(&r.run)
	}
	r.run.FinishedAt = r.opts.now().Unix()
	if err := r.st.FinishRun(context.WithoutCancel(ctx), r.run); err != nil {
		r.logger.Error("failed to record run result", "run_id", r.run.ID, "error", err)
		return
	}
	r.logger.Debug("run recorded", "run_id", r.run.ID, "status", status)
}
