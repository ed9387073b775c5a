// Package config holds the merged mailshard configuration: built-in
// defaults, an optional YAML file and command-line flags, validated against
// an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/mailshard/internal/ingest"
	"github.com/roach88/mailshard/internal/record"
)

//go:embed schema.cue
var schemaCUE string

const (
	// DefaultDepth is the shard depth used when none is configured.
	DefaultDepth = 4

	// DefaultParallelism bounds concurrent top-level subtrees during init.
	DefaultParallelism = 4

	// ManifestSuffix is appended to the root path to form the default
	// manifest location.
	ManifestSuffix = ".manifest.db"

	gib = 1 << 30
)

// Config is the full set of tunables. Zero values for Manifest and MinFree
// mean "derive from Root and Depth".
type Config struct {
	Root            string `yaml:"root" json:"root"`
	Depth           int    `yaml:"depth" json:"depth"`
	Separator       string `yaml:"separator" json:"separator"`
	BufferThreshold int    `yaml:"buffer_threshold" json:"buffer_threshold"`
	ProgressEvery   int    `yaml:"progress_every" json:"progress_every"`
	Extension       string `yaml:"extension" json:"extension"`
	Parallelism     int    `yaml:"parallelism" json:"parallelism"`
	MinFree         int64  `yaml:"min_free" json:"min_free"`
	Manifest        string `yaml:"manifest" json:"manifest"`
	MetricsFile     string `yaml:"metrics_file" json:"metrics_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Depth:           DefaultDepth,
		Separator:       record.Separator,
		BufferThreshold: ingest.DefaultBufferThreshold,
		ProgressEvery:   ingest.DefaultProgressEvery,
		Parallelism:     DefaultParallelism,
	}
}

// Load reads a YAML config file over the defaults. Keys absent from the
// file keep their default; unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize canonicalizes fields that accept several spellings.
func (c *Config) Normalize() {
	c.Extension = ingest.NormalizeExt(c.Extension)
}

// ManifestPath returns the configured manifest path or the default sibling
// of the root.
func (c Config) ManifestPath() string {
	if c.Manifest != "" {
		return c.Manifest
	}
	return strings.TrimRight(c.Root, "/") + ManifestSuffix
}

// MinFreeBytes returns the free-space threshold for the root's filesystem.
// Depth 4 trees need far more inodes and blocks, so the default is larger.
func (c Config) MinFreeBytes() uint64 {
	if c.MinFree > 0 {
		return uint64(c.MinFree)
	}
	if c.Depth == 4 {
		return 10 * gib
	}
	return gib
}

// Validate checks the configuration against the embedded CUE schema.
// The first violation is returned as a *ValidationError.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	val := ctx.Encode(c)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// ValidationError names the offending config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Message
	}
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

// formatCUEError reduces a CUE error list to its first entry.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Message: err.Error()}
	}

	first := errs[0]
	format, args := first.Msg()
	field := strings.TrimPrefix(strings.Join(first.Path(), "."), "#Config.")
	if field == "" {
		return &ValidationError{Message: first.Error()}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}
