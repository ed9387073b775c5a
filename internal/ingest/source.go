package ingest

import (
	"io"
	"os"
	"strings"
)

// Source is one line-oriented input stream.
type Source interface {
	// Name identifies the source in logs and results.
	Name() string
	// Open returns a fresh reader over the source's bytes.
	Open() (io.ReadCloser, error)
}

// FileSource reads a file from disk.
type FileSource struct {
	Path string
	// Label overrides the path in logs and results when set.
	Label string
}

// Name returns the label, or the path when no label is set.
func (s FileSource) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Path
}

// Open opens the file for reading.
func (s FileSource) Open() (io.ReadCloser, error) {
	return os.Open(s.Path)
}

// FileSources wraps paths as sources.
func FileSources(paths []string) []Source {
	out := make([]Source, len(paths))
	for i, p := range paths {
		out[i] = FileSource{Path: p}
	}
	return out
}

// ReaderSource serves an in-memory string. Useful for tests and stdin-like
// inputs that are already buffered.
type ReaderSource struct {
	Label string
	Data  string
}

// Name returns the label.
func (s ReaderSource) Name() string {
	return s.Label
}

// Open returns a reader over Data.
func (s ReaderSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.Data)), nil
}
