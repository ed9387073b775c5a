package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrRootMissing means the storage root does not exist. No ingestion is
	// attempted.
	ErrRootMissing = errors.New("storage root not found")

	// ErrInterrupted means the run was cancelled. Pending buffers were
	// flushed and the accompanying Result holds the partial counters.
	ErrInterrupted = errors.New("import interrupted")
)

// SourceError describes a source abandoned because it could not be opened
// or read. Lines consumed before the failure stay counted.
type SourceError struct {
	Source string
	Line   int64
	Err    error
}

func (e *SourceError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("source %s: line %d: %v", e.Source, e.Line, e.Err)
	}
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// FlushError describes a failed append to a bucket file. The records of that
// flush are not retried.
type FlushError struct {
	Bucket  string
	Path    string
	Records int
	Err     error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush bucket %s (%d records): %v", e.Bucket, e.Records, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

// IsInterrupted reports whether err marks a cancelled run.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
