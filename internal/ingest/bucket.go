package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/mailshard/internal/record"
	"github.com/roach88/mailshard/internal/shard"
)

// bucketState is the run-scoped (dedup set, write buffer, file) triple for
// one bucket. Hydration, buffer mutation and flush of one bucket always
// happen on the importer's goroutine.
type bucketState struct {
	bucket   shard.Bucket
	path     string
	hydrated bool
	seen     map[string]struct{}
	buffer   []string

	// queued is set while the state sits in the importer's dirty list.
	queued bool

	// unterminated is set when the file's last byte is not a newline; the
	// next append starts with one so records never fuse.
	unterminated bool
}

func newBucketState(b shard.Bucket, root string) *bucketState {
	return &bucketState{
		bucket: b,
		path:   b.Path(root),
	}
}

// hydrate loads the bucket file into the dedup set. It runs at most once per
// state. A missing file hydrates as empty without error; an unreadable file
// also hydrates as empty but the error is returned for reporting.
func (s *bucketState) hydrate() (int, error) {
	if s.hydrated {
		return len(s.seen), nil
	}
	s.hydrated = true
	s.seen = make(map[string]struct{})

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open bucket %s: %w", s.bucket, err)
	}
	defer f.Close()

	s.unterminated = endsUnterminated(f)

	lines, err := record.ReadLines(f)
	if err != nil {
		// Optimistic recovery: an unreadable bucket behaves as empty.
		s.seen = make(map[string]struct{})
		return 0, fmt.Errorf("read bucket %s: %w", s.bucket, err)
	}
	for _, line := range lines {
		s.seen[line] = struct{}{}
	}
	return len(s.seen), nil
}

func endsUnterminated(f *os.File) bool {
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return false
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false
	}
	return last[0] != '\n'
}

// add inserts canonical into the dedup set and the write buffer. It reports
// false when the record is already known for this bucket.
func (s *bucketState) add(canonical string) bool {
	if _, ok := s.seen[canonical]; ok {
		return false
	}
	s.seen[canonical] = struct{}{}
	s.buffer = append(s.buffer, canonical)
	return true
}

// pending returns the number of buffered records.
func (s *bucketState) pending() int {
	return len(s.buffer)
}

// flush appends the buffered records to the bucket file and clears the
// buffer. The buffer is cleared on failure too: the batch is dropped, not
// retried.
func (s *bucketState) flush() (int, error) {
	n := len(s.buffer)
	if n == 0 {
		return 0, nil
	}
	payload := strings.Join(s.buffer, "\n") + "\n"
	if s.unterminated {
		payload = "\n" + payload
	}
	s.buffer = s.buffer[:0]

	if err := appendFile(s.path, payload); err != nil {
		return n, &FlushError{Bucket: s.bucket.String(), Path: s.path, Records: n, Err: err}
	}
	s.unterminated = false
	return n, nil
}

func appendFile(path, payload string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open for append: %w", err)
	}
	if _, err := f.WriteString(payload); err != nil {
		f.Close()
		return fmt.Errorf("append: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
