// Package diskspace reports free space on the filesystem holding a path.
package diskspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// ErrUnsupported is returned by Free on platforms without statfs.
var ErrUnsupported = errors.New("free space query not supported on this platform")

// InsufficientError reports a filesystem below the required free space.
type InsufficientError struct {
	Path     string
	Free     uint64
	Required uint64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("only %s free on %s, %s recommended",
		humanize.IBytes(e.Free), e.Path, humanize.IBytes(e.Required))
}

// Free returns the bytes available to unprivileged users on the filesystem
// holding path. A path that does not exist yet is resolved to its nearest
// existing ancestor, so a root can be checked before it is created.
func Free(path string) (uint64, error) {
	return statfsFree(existingAncestor(path))
}

// Check returns an *InsufficientError when path's filesystem has less than
// required bytes free. A required value of zero always passes.
func Check(path string, required uint64) error {
	if required == 0 {
		return nil
	}
	free, err := Free(path)
	if err != nil {
		return err
	}
	if free < required {
		return &InsufficientError{Path: path, Free: free, Required: required}
	}
	return nil
}

func existingAncestor(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
