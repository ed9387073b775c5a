package shard

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// CatchAll is the symbol used for any key character outside [0-9a-z].
const CatchAll = "symbols"

// fallback is the padding sequence for keys shorter than the depth.
const fallback = "symbols"

// Supported tree depths.
const (
	MinDepth = 3
	MaxDepth = 4
)

// AlphabetSize is the number of children at every level of the tree.
const AlphabetSize = 37

// ErrInvalidDepth is returned when a depth other than 3 or 4 is requested.
var ErrInvalidDepth = errors.New("invalid shard depth")

var symbols = buildSymbols()

func buildSymbols() []string {
	out := make([]string, 0, AlphabetSize)
	for c := '0'; c <= '9'; c++ {
		out = append(out, string(c))
	}
	for c := 'a'; c <= 'z'; c++ {
		out = append(out, string(c))
	}
	return append(out, CatchAll)
}

// Symbols returns the 37 alphabet symbols in canonical order:
// digits, letters, then the catch-all.
func Symbols() []string {
	out := make([]string, len(symbols))
	copy(out, symbols)
	return out
}

// Bucket is a fixed-length sequence of alphabet symbols addressing one leaf.
type Bucket []string

// String renders the bucket as a slash-separated address.
func (b Bucket) String() string {
	return strings.Join(b, "/")
}

// Path returns the bucket file path under root.
func (b Bucket) Path(root string) string {
	parts := make([]string, 0, len(b)+1)
	parts = append(parts, root)
	parts = append(parts, b...)
	return filepath.Join(parts...)
}

// ValidDepth reports whether depth is a supported tree depth.
func ValidDepth(depth int) bool {
	return depth >= MinDepth && depth <= MaxDepth
}

// CheckDepth returns ErrInvalidDepth wrapped with the offending value.
func CheckDepth(depth int) error {
	if !ValidDepth(depth) {
		return fmt.Errorf("%w: %d (must be %d or %d)", ErrInvalidDepth, depth, MinDepth, MaxDepth)
	}
	return nil
}

// BucketCount returns the number of addressable buckets at depth (37^depth).
func BucketCount(depth int) int {
	n := 1
	for i := 0; i < depth; i++ {
		n *= AlphabetSize
	}
	return n
}

// Resolve maps key to its bucket at the given depth.
//
// Resolve is total: every key, including the empty string, yields an address
// of exactly depth symbols. It never fails; callers validate depth once with
// CheckDepth when the deployment is opened.
func Resolve(key string, depth int) Bucket {
	prefix := []rune(key)
	if len(prefix) > depth {
		prefix = prefix[:depth]
	}
	prefix = []rune(strings.ToLower(string(prefix)))

	for len(prefix) < depth {
		prefix = append(prefix, rune(fallback[len(prefix)%len(fallback)]))
	}

	b := make(Bucket, depth)
	for i := 0; i < depth; i++ {
		b[i] = symbolFor(prefix[i])
	}
	return b
}

func symbolFor(r rune) string {
	switch {
	case r >= '0' && r <= '9', r >= 'a' && r <= 'z':
		return string(r)
	default:
		return CatchAll
	}
}

// Walk calls fn for every bucket at depth in canonical order.
// Iteration stops at the first non-nil error returned by fn.
func Walk(depth int, fn func(Bucket) error) error {
	return walkFrom(nil, depth, fn)
}

// WalkPrefix calls fn for every bucket at depth whose address starts with
// prefix, in canonical order.
func WalkPrefix(prefix Bucket, depth int, fn func(Bucket) error) error {
	return walkFrom(append(Bucket(nil), prefix...), depth, fn)
}

func walkFrom(prefix Bucket, depth int, fn func(Bucket) error) error {
	if len(prefix) == depth {
		b := make(Bucket, depth)
		copy(b, prefix)
		return fn(b)
	}
	for _, sym := range symbols {
		if err := walkFrom(append(prefix, sym), depth, fn); err != nil {
			return err
		}
	}
	return nil
}
