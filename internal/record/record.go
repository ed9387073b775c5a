// Package record parses and canonicalizes email:id records.
//
// A source line is split on the first occurrence of a caller-chosen
// separator. The key half is trimmed and lowercased into an email, the value
// half is trimmed into an id. The canonical persisted form always uses ':'
// regardless of the separator the line arrived with.
package record

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/transform"
)

// Separator is the canonical separator between email and id on disk.
const Separator = ":"

// Record is a normalized (email, id) pair.
type Record struct {
	Email string
	ID    string
}

// Canonical returns the persisted form "email:id".
func (r Record) Canonical() string {
	return r.Email + Separator + r.ID
}

// Outcome classifies a parsed line.
type Outcome int

const (
	// Accepted means the line produced a record.
	Accepted Outcome = iota
	// Blank means the line was empty after trimming.
	Blank
	// NoSeparator means the separator did not occur in the line.
	NoSeparator
	// EmptyField means the email or id was empty after normalization.
	EmptyField
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Blank:
		return "blank"
	case NoSeparator:
		return "no_separator"
	case EmptyField:
		return "empty_field"
	default:
		return "unknown"
	}
}

// Parser turns raw lines into records. A Parser is not safe for concurrent
// use because the underlying case mapper keeps state.
type Parser struct {
	sep   string
	lower cases.Caser
}

// NewParser returns a parser splitting on sep. An empty sep means the
// canonical separator.
func NewParser(sep string) *Parser {
	if sep == "" {
		sep = Separator
	}
	return &Parser{sep: sep, lower: cases.Lower(language.Und)}
}

// NormalizeEmail trims and lowercases an email.
func (p *Parser) NormalizeEmail(s string) string {
	return p.lower.String(strings.TrimSpace(s))
}

// Parse splits and normalizes one line. The record is only meaningful when
// the outcome is Accepted.
func (p *Parser) Parse(line string) (Record, Outcome) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Record{}, Blank
	}

	key, value, found := strings.Cut(line, p.sep)
	if !found {
		return Record{}, NoSeparator
	}

	rec := Record{
		Email: p.NormalizeEmail(key),
		ID:    strings.TrimSpace(value),
	}
	if rec.Email == "" || rec.ID == "" {
		return Record{}, EmptyField
	}
	return rec, Accepted
}

// dropIllFormed is a transformer that copies well-formed UTF-8 and skips
// every byte that does not start a valid encoding. A correctly encoded
// U+FFFD is kept.
type dropIllFormed struct{ transform.NopResetter }

func (dropIllFormed) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		if c := src[nSrc]; c < utf8.RuneSelf {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
			nSrc++
			continue
		}
		if !atEOF && !utf8.FullRune(src[nSrc:]) {
			return nDst, nSrc, transform.ErrShortSrc
		}
		r, size := utf8.DecodeRune(src[nSrc:])
		if r == utf8.RuneError && size == 1 {
			nSrc++
			continue
		}
		if nDst+size > len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		nDst += copy(dst[nDst:], src[nSrc:nSrc+size])
		nSrc += size
	}
	return nDst, nSrc, nil
}

// NewSanitizer returns a transformer that drops ill-formed UTF-8 bytes.
func NewSanitizer() transform.Transformer {
	return dropIllFormed{}
}

// SanitizeReader wraps r so ill-formed UTF-8 bytes are dropped while reading.
func SanitizeReader(r io.Reader) io.Reader {
	return transform.NewReader(r, NewSanitizer())
}

// MaxLineBytes bounds a single line. A longer line fails the read with
// bufio.ErrTooLong.
const MaxLineBytes = 16 << 20

// ScanLines is a bufio.SplitFunc that ends a line at "\n", "\r\n" or a
// lone "\r". The terminator is not part of the token. A final line without
// a terminator is returned as is.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		switch {
		case i+1 < len(data) && data[i+1] == '\n':
			return i + 2, data[:i], nil
		case i+1 < len(data) || atEOF:
			return i + 1, data[:i], nil
		default:
			// A '\r' at the end of the buffer may be half of "\r\n".
			return 0, nil, nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// NewScanner returns a line scanner over r using ScanLines, with ill-formed
// UTF-8 bytes dropped.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(SanitizeReader(r))
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	sc.Split(ScanLines)
	return sc
}

// ReadLines returns the non-empty trimmed lines of r with ill-formed UTF-8
// bytes dropped. Line endings are those of ScanLines.
func ReadLines(r io.Reader) ([]string, error) {
	sc := NewScanner(r)
	var lines []string
	for sc.Scan() {
		if trimmed := strings.TrimSpace(sc.Text()); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
