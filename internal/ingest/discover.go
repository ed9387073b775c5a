package ingest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ignoredFragments marks VCS metadata, OS droppings and editor temp files.
// A path (relative to the import directory) containing any of them is never
// imported.
var ignoredFragments = []string{".git", ".svn", ".DS_Store", "Thumbs.db", ".tmp", "~"}

// NormalizeExt returns ext with a leading dot, or "" for no filter.
func NormalizeExt(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Discover walks dir recursively and returns the regular files to import in
// lexical order. When ext is non-empty only files with that extension are
// kept. Hidden files and directories (leading '.') below dir are skipped.
// A symlink to a regular file is kept; symlinked directories are not
// descended into.
func Discover(dir, ext string) ([]string, error) {
	ext = NormalizeExt(ext)

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		hidden := path != dir && strings.HasPrefix(d.Name(), ".")
		if d.IsDir() {
			if hidden {
				return filepath.SkipDir
			}
			return nil
		}
		if hidden || !isRegularFile(path, d) {
			return nil
		}
		if ext != "" && !strings.HasSuffix(path, ext) {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		if isIgnored(rel) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover sources in %s: %w", dir, err)
	}

	sort.Strings(files)
	return files, nil
}

// isRegularFile reports whether d is a regular file, following a symlink.
// A dangling link is not a file.
func isRegularFile(path string, d fs.DirEntry) bool {
	if d.Type()&fs.ModeSymlink == 0 {
		return d.Type().IsRegular()
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isIgnored(path string) bool {
	for _, frag := range ignoredFragments {
		if strings.Contains(path, frag) {
			return true
		}
	}
	return false
}
