package project

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
)

// Enumerate walks root and returns the eligible files as sorted,
// slash-separated paths relative to root. Ignored directories are not
// descended into. Empty files and non-regular files are skipped.
//
// The result is a snapshot; call Enumerate again for a fresh one.
func Enumerate(root string, m *Matcher) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if m.matchDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !m.Eligible(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() == 0 {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s: %w", root, err)
	}

	sort.Strings(paths)
	return paths, nil
}
