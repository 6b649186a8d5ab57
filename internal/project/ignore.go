package project

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IgnoreFile is the project-local ignore file read from the project root.
const IgnoreFile = ".linkignore"

// DefaultIgnores lists patterns that are never uploaded: VCS metadata, editor
// and OS files, dependency trees and lockfiles.
var DefaultIgnores = []string{
	".git/**",
	".hg/**",
	".svn/**",
	".jj/**",
	"**/node_modules/**",
	"**/.DS_Store",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.idea/**",
	"**/.vscode/**",
	"**/yarn.lock",
	"**/package-lock.json",
	"**/pnpm-lock.yaml",
}

// AlwaysInclude lists root-level files that are eligible regardless of any
// ignore pattern.
var AlwaysInclude = []string{
	ManifestFile,
	"policies.json",
	"package.json",
}

// Matcher applies ignore rules to slash-separated paths relative to the
// project root.
type Matcher struct {
	patterns []string
	always   map[string]struct{}
}

// NewMatcher builds a Matcher from the default ignores, the project's
// .linkignore (when present) and any extra patterns.
func NewMatcher(root string, extra ...string) (*Matcher, error) {
	patterns := append([]string(nil), DefaultIgnores...)

	f, err := os.Open(filepath.Join(root, IgnoreFile))
	switch {
	case err == nil:
		defer f.Close()
		local, err := ParseIgnore(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", IgnoreFile, err)
		}
		patterns = append(patterns, local...)
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to open %s: %w", IgnoreFile, err)
	}

	for _, p := range extra {
		norm, ok := normalizePattern(p)
		if !ok {
			continue
		}
		if !doublestar.ValidatePattern(norm) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, p)
		}
		patterns = append(patterns, norm)
	}

	always := make(map[string]struct{}, len(AlwaysInclude))
	for _, name := range AlwaysInclude {
		always[name] = struct{}{}
	}

	return &Matcher{patterns: patterns, always: always}, nil
}

// ParseIgnore reads ignore patterns, one per line.
func ParseIgnore(r io.Reader) ([]string, error) {
	var patterns []string
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		norm, ok := normalizePattern(scanner.Text())
		if !ok {
			continue
		}
		if !doublestar.ValidatePattern(norm) {
			return nil, fmt.Errorf("%w on line %d: %q", ErrInvalidPattern, lineNo, scanner.Text())
		}
		patterns = append(patterns, norm)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

func normalizePattern(line string) (string, bool) {
	p := strings.TrimSpace(line)
	if p == "" || strings.HasPrefix(p, "#") {
		return "", false
	}
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	if strings.HasSuffix(p, "/") {
		p += "**"
	}
	return p, p != ""
}

// Patterns returns the effective ignore patterns in evaluation order.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Eligible reports whether a file may be uploaded.
func (m *Matcher) Eligible(rel string) bool {
	rel = clean(rel)
	if _, ok := m.always[rel]; ok {
		return true
	}
	return !m.Ignored(rel)
}

// Ignored reports whether the file at rel, or any directory above it, matches
// an ignore pattern.
func (m *Matcher) Ignored(rel string) bool {
	rel = clean(rel)
	if rel == "" {
		return false
	}
	for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
		if m.matchDir(dir) {
			return true
		}
	}
	return m.match(rel)
}

// IgnoredDir reports whether the directory at rel should be skipped entirely.
func (m *Matcher) IgnoredDir(rel string) bool {
	rel = clean(rel)
	if rel == "" {
		return false
	}
	for dir := rel; dir != "."; dir = path.Dir(dir) {
		if m.matchDir(dir) {
			return true
		}
	}
	return false
}

func (m *Matcher) match(rel string) bool {
	for _, p := range m.patterns {
		if matchPattern(p, rel) {
			return true
		}
	}
	return false
}

// matchDir treats "dir/**" patterns as matching dir itself.
func (m *Matcher) matchDir(dir string) bool {
	for _, p := range m.patterns {
		if matchPattern(p, dir) {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, "/**"); ok && matchPattern(prefix, dir) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, rel string) bool {
	if ok, _ := doublestar.Match(pattern, rel); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := doublestar.Match(pattern, path.Base(rel))
		return ok
	}
	return false
}

func clean(rel string) string {
	rel = filepath.ToSlash(rel)
	rel = strings.TrimPrefix(rel, "./")
	rel = strings.TrimPrefix(rel, "/")
	if rel == "." {
		return ""
	}
	return rel
}
