package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/jsonc"
	"golang.org/x/mod/semver"
)

// ManifestFile is the name of the manifest at the project root.
const ManifestFile = "manifest.json"

var identPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Manifest holds the fields of manifest.json applink needs.
type Manifest struct {
	Vendor   string            `json:"vendor"`
	Name     string            `json:"name"`
	Version  string            `json:"version"`
	Builders map[string]string `json:"builders,omitempty"`
}

// ReadManifest reads and validates manifest.json from the project root.
// Comments and trailing commas are accepted.
func ReadManifest(root string) (*Manifest, error) {
	path := filepath.Join(root, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrManifestNotFound, root)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest content.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields and that the version is full semver.
func (m *Manifest) Validate() error {
	if !identPattern.MatchString(m.Vendor) {
		return fmt.Errorf("%w: vendor %q must be lowercase alphanumeric", ErrInvalidManifest, m.Vendor)
	}
	if !identPattern.MatchString(m.Name) {
		return fmt.Errorf("%w: name %q must be lowercase alphanumeric", ErrInvalidManifest, m.Name)
	}
	if !isFullSemver(m.Version) {
		return fmt.Errorf("%w: version %q is not MAJOR.MINOR.PATCH", ErrInvalidManifest, m.Version)
	}
	return nil
}

// Locator returns the app locator described by the manifest.
func (m *Manifest) Locator() Locator {
	return Locator{Vendor: m.Vendor, Name: m.Name, Version: m.Version}
}

// HasBuilder reports whether the manifest declares the named builder.
func (m *Manifest) HasBuilder(name string) bool {
	_, ok := m.Builders[name]
	return ok
}

// isFullSemver rejects the v1 and v1.2 shorthands semver.IsValid accepts.
func isFullSemver(version string) bool {
	if !semver.IsValid("v" + version) {
		return false
	}
	core, _, _ := strings.Cut(version, "-")
	core, _, _ = strings.Cut(core, "+")
	return strings.Count(core, ".") == 2
}
