package project

import "errors"

var (
	// ErrManifestNotFound is returned when the project root has no manifest.json.
	ErrManifestNotFound = errors.New("manifest.json not found")

	// ErrInvalidManifest is returned when manifest.json cannot be parsed or
	// is missing required fields.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrInvalidLocator is returned when a locator string is not of the form
	// vendor.name@version.
	ErrInvalidLocator = errors.New("invalid locator")

	// ErrInvalidPattern is returned for an ignore pattern doublestar cannot parse.
	ErrInvalidPattern = errors.New("invalid ignore pattern")
)
