package project

import (
	"fmt"
	"strings"
)

// Locator identifies one deployable unit: vendor.name@version.
// It is fixed for the lifetime of a link session.
type Locator struct {
	Vendor  string
	Name    string
	Version string
}

// String returns the vendor.name@version form.
func (l Locator) String() string {
	return fmt.Sprintf("%s.%s@%s", l.Vendor, l.Name, l.Version)
}

// Subject returns the event-stream topic key for the app (vendor.name).
func (l Locator) Subject() string {
	return l.Vendor + "." + l.Name
}

// ParseLocator parses a vendor.name@version string.
func ParseLocator(s string) (Locator, error) {
	app, version, ok := strings.Cut(s, "@")
	if !ok || version == "" {
		return Locator{}, fmt.Errorf("%w: %q: missing version", ErrInvalidLocator, s)
	}
	vendor, name, ok := strings.Cut(app, ".")
	if !ok || vendor == "" || name == "" {
		return Locator{}, fmt.Errorf("%w: %q: expected vendor.name", ErrInvalidLocator, s)
	}
	return Locator{Vendor: vendor, Name: name, Version: version}, nil
}

// Matches reports whether an event subject refers to this app. Subjects may
// carry a version suffix; an empty subject matches.
func (l Locator) Matches(subject string) bool {
	if subject == "" {
		return true
	}
	rest, ok := strings.CutPrefix(subject, l.Subject())
	return ok && (rest == "" || rest[0] == '@' || rest[0] == '/')
}
