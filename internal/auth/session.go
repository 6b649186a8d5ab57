// Package auth reads the login session written by the platform CLI. It does
// not perform login; it only exposes the account, workspace and token the
// link commands act on.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotLoggedIn is returned when no usable session exists.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrTokenExpired is returned when the session token's exp claim has passed.
	ErrTokenExpired = errors.New("session token expired")
)

// Session identifies who is linking and where.
type Session struct {
	Account    string `yaml:"account"`
	Workspace  string `yaml:"workspace"`
	Token      string `yaml:"token"`
	Production bool   `yaml:"production,omitempty"`
}

// Validate checks that every field needed to build request URLs is set and
// that the token has not expired.
func (s *Session) Validate() error {
	if s.Account == "" || s.Workspace == "" || s.Token == "" {
		return fmt.Errorf("%w: session is missing account, workspace or token", ErrNotLoggedIn)
	}
	exp, ok := TokenExpiry(s.Token)
	if ok && time.Now().After(exp) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.Format(time.RFC3339))
	}
	return nil
}

// TokenExpiry returns the exp claim of a JWT token. The signature is not
// verified; the builder does that. Opaque tokens report ok=false.
func TokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Provider supplies the current session. Implementations read it at call
// time so a re-login in another terminal is picked up.
type Provider interface {
	Session() (*Session, error)
}

// FileProvider reads a YAML session file on every call.
type FileProvider struct {
	Path string
}

// DefaultSessionPath returns the session file location under the user's
// config directory.
func DefaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "applink", "session.yaml")
}

// Session implements Provider.
func (p FileProvider) Session() (*Session, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no session at %s", ErrNotLoggedIn, p.Path)
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", p.Path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Static always returns the same session. It is used by tests and by
// callers that already resolved one.
type Static Session

// Session implements Provider.
func (s Static) Session() (*Session, error) {
	sess := Session(s)
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	return &sess, nil
}
