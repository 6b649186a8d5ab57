package upload

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/applinkdev/applink/internal/auth"
	"github.com/applinkdev/applink/internal/retry"
)

// Errors returned by the uploader. Check them with errors.Is.
var (
	// ErrManifestMissing is returned by SendFullProject when the file set has
	// no manifest.json at its root.
	ErrManifestMissing = errors.New("manifest.json is missing from the file set")

	// ErrEmptyFiles is returned by SendFullProject for an empty file set.
	ErrEmptyFiles = errors.New("no files to upload")

	// ErrSizeLimitExceeded is matched by every *SizeLimitError.
	ErrSizeLimitExceeded = errors.New("upload size limit exceeded")

	// ErrInitialLinkRequired means the builder has no baseline for an
	// incremental upload and needs the full project.
	ErrInitialLinkRequired = errors.New("initial link required")

	// ErrUnauthorized means the builder rejected the session token.
	ErrUnauthorized = errors.New("unauthorized")
)

// SizeLimitError reports a payload that is too large to send. It is never
// retried.
type SizeLimitError struct {
	Scope string // "file", "project" or "change"
	Path  string // set when Scope is "file"
	Size  int64
	Limit int64
}

func (e *SizeLimitError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s is %s, over the %s limit", e.Scope, e.Path, formatBytes(e.Size), formatBytes(e.Limit))
	}
	return fmt.Sprintf("%s upload is %s, over the %s limit", e.Scope, formatBytes(e.Size), formatBytes(e.Limit))
}

func (e *SizeLimitError) Unwrap() error {
	return ErrSizeLimitExceeded
}

// StatusError is a non-2xx builder response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("builder returned %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Unwrap maps the response to the sentinel it represents, if any.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case e.StatusCode == http.StatusConflict && e.Code == CodeInitialLinkRequired:
		return ErrInitialLinkRequired
	default:
		return nil
	}
}

// IsRetryable returns true if the error came from a transient failure that
// exhausted its retries: a network error or a 5xx response.
func IsRetryable(err error) bool {
	return retry.IsRetryable(err)
}

// IsFatal returns true if retrying the session cannot help until the user
// acts, such as logging in again.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, auth.ErrNotLoggedIn) ||
		errors.Is(err, auth.ErrTokenExpired)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
