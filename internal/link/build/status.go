package build

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/applinkdev/applink/internal/link/eventstream"
)

// Kind is a build state transition.
type Kind int

const (
	Start Kind = iota
	Success
	Fail
	// Timeout is produced locally when no terminal status arrives in time.
	Timeout
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case Start:
		return "start"
	case Success:
		return "success"
	case Fail:
		return "fail"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Terminal reports whether the kind ends a build.
func (k Kind) Terminal() bool {
	return k != Start
}

// Status is one build.status transition.
type Status struct {
	Kind    Kind
	Code    string // error code for failures, from details.errorCode
	Message string
	BuildID string
	Subject string
}

type details struct {
	ErrorCode string `json:"errorCode"`
	BuildID   string `json:"buildId"`
	Message   string `json:"message"`
}

// ParseStatus converts a build.status message. ok is false for codes that
// are not build transitions.
func ParseStatus(m eventstream.Message) (Status, bool) {
	st := Status{Message: m.Body.Message, Subject: m.Subject}
	switch m.Body.Code {
	case "start":
		st.Kind = Start
	case "success":
		st.Kind = Success
	case "fail":
		st.Kind = Fail
	default:
		return Status{}, false
	}

	if len(m.Body.Details) > 0 {
		var d details
		if err := json.Unmarshal(m.Body.Details, &d); err == nil {
			st.Code = d.ErrorCode
			st.BuildID = d.BuildID
			if st.Message == "" {
				st.Message = d.Message
			}
		}
	}
	return st, true
}

var (
	// ErrTimeout is returned in wait mode when no terminal status arrives
	// within Options.Timeout.
	ErrTimeout = errors.New("timed out waiting for build")

	// ErrStreamClosed is returned when the event stream dies while a build
	// is being awaited.
	ErrStreamClosed = errors.New("build event stream closed")
)

// Error is a build the server reported as failed.
type Error struct {
	Code    string
	Message string
	BuildID string
}

func (e *Error) Error() string {
	msg := "build failed"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	return msg
}

// AsError converts a failed status to an *Error.
func AsError(st Status) *Error {
	return &Error{Code: st.Code, Message: st.Message, BuildID: st.BuildID}
}

// String formats the status for logs.
func (s Status) String() string {
	if s.Code != "" {
		return fmt.Sprintf("%s %s", s.Kind, s.Code)
	}
	return s.Kind.String()
}
