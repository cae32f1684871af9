// Package errs defines the error taxonomy shared across the server: every
// failure that crosses a component boundary is wrapped in one of the kinds
// below so callers can decide how much detail to surface without parsing
// strings.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Unknown is the zero value; code should never construct an Error with it.
	Unknown Kind = iota
	NotFound
	InvalidArgument
	BackendError
	AuthzDenied
	Subprocess
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidArgument:
		return "invalid_argument"
	case BackendError:
		return "backend_error"
	case AuthzDenied:
		return "authz_denied"
	case Subprocess:
		return "subprocess"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the common error type for the server. Kind drives how callers at
// the HTTP/WS edge render the failure; Cause, when present, is preserved for
// logging but never rendered to clients of BackendError.
type Error struct {
	Kind    Kind
	Msg     string
	Details string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// UserMessage is the text safe to send back to a client: BackendError always
// collapses to a generic message so internal detail never leaks over the
// wire.
func (e *Error) UserMessage() string {
	if e.Kind == BackendError {
		return "internal error"
	}
	return e.Msg
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func NotFoundf(format string, a ...interface{}) *Error {
	return New(NotFound, fmt.Sprintf(format, a...))
}

func InvalidArgumentf(format string, a ...interface{}) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, a...))
}

func Backend(msg string, cause error) *Error {
	return Wrap(BackendError, msg, cause)
}

func AuthzDeniedf(format string, a ...interface{}) *Error {
	return New(AuthzDenied, fmt.Sprintf(format, a...))
}

func SubprocessErr(msg, stdout, stderr string, cause error) *Error {
	return &Error{Kind: Subprocess, Msg: msg, Details: "stdout:\n" + stdout + "\nstderr:\n" + stderr, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, else Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
