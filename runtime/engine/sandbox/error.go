package sandbox

import (
	"errors"
	"fmt"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// Error is a classified user-visible failure. It preserves error chains so
// errors.Is/As keep working across retries while the Kind drives all
// downstream state transitions.
type Error struct {
	// Kind classifies the failure by domain.
	Kind workflow.ErrorKind
	// Message is the human-readable summary.
	Message string
	// ServiceID identifies the external service for auth failures, so the
	// approval surface can direct the user to the right credential.
	ServiceID string
	// AccountID identifies the account within the service, when known.
	AccountID string
	// Cause links the underlying error.
	Cause error
}

// NewError builds a classified error.
func NewError(kind workflow.ErrorKind, message string) *Error {
	if message == "" {
		message = string(kind) + " error"
	}
	return &Error{Kind: kind, Message: message}
}

// Errorf builds a classified error from a format string.
func Errorf(kind workflow.ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error. An already-classified error
// keeps its original kind and metadata.
func WrapError(kind workflow.ErrorKind, message string, cause error) *Error {
	var se *Error
	if errors.As(cause, &se) {
		return se
	}
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Classify extracts the domain kind from an arbitrary error. Unclassified
// errors are internal: an engine-side failure must never be attributed to
// the user's script.
func Classify(err error) workflow.ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return workflow.ErrorInternal
}

// AsError converts an arbitrary error into a classified Error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: workflow.ErrorInternal, Message: err.Error(), Cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
