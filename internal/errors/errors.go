package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies broker errors. Kinds are stable wire identifiers: they are
// serialized into error payloads sent to Apps and glasses, so renaming one is
// a protocol change.
type Kind string

const (
	KindProtocol          Kind = "protocol_error"
	KindAuth              Kind = "auth_error"
	KindNotFound          Kind = "not_found"
	KindBusy              Kind = "busy"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTimeout           Kind = "timeout"
	KindTransient         Kind = "transient"
	KindFatal             Kind = "fatal"
)

// Error is the broker's structured error. It carries a Kind for wire
// serialization and programmatic matching, a human-readable message, and
// optional detail fields.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s %v", e.Kind, e.Message, e.Details)
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches detail fields and returns the error for chaining.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// KindOf returns the Kind of err, or KindFatal if err is not a broker Error.
// Returns empty Kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if stderrors.As(err, &be) {
		return be.Kind
	}
	return KindFatal
}

// Is reports whether err is a broker Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
