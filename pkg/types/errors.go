package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the wire-visible classification of an error.
type ErrorKind string

const (
	ErrKindValidation        ErrorKind = "ValidationError"
	ErrKindAuthentication    ErrorKind = "AuthenticationError"
	ErrKindStoreUnavailable  ErrorKind = "StoreUnavailable"
	ErrKindWorkerUnavailable ErrorKind = "WorkerUnavailable"
	ErrKindCapacityExhausted ErrorKind = "CapacityExhausted"
	ErrKindHostAlreadyPinned ErrorKind = "HostAlreadyPinned"

	// Device-level kinds surfaced in job results.
	ErrKindConnectionFailed     ErrorKind = "ConnectionFailed"
	ErrKindAuthenticationFailed ErrorKind = "AuthenticationFailed"
	ErrKindTimeout              ErrorKind = "Timeout"
	ErrKindCommandFailed        ErrorKind = "CommandFailed"
	ErrKindProtocolError        ErrorKind = "ProtocolError"

	// Job lifecycle terminal kinds.
	ErrKindJobTTLExpired    ErrorKind = "JobTTLExpired"
	ErrKindWorkerTerminated ErrorKind = "WorkerTerminated"
	ErrKindCancelled        ErrorKind = "Cancelled"
)

// Error is a classified error carried through job results and API responses.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed. Unclassified
// errors report an empty kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// AsError converts err into a classified Error, defaulting unclassified
// errors to the given kind.
func AsError(err error, fallback ErrorKind) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: fallback, Message: err.Error()}
}
