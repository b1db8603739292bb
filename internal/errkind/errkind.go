// Package errkind gives every component a shared, explicit error taxonomy
// instead of a string-sniffing classifier: callers construct a Kind
// deliberately at the point an error originates rather than
// pattern-matching messages after the fact.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is a closed-set error taxonomy: add a new constant here rather
// than inferring a kind from message text.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindPrecondition Kind = "precondition"
	KindTransient   Kind = "transient"
	KindNotFound    Kind = "not_found"
	KindFatal       Kind = "fatal"
)

// Error wraps an underlying cause with its taxonomy kind and an optional
// caller-facing detail list (used for validation errors' {field, message}
// pairs).
type Error struct {
	Kind    Kind
	Message string
	Details []Detail
	cause   error
}

// Detail is one {field, message} validation failure.
type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a taxonomy error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches field-level validation detail to an error.
func (e *Error) WithDetails(details []Detail) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise returns KindFatal, since an unclassified internal
// error should never be silently retried or treated as caller-facing.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// Retryable reports whether err's kind is one the transient-error retry
// loop should act on.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
