// Package errs defines the coded error type shared by the marketplace core.
package errs

import (
	"errors"
	"fmt"
)

// Error codes for marketplace operations
const (
	CodeNotFound         = "NOT_FOUND"
	CodeValidation       = "VALIDATION"
	CodeIO               = "IO_FAILURE"
	CodeSignatureInvalid = "SIGNATURE_INVALID"
	CodeDispatchFailed   = "DISPATCH_FAILED"
	CodeConflict         = "CONFLICT"
)

// Error carries a stable code plus context for programmatic handling.
type Error struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new coded error
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with code and message
func Wrap(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Common constructors

// NotFound reports an absent entity, e.g. NotFound("listing", id).
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, kind+" not found").
		WithContext("kind", kind).
		WithContext("id", id)
}

// Validation reports caller error detected before any side effect.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// IO wraps a storage failure; the cause is preserved unmodified.
func IO(op string, cause error) *Error {
	return Wrap(CodeIO, op+" failed", cause).
		WithContext("op", op)
}

// Conflict reports a uniqueness or state clash.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound reports whether err represents an absent entity.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}
