// Package types holds the shared error model and common sentinels used
// across the agentmesh coordination engine.
package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a machine-readable error kind carried by every
// terminal failure for downstream observability.
type ErrorCode string

const (
	// ErrCodeValidation indicates malformed input, rejected before
	// persistence. Never retried.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeResourceUnavailable indicates no enabled routing target exists
	// for a request. Surfaced to the caller, who decides the fallback.
	ErrCodeResourceUnavailable ErrorCode = "RESOURCE_UNAVAILABLE"

	// ErrCodeClaimConflict indicates a claim attempt on a task that already
	// has an active, non-expired claim held by another agent.
	ErrCodeClaimConflict ErrorCode = "CLAIM_CONFLICT"

	// ErrCodeStaleWrite indicates an optimistic-concurrency violation on the
	// blackboard. The caller re-reads and retries.
	ErrCodeStaleWrite ErrorCode = "STALE_WRITE"

	// ErrCodeMessageTimeout indicates an acknowledgment was not received
	// within the message timeout budget.
	ErrCodeMessageTimeout ErrorCode = "MESSAGE_TIMEOUT"

	// ErrCodePartialFailure indicates some collaboration resources failed
	// while the session continued with the rest.
	ErrCodePartialFailure ErrorCode = "COLLABORATION_PARTIAL_FAILURE"

	// ErrCodeNotFound indicates the referenced entity does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeInvariant indicates an internal invariant violation. Fatal:
	// logged and alerted, never silently patched.
	ErrCodeInvariant ErrorCode = "INVARIANT_VIOLATION"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Common store sentinels shared by all persistence backends.
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
	ErrStaleWrite   = errors.New("stale write: version mismatch")
)

// Error is a structured error with a code, a human-readable message, and
// optional retry/cause metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable reports whether an error is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the error code from an error, or "" if it carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
