package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	// Structural errors: raised at build/validate time, always fatal.
	ErrCodeCycleDetected = "CYCLE_DETECTED"
	ErrCodeDuplicateName = "DUPLICATE_NAME"
	ErrCodeTypeMismatch  = "TYPE_MISMATCH"

	// Expansion errors: fatal, reported before any node executes.
	ErrCodeIterableLengthMismatch = "ITERABLE_LENGTH_MISMATCH"
	ErrCodeUnresolvedInput        = "UNRESOLVED_INPUT"

	// Node-level and run-level errors.
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeSchedulingTimeout = "SCHEDULING_TIMEOUT"
	ErrCodeBudgetExceeded    = "BUDGET_EXCEEDED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
)

// Error is the structured error type for all cascade operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf returns the cascade error code of err, unwrapping as needed, or ""
// if no *Error is in the chain.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Convert returns err as an *Error, wrapping foreign errors under
// ErrCodeExecution.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return NewError(ErrCodeExecution, err.Error()).WithCause(err)
}
