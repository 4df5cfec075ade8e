package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Definition and condition error codes
const (
	ErrConfigFault   ErrorCode = "CONFIG_FAULT"
	ErrCondition     ErrorCode = "CONDITION_ERROR"
	ErrNoTransition  ErrorCode = "NO_TRANSITION"
	ErrDecisionParse ErrorCode = "DECISION_PARSE"
)

// Execution error codes
const (
	ErrExecutorFailure  ErrorCode = "EXECUTOR_FAILURE"
	ErrRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrCancelled        ErrorCode = "CANCELLED"
	ErrWorkflowConflict ErrorCode = "WORKFLOW_CONFLICT"
	ErrAgentUnavailable ErrorCode = "AGENT_UNAVAILABLE"
)

// Session and infrastructure error codes
const (
	ErrSessionClosed  ErrorCode = "SESSION_CLOSED"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrStoreFailure   ErrorCode = "STORE_FAILURE"
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrAuthentication ErrorCode = "AUTHENTICATION"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and workflow metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Workflow   string    `json:"workflow,omitempty"`
	State      string    `json:"state,omitempty"`
	Turn       int       `json:"turn,omitempty"`
	Cause      error     `json:"-"`
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

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithWorkflow sets the workflow name the error occurred in.
func (e *Error) WithWorkflow(workflow string) *Error {
	e.Workflow = workflow
	return e
}

// WithState records the state and turn index the error occurred at.
func (e *Error) WithState(state string, turn int) *Error {
	e.State = state
	e.Turn = turn
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError unwraps err to a *Error if possible.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
