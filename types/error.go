package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unified error code across the coordination core.
type ErrorCode string

// Coordination error codes. Retryability follows the error handling design:
// capacity and timeout failures are retryable against other candidates,
// version and ceiling failures are not.
const (
	ErrVersionMismatch         ErrorCode = "VERSION_MISMATCH"
	ErrCapacityExceeded        ErrorCode = "CAPACITY_EXCEEDED"
	ErrCapabilityGap           ErrorCode = "CAPABILITY_GAP"
	ErrStaleVersion            ErrorCode = "STALE_VERSION"
	ErrHandshakeTimeout        ErrorCode = "HANDSHAKE_TIMEOUT"
	ErrTransferTimeout         ErrorCode = "TRANSFER_TIMEOUT"
	ErrConsensusTimeout        ErrorCode = "CONSENSUS_TIMEOUT"
	ErrHandoffCeilingExceeded  ErrorCode = "HANDOFF_CEILING_EXCEEDED"
	ErrAgentNotFound           ErrorCode = "AGENT_NOT_FOUND"
	ErrAgentOffline            ErrorCode = "AGENT_OFFLINE"
	ErrTaskNotFound            ErrorCode = "TASK_NOT_FOUND"
	ErrSessionNotFound         ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionFinalized        ErrorCode = "SESSION_FINALIZED"
	ErrInvalidTransition       ErrorCode = "INVALID_TRANSITION"
	ErrNotOwner                ErrorCode = "NOT_OWNER"
	ErrNoCandidates            ErrorCode = "NO_CANDIDATES"
	ErrVoterNotEligible        ErrorCode = "VOTER_NOT_ELIGIBLE"
	ErrDuplicateVote           ErrorCode = "DUPLICATE_VOTE"
	ErrTaskBusy                ErrorCode = "TASK_BUSY"
	ErrInvalidRequest          ErrorCode = "INVALID_REQUEST"
)

// Error is a structured error with code, message, and retryability.
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

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
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

// GetErrorCode extracts the error code from an error, or "" if it is not a
// structured Error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// EventType returns the observability event type for the code, e.g.
// "error.handshake_timeout" for ErrHandshakeTimeout.
func (c ErrorCode) EventType() string {
	return EventError + strings.ToLower(string(c))
}
