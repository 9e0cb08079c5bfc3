package session

import (
	"errors"
	"fmt"
)

// ErrorCode classifies session transport failures so callers can pick a
// retry strategy and metrics can aggregate by cause.
type ErrorCode string

const (
	// CodeConnection covers network and connection failures.
	CodeConnection ErrorCode = "CONNECTION_ERROR"

	// CodeAuth covers rejected credentials and revoked tokens.
	CodeAuth ErrorCode = "AUTH_ERROR"

	// CodeRateLimit means the platform throttled the call.
	CodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// CodeNotFound means the chat, message, or user does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeTimeout means the platform did not answer in time.
	CodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// CodeInvalid covers malformed requests (empty text, bad chat id).
	CodeInvalid ErrorCode = "INVALID_INPUT"

	// CodeUnsupported marks operations the platform cannot perform.
	CodeUnsupported ErrorCode = "UNSUPPORTED"

	// CodeInternal is the catch-all for unexpected failures.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a classified transport error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeConnection, CodeRateLimit, CodeTimeout:
		return true
	default:
		return false
	}
}

// NewError builds a classified error around err.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from a session error, or CodeInternal for
// anything else.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err is a transient session error.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}
