// Package errors provides domain-specific errors for the pulsesync engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common domain error conditions.
var (
	ErrOwnerRequired       = errors.New("owner ID required")
	ErrUnknownMetricType   = errors.New("unknown metric type")
	ErrMisalignedBucket    = errors.New("bucket start not aligned to metric granularity")
	ErrInvalidValue        = errors.New("invalid metric value")
	ErrPayloadRequired     = errors.New("structured metric requires a payload")
	ErrEntryNotFound       = errors.New("metric entry not found")
	ErrEventNotFound       = errors.New("outbox event not found")
	ErrEventAlreadyClaimed = errors.New("outbox event already claimed")
	ErrSessionInactive     = errors.New("no active session for owner")
	ErrRemoteUnavailable   = errors.New("remote backend unavailable")
	ErrSourceUnavailable   = errors.New("sensor source unavailable")
)

// ErrorCode categorizes errors for handling and reporting.
type ErrorCode string

const (
	CodeValidation      ErrorCode = "VALIDATION"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeStorage         ErrorCode = "STORAGE"
	CodeRemoteTransient ErrorCode = "REMOTE_TRANSIENT"
	CodeRemotePermanent ErrorCode = "REMOTE_PERMANENT"
	CodeRemoteConflict  ErrorCode = "REMOTE_CONFLICT"
	CodeSource          ErrorCode = "SOURCE"
	CodeConfiguration   ErrorCode = "CONFIG"
)

// SyncError wraps errors with additional context for debugging and handling.
type SyncError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error returns a formatted error string including the code, message, and cause if present.
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for use with errors.Is and errors.As.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// NewError creates a new SyncError with the given code, message, and optional cause.
func NewError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds a key-value pair to the error's context and returns the error.
func WithContext(err *SyncError, key string, value interface{}) *SyncError {
	if err.Context == nil {
		err.Context = make(map[string]interface{})
	}
	err.Context[key] = value
	return err
}

// CodeOf returns the code of the first SyncError in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsValidation reports whether err was rejected at a validation boundary.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// IsNotFound reports whether err signals a missing record.
func IsNotFound(err error) bool {
	if CodeOf(err) == CodeNotFound {
		return true
	}
	return errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrEventNotFound)
}

// IsConflict reports whether the remote backend already holds the record.
func IsConflict(err error) bool {
	return CodeOf(err) == CodeRemoteConflict
}

// IsTransient reports whether a remote failure is worth retrying soon.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeRemoteTransient
}

// ContextString returns a string context value attached to err, if any.
func ContextString(err error, key string) string {
	var se *SyncError
	if !errors.As(err, &se) || se.Context == nil {
		return ""
	}
	if s, ok := se.Context[key].(string); ok {
		return s
	}
	return ""
}

// Is reports whether err matches target using errors.Is semantics.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target and sets target to that error value.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
