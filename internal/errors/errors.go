// Package errors provides error code definitions shared by the sync engine,
// the local store and the desktop/CLI surfaces.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique, stable error code that is safe to expose to
// the UI layer and to structured logs.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase     ErrorCode = "DATABASE_ERROR"
	ErrMigration    ErrorCode = "MIGRATION_FAILED"
	ErrConstraint   ErrorCode = "CONSTRAINT_VIOLATION"
	ErrStoreFailure ErrorCode = "QUEUE_STORE_FAILURE"

	// Sync errors
	ErrSyncNotConfigured  ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"
	ErrSyncConflict       ErrorCode = "SYNC_CONFLICT"
	ErrSyncAuthFailed     ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncTimeout        ErrorCode = "SYNC_TIMEOUT"
	ErrTransientRemote    ErrorCode = "SYNC_TRANSIENT"
	ErrPermanentRemote    ErrorCode = "SYNC_PERMANENT"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrAlreadyInitialized ErrorCode = "ALREADY_INITIALIZED"
	ErrNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrStateConflict      ErrorCode = "STATE_CONFLICT"

	// Secrets
	ErrCryptoFailed ErrorCode = "CRYPTO_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any AppError in err's chain carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when err carries none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether the error is a transient remote failure.
// Permanent remote errors are still routed through the retry ceiling by the
// orchestrator; this only distinguishes them for logging.
func IsRetryable(err error) bool {
	return Is(err, ErrTransientRemote) || Is(err, ErrSyncTimeout)
}
