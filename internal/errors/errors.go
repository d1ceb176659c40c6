// Package errors provides coded application errors for the offline subsystem.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique, stable error code surfaced to consumers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Persistent store errors
	ErrDatabase    ErrorCode = "DATABASE_ERROR"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"
	ErrUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// Sync queue errors
	ErrEnqueueFailed      ErrorCode = "ENQUEUE_FAILED"
	ErrQueuedOffline      ErrorCode = "QUEUED_OFFLINE"
	ErrReplayNetwork      ErrorCode = "REPLAY_NETWORK"
	ErrReplayStatus       ErrorCode = "REPLAY_STATUS"
	ErrRetriesExhausted   ErrorCode = "RETRIES_EXHAUSTED"
	ErrTriggerUnavailable ErrorCode = "TRIGGER_UNAVAILABLE"

	// Cache errors
	ErrCacheQuotaExceeded ErrorCode = "CACHE_QUOTA_EXCEEDED"
	ErrCacheFailed        ErrorCode = "CACHE_FAILED"
	ErrEvictionFailed     ErrorCode = "EVICTION_FAILED"
)

// Classification tells whether an error is worth retrying.
type Classification string

const (
	ClassificationRetryable Classification = "RETRYABLE"
	ClassificationPermanent Classification = "PERMANENT"
)

var classifications = map[ErrorCode]Classification{
	ErrDatabase:           ClassificationRetryable,
	ErrUnavailable:        ClassificationRetryable,
	ErrReplayNetwork:      ClassificationRetryable,
	ErrReplayStatus:       ClassificationRetryable,
	ErrCacheQuotaExceeded: ClassificationRetryable,
}

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

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
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

// CodeOf returns the code of the outermost AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Classify returns the retry classification of err.
// Unknown errors are permanent.
func Classify(err error) Classification {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return ClassificationPermanent
	}
	if c, ok := classifications[appErr.Code]; ok {
		return c
	}
	return ClassificationPermanent
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	return Classify(err) == ClassificationRetryable
}
