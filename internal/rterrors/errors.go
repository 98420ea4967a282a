// Package rterrors provides structured error types for the runtrail
// pipeline. All errors include a category, code, message, and retryable
// flag for consistent handling across components.
package rterrors

import (
	"errors"
	"fmt"
)

// Category classifies errors by failure domain.
type Category string

const (
	// CategoryFatalLocal: the durable log cannot be opened or written.
	// Terminates the worker; surfaced on the producer's next blocking
	// call. Never retried.
	CategoryFatalLocal Category = "FATAL_LOCAL"

	// CategoryTimeout: a blocking producer call exceeded its deadline.
	// Recoverable; the pipeline itself is unaffected.
	CategoryTimeout Category = "TIMEOUT"

	// CategoryTransientIngest: directory-read races during event-file
	// polling. Retried on the next poll pass.
	CategoryTransientIngest Category = "TRANSIENT_INGEST"

	// CategoryDegrade: data intentionally reduced to stay within
	// bounds (oversized history rows). A warning, never a failure.
	CategoryDegrade Category = "DEGRADE"

	// CategoryNetwork: remote service calls that failed after the
	// owning collaborator's own retries.
	CategoryNetwork Category = "NETWORK"

	// CategoryValidation: malformed settings or inputs.
	CategoryValidation Category = "VALIDATION"

	// CategoryInternal: bugs and invariant violations.
	CategoryInternal Category = "INTERNAL"
)

// Error codes for each category.
const (
	// Fatal-local codes
	CodeLogOpenFailed  = "LOG_OPEN_FAILED"
	CodeLogWriteFailed = "LOG_WRITE_FAILED"
	CodePipelineClosed = "PIPELINE_CLOSED"

	// Timeout codes
	CodeReplyTimeout = "REPLY_TIMEOUT"

	// Transient ingestion codes
	CodeDirectoryUnavailable = "DIRECTORY_UNAVAILABLE"
	CodeEventReadFailed      = "EVENT_READ_FAILED"

	// Degrade codes
	CodeRowTooLarge = "ROW_TOO_LARGE"

	// Network codes
	CodeUpsertFailed = "UPSERT_FAILED"
	CodeStreamFailed = "STREAM_FAILED"
	CodeUploadFailed = "UPLOAD_FAILED"

	// Validation codes
	CodeInvalidSettings = "INVALID_SETTINGS"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PipelineError is the structured error type used throughout the system.
type PipelineError struct {
	Category  Category
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category Category, code, message string) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category Category, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category),
	}
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) Category {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// IsFatalLocal reports whether the error chain contains a fatal-local
// failure, the only error class that stops the worker.
func IsFatalLocal(err error) bool {
	return GetCategory(err) == CategoryFatalLocal
}

// IsTimeout reports whether the error chain is a producer-side timeout.
func IsTimeout(err error) bool {
	return GetCategory(err) == CategoryTimeout
}

// isRetryable determines retryability from the category: transient
// ingestion and network failures retry, everything else does not.
func isRetryable(category Category) bool {
	switch category {
	case CategoryTransientIngest, CategoryNetwork:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewFatalLocal(code, message string, cause error) *PipelineError {
	return Wrap(CategoryFatalLocal, code, message, cause)
}

func NewTimeout(message string) *PipelineError {
	return New(CategoryTimeout, CodeReplyTimeout, message)
}

func NewTransientIngest(code, message string, cause error) *PipelineError {
	return Wrap(CategoryTransientIngest, code, message, cause)
}

func NewDegrade(message string) *PipelineError {
	return New(CategoryDegrade, CodeRowTooLarge, message)
}

func NewNetworkError(code, message string, cause error) *PipelineError {
	return Wrap(CategoryNetwork, code, message, cause)
}

func NewValidationError(message string) *PipelineError {
	return New(CategoryValidation, CodeInvalidSettings, message)
}

func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(CategoryInternal, CodeUnexpected, message, cause)
}
