// Package errors provides structured error types for the record store.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryFormat   ErrorCategory = "FORMAT"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryRecord   ErrorCategory = "RECORD"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeSchemaMismatch = "SCHEMA_MISMATCH"
	CodeInvalidSchema  = "INVALID_SCHEMA"

	// Format codes
	CodeCorruptFile           = "CORRUPT_FILE"
	CodeCorruptRecord         = "CORRUPT_RECORD"
	CodeUnexpectedEndOfColumn = "UNEXPECTED_END_OF_COLUMN"

	// Storage codes
	CodeIO             = "IO_ERROR"
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"

	// Record codes
	CodeNotFound = "NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinels for errors.Is comparisons. Matching is by category and code, so
// any error carrying the same pair compares equal regardless of message.
var (
	ErrSchemaMismatch        = New(ErrCategorySchema, CodeSchemaMismatch, "schema mismatch")
	ErrCorruptFile           = New(ErrCategoryFormat, CodeCorruptFile, "corrupt file")
	ErrCorruptRecord         = New(ErrCategoryFormat, CodeCorruptRecord, "corrupt record")
	ErrUnexpectedEndOfColumn = New(ErrCategoryFormat, CodeUnexpectedEndOfColumn, "unexpected end of column")
	ErrIO                    = New(ErrCategoryStorage, CodeIO, "i/o error")
	ErrNotFound              = New(ErrCategoryRecord, CodeNotFound, "not found")
)

// RecordStoreError is the structured error type used throughout the system.
type RecordStoreError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *RecordStoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *RecordStoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *RecordStoreError) Is(target error) bool {
	var t *RecordStoreError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new RecordStoreError.
func New(category ErrorCategory, code, message string) *RecordStoreError {
	return &RecordStoreError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new RecordStoreError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *RecordStoreError {
	return &RecordStoreError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *RecordStoreError) WithDetails(details map[string]interface{}) *RecordStoreError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var re *RecordStoreError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a RecordStoreError.
func GetCategory(err error) ErrorCategory {
	var re *RecordStoreError
	if errors.As(err, &re) {
		return re.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a RecordStoreError.
func GetCode(err error) string {
	var re *RecordStoreError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// isRetryable reports whether the calling layer may safely retry. Only
// filesystem and object storage failures qualify; encode/decode errors are
// deterministic.
func isRetryable(category ErrorCategory, code string) bool {
	return category == ErrCategoryStorage
}

// Convenience constructors for common errors.

func SchemaMismatch(format string, args ...interface{}) *RecordStoreError {
	return New(ErrCategorySchema, CodeSchemaMismatch, fmt.Sprintf(format, args...))
}

func InvalidSchema(format string, args ...interface{}) *RecordStoreError {
	return New(ErrCategorySchema, CodeInvalidSchema, fmt.Sprintf(format, args...))
}

func CorruptFile(path string, format string, args ...interface{}) *RecordStoreError {
	return New(ErrCategoryFormat, CodeCorruptFile, fmt.Sprintf(format, args...)).
		WithDetails(map[string]interface{}{"path": path})
}

func CorruptRecord(format string, args ...interface{}) *RecordStoreError {
	return New(ErrCategoryFormat, CodeCorruptRecord, fmt.Sprintf(format, args...))
}

func UnexpectedEndOfColumn(column string) *RecordStoreError {
	return New(ErrCategoryFormat, CodeUnexpectedEndOfColumn, "read past end of column "+column)
}

func IO(message string, cause error) *RecordStoreError {
	return Wrap(ErrCategoryStorage, CodeIO, message, cause)
}

func NotFound(format string, args ...interface{}) *RecordStoreError {
	return New(ErrCategoryRecord, CodeNotFound, fmt.Sprintf(format, args...))
}

func NewStorageError(code, message string, cause error) *RecordStoreError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *RecordStoreError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
