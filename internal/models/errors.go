package models

import (
	"errors"
	"fmt"
)

type ErrorCategory string

const (
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryNotFound   ErrorCategory = "not_found"
	ErrorCategoryConflict   ErrorCategory = "conflict"
	ErrorCategoryExternal   ErrorCategory = "external"
	ErrorCategoryInternal   ErrorCategory = "internal"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
)

// AppError carries a stable code plus a category the HTTP layer maps to a
// status. Cause is kept for unwrapping, metadata for log context.
type AppError struct {
	Code     string
	Message  string
	Category ErrorCategory
	Cause    error
	Metadata map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	clone := *e
	clone.Cause = cause
	return &clone
}

func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	clone := *e
	clone.Metadata = make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		clone.Metadata[k] = v
	}
	clone.Metadata[key] = value
	return &clone
}

func (e *AppError) Is(target error) bool {
	var appErr *AppError
	if !errors.As(target, &appErr) {
		return false
	}
	return e.Code == appErr.Code
}

func newError(category ErrorCategory, code, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Category: category,
	}
}

func NewValidationError(code, message string) *AppError {
	return newError(ErrorCategoryValidation, code, message)
}

func NewNotFoundError(code, message string) *AppError {
	return newError(ErrorCategoryNotFound, code, message)
}

func NewConflictError(code, message string) *AppError {
	return newError(ErrorCategoryConflict, code, message)
}

func NewExternalError(code, message string) *AppError {
	return newError(ErrorCategoryExternal, code, message)
}

func NewInternalError(code, message string) *AppError {
	return newError(ErrorCategoryInternal, code, message)
}

func NewTimeoutError(code, message string) *AppError {
	return newError(ErrorCategoryTimeout, code, message)
}

// WrapExternalError tags a collaborator failure with the collaborator name.
func WrapExternalError(service string, err error) *AppError {
	return NewExternalError(service+"_FAILED", fmt.Sprintf("%s call failed", service)).WithCause(err)
}

var (
	ErrAnalysisNotFound = NewNotFoundError("ANALYSIS_NOT_FOUND", "Analysis not found")
	ErrAnalysisNotReady = NewConflictError("ANALYSIS_NOT_READY", "Analysis is not completed yet")

	ErrCancelFinished      = NewConflictError("ANALYSIS_ALREADY_FINISHED", "Analysis already finished, nothing to cancel")
	ErrCancelNotSupported  = NewConflictError("CANCEL_NOT_SUPPORTED", "Cancelling a processing analysis is not supported")
	ErrDocumentNotFound    = NewNotFoundError("DOCUMENT_NOT_FOUND", "Document not found")
	ErrUnsupportedFileKind = NewValidationError("UNSUPPORTED_FILE_TYPE", "Unsupported requirements file type")
)
