// Package errors provides the typed error taxonomy for the Substrate pipeline.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds as constants
const (
	KindParse            = "PARSE"
	KindValidation       = "VALIDATION"
	KindNotFound         = "NOT_FOUND"
	KindIllegalState     = "ILLEGAL_STATE"
	KindDispatch         = "DISPATCH"
	KindSchemaValidation = "SCHEMA_VALIDATION"
	KindBudget           = "BUDGET"
	KindSystem           = "SYSTEM"
)

// CLI exit codes shared by every command verb.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Parse creates a parse error for unreadable or syntactically invalid input.
func Parse(message string, err error) *AppError {
	return &AppError{Kind: KindParse, Message: message, Err: err}
}

// Validation creates a semantic validation error.
func Validation(message string) *AppError {
	return &AppError{Kind: KindValidation, Message: message}
}

// Validationf creates a semantic validation error from a format string.
func Validationf(format string, args ...any) *AppError {
	return &AppError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// IllegalState creates an error for a forbidden state-machine transition.
func IllegalState(message string) *AppError {
	return &AppError{Kind: KindIllegalState, Message: message}
}

// IllegalStatef creates an illegal-state error from a format string.
func IllegalStatef(format string, args ...any) *AppError {
	return &AppError{Kind: KindIllegalState, Message: fmt.Sprintf(format, args...)}
}

// Dispatch creates an error for a subprocess that failed to start, timed out,
// or exited abnormally.
func Dispatch(message string, err error) *AppError {
	return &AppError{Kind: KindDispatch, Message: message, Err: err}
}

// SchemaValidation creates an error for subprocess output that did not satisfy
// the requested output schema.
func SchemaValidation(message string, err error) *AppError {
	return &AppError{Kind: KindSchemaValidation, Message: message, Err: err}
}

// Budget creates an error for an estimated or accumulated cost over the cap.
func Budget(message string) *AppError {
	return &AppError{Kind: KindBudget, Message: message}
}

// Internal creates a system error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{Kind: KindSystem, Message: message, Err: err}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its kind
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &AppError{Kind: KindSystem, Message: message, Err: err}
}

// KindOf returns the kind of an error, walking the wrapped chain.
// Non-AppError values report KindSystem.
func KindOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindSystem
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsIllegalState checks if the error is an illegal state-transition error.
func IsIllegalState(err error) bool {
	return KindOf(err) == KindIllegalState
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindParse
}

// ExitCode maps an error to the process exit code every CLI verb uses:
// 0 success, 2 usage or validation class, 1 everything else.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindParse, KindValidation, KindNotFound, KindIllegalState:
		return ExitUsage
	default:
		return ExitError
	}
}
