// Package errors defines the error taxonomy shared by every Sibyl component.
package errors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorType defines different categories of errors
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "VALIDATION"
	ErrorTypeAuthentication    ErrorType = "AUTHENTICATION"
	ErrorTypeAuthorization     ErrorType = "AUTHORIZATION"
	ErrorTypeNotFound          ErrorType = "NOT_FOUND"
	ErrorTypeConflict          ErrorType = "CONFLICT"
	ErrorTypeInvalidTransition ErrorType = "INVALID_TRANSITION"
	ErrorTypeUnavailable       ErrorType = "UNAVAILABLE"
	ErrorTypeTimeout           ErrorType = "TIMEOUT"
	ErrorTypeInternal          ErrorType = "INTERNAL"
)

// Authorization codes carried by 403 responses. Machine-readable; the
// human message travels separately.
const (
	CodeNoOrgContext            = "no_org_context"
	CodeOrgAccessDenied         = "org_access_denied"
	CodeProjectAccessDenied     = "project_access_denied"
	CodeResourceAccessDenied    = "resource_access_denied"
	CodeOwnershipRequired       = "ownership_required"
	CodeInsufficientPermissions = "insufficient_permissions"
)

// AppError is the custom error type for the application
type AppError struct {
	Type    ErrorType
	Code    string
	Message string
	Details map[string]any
	// Reference identifies internal errors in logs without leaking causes.
	Reference string
	Retryable bool
	Err       error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured context to the error and returns it.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail attaches a single structured field.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus maps the error type to its transport status code.
func (e *AppError) HTTPStatus() int {
	switch e.Type {
	case ErrorTypeValidation, ErrorTypeInvalidTransition:
		return 400
	case ErrorTypeAuthentication:
		return 401
	case ErrorTypeAuthorization:
		return 403
	case ErrorTypeNotFound:
		return 404
	case ErrorTypeConflict:
		return 409
	case ErrorTypeUnavailable:
		return 503
	case ErrorTypeTimeout:
		return 504
	default:
		return 500
	}
}

// Constructor functions for different error types

// NewValidation creates a validation error
func NewValidation(message string) *AppError {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

// NewValidationf creates a validation error with a formatted message.
func NewValidationf(format string, args ...any) *AppError {
	return &AppError{Type: ErrorTypeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewAuthentication creates an authentication error (missing or bad token).
func NewAuthentication(message string) *AppError {
	return &AppError{Type: ErrorTypeAuthentication, Message: message}
}

// NewAuthorization creates a policy-violation error with its machine code.
func NewAuthorization(code, message string) *AppError {
	return &AppError{Type: ErrorTypeAuthorization, Code: code, Message: message}
}

// NewNotFound creates a not found error
func NewNotFound(message string) *AppError {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

// NewConflict creates a conflict error (slug collision, last-owner removal).
func NewConflict(message string) *AppError {
	return &AppError{Type: ErrorTypeConflict, Message: message}
}

// NewInvalidTransition reports a state-machine violation. The allowed
// next states are enumerated so callers can branch without unwinding.
func NewInvalidTransition(from, to string, allowed []string) *AppError {
	e := &AppError{
		Type:    ErrorTypeInvalidTransition,
		Code:    "invalid_transition",
		Message: fmt.Sprintf("cannot transition from %q to %q", from, to),
	}
	return e.WithDetails(map[string]any{
		"current_state":  from,
		"target_state":   to,
		"allowed_states": allowed,
	})
}

// NewUnavailable reports a downstream outage. Retryable for reads.
func NewUnavailable(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeUnavailable, Message: message, Err: err, Retryable: true}
}

// NewTimeout reports a deadline overrun.
func NewTimeout(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeTimeout, Message: message, Err: err, Retryable: true}
}

// NewInternal creates an internal error with a generated reference ID.
// The cause stays server-side; clients see only the reference.
func NewInternal(message string, err error) *AppError {
	return &AppError{
		Type:      ErrorTypeInternal,
		Message:   message,
		Reference: uuid.NewString(),
		Err:       err,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, preserve the type
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Type:      appErr.Type,
			Code:      appErr.Code,
			Message:   fmt.Sprintf("%s: %s", message, appErr.Message),
			Details:   appErr.Details,
			Reference: appErr.Reference,
			Retryable: appErr.Retryable,
			Err:       appErr.Err,
		}
	}

	// Otherwise, create an internal error
	return NewInternal(message, err)
}

// AsApp extracts the AppError from an error chain, or wraps unknown
// errors as internal.
func AsApp(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternal("unexpected error", err)
}

// Type checking functions

func isType(err error, t ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == t
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool { return isType(err, ErrorTypeValidation) }

// IsAuthentication checks if an error is an authentication error
func IsAuthentication(err error) bool { return isType(err, ErrorTypeAuthentication) }

// IsAuthorization checks if an error is an authorization error
func IsAuthorization(err error) bool { return isType(err, ErrorTypeAuthorization) }

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsConflict checks if an error is a conflict error
func IsConflict(err error) bool { return isType(err, ErrorTypeConflict) }

// IsInvalidTransition checks if an error is a state-machine violation
func IsInvalidTransition(err error) bool { return isType(err, ErrorTypeInvalidTransition) }

// IsUnavailable checks if an error reports a downstream outage
func IsUnavailable(err error) bool { return isType(err, ErrorTypeUnavailable) }

// IsTimeout checks if an error reports a deadline overrun
func IsTimeout(err error) bool { return isType(err, ErrorTypeTimeout) }

// IsInternal checks if an error is an internal error
func IsInternal(err error) bool { return isType(err, ErrorTypeInternal) }

// IsRetryable reports whether the operation may be retried. Only
// idempotent reads should act on this.
func IsRetryable(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Retryable
}
