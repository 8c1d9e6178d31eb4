// Package errors provides standardized API error types.
package errors

import (
	"fmt"
	"net/http"
)

// APIError is the error shape every endpoint returns.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    message,
		StatusCode: e.StatusCode,
		Details:    e.Details,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    details,
	}
}

// Standard error definitions
var (
	// ErrUnauthorized is returned when a token is missing or invalid.
	ErrUnauthorized = &APIError{
		Code:       "unauthorized",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrNotFound is returned when a job, target, or artifact does not exist.
	ErrNotFound = &APIError{
		Code:       "not_found",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrBadRequest is returned when the request is malformed.
	ErrBadRequest = &APIError{
		Code:       "bad_request",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrRateLimited is returned when rate limits are exceeded.
	ErrRateLimited = &APIError{
		Code:       "rate_limited",
		Message:    "Too many requests. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrConflict is returned when an operation collides with current state.
	ErrConflict = &APIError{
		Code:       "conflict",
		Message:    "Operation conflicts with current state",
		StatusCode: http.StatusConflict,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Code:       "internal_error",
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrServiceUnavailable is returned when the queue or a store is down.
	ErrServiceUnavailable = &APIError{
		Code:       "service_unavailable",
		Message:    "Service temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}
)

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       "validation_error",
		Message:    fmt.Sprintf("Validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Details: map[string]string{
			"field": field,
			"error": message,
		},
	}
}

// NewValidationErrors creates a validation error with multiple field errors.
func NewValidationErrors(errors map[string]string) *APIError {
	return &APIError{
		Code:       "validation_error",
		Message:    "One or more fields failed validation",
		StatusCode: http.StatusBadRequest,
		Details:    errors,
	}
}

// NewNotFoundError creates a not found error for a specific resource type.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       "not_found",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// AsAPIError converts an error to an APIError if possible.
// Returns ErrInternal if the error is not an APIError.
func AsAPIError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return ErrInternal
}
