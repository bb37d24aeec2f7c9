// Package errors provides custom error types for the Ogent control plane.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants. The first group mirrors the command-dispatch
// error taxonomy; the second group covers generic HTTP surfaces.
const (
	ErrCodeAuthFailure         = "AUTH_FAILURE"
	ErrCodeAgentNotFound       = "AGENT_NOT_FOUND"
	ErrCodeNotDeliverable      = "NOT_DELIVERABLE"
	ErrCodeExecutorUnavailable = "EXECUTOR_UNAVAILABLE"
	ErrCodeExecutionError      = "EXECUTION_ERROR"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeLost                = "LOST"
	ErrCodeProtocolViolation   = "PROTOCOL_VIOLATION"
	ErrCodeAIBackend           = "AI_BACKEND"

	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeValidationError = "VALIDATION_ERROR"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// AuthFailure creates an error for invalid credentials or tokens.
func AuthFailure(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthFailure,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// AgentNotFound creates an error for a target agent that is not registered.
func AgentNotFound(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentNotFound,
		Message:    fmt.Sprintf("agent with id '%s' not found", agentID),
		HTTPStatus: http.StatusNotFound,
	}
}

// NotDeliverable creates an error for an agent that is known but has no live
// session, or whose session refused the send.
func NotDeliverable(agentID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeNotDeliverable,
		Message:    fmt.Sprintf("command to agent '%s' is not deliverable", agentID),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// ExecutorUnavailable creates an error for a forced executor that cannot run.
func ExecutorUnavailable(kind string) *AppError {
	return &AppError{
		Code:       ErrCodeExecutorUnavailable,
		Message:    fmt.Sprintf("executor '%s' is not available", kind),
		HTTPStatus: http.StatusConflict,
	}
}

// Cancelled creates an error for operator or deadline cancellation.
func Cancelled(commandID string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    fmt.Sprintf("command '%s' was cancelled", commandID),
		HTTPStatus: http.StatusConflict,
	}
}

// Lost creates an error for a command whose session dropped mid-flight and
// did not return within the grace interval.
func Lost(commandID string) *AppError {
	return &AppError{
		Code:       ErrCodeLost,
		Message:    fmt.Sprintf("command '%s' was lost", commandID),
		HTTPStatus: http.StatusGone,
	}
}

// ProtocolViolation creates an error for a malformed event payload.
func ProtocolViolation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeProtocolViolation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// AIBackend creates an error for a pre-processing backend failure.
func AIBackend(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAIBackend,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the error code for an error, or INTERNAL_ERROR when the error
// is not an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound || appErr.Code == ErrCodeAgentNotFound
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
