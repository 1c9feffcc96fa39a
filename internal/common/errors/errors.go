// Package errors provides custom error types for the Crewdock application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Orchestration error codes
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeAlreadyActive     = "ALREADY_ACTIVE"
	ErrCodeLaunchFailure     = "LAUNCH_FAILURE"
	ErrCodeProtocolViolation = "PROTOCOL_VIOLATION"
	ErrCodeUnexpectedExit    = "UNEXPECTED_EXIT"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeContainerExited   = "CONTAINER_EXITED"
	ErrCodeCanceled          = "CANCELED"
	ErrCodeAgentError        = "AGENT_ERROR"
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

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
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

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// InvalidTransition creates an error for a state change the lifecycle graph
// does not allow.
func InvalidTransition(entity, id, from, to string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("%s '%s' cannot transition from '%s' to '%s'", entity, id, from, to),
		HTTPStatus: http.StatusConflict,
	}
}

// AlreadyActive creates an error for a task that already has a live execution.
func AlreadyActive(taskID, executionID string) *AppError {
	return &AppError{
		Code:       ErrCodeAlreadyActive,
		Message:    fmt.Sprintf("task '%s' already has active execution '%s'", taskID, executionID),
		HTTPStatus: http.StatusConflict,
	}
}

// LaunchFailure creates an error for a container or process that could not start.
func LaunchFailure(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeLaunchFailure,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// ProtocolViolation creates an error for an agent that breached the wire protocol.
func ProtocolViolation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeProtocolViolation,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
	}
}

// UnexpectedExit creates an error for an agent process that exited without a result.
func UnexpectedExit(exitCode int64) *AppError {
	return &AppError{
		Code:       ErrCodeUnexpectedExit,
		Message:    fmt.Sprintf("agent process exited with code %d before reporting a result", exitCode),
		HTTPStatus: http.StatusBadGateway,
	}
}

// Timeout creates an error for an execution that ran past its wall-clock budget.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ContainerExited creates an error for a container that died underneath a session.
func ContainerExited(containerName string, exitCode int64) *AppError {
	return &AppError{
		Code:       ErrCodeContainerExited,
		Message:    fmt.Sprintf("container '%s' exited with code %d", containerName, exitCode),
		HTTPStatus: http.StatusBadGateway,
	}
}

// Canceled creates an error recording an operator-initiated cancellation.
func Canceled(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeCanceled,
		Message:    reason,
		HTTPStatus: http.StatusConflict,
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

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsBadRequest checks if the error is a bad request error.
func IsBadRequest(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBadRequest || appErr.Code == ErrCodeValidationError
	}
	return false
}

// IsInvalidTransition checks if the error is an invalid transition error.
func IsInvalidTransition(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeInvalidTransition
	}
	return false
}

// IsAlreadyActive checks if the error is an already active execution error.
func IsAlreadyActive(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeAlreadyActive
	}
	return false
}

// Code returns the application error code, or INTERNAL_ERROR for foreign errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
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
