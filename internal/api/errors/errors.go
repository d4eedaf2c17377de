// Package errors provides structured error types and response helpers for the API.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/engine"
	"github.com/synergy-network/synergy-node/internal/queue"
	"github.com/synergy-network/synergy-node/internal/tasks"
)

// Error codes for structured API responses.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeConflict        = "CONFLICT"
	CodeUnavailable     = "UNAVAILABLE"
)

// APIError represents a structured API error response.
type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID returns a copy of the error with the request ID set.
func (e *APIError) WithRequestID(requestID string) *APIError {
	c := *e
	c.RequestID = requestID
	return &c
}

// New creates a new APIError with the given code and message.
func New(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *APIError {
	return New(CodeValidationError, message)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *APIError {
	return New(CodeNotFound, message)
}

// NewUnauthorizedError creates an unauthorized error.
func NewUnauthorizedError(message string) *APIError {
	return New(CodeUnauthorized, message)
}

// NewInternalError creates an internal server error.
func NewInternalError(message string) *APIError {
	return New(CodeInternalError, message)
}

// NewConflictError creates a conflict error.
func NewConflictError(message string) *APIError {
	return New(CodeConflict, message)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *APIError) HTTPStatusCode() int {
	switch e.Code {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromDomain maps an error returned by a node component to an APIError. The
// second result is false when the error is not a known domain error and
// should be reported as internal.
func FromDomain(err error) (*APIError, bool) {
	switch {
	case errors.Is(err, cluster.ErrValidatorNotFound),
		errors.Is(err, cluster.ErrClusterNotFound),
		errors.Is(err, tasks.ErrTaskNotFound),
		errors.Is(err, engine.ErrNoInstance):
		return NewNotFoundError(err.Error()), true
	case errors.Is(err, cluster.ErrNoClusterFormed),
		errors.Is(err, cluster.ErrNoSuitableCluster),
		errors.Is(err, cluster.ErrClusterExists),
		errors.Is(err, cluster.ErrClusterNotActive),
		errors.Is(err, cluster.ErrTaskAlreadyAssigned),
		errors.Is(err, tasks.ErrTaskExists),
		errors.Is(err, tasks.ErrInvalidTransition),
		errors.Is(err, queue.ErrDuplicateJob):
		return NewConflictError(err.Error()), true
	case errors.Is(err, tasks.ErrInvalidTask),
		errors.Is(err, cluster.ErrInvalidStatus):
		return NewValidationError(err.Error()), true
	case errors.Is(err, engine.ErrNotRunning):
		return New(CodeUnavailable, err.Error()), true
	}
	return nil, false
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes an APIError as a JSON response.
func WriteError(w http.ResponseWriter, err *APIError) {
	WriteJSON(w, err.HTTPStatusCode(), err)
}

// ValidationError represents a field-level validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of field-level validation errors.
type ValidationErrors []ValidationError

// Add adds a new validation error for a field.
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any validation errors.
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

// ToAPIError converts validation errors to an APIError with field details.
func (v ValidationErrors) ToAPIError() *APIError {
	if len(v) == 0 {
		return NewValidationError("validation failed")
	}
	msg := v[0].Message
	if len(v) > 1 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, len(v)-1)
	}
	return NewValidationError(msg).WithDetails(map[string]any{"fields": v})
}
