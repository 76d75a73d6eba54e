// Package errors provides the categorized error taxonomy for the
// dispatcher. Contention and duplicate submissions are deliberately
// modeled as normal outcomes elsewhere; only genuine failures pass
// through here.
package errors

import (
	"fmt"
	"net/http"

	"github.com/cati-dispatcher/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryCollaborator represents external collaborator errors
	CategoryCollaborator ErrorCategory = "collaborator"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewMalformedPayloadError creates an error for an unparseable or
// invalid completion payload
func NewMalformedPayloadError(reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "MALFORMED_PAYLOAD",
		Message:    fmt.Sprintf("malformed payload: %s", reason),
		Details: map[string]interface{}{
			"reason": reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(interviewerID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"interviewerId": interviewerID,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       "CACHE_ERROR",
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCollaboratorError creates an external collaborator error
func NewCollaboratorError(collaborator string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCollaborator,
		StatusCode: http.StatusBadGateway,
		Code:       "COLLABORATOR_ERROR",
		Message:    fmt.Sprintf("collaborator error: %s", collaborator),
		Cause:      cause,
		Details: map[string]interface{}{
			"collaborator": collaborator,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	if catErr, ok := err.(*CategorizedError); ok {
		return catErr
	}

	if svcErr, ok := err.(*types.ServiceError); ok {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	switch err.Code {
	case "INVALID_PARAMETER", "MALFORMED_PAYLOAD":
		return &CategorizedError{
			Category:   CategoryValidation,
			StatusCode: http.StatusBadRequest,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	case "NOT_FOUND", "QUEUE_ENTRY_NOT_FOUND", "RESPONSE_NOT_FOUND":
		return &CategorizedError{
			Category:   CategoryNotFound,
			StatusCode: http.StatusNotFound,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	case "RATE_LIMIT_EXCEEDED":
		return &CategorizedError{
			Category:   CategoryRateLimit,
			StatusCode: http.StatusTooManyRequests,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	default:
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryDatabase, CategoryCache, CategoryCollaborator:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
