// Package errors defines unified error types for authorization operations.
// All layer and cache failures are mapped to these standard error kinds
// before they cross the pipeline boundary.
package errors

import (
	"fmt"
	"net/http"
)

// AuthError represents a standardized error from the authorization core.
// It contains everything needed for error handling, audit logging, and the
// client response. Detailed reasons go only to audit sinks; the client
// receives the type, a generic message, and the correlation id.
type AuthError struct {
	StatusCode    int    `json:"status_code"`
	Message       string `json:"message"`
	Type          string `json:"type"`
	Reason        string `json:"reason,omitempty"` // denial subcategory, audit-only
	CorrelationID string `json:"correlation_id,omitempty"`
	RetryAfterSec int    `json:"retry_after,omitempty"`
	Retryable     bool   `json:"-"`
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("[%s] %s (reason=%s, code=%d)", e.Type, e.Message, e.Reason, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s (code=%d)", e.Type, e.Message, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *AuthError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Error kinds. The set is closed; free-form incident strings are not
// accepted anywhere in the pipeline.
const (
	TypeInputMalformed        = "input_malformed"
	TypeRateLimited           = "rate_limited"
	TypeUnauthorized          = "unauthorized"
	TypeContextSuspicious     = "context_suspicious"
	TypeCacheDegraded         = "cache_degraded"
	TypeDependencyUnavailable = "dependency_unavailable"
	TypeIntegrityViolation    = "integrity_violation"
	TypeInternalError         = "internal_error"
)

// Denial subcategories recorded under TypeUnauthorized.
const (
	ReasonNotOwner              = "not_owner"
	ReasonInsufficientTeamPerms = "insufficient_team_permissions"
	ReasonPrivateProject        = "private_project"
	ReasonVisibilityRestricted  = "project_visibility_restricted"
	ReasonInheritanceExhausted  = "inheritance_exhausted"
	ReasonSSRFAttempt           = "ssrf_attempt"
)

// NewInputMalformed creates a validation error (400).
func NewInputMalformed(message string) *AuthError {
	return &AuthError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInputMalformed,
		Retryable:  false,
	}
}

// NewRateLimited creates a rate limit error (429) with a retry hint.
func NewRateLimited(message string, retryAfterSec int) *AuthError {
	return &AuthError{
		StatusCode:    http.StatusTooManyRequests,
		Message:       message,
		Type:          TypeRateLimited,
		RetryAfterSec: retryAfterSec,
		Retryable:     true,
	}
}

// NewUnauthorized creates an access denial (403) with a subcategory.
func NewUnauthorized(reason, message string) *AuthError {
	return &AuthError{
		StatusCode: http.StatusForbidden,
		Message:    message,
		Type:       TypeUnauthorized,
		Reason:     reason,
		Retryable:  false,
	}
}

// NewContextSuspicious creates a denial caused by advisory layers
// aggregating to a RED threat level (403).
func NewContextSuspicious(message string) *AuthError {
	return &AuthError{
		StatusCode: http.StatusForbidden,
		Message:    message,
		Type:       TypeContextSuspicious,
		Retryable:  false,
	}
}

// NewCacheDegraded signals L2 unavailability. The request itself continues
// in L1-only mode; this error is carried in audit, never to the client.
func NewCacheDegraded(message string) *AuthError {
	return &AuthError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeCacheDegraded,
		Retryable:  true,
	}
}

// NewDependencyUnavailable creates an error for identity-provider or store
// timeouts (503). The orchestrator transitions to the emergency fallback.
func NewDependencyUnavailable(message string) *AuthError {
	return &AuthError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeDependencyUnavailable,
		Retryable:  true,
	}
}

// NewIntegrityViolation creates an error for checksum mismatches or tag
// index divergence (500).
func NewIntegrityViolation(message string) *AuthError {
	return &AuthError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeIntegrityViolation,
		Retryable:  false,
	}
}

// NewInternalError creates a generic failure (500). Production responses
// carry only the correlation id, never stack traces or field detail.
func NewInternalError(correlationID string) *AuthError {
	return &AuthError{
		StatusCode:    http.StatusInternalServerError,
		Message:       "internal error",
		Type:          TypeInternalError,
		CorrelationID: correlationID,
		Retryable:     false,
	}
}

// WithCorrelation attaches a correlation id and returns the error.
func (e *AuthError) WithCorrelation(id string) *AuthError {
	e.CorrelationID = id
	return e
}

// IsDenial reports whether the error kind always denies the request.
func IsDenial(errType string) bool {
	switch errType {
	case TypeInputMalformed, TypeRateLimited, TypeUnauthorized, TypeContextSuspicious:
		return true
	default:
		return false
	}
}
