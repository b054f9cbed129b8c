package providers

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory defines the normalized failure taxonomy
type ErrorCategory string

const (
	// ErrorTimeout indicates the provider took too long to respond
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorUpstream indicates the provider failed or is unavailable
	ErrorUpstream ErrorCategory = "upstream_error"

	// ErrorNotFound indicates the provider has no record for the entity
	ErrorNotFound ErrorCategory = "not_found"

	// ErrorRateLimited indicates the provider itself throttled us
	ErrorRateLimited ErrorCategory = "rate_limited_by_upstream"

	// ErrorUnrecognizedEntityType indicates the registry returned an entity
	// type with no known report variant
	ErrorUnrecognizedEntityType ErrorCategory = "unrecognized_entity_type"

	// ErrorBadData indicates the provider returned invalid/malformed data
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorInternal indicates an unexpected internal error
	ErrorInternal ErrorCategory = "internal"
)

// ProviderError wraps provider failures with normalized categorization
type ProviderError struct {
	Category   ErrorCategory
	Provider   Name
	Message    string
	Underlying error
	Retryable  bool // Whether a later attempt may succeed
	// RetryAfter is the upstream-advertised wait for ErrorRateLimited. Zero if absent.
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("provider %s [%s]: %s: %v", e.Provider, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("provider %s [%s]: %s", e.Provider, e.Category, e.Message)
}

// Unwrap supports error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Underlying
}

// NewProviderError creates a new normalized provider error
func NewProviderError(category ErrorCategory, provider Name, message string, underlying error) *ProviderError {
	retryable := category == ErrorTimeout ||
		category == ErrorUpstream ||
		category == ErrorRateLimited

	return &ProviderError{
		Category:   category,
		Provider:   provider,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// NewRateLimitedError records an upstream 429 with its advertised wait.
func NewRateLimitedError(provider Name, retryAfter time.Duration) *ProviderError {
	e := NewProviderError(ErrorRateLimited, provider, "upstream rate limit", nil)
	e.RetryAfter = retryAfter
	return e
}

// IsRetryable checks if an error is worth retrying
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error
func GetCategory(err error) ErrorCategory {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ErrorInternal
}

// RetryAfter extracts the upstream-advertised wait, if any.
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// CountsAsFailure reports whether err should trip the circuit breaker.
// Not-found answers and upstream throttling mean the source is healthy.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch GetCategory(err) {
	case ErrorNotFound, ErrorRateLimited:
		return false
	default:
		return true
	}
}
