package completion

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes completion failures for retry classification.
// Types determine whether a grading task should be retried and with what
// backoff, separating transient provider trouble from permanent faults.
type ErrorType string

const (
	// ErrorTypeTimeout indicates request timeout or deadline exceeded (retryable).
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeRateLimit indicates rate limit exceeded, retry with backoff (retryable).
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNetwork indicates connectivity issues (retryable).
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeProvider indicates the upstream service is unavailable (retryable).
	ErrorTypeProvider ErrorType = "provider_unavailable"

	// ErrorTypeAuth indicates authentication failed (non-retryable).
	ErrorTypeAuth ErrorType = "authentication"

	// ErrorTypePermission indicates insufficient permissions (non-retryable).
	ErrorTypePermission ErrorType = "permission_denied"

	// ErrorTypeBadRequest indicates the request was malformed (non-retryable).
	ErrorTypeBadRequest ErrorType = "bad_request"

	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Common completion errors for consistent handling across the pipeline.
var (
	// ErrRateLimitExceeded indicates a rate limit has been exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrInvalidResponse indicates the provider returned an unparseable response.
	ErrInvalidResponse = errors.New("invalid provider response")

	// ErrEmptyCompletion indicates the provider returned no assistant content.
	ErrEmptyCompletion = errors.New("empty completion content")
)

// ProviderError captures a structured error response from the upstream
// completions API. RetryAfter carries the Retry-After header in seconds
// when the provider supplied one.
type ProviderError struct {
	StatusCode int       `json:"status_code"`
	Message    string    `json:"message"`
	Code       string    `json:"code"`
	Type       ErrorType `json:"type"`
	RetryAfter int       `json:"retry_after"`
}

// Error returns a formatted provider error with status code context.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("openrouter error (status %d): %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the error warrants another attempt.
func (e *ProviderError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeProvider:
		return true
	default:
		return false
	}
}

// RateLimitError provides rate limit context for backoff calculation.
// LocalLimit distinguishes the in-process token bucket from a provider 429.
type RateLimitError struct {
	RetryAfter int  `json:"retry_after"` // Seconds to wait before retry
	LocalLimit bool `json:"local_limit"`
}

// Error returns a formatted rate limit error with retry guidance.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded, retry after %d seconds", e.RetryAfter)
	}
	return "rate limit exceeded"
}

// Unwrap lets errors.Is(err, ErrRateLimitExceeded) match.
func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// IsRetryable determines if the error should trigger another attempt.
// Typed errors answer for themselves; untyped errors are treated as
// transient so network-level failures get retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.IsRetryable()
	}

	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}

	if errors.Is(err, ErrInvalidResponse) || errors.Is(err, ErrEmptyCompletion) {
		return false
	}

	return true
}

// GetRetryAfter extracts a provider-mandated wait in seconds, or 0 when
// the error carries no retry timing.
func GetRetryAfter(err error) int {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr.RetryAfter
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.RetryAfter
	}

	return 0
}

// classifyStatus maps an HTTP status code to an error type.
func classifyStatus(statusCode int) ErrorType {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case statusCode == http.StatusUnauthorized:
		return ErrorTypeAuth
	case statusCode == http.StatusForbidden:
		return ErrorTypePermission
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case statusCode >= 500:
		return ErrorTypeProvider
	case statusCode >= 400:
		return ErrorTypeBadRequest
	default:
		return ErrorTypeUnknown
	}
}
