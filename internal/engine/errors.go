// Package engine provides agent orchestration functionality.
// This file contains error classification and handling.

package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RetryClass indicates whether an error should be retried.
type RetryClass string

const (
	RetryClassRetryable    RetryClass = "retryable"     // Definitely retry
	RetryClassMaybe        RetryClass = "maybe"         // Retry with caution (limited attempts)
	RetryClassNonRetryable RetryClass = "non_retryable" // Never retry
)

// ErrRoundBudgetExceeded signals that a task used all of its rounds.
// It is not a failure: the loop degrades to an exhausted report.
var ErrRoundBudgetExceeded = errors.New("round budget exceeded")

// ProviderError carries the provider-side metadata shared by all provider failures.
type ProviderError struct {
	Provider   string
	HTTPStatus int
	RetryAfter time.Duration // provider hint, 0 if absent
	Err        error
}

func (e *ProviderError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("provider %s (status %d): %v", e.Provider, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) retryAfterHint() time.Duration { return e.RetryAfter }

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ProviderAuthError is an authorization or configuration failure. Never retried.
type ProviderAuthError struct{ ProviderError }

// ProviderRateLimitError is a 429-style refusal. Retried honoring RetryAfter.
type ProviderRateLimitError struct{ ProviderError }

// ProviderTransientError covers network and server failures. Retried.
type ProviderTransientError struct{ ProviderError }

// ProviderMalformedResponseError is an empty or unusable completion. Retried once.
type ProviderMalformedResponseError struct{ ProviderError }

// ProviderFailure records how one provider ended during a gateway call.
type ProviderFailure struct {
	Provider string
	Attempts int
	Err      error
}

// AllProvidersExhaustedError is the single error returned when every provider failed.
type AllProvidersExhaustedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return "all providers exhausted: no providers configured"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s after %d attempt(s): %v", f.Provider, f.Attempts, f.Err))
	}
	return fmt.Sprintf("all %d providers exhausted: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *AllProvidersExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// IsAllProvidersExhausted checks if an error is an AllProvidersExhaustedError.
func IsAllProvidersExhausted(err error) bool {
	var exhausted *AllProvidersExhaustedError
	return errors.As(err, &exhausted)
}

// ClassifyLLMError classifies an error from an LLM provider call.
func ClassifyLLMError(err error) RetryClass {
	if err == nil {
		return RetryClassNonRetryable
	}

	var authErr *ProviderAuthError
	var rateErr *ProviderRateLimitError
	var transientErr *ProviderTransientError
	var malformedErr *ProviderMalformedResponseError
	switch {
	case errors.As(err, &authErr):
		return RetryClassNonRetryable
	case errors.As(err, &rateErr), errors.As(err, &transientErr):
		return RetryClassRetryable
	case errors.As(err, &malformedErr):
		return RetryClassMaybe
	}

	return classifyByMessage(err)
}

func classifyByMessage(err error) RetryClass {
	errStr := strings.ToLower(err.Error())

	// Rate limit errors (429) - retryable, respect Retry-After
	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return RetryClassRetryable
	}

	// Server errors (5xx) - retryable
	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "overloaded") {
		return RetryClassRetryable
	}

	// Network/timeout errors - retryable
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "temporary failure") {
		return RetryClassRetryable
	}

	// Empty or unparsable completions - retry once
	if strings.Contains(errStr, "empty response") ||
		strings.Contains(errStr, "malformed") {
		return RetryClassMaybe
	}

	// Everything else (401/403/400/402, content filters, unknown) is not retried;
	// the gateway moves on to the next provider.
	return RetryClassNonRetryable
}

// NewProviderError wraps a raw SDK error into the typed taxonomy using the HTTP
// status when known and message heuristics otherwise.
func NewProviderError(provider string, err error, httpStatus int, retryAfter string) error {
	if err == nil {
		return nil
	}
	base := ProviderError{
		Provider:   provider,
		HTTPStatus: httpStatus,
		RetryAfter: ParseRetryAfter(retryAfter),
		Err:        err,
	}

	switch {
	case httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden ||
		httpStatus == http.StatusPaymentRequired || httpStatus == http.StatusBadRequest ||
		httpStatus == http.StatusNotFound:
		return &ProviderAuthError{base}
	case httpStatus == http.StatusTooManyRequests:
		return &ProviderRateLimitError{base}
	case httpStatus >= 500 || httpStatus == http.StatusRequestTimeout:
		return &ProviderTransientError{base}
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "too many requests") {
		return &ProviderRateLimitError{base}
	}
	if strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "authentication") || strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "api key not set") {
		return &ProviderAuthError{base}
	}

	switch classifyByMessage(err) {
	case RetryClassRetryable:
		return &ProviderTransientError{base}
	case RetryClassMaybe:
		return &ProviderMalformedResponseError{base}
	default:
		return &ProviderAuthError{base}
	}
}

// ParseRetryAfter converts a Retry-After header value (seconds or HTTP date).
// Returns 0 if absent or invalid.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), ":"))
	if value == "" {
		return 0
	}
	var seconds float64
	if _, err := fmt.Sscanf(value, "%g", &seconds); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ExtractRetryAfter extracts the provider's Retry-After hint from an error.
// Returns 0 if not found.
func ExtractRetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}
	var hinted interface{ retryAfterHint() time.Duration }
	if errors.As(err, &hinted) {
		if d := hinted.retryAfterHint(); d > 0 {
			return d
		}
	}

	errStr := strings.ToLower(err.Error())
	if idx := strings.Index(errStr, "retry after"); idx != -1 {
		var seconds int
		if _, err := fmt.Sscanf(errStr[idx:], "retry after %d", &seconds); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// FailureKind names the taxonomy bucket of a provider error, for logs and metrics.
func FailureKind(err error) string {
	var authErr *ProviderAuthError
	var rateErr *ProviderRateLimitError
	var transientErr *ProviderTransientError
	var malformedErr *ProviderMalformedResponseError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &rateErr):
		return "rate_limit"
	case errors.As(err, &transientErr):
		return "transient"
	case errors.As(err, &malformedErr):
		return "malformed"
	default:
		return "unknown"
	}
}

// RetryExhaustedError indicates that all retry attempts have been exhausted.
type RetryExhaustedError struct {
	Err         error
	Attempts    int
	MaxAttempts int
	IsGuarded   bool // True if this was a "maybe" class error with limited retries
}

func (e *RetryExhaustedError) Error() string {
	if e.IsGuarded {
		return fmt.Sprintf("guarded retries exhausted after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// NewRetryExhaustedError creates a new RetryExhaustedError.
func NewRetryExhaustedError(err error, attempts, maxAttempts int, isGuarded bool) *RetryExhaustedError {
	return &RetryExhaustedError{
		Err:         err,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		IsGuarded:   isGuarded,
	}
}
