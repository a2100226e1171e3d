package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior for a single provider within one gateway call.
type RetryPolicy struct {
	MaxRetries          int           // Maximum number of retry attempts (0 = no retries)
	InitialDelay        time.Duration // Initial delay before first retry
	MaxDelay            time.Duration // Maximum delay cap, also applied to Retry-After hints
	Multiplier          float64       // Exponential backoff multiplier (e.g., 2.0)
	Jitter              bool          // Whether to add random jitter to delays
	MaxMalformedRetries int           // Retries allowed for "maybe" class errors
}

// MaxAttempts is the upper bound on calls made for one provider.
func (p RetryPolicy) MaxAttempts() int {
	return p.MaxRetries + 1
}

// RetryableFunc is a function that can be retried.
type RetryableFunc[T any] func(ctx context.Context) (T, error)

// RetryWithPolicy executes a function with retry logic based on the policy.
// Returns the result on success, the error itself when it is not retryable, or a
// RetryExhaustedError once the policy gives up.
func RetryWithPolicy[T any](
	ctx context.Context,
	policy RetryPolicy,
	fn RetryableFunc[T],
	classifyError func(error) RetryClass,
	onRetry func(attempt int, delay time.Duration, err error),
) (T, error) {
	var zero T

	attempt := 0

	for {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("context done after attempt %d: %w", attempt+1, err)
		}

		class := classifyError(err)
		if class == RetryClassNonRetryable {
			return zero, err
		}

		if attempt >= policy.MaxRetries {
			return zero, NewRetryExhaustedError(err, attempt+1, policy.MaxAttempts(), false)
		}

		if class == RetryClassMaybe && attempt >= policy.MaxMalformedRetries {
			return zero, NewRetryExhaustedError(err, attempt+1, policy.MaxMalformedRetries+1, true)
		}

		delay := calculateDelay(policy, attempt, err)

		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-timer.C:
		}

		attempt++
	}
}

// calculateDelay computes the delay for a retry attempt.
func calculateDelay(policy RetryPolicy, attempt int, err error) time.Duration {
	if retryAfter := ExtractRetryAfter(err); retryAfter > 0 {
		if policy.MaxDelay > 0 && retryAfter > policy.MaxDelay {
			return policy.MaxDelay
		}
		return retryAfter
	}

	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(policy.InitialDelay) * math.Pow(multiplier, float64(attempt))

	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	// 0-20% jitter
	if policy.Jitter {
		delay += rand.Float64() * 0.2 * delay
	}

	return time.Duration(delay)
}
