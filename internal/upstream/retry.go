package upstream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// RetryPolicy defines how retries should be handled.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Strategy     BackoffStrategy
	Jitter       bool
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Strategy:     BackoffExponential,
		Jitter:       true,
	}
}

// RetryableError wraps an error to indicate it should be retried.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %v)", e.Err, e.RetryAfter)
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error should trigger a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// Retry executes fn with backoff retry logic. It returns the number of
// retries consumed alongside the final error.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) (int, error) {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return attempt, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return attempt, err
		}

		// Don't sleep after the last attempt
		if attempt == policy.MaxRetries {
			break
		}

		backoff := calculateBackoff(policy, attempt)

		var retryErr *RetryableError
		if errors.As(err, &retryErr) && retryErr.RetryAfter > 0 {
			backoff = retryErr.RetryAfter
		}

		select {
		case <-ctx.Done():
			return attempt, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return policy.MaxRetries, fmt.Errorf("max retries exceeded (%d): %w", policy.MaxRetries, lastErr)
}

// calculateBackoff computes the delay for a given attempt under the
// policy's strategy, capped at MaxDelay.
func calculateBackoff(policy RetryPolicy, attempt int) time.Duration {
	var backoff float64

	switch policy.Strategy {
	case BackoffLinear:
		backoff = float64(policy.InitialDelay) * float64(attempt+1)
	case BackoffFixed:
		backoff = float64(policy.InitialDelay)
	default:
		backoff = float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt))
	}

	if backoff > float64(policy.MaxDelay) {
		backoff = float64(policy.MaxDelay)
	}

	duration := time.Duration(backoff)

	// Jitter prevents thundering herd on shared upstreams.
	if policy.Jitter {
		jitter := time.Duration(rand.Int63n(int64(duration)/10 + 1))
		duration += jitter
	}

	return duration
}
