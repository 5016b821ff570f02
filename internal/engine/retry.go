package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/rendis/conduit/pkg/schema"
)

// IsRetryableError classifies whether an activity attempt should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: permanent activity failures, validation errors, typed
// EngineErrors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Per-attempt deadline exceeded is retryable (a timed-out attempt counts
	// toward the budget and is retried like a transient failure).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable: the instance is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// EngineError checks its own code.
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (let the retry policy limit attempts).
	return true
}

// jitterFraction bounds the random spread applied to every backoff delay.
const jitterFraction = 0.2

// ComputeBackoff calculates the delay before retry attempt `attempt`
// (1-based: the delay after the attempt numbered `attempt` failed).
// The schedule is initial * multiplier^(attempt-1), jittered by up to ±20%
// so simultaneous retries do not stampede shared downstream services.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	base := policy.ParseInitialInterval()
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(base) * math.Pow(policy.BackoffMultiplier(), float64(attempt-1))

	// Jitter: uniform in [1-jitterFraction, 1+jitterFraction).
	delay *= 1 - jitterFraction + 2*jitterFraction*rand.Float64()

	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if
// the context is cancelled. Returns an error if the context was cancelled
// during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
