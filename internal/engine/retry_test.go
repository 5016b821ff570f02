package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"permanent engine error", schema.NewError(schema.ErrCodeActivityPermanent, "bad input"), false},
		{"transient engine error", schema.NewError(schema.ErrCodeActivityTransient, "flaky"), true},
		{"validation error", schema.NewError(schema.ErrCodeValidation, "invalid"), false},
		{"wrapped permanent", fmt.Errorf("outer: %w", schema.NewError(schema.ErrCodeActivityPermanent, "inner")), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"io timeout", errors.New("read: i/o timeout"), true},
		{"unknown error defaults retryable", errors.New("something odd happened"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}

// --- Backoff schedule ---

func TestComputeBackoff_JitterBounds(t *testing.T) {
	policy := &schema.RetryPolicy{InitialInterval: "1s", Multiplier: 2.0}

	for attempt := 1; attempt <= 4; attempt++ {
		expected := float64(time.Second) * pow(2.0, attempt-1)
		lo := time.Duration(expected * (1 - jitterFraction))
		hi := time.Duration(expected * (1 + jitterFraction))

		for i := 0; i < 50; i++ {
			d := ComputeBackoff(policy, attempt)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

func TestComputeBackoff_NoIntervalMeansNoDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{}, 1))
	assert.Equal(t, time.Duration(0), ComputeBackoff(nil, 3))
}

func TestComputeBackoff_AttemptClampedToOne(t *testing.T) {
	policy := &schema.RetryPolicy{InitialInterval: "100ms"}
	d := ComputeBackoff(policy, 0)
	assert.Greater(t, d, time.Duration(0))
	assert.Less(t, d, 200*time.Millisecond)
}

func TestWaitForBackoff_ZeroReturnsImmediately(t *testing.T) {
	require.NoError(t, WaitForBackoff(context.Background(), 0))
}

func TestWaitForBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
