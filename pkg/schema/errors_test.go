package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineError_Format(t *testing.T) {
	err := NewError(ErrCodeValidation, "bad input")
	assert.Equal(t, "[VALIDATION_ERROR] bad input", err.Error())
}

func TestEngineError_FormatWithNode(t *testing.T) {
	err := NewError(ErrCodeRetryExhausted, "gave up").WithNode("build")
	assert.Equal(t, "[RETRY_EXHAUSTED] node build: gave up", err.Error())
}

func TestEngineError_Newf(t *testing.T) {
	err := NewErrorf(ErrCodeNotFound, "instance %s not found", "abc")
	assert.Equal(t, "[NOT_FOUND] instance abc not found", err.Error())
}

func TestEngineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := NewError(ErrCodeStore, "persist failed").WithCause(cause)

	assert.True(t, errors.Is(err, cause))

	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, ErrCodeStore, engErr.Code)
}

func TestEngineError_Details(t *testing.T) {
	err := NewError(ErrCodeStaleInstance, "moved").
		WithDetails(map[string]any{"expected_revision": int64(3)})
	assert.Equal(t, int64(3), err.Details["expected_revision"])
}

// --- Retryability classification ---

func TestEngineError_IsRetryable(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{ErrCodeActivityTransient, true},
		{ErrCodeTimeout, true},
		{ErrCodeStore, true},
		{ErrCodeStaleInstance, true},
		{ErrCodeExecution, true},
		{ErrCodeActivityPermanent, false},
		{ErrCodeValidation, false},
		{ErrCodeInvalidDefinition, false},
		{ErrCodeNonExhaustiveRouting, false},
		{ErrCodeRetryExhausted, false},
		{ErrCodeAlreadyResolved, false},
		{ErrCodeUnknownCheckpoint, false},
		{ErrCodeNotFound, false},
		{ErrCodeConflict, false},
		{ErrCodeCancelled, false},
		{ErrCodeVault, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := NewError(tt.code, "x")
			assert.Equal(t, tt.retryable, err.IsRetryable())
		})
	}
}
