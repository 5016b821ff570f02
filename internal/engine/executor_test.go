package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/internal/activities"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/pkg/schema"
)

func newExecutorEnv(t *testing.T) (*ActivityExecutor, *activities.Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	registry := activities.NewRegistry()
	return NewActivityExecutor(registry, st, nil), registry, st
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	exec, registry, st := newExecutorEnv(t)
	registry.Register("worker", activities.HandlerFunc(func(ctx context.Context, inv activities.Invocation) (json.RawMessage, error) {
		return json.RawMessage(`{"done":true}`), nil
	}))

	node := &schema.NodeSpec{Name: "build", Role: "worker"}
	result, err := exec.Execute(context.Background(), "i1", node, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempts)
	assert.JSONEq(t, `{"done":true}`, string(result.Output))

	recs, err := st.ListActivityRecords(context.Background(), "i1", "build")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, schema.ActivitySucceeded, recs[0].Status)
}

func TestExecute_UnknownRoleIsPermanent(t *testing.T) {
	exec, _, _ := newExecutorEnv(t)

	node := &schema.NodeSpec{Name: "build", Role: "nobody"}
	_, err := exec.Execute(context.Background(), "i1", node, nil)
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeActivityPermanent, engErr.Code)
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	exec, registry, st := newExecutorEnv(t)

	calls := 0
	registry.Register("worker", activities.HandlerFunc(func(ctx context.Context, inv activities.Invocation) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}))

	node := &schema.NodeSpec{
		Name: "fetch", Role: "worker",
		Retry: &schema.RetryPolicy{MaxAttempts: 5, InitialInterval: "1ms"},
	}
	result, err := exec.Execute(context.Background(), "i1", node, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)

	recs, err := st.ListActivityRecords(context.Background(), "i1", "fetch")
	require.NoError(t, err)
	require.Len(t, recs, 3, "one record per attempt")
	assert.Equal(t, schema.ActivityFailed, recs[0].Status)
	assert.Equal(t, schema.ActivityFailed, recs[1].Status)
	assert.Equal(t, schema.ActivitySucceeded, recs[2].Status)
}

func TestExecute_ExhaustedBudgetLeavesExactlyNRecords(t *testing.T) {
	exec, registry, st := newExecutorEnv(t)
	registry.Register("worker", activities.HandlerFunc(func(ctx context.Context, inv activities.Invocation) (json.RawMessage, error) {
		return nil, errors.New("temporary failure")
	}))

	const budget = 4
	node := &schema.NodeSpec{
		Name: "flaky", Role: "worker",
		Retry: &schema.RetryPolicy{MaxAttempts: budget, InitialInterval: "1ms"},
	}
	_, err := exec.Execute(context.Background(), "i1", node, nil)
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeRetryExhausted, engErr.Code)
	assert.Equal(t, budget, engErr.Details["attempts"])

	recs, err := st.ListActivityRecords(context.Background(), "i1", "flaky")
	require.NoError(t, err)
	assert.Len(t, recs, budget, "exhausting a budget of N leaves exactly N records")
	for i, rec := range recs {
		assert.Equal(t, i+1, rec.Attempt)
		assert.Equal(t, schema.ActivityFailed, rec.Status)
	}
}

func TestExecute_PermanentFailureStopsImmediately(t *testing.T) {
	exec, registry, st := newExecutorEnv(t)
	registry.Register("worker", activities.HandlerFunc(func(ctx context.Context, inv activities.Invocation) (json.RawMessage, error) {
		return nil, schema.NewError(schema.ErrCodeActivityPermanent, "input makes no sense")
	}))

	node := &schema.NodeSpec{
		Name: "parse", Role: "worker",
		Retry: &schema.RetryPolicy{MaxAttempts: 5, InitialInterval: "1ms"},
	}
	_, err := exec.Execute(context.Background(), "i1", node, nil)
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeActivityPermanent, engErr.Code)

	recs, err := st.ListActivityRecords(context.Background(), "i1", "parse")
	require.NoError(t, err)
	assert.Len(t, recs, 1, "no retries after a permanent failure")
}

func TestExecute_TimeoutCountsTowardBudget(t *testing.T) {
	exec, registry, st := newExecutorEnv(t)
	registry.Register("worker", activities.HandlerFunc(func(ctx context.Context, inv activities.Invocation) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return json.RawMessage(`{}`), nil
		}
	}))

	node := &schema.NodeSpec{
		Name: "slow", Role: "worker",
		Retry: &schema.RetryPolicy{MaxAttempts: 2, InitialInterval: "1ms", Timeout: "20ms"},
	}
	_, err := exec.Execute(context.Background(), "i1", node, nil)
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeRetryExhausted, engErr.Code)

	recs, err := st.ListActivityRecords(context.Background(), "i1", "slow")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, schema.ActivityTimedOut, recs[0].Status)
	assert.Equal(t, schema.ActivityTimedOut, recs[1].Status)

	events, err := st.GetEvents(context.Background(), "i1", 0)
	require.NoError(t, err)
	timedOut := 0
	for _, ev := range events {
		if ev.Type == schema.EventNodeTimedOut {
			timedOut++
		}
	}
	assert.Equal(t, 2, timedOut)
}

func TestExecute_CancelledContextStops(t *testing.T) {
	exec, registry, _ := newExecutorEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	registry.Register("worker", activities.HandlerFunc(func(ctx context.Context, inv activities.Invocation) (json.RawMessage, error) {
		cancel()
		return nil, errors.New("transient")
	}))

	node := &schema.NodeSpec{
		Name: "job", Role: "worker",
		Retry: &schema.RetryPolicy{MaxAttempts: 5, InitialInterval: "1ms"},
	}
	_, err := exec.Execute(ctx, "i1", node, nil)
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeCancelled, engErr.Code)
}
