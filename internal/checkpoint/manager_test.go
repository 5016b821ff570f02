package checkpoint

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/pkg/schema"
)

func newManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewManager(st, nil), st
}

func eventTypes(t *testing.T, st *store.MemoryStore, instanceID string) []string {
	t.Helper()
	events, err := st.GetEvents(context.Background(), instanceID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

// --- Raise ---

func TestManager_RaiseStampsDeadlineFromSpec(t *testing.T) {
	mgr, st := newManager(t)
	spec := &schema.CheckpointSpec{Deadline: "4h", Escalation: schema.EscalateAutoApprove}
	payload := json.RawMessage(`{"draft":"v1"}`)

	cp, err := mgr.Raise(context.Background(), "i-1", "review", spec, payload)
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, schema.DecisionPending, cp.Decision)
	assert.Equal(t, schema.EscalateAutoApprove, cp.Escalation)
	require.NotNil(t, cp.Deadline)
	assert.WithinDuration(t, cp.CreatedAt.Add(4*time.Hour), *cp.Deadline, time.Second)
	assert.JSONEq(t, string(payload), string(cp.Payload))

	assert.Equal(t, []string{schema.EventCheckpointRaised}, eventTypes(t, st, "i-1"))
}

func TestManager_RaiseWithoutSpecLeavesNoDeadline(t *testing.T) {
	mgr, _ := newManager(t)

	cp, err := mgr.Raise(context.Background(), "i-1", "review", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, cp.Deadline)
	assert.Empty(t, cp.Escalation)
}

// --- Resolve ---

func TestManager_ResolveRecordsDecision(t *testing.T) {
	mgr, st := newManager(t)
	cp, err := mgr.Raise(context.Background(), "i-1", "review", nil, nil)
	require.NoError(t, err)

	resolved, err := mgr.Resolve(context.Background(), cp.ID,
		schema.DecisionModified, json.RawMessage(`{"edited":true}`), "editor")
	require.NoError(t, err)
	assert.Equal(t, schema.DecisionModified, resolved.Decision)
	assert.Equal(t, "editor", resolved.ResolvedBy)
	assert.JSONEq(t, `{"edited":true}`, string(resolved.Payload))
	require.NotNil(t, resolved.ResolvedAt)

	assert.Contains(t, eventTypes(t, st, "i-1"), schema.EventCheckpointResolved)
}

func TestManager_ResolveRejectsUnknownDecision(t *testing.T) {
	mgr, _ := newManager(t)
	cp, err := mgr.Raise(context.Background(), "i-1", "review", nil, nil)
	require.NoError(t, err)

	_, err = mgr.Resolve(context.Background(), cp.ID, schema.CheckpointDecision("maybe"), nil, "x")
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)

	// Pending decision is not a valid resolution either.
	_, err = mgr.Resolve(context.Background(), cp.ID, schema.DecisionPending, nil, "x")
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestManager_ResolveIsSingleUse(t *testing.T) {
	mgr, _ := newManager(t)
	cp, err := mgr.Raise(context.Background(), "i-1", "review", nil, nil)
	require.NoError(t, err)

	_, err = mgr.Resolve(context.Background(), cp.ID, schema.DecisionApproved, nil, "first")
	require.NoError(t, err)

	_, err = mgr.Resolve(context.Background(), cp.ID, schema.DecisionRejected, nil, "second")
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeAlreadyResolved, engErr.Code)
}

func TestManager_ResolveUnknownCheckpoint(t *testing.T) {
	mgr, _ := newManager(t)
	_, err := mgr.Resolve(context.Background(), "ghost", schema.DecisionApproved, nil, "x")
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeUnknownCheckpoint, engErr.Code)
}

// --- Deadlines and escalation ---

func TestManager_ListOverdue(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	overdue, err := mgr.Raise(ctx, "i-1", "review", &schema.CheckpointSpec{Deadline: "1ms"}, nil)
	require.NoError(t, err)
	_, err = mgr.Raise(ctx, "i-1", "approve", &schema.CheckpointSpec{Deadline: "24h"}, nil)
	require.NoError(t, err)
	_, err = mgr.Raise(ctx, "i-2", "review", nil, nil) // no deadline, never overdue
	require.NoError(t, err)

	got, err := mgr.ListOverdue(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, overdue.ID, got[0].ID)

	// Resolution removes it from the overdue set.
	_, err = mgr.Resolve(ctx, overdue.ID, schema.DecisionApproved, nil, "x")
	require.NoError(t, err)
	got, err = mgr.ListOverdue(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestManager_EscalateReturnsPolicyDecision(t *testing.T) {
	mgr, st := newManager(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		policy schema.EscalationPolicy
		want   schema.CheckpointDecision
	}{
		{"auto approve", schema.EscalateAutoApprove, schema.DecisionApproved},
		{"auto reject", schema.EscalateAutoReject, schema.DecisionRejected},
		{"page stays pending", schema.EscalatePage, schema.DecisionPending},
		{"no policy stays pending", "", schema.DecisionPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp, err := mgr.Raise(ctx, "i-"+tt.name, "review",
				&schema.CheckpointSpec{Deadline: "1ms", Escalation: tt.policy}, nil)
			require.NoError(t, err)

			got := mgr.Escalate(ctx, cp)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, eventTypes(t, st, cp.InstanceID), schema.EventCheckpointEscalated)

			// Escalation itself never resolves; delivery is the caller's job.
			fresh, err := st.GetCheckpoint(ctx, cp.ID)
			require.NoError(t, err)
			assert.Equal(t, schema.DecisionPending, fresh.Decision)
		})
	}
}
