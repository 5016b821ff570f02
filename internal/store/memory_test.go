package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/pkg/schema"
)

var _ Store = (*MemoryStore)(nil)

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, code, engErr.Code)
}

// --- Definitions ---

func TestMemoryStore_DefinitionsAreImmutable(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	def := &DefinitionRecord{ID: "wf", Version: "1"}

	require.NoError(t, st.PublishDefinition(ctx, def))
	err := st.PublishDefinition(ctx, &DefinitionRecord{ID: "wf", Version: "1"})
	assertCode(t, err, schema.ErrCodeConflict)

	// A new version of the same id is a separate record.
	require.NoError(t, st.PublishDefinition(ctx, &DefinitionRecord{ID: "wf", Version: "2"}))
}

func TestMemoryStore_GetDefinitionLatest(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.PublishDefinition(ctx, &DefinitionRecord{ID: "wf", Version: "1"}))
	require.NoError(t, st.PublishDefinition(ctx, &DefinitionRecord{ID: "wf", Version: "2"}))
	require.NoError(t, st.PublishDefinition(ctx, &DefinitionRecord{ID: "other", Version: "9"}))

	got, err := st.GetDefinition(ctx, "wf", "")
	require.NoError(t, err)
	assert.Equal(t, "2", got.Version, "empty version resolves to the latest publication")

	got, err = st.GetDefinition(ctx, "wf", "1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Version)

	_, err = st.GetDefinition(ctx, "wf", "3")
	assertCode(t, err, schema.ErrCodeNotFound)
	_, err = st.GetDefinition(ctx, "missing", "")
	assertCode(t, err, schema.ErrCodeNotFound)
}

// --- Instances and the revision lock ---

func TestMemoryStore_CreateInstanceDefaults(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	inst := &Instance{ID: "i-1", DefinitionID: "wf", Status: schema.InstancePending}

	require.NoError(t, st.CreateInstance(ctx, inst))
	assert.Equal(t, int64(1), inst.Revision, "first revision is assigned on create")

	err := st.CreateInstance(ctx, &Instance{ID: "i-1"})
	assertCode(t, err, schema.ErrCodeConflict)
}

func TestMemoryStore_UpdateInstanceOptimisticLock(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateInstance(ctx, &Instance{ID: "i-1", Status: schema.InstancePending}))

	running := schema.InstanceRunning
	require.NoError(t, st.UpdateInstance(ctx, "i-1", InstanceUpdate{Status: &running}, 1))

	inst, err := st.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceRunning, inst.Status)
	assert.Equal(t, int64(2), inst.Revision)

	// A writer holding the old revision must re-read.
	completed := schema.InstanceCompleted
	err = st.UpdateInstance(ctx, "i-1", InstanceUpdate{Status: &completed}, 1)
	assertCode(t, err, schema.ErrCodeStaleInstance)

	inst, err = st.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceRunning, inst.Status, "stale write left no trace")
}

func TestMemoryStore_EmptyUpdateStillBumpsRevision(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateInstance(ctx, &Instance{ID: "i-1"}))

	// The engine claims an instance by bumping the revision with no fields.
	require.NoError(t, st.UpdateInstance(ctx, "i-1", InstanceUpdate{}, 1))

	inst, err := st.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), inst.Revision)
}

func TestMemoryStore_ListInstancesFilters(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateInstance(ctx, &Instance{ID: "a", DefinitionID: "wf", Status: schema.InstanceRunning}))
	require.NoError(t, st.CreateInstance(ctx, &Instance{ID: "b", DefinitionID: "wf", Status: schema.InstanceCompleted}))
	require.NoError(t, st.CreateInstance(ctx, &Instance{ID: "c", DefinitionID: "other", Status: schema.InstanceRunning}))

	running := schema.InstanceRunning
	out, err := st.ListInstances(ctx, InstanceFilter{Status: &running})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = st.ListInstances(ctx, InstanceFilter{DefinitionID: "wf", Status: &running})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)
}

// --- Checkpoints ---

func TestMemoryStore_CheckpointResolvedExactlyOnce(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateCheckpoint(ctx, &Checkpoint{
		ID: "cp-1", InstanceID: "i-1", Node: "review", Decision: schema.DecisionPending,
	}))

	require.NoError(t, st.ResolveCheckpoint(ctx, "cp-1",
		schema.DecisionApproved, nil, "reviewer"))

	cp, err := st.GetCheckpoint(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, schema.DecisionApproved, cp.Decision)
	assert.Equal(t, "reviewer", cp.ResolvedBy)
	require.NotNil(t, cp.ResolvedAt)

	err = st.ResolveCheckpoint(ctx, "cp-1", schema.DecisionRejected, nil, "second")
	assertCode(t, err, schema.ErrCodeAlreadyResolved)

	cp, err = st.GetCheckpoint(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, schema.DecisionApproved, cp.Decision, "losing resolution left no trace")
}

func TestMemoryStore_GetCheckpointUnknown(t *testing.T) {
	st := NewMemoryStore()
	_, err := st.GetCheckpoint(context.Background(), "nope")
	assertCode(t, err, schema.ErrCodeUnknownCheckpoint)
}

func TestMemoryStore_ListCheckpointsDeadlineDue(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, st.CreateCheckpoint(ctx, &Checkpoint{
		ID: "overdue", InstanceID: "i-1", Decision: schema.DecisionPending, Deadline: &past,
	}))
	require.NoError(t, st.CreateCheckpoint(ctx, &Checkpoint{
		ID: "fresh", InstanceID: "i-1", Decision: schema.DecisionPending, Deadline: &future,
	}))
	require.NoError(t, st.CreateCheckpoint(ctx, &Checkpoint{
		ID: "open-ended", InstanceID: "i-1", Decision: schema.DecisionPending,
	}))
	require.NoError(t, st.CreateCheckpoint(ctx, &Checkpoint{
		ID: "settled", InstanceID: "i-1", Decision: schema.DecisionApproved, Deadline: &past,
	}))

	out, err := st.ListCheckpoints(ctx, CheckpointFilter{DeadlineDue: &now})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "overdue", out[0].ID)
}

// --- Event log ---

func TestMemoryStore_EventSequenceIsMonotonicPerInstance(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendEvent(ctx, &StateChangeEvent{
			InstanceID: "i-1", Type: schema.EventNodeDispatched,
		}))
	}
	require.NoError(t, st.AppendEvent(ctx, &StateChangeEvent{
		InstanceID: "i-2", Type: schema.EventInstanceStarted,
	}))

	events, err := st.GetEvents(ctx, "i-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence, "sequence starts at 1 and increments")
	}

	other, err := st.GetEvents(ctx, "i-2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence, "sequences are per instance")
}

func TestMemoryStore_GetEventsSince(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendEvent(ctx, &StateChangeEvent{InstanceID: "i-1", Type: "t"}))
	}

	events, err := st.GetEvents(ctx, "i-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
	assert.Equal(t, int64(5), events[1].Sequence)
}

// --- Activity records ---

func TestMemoryStore_ActivityRecordsByNode(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	for _, rec := range []*ActivityRecord{
		{InstanceID: "i-1", Node: "plan", Attempt: 1, Status: schema.ActivityFailed},
		{InstanceID: "i-1", Node: "plan", Attempt: 2, Status: schema.ActivitySucceeded},
		{InstanceID: "i-1", Node: "build", Attempt: 1, Status: schema.ActivitySucceeded},
	} {
		require.NoError(t, st.AppendActivityRecord(ctx, rec))
	}

	recs, err := st.ListActivityRecords(ctx, "i-1", "plan")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Attempt)
	assert.Equal(t, 2, recs[1].Attempt)

	all, err := st.ListActivityRecords(ctx, "i-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// --- Secrets ---

func TestMemoryStore_SecretsRoundtrip(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.StoreSecret(ctx, "creds/github", []byte("ciphertext")))

	got, err := st.GetSecret(ctx, "creds/github")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), got)

	// Overwrite rotates in place.
	require.NoError(t, st.StoreSecret(ctx, "creds/github", []byte("rotated")))
	got, err = st.GetSecret(ctx, "creds/github")
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), got)

	require.NoError(t, st.DeleteSecret(ctx, "creds/github"))
	_, err = st.GetSecret(ctx, "creds/github")
	assertCode(t, err, schema.ErrCodeNotFound)
}

// --- Scheduled runs ---

func TestMemoryStore_ScheduledRunLifecycle(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateScheduledRun(ctx, &ScheduledRun{
		ID: "run-1", DefinitionID: "wf", CronExpression: "0 * * * *", Enabled: true,
	}))
	require.NoError(t, st.CreateScheduledRun(ctx, &ScheduledRun{
		ID: "run-2", DefinitionID: "wf", CronExpression: "@daily", Enabled: false,
	}))

	enabled, err := st.ListScheduledRuns(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "run-1", enabled[0].ID)

	all, err := st.ListScheduledRuns(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	next := time.Now().UTC().Add(time.Hour)
	status := "started"
	require.NoError(t, st.UpdateScheduledRun(ctx, "run-1", ScheduledRunUpdate{
		NextRunAt: &next, LastRunStatus: &status,
	}))
	all, err = st.ListScheduledRuns(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].NextRunAt)
	assert.Equal(t, "started", all[0].LastRunStatus)

	require.NoError(t, st.DeleteScheduledRun(ctx, "run-1"))
	err = st.UpdateScheduledRun(ctx, "run-1", ScheduledRunUpdate{})
	assertCode(t, err, schema.ErrCodeNotFound)
}

// --- Distribution result sets ---

func TestMemoryStore_PublishResultSets(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	set := &PublishResultSet{
		ID: "rs-1", InstanceID: "i-1", ArtifactID: "art-1", Succeeded: true,
		Results: []PublishResult{{Target: "oci:registry", Outcome: schema.PublishSucceeded}},
	}
	require.NoError(t, st.CreatePublishResultSet(ctx, set))

	got, err := st.GetPublishResultSet(ctx, "rs-1")
	require.NoError(t, err)
	assert.True(t, got.Succeeded)
	require.Len(t, got.Results, 1)

	listed, err := st.ListPublishResultSets(ctx, "i-1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	_, err = st.GetPublishResultSet(ctx, "missing")
	assertCode(t, err, schema.ErrCodeNotFound)
}

// --- Isolation ---

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateInstance(ctx, &Instance{ID: "i-1", Status: schema.InstancePending}))

	inst, err := st.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	inst.Status = schema.InstanceFailed
	inst.Output = json.RawMessage(`{"tampered":true}`)

	fresh, err := st.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, schema.InstancePending, fresh.Status, "mutating a returned copy never touches the store")
	assert.Nil(t, fresh.Output)
}
