package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/conduit/pkg/schema"
)

// Store defines the persistence layer contract. It is the single source of
// truth shared by every component; all implementations must be safe for
// concurrent use.
type Store interface {
	// Definitions (immutable once published)
	PublishDefinition(ctx context.Context, def *DefinitionRecord) error
	GetDefinition(ctx context.Context, id, version string) (*DefinitionRecord, error)
	ListDefinitions(ctx context.Context) ([]*DefinitionRecord, error)

	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// UpdateInstance applies the update iff the persisted revision still
	// equals expectedRevision, then increments it. Returns a STALE_INSTANCE
	// error when the row has moved.
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate, expectedRevision int64) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// Node states (materialized view of graph progress)
	UpsertNodeState(ctx context.Context, state *NodeState) error
	GetNodeState(ctx context.Context, instanceID, node string) (*NodeState, error)
	ListNodeStates(ctx context.Context, instanceID string) ([]*NodeState, error)

	// Activity records (append-only audit trail)
	AppendActivityRecord(ctx context.Context, rec *ActivityRecord) error
	ListActivityRecords(ctx context.Context, instanceID, node string) ([]*ActivityRecord, error)

	// Checkpoints
	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	// ResolveCheckpoint records the decision iff the checkpoint is still
	// pending. Returns an ALREADY_RESOLVED error otherwise.
	ResolveCheckpoint(ctx context.Context, id string, decision schema.CheckpointDecision, payload json.RawMessage, resolvedBy string) error
	ListCheckpoints(ctx context.Context, filter CheckpointFilter) ([]*Checkpoint, error)

	// State-change log (append-only, per-instance monotonic sequence)
	AppendEvent(ctx context.Context, event *StateChangeEvent) error
	GetEvents(ctx context.Context, instanceID string, sinceSeq int64) ([]*StateChangeEvent, error)

	// Distribution
	CreatePublishResultSet(ctx context.Context, set *PublishResultSet) error
	GetPublishResultSet(ctx context.Context, id string) (*PublishResultSet, error)
	ListPublishResultSets(ctx context.Context, instanceID string) ([]*PublishResultSet, error)

	// Secrets (encrypted credential material behind opaque handles)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	ListScheduledRuns(ctx context.Context, enabledOnly bool) ([]*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	DeleteScheduledRun(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ErrStale returns the canonical optimistic-lock conflict error for an instance.
func ErrStale(instanceID string, expected int64) error {
	return schema.NewErrorf(schema.ErrCodeStaleInstance,
		"instance %s moved past revision %d; re-read and retry", instanceID, expected).
		WithDetails(map[string]any{"instance_id": instanceID, "expected_revision": expected})
}

// ErrNotFound returns the canonical not-found error for a keyed record.
func ErrNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id)
}

// timeOrNow returns t, or the current UTC time when t is zero.
func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
