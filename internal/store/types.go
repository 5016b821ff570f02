package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/conduit/pkg/schema"
)

// DefinitionRecord is a published workflow definition, keyed by id + version.
// Immutable once published; new versions are new records.
type DefinitionRecord struct {
	ID         string                    `json:"id"`
	Version    string                    `json:"version"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// Instance is the persisted representation of one workflow execution.
// Revision is a monotonically increasing counter used for optimistic
// concurrency: every successful update increments it, and updates carrying
// a stale expected revision fail with STALE_INSTANCE.
type Instance struct {
	ID                string                `json:"id"`
	DefinitionID      string                `json:"definition_id"`
	DefinitionVersion string                `json:"definition_version"`
	Status            schema.InstanceStatus `json:"status"`
	Input             map[string]any        `json:"input,omitempty"`
	Output            json.RawMessage       `json:"output,omitempty"`
	Error             json.RawMessage       `json:"error,omitempty"`
	Revision          int64                 `json:"revision"`
	CreatedAt         time.Time             `json:"created_at"`
	StartedAt         *time.Time            `json:"started_at,omitempty"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// NodeState is the materialized view of a node's progress within an instance.
// The engine's active node set is the set of NodeStates in a non-terminal
// status; ActivityRecords hold the per-attempt audit trail.
type NodeState struct {
	InstanceID  string            `json:"instance_id"`
	Node        string            `json:"node"`
	Status      schema.NodeStatus `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ActivityRecord is one attempt of an activity node. Append-only: records
// are immutable history once written, retained for audit even after the
// instance has moved past the node.
type ActivityRecord struct {
	ID         int64                 `json:"id"`
	InstanceID string                `json:"instance_id"`
	Node       string                `json:"node"`
	Attempt    int                   `json:"attempt"`
	Status     schema.ActivityStatus `json:"status"`
	Output     json.RawMessage       `json:"output,omitempty"`
	Error      string                `json:"error,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	EndedAt    *time.Time            `json:"ended_at,omitempty"`
}

// Checkpoint is a suspension point tied to one instance and node.
// Resolved exactly once; after resolution it is immutable history.
type Checkpoint struct {
	ID         string                    `json:"id"`
	InstanceID string                    `json:"instance_id"`
	Node       string                    `json:"node"`
	Decision   schema.CheckpointDecision `json:"decision"`
	Payload    json.RawMessage           `json:"payload,omitempty"` // human-supplied replacement payload
	Deadline   *time.Time                `json:"deadline,omitempty"`
	Escalation schema.EscalationPolicy   `json:"escalation,omitempty"`
	ResolvedBy string                    `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time                `json:"resolved_at,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// PublishResult is the per-target outcome of one distribution attempt.
type PublishResult struct {
	Target        string                `json:"target"`
	Kind          string                `json:"kind"`
	Outcome       schema.PublishOutcome `json:"outcome"`
	Error         string                `json:"error,omitempty"`
	RollbackError string                `json:"rollback_error,omitempty"`
	DurationMs    int64                 `json:"duration_ms,omitempty"`
}

// PublishResultSet is the atomic record of one distribution attempt across
// all targets. Immutable once the attempt concludes.
type PublishResultSet struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id,omitempty"`
	Node       string          `json:"node,omitempty"`
	ArtifactID string          `json:"artifact_id"`
	Succeeded  bool            `json:"succeeded"`
	Results    []PublishResult `json:"results"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StateChangeEvent is an immutable entry in the per-instance event log.
// Sequence is monotonically increasing within an instance, so streams can
// restart from the last acknowledged event.
type StateChangeEvent struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	Node       string          `json:"node,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// ScheduledRun is a cron-triggered instance start for a published definition.
type ScheduledRun struct {
	ID                string          `json:"id"`
	DefinitionID      string          `json:"definition_id"`
	DefinitionVersion string          `json:"definition_version,omitempty"`
	CronExpression    string          `json:"cron_expression"`
	Input             json.RawMessage `json:"input,omitempty"`
	Enabled           bool            `json:"enabled"`
	LastRunAt         *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt         *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus     string          `json:"last_run_status,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status       *schema.InstanceStatus `json:"status,omitempty"`
	DefinitionID string                 `json:"definition_id,omitempty"`
	Since        *time.Time             `json:"since,omitempty"`
	Limit        int                    `json:"limit,omitempty"`
	Offset       int                    `json:"offset,omitempty"`
}

// InstanceUpdate specifies mutable fields of an instance. Nil fields are
// left untouched.
type InstanceUpdate struct {
	Status      *schema.InstanceStatus `json:"status,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// CheckpointFilter specifies criteria for listing checkpoints.
type CheckpointFilter struct {
	InstanceID  string     `json:"instance_id,omitempty"`
	Decision    string     `json:"decision,omitempty"`
	DeadlineDue *time.Time `json:"deadline_due,omitempty"` // pending checkpoints whose deadline is at or before this time
	Limit       int        `json:"limit,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus *string    `json:"last_run_status,omitempty"`
}
