package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conduit/internal/logging"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/pkg/schema"
)

// Manager owns the checkpoint lifecycle: raising pending checkpoints,
// recording single-use decisions and escalating overdue ones. Instance-level
// consequences of a decision (resume, fail, feedback routing) belong to the
// engine; the manager only touches checkpoint records and the event log.
type Manager struct {
	st     store.Store
	logger *slog.Logger
}

// NewManager creates a checkpoint Manager.
func NewManager(st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{st: st, logger: logger}
}

// Raise creates a pending checkpoint for an instance node, stamping the
// deadline from the node's spec. The deadline is only stored here; the
// scheduler's sweeper enforces it.
func (m *Manager) Raise(ctx context.Context, instanceID, node string, spec *schema.CheckpointSpec, payload json.RawMessage) (*store.Checkpoint, error) {
	cp := &store.Checkpoint{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Node:       node,
		Decision:   schema.DecisionPending,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	if spec != nil {
		cp.Escalation = spec.Escalation
		if d := spec.ParseDeadline(); d > 0 {
			deadline := cp.CreatedAt.Add(d)
			cp.Deadline = &deadline
		}
	}

	if err := m.st.CreateCheckpoint(ctx, cp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create checkpoint: %s", err.Error()).
			WithNode(node).WithCause(err)
	}

	ctx = logging.WithCheckpointID(ctx, cp.ID)
	m.logger.InfoContext(ctx, "checkpoint raised",
		"instance_id", instanceID, "node", node, "deadline", cp.Deadline)
	m.emit(ctx, cp, schema.EventCheckpointRaised, map[string]any{
		"checkpoint_id": cp.ID,
		"deadline":      cp.Deadline,
	})
	return cp, nil
}

// Resolve records a decision on a pending checkpoint. Single-use: a second
// resolution fails with ALREADY_RESOLVED. Returns the resolved checkpoint.
func (m *Manager) Resolve(ctx context.Context, checkpointID string, decision schema.CheckpointDecision, payload json.RawMessage, resolvedBy string) (*store.Checkpoint, error) {
	switch decision {
	case schema.DecisionApproved, schema.DecisionRejected, schema.DecisionModified:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid checkpoint decision: %s", decision)
	}

	if _, err := m.st.GetCheckpoint(ctx, checkpointID); err != nil {
		var engErr *schema.EngineError
		if errors.As(err, &engErr) && engErr.Code == schema.ErrCodeNotFound {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownCheckpoint,
				"checkpoint %s does not exist", checkpointID).WithCause(err)
		}
		return nil, err
	}

	if err := m.st.ResolveCheckpoint(ctx, checkpointID, decision, payload, resolvedBy); err != nil {
		return nil, err
	}

	cp, err := m.st.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithCheckpointID(ctx, cp.ID)
	m.logger.InfoContext(ctx, "checkpoint resolved",
		"instance_id", cp.InstanceID, "node", cp.Node,
		"decision", decision, "resolved_by", resolvedBy)
	m.emit(ctx, cp, schema.EventCheckpointResolved, map[string]any{
		"checkpoint_id": cp.ID,
		"decision":      string(decision),
		"resolved_by":   resolvedBy,
	})
	return cp, nil
}

// ListOverdue returns pending checkpoints whose deadline is at or before now.
func (m *Manager) ListOverdue(ctx context.Context, now time.Time) ([]*store.Checkpoint, error) {
	return m.st.ListCheckpoints(ctx, store.CheckpointFilter{
		Decision:    string(schema.DecisionPending),
		DeadlineDue: &now,
	})
}

// Escalate records that an overdue checkpoint hit its deadline and returns
// the decision the node's policy dictates. auto_approve and auto_reject
// return a decision for the caller to deliver through the engine (so the
// instance-level consequence is applied); page and an unset policy only
// surface the event and leave the checkpoint pending for a human.
func (m *Manager) Escalate(ctx context.Context, cp *store.Checkpoint) schema.CheckpointDecision {
	ctx = logging.WithCheckpointID(ctx, cp.ID)
	m.emit(ctx, cp, schema.EventCheckpointEscalated, map[string]any{
		"checkpoint_id": cp.ID,
		"policy":        string(cp.Escalation),
		"deadline":      cp.Deadline,
	})

	switch cp.Escalation {
	case schema.EscalateAutoApprove:
		return schema.DecisionApproved
	case schema.EscalateAutoReject:
		return schema.DecisionRejected
	case schema.EscalatePage:
		m.logger.WarnContext(ctx, "checkpoint overdue, paging operator",
			"instance_id", cp.InstanceID, "node", cp.Node, "deadline", cp.Deadline)
		return schema.DecisionPending
	default:
		// No policy configured behaves like page: surface, stay pending.
		m.logger.WarnContext(ctx, "checkpoint overdue, no escalation policy",
			"instance_id", cp.InstanceID, "node", cp.Node)
		return schema.DecisionPending
	}
}

func (m *Manager) emit(ctx context.Context, cp *store.Checkpoint, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	event := &store.StateChangeEvent{
		InstanceID: cp.InstanceID,
		Node:       cp.Node,
		Type:       eventType,
		Payload:    raw,
	}
	if err := m.st.AppendEvent(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "append checkpoint event failed",
			"checkpoint_id", cp.ID, "event_type", eventType, "error", err)
	}
}
