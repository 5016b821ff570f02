package engine

import (
	"context"
	"sync"

	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/pkg/schema"
)

// EventAppender is satisfied by the Store; used by FSMs to emit state-change
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.StateChangeEvent) error
}

// --- Instance FSM ---

// InstanceFSM validates and records workflow instance lifecycle transitions.
type InstanceFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewInstanceFSM creates an InstanceFSM that emits events via the given appender.
func NewInstanceFSM(appender EventAppender) *InstanceFSM {
	return &InstanceFSM{appender: appender}
}

// Transition validates and executes an instance state transition, emitting
// the corresponding event. The caller (the engine) persists the new status
// under the revision lock; the FSM only guards legality and audit.
func (f *InstanceFSM) Transition(ctx context.Context, instanceID string, from, to schema.InstanceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidInstanceTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}

	eventType := instanceEventType(from, to)
	if eventType != "" {
		event := &store.StateChangeEvent{
			InstanceID: instanceID,
			Type:       eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit instance event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

func isValidInstanceTransition(from, to schema.InstanceStatus) bool {
	allowed, ok := ValidInstanceTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func instanceEventType(from, to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceRunning:
		if from == schema.InstanceSuspended {
			return schema.EventInstanceResumed
		}
		return schema.EventInstanceStarted
	case schema.InstanceSuspended:
		return schema.EventInstanceSuspended
	case schema.InstanceCompleted:
		return schema.EventInstanceCompleted
	case schema.InstanceFailed:
		return schema.EventInstanceFailed
	case schema.InstanceCancelled:
		return schema.EventInstanceCancelled
	default:
		return ""
	}
}

// --- Node FSM ---

// NodeFSM validates and records per-node transitions within an instance.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewNodeFSM creates a NodeFSM that emits events via the given appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{appender: appender}
}

// Transition validates and executes a node state transition, emitting the
// corresponding event.
func (f *NodeFSM) Transition(ctx context.Context, instanceID, node string, from, to schema.NodeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(node).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}

	eventType := nodeEventType(to)
	if eventType != "" {
		event := &store.StateChangeEvent{
			InstanceID: instanceID,
			Node:       node,
			Type:       eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
				WithNode(node).WithCause(err)
		}
	}
	return nil
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	allowed, ok := ValidNodeTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeDispatched:
		return schema.EventNodeDispatched
	case schema.NodeSucceeded:
		return schema.EventNodeSucceeded
	case schema.NodeFailed:
		return schema.EventNodeFailed
	case schema.NodeSkipped:
		return schema.EventNodeSkipped
	default:
		return ""
	}
}

// --- Cancel Cascade ---

// CancelInstance transitions an instance to cancelled and skips all
// non-terminal nodes. nodeStates maps node name -> current NodeStatus.
func CancelInstance(ctx context.Context, instFSM *InstanceFSM, nodeFSM *NodeFSM, instanceID string, currentStatus schema.InstanceStatus, nodeStates map[string]schema.NodeStatus) error {
	if err := instFSM.Transition(ctx, instanceID, currentStatus, schema.InstanceCancelled); err != nil {
		return err
	}

	for node, status := range nodeStates {
		if status.IsTerminal() {
			continue
		}
		if isValidNodeTransition(status, schema.NodeSkipped) {
			if err := nodeFSM.Transition(ctx, instanceID, node, status, schema.NodeSkipped); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Transition tables ---

// ValidInstanceTransitions defines the allowed lifecycle transitions for instances.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstancePending:   {schema.InstanceRunning, schema.InstanceCancelled},
	schema.InstanceRunning:   {schema.InstanceSuspended, schema.InstanceCompleted, schema.InstanceFailed, schema.InstanceCancelled},
	schema.InstanceSuspended: {schema.InstanceRunning, schema.InstanceFailed, schema.InstanceCancelled},
	schema.InstanceCompleted: {},
	schema.InstanceFailed:    {},
	schema.InstanceCancelled: {},
}

// ValidNodeTransitions defines the allowed per-node transitions.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodePending:    {schema.NodeDispatched, schema.NodeSkipped},
	schema.NodeDispatched: {schema.NodeRunning, schema.NodeSuspended, schema.NodeSucceeded, schema.NodeFailed, schema.NodeSkipped},
	schema.NodeRunning:    {schema.NodeSucceeded, schema.NodeFailed, schema.NodeSkipped},
	schema.NodeSuspended:  {schema.NodeSucceeded, schema.NodeFailed, schema.NodeSkipped},
	schema.NodeSucceeded:  {},
	schema.NodeFailed:     {},
	schema.NodeSkipped:    {},
}
