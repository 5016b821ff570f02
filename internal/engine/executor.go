package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/conduit/internal/activities"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/pkg/schema"
)

// ActivityExecutor runs activity attempts against the handler registry,
// applying the node's retry policy and per-attempt timeout. Every attempt
// leaves exactly one append-only ActivityRecord, including timed-out and
// failed attempts, so the audit trail of a node that exhausts a budget of N
// holds exactly N records.
type ActivityExecutor struct {
	registry *activities.Registry
	st       store.Store
	logger   *slog.Logger
}

// NewActivityExecutor creates an executor over a handler registry and store.
func NewActivityExecutor(registry *activities.Registry, st store.Store, logger *slog.Logger) *ActivityExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityExecutor{registry: registry, st: st, logger: logger}
}

// ExecutionResult is the outcome of a successful activity execution.
type ExecutionResult struct {
	Output   json.RawMessage
	Attempts int
}

// Execute runs the node's activity until it succeeds, fails permanently, or
// exhausts the retry budget. A timed-out attempt counts toward the budget
// and is retried like a transient failure. The returned error carries
// ACTIVITY_PERMANENT or RETRY_EXHAUSTED with the last attempt's cause.
func (e *ActivityExecutor) Execute(ctx context.Context, instanceID string, node *schema.NodeSpec, input json.RawMessage) (*ExecutionResult, error) {
	handler, err := e.registry.Resolve(node.Role)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActivityPermanent,
			"no handler for role %q", node.Role).WithNode(node.Name).WithCause(err)
	}

	policy := node.Retry
	budget := policy.Attempts()
	timeout := policy.ParseTimeout()

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		output, attemptErr := e.runAttempt(ctx, instanceID, node, handler, input, attempt, timeout)
		if attemptErr == nil {
			return &ExecutionResult{Output: output, Attempts: attempt}, nil
		}
		lastErr = attemptErr

		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").
				WithNode(node.Name).WithCause(ctx.Err())
		}
		if !IsRetryableError(attemptErr) {
			e.logger.ErrorContext(ctx, "activity failed permanently",
				"instance_id", instanceID, "node", node.Name, "attempt", attempt, "error", attemptErr)
			return nil, permanentError(node.Name, attempt, attemptErr)
		}
		if attempt == budget {
			break
		}

		delay := ComputeBackoff(policy, attempt)
		e.logger.WarnContext(ctx, "activity attempt failed, retrying",
			"instance_id", instanceID, "node", node.Name,
			"attempt", attempt, "budget", budget, "backoff", delay.String(), "error", attemptErr)
		e.emitEvent(ctx, instanceID, node.Name, schema.EventNodeRetrying, map[string]any{
			"attempt": attempt,
			"backoff": delay.String(),
			"error":   attemptErr.Error(),
		})
		if err := WaitForBackoff(ctx, delay); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled during backoff").
				WithNode(node.Name).WithCause(err)
		}
	}

	e.logger.ErrorContext(ctx, "activity retry budget exhausted",
		"instance_id", instanceID, "node", node.Name, "attempts", budget, "error", lastErr)
	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"node %s failed after %d attempts: %s", node.Name, budget, lastErr.Error()).
		WithNode(node.Name).WithCause(lastErr).
		WithDetails(map[string]any{"attempts": budget})
}

func (e *ActivityExecutor) runAttempt(ctx context.Context, instanceID string, node *schema.NodeSpec, handler activities.Handler, input json.RawMessage, attempt int, timeout time.Duration) (json.RawMessage, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now().UTC()
	output, err := handler.Invoke(attemptCtx, activities.Invocation{
		InstanceID: instanceID,
		Node:       node.Name,
		Role:       node.Role,
		Attempt:    attempt,
		Input:      input,
	})
	ended := time.Now().UTC()

	rec := &store.ActivityRecord{
		InstanceID: instanceID,
		Node:       node.Name,
		Attempt:    attempt,
		Status:     schema.ActivitySucceeded,
		Output:     output,
		StartedAt:  started,
		EndedAt:    &ended,
	}
	if err != nil {
		rec.Status = schema.ActivityFailed
		rec.Output = nil
		rec.Error = err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			rec.Status = schema.ActivityTimedOut
			err = schema.NewErrorf(schema.ErrCodeTimeout,
				"attempt %d exceeded timeout %s", attempt, timeout.String()).
				WithNode(node.Name).WithCause(err)
			e.emitEvent(ctx, instanceID, node.Name, schema.EventNodeTimedOut, map[string]any{
				"attempt": attempt,
				"timeout": timeout.String(),
			})
		}
	}
	if recErr := e.st.AppendActivityRecord(ctx, rec); recErr != nil {
		e.logger.ErrorContext(ctx, "append activity record failed",
			"instance_id", instanceID, "node", node.Name, "attempt", attempt, "error", recErr)
	}
	return output, err
}

func (e *ActivityExecutor) emitEvent(ctx context.Context, instanceID, node, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	event := &store.StateChangeEvent{
		InstanceID: instanceID,
		Node:       node,
		Type:       eventType,
		Payload:    raw,
	}
	if err := e.st.AppendEvent(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "append event failed",
			"instance_id", instanceID, "event_type", eventType, "error", err)
	}
}

func permanentError(node string, attempt int, cause error) error {
	var engErr *schema.EngineError
	if errors.As(cause, &engErr) && engErr.Code == schema.ErrCodeActivityPermanent {
		return cause
	}
	return schema.NewErrorf(schema.ErrCodeActivityPermanent,
		"node %s failed permanently on attempt %d: %s", node, attempt, cause.Error()).
		WithNode(node).WithCause(cause).
		WithDetails(map[string]any{"attempt": attempt})
}
