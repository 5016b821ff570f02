package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conduit/internal/activities"
	"github.com/rendis/conduit/internal/checkpoint"
	"github.com/rendis/conduit/internal/expressions"
	"github.com/rendis/conduit/internal/logging"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/pkg/schema"
)

// applyRetries bounds how often a completion callback re-reads and retries
// after losing the optimistic revision race to a concurrent mutation.
const applyRetries = 5

// Distributor publishes a terminal node's artifact to external targets.
// Implemented by the distribution coordinator; injected so the engine stays
// agnostic of publisher wiring.
type Distributor interface {
	Publish(ctx context.Context, instanceID, node, artifactID string, artifact json.RawMessage, targets []schema.DistributionTarget) (*store.PublishResultSet, error)
}

// InstanceView is the caller-facing snapshot of one workflow execution:
// the instance row, per-node progress and any pending checkpoints.
type InstanceView struct {
	Instance    *store.Instance     `json:"instance"`
	Nodes       []*store.NodeState  `json:"nodes"`
	Checkpoints []*store.Checkpoint `json:"checkpoints,omitempty"`
}

// Engine drives workflow instances through their definitions: dispatching
// eligible nodes in declaration order, applying completions as they arrive,
// suspending on checkpoints and handing terminal artifacts to distribution.
//
// Per-instance mutations are serialized through the store's revision lock,
// never a process-wide lock, so independent instances and parallel fan-out
// branches of one instance proceed without contention.
type Engine struct {
	st          store.Store
	executor    *ActivityExecutor
	eval        *expressions.Evaluator
	checkpoints *checkpoint.Manager
	distributor Distributor
	pool        *WorkerPool
	instFSM     *InstanceFSM
	nodeFSM     *NodeFSM
	logger      *slog.Logger

	graphMu sync.RWMutex
	graphs  map[string]*Graph

	ctxMu    sync.Mutex
	instCtxs map[string]*instanceContext
}

type instanceContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Options configures an Engine.
type Options struct {
	Store       store.Store
	Registry    *activities.Registry
	Evaluator   *expressions.Evaluator
	Distributor Distributor
	PoolSize    int
	Logger      *slog.Logger
}

// New creates an Engine from its collaborators.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Engine{
		st:          opts.Store,
		executor:    NewActivityExecutor(opts.Registry, opts.Store, logger),
		eval:        opts.Evaluator,
		checkpoints: checkpoint.NewManager(opts.Store, logger),
		distributor: opts.Distributor,
		pool:        NewWorkerPool(poolSize),
		instFSM:     NewInstanceFSM(opts.Store),
		nodeFSM:     NewNodeFSM(opts.Store),
		logger:      logger,
		graphs:      make(map[string]*Graph),
		instCtxs:    make(map[string]*instanceContext),
	}
}

// Checkpoints exposes the checkpoint manager for the scheduler's sweeper
// and the transport surfaces.
func (e *Engine) Checkpoints() *checkpoint.Manager { return e.checkpoints }

// Shutdown drains in-flight work.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// Start validates the published definition, creates a running instance and
// dispatches the entry node. Fails with INVALID_DEFINITION (or
// NON_EXHAUSTIVE_ROUTING) before any instance row is written.
func (e *Engine) Start(ctx context.Context, definitionID, version string, input map[string]any) (string, error) {
	rec, err := e.st.GetDefinition(ctx, definitionID, version)
	if err != nil {
		return "", err
	}
	g, err := e.graphFor(rec)
	if err != nil {
		return "", err
	}
	if err := Validate(g, e.eval).ToError(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	inst := &store.Instance{
		ID:                uuid.NewString(),
		DefinitionID:      rec.ID,
		DefinitionVersion: rec.Version,
		Status:            schema.InstancePending,
		Input:             input,
		Revision:          1,
		CreatedAt:         now,
	}
	if err := e.st.CreateInstance(ctx, inst); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create instance: %s", err.Error()).WithCause(err)
	}

	ctx = logging.WithInstanceID(ctx, inst.ID)
	if err := e.instFSM.Transition(ctx, inst.ID, schema.InstancePending, schema.InstanceRunning); err != nil {
		return "", err
	}
	running := schema.InstanceRunning
	if err := e.st.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:    &running,
		StartedAt: &now,
	}, inst.Revision); err != nil {
		return "", err
	}

	entryInput, err := json.Marshal(input)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "marshal input: %s", err.Error()).WithCause(err)
	}
	if err := e.st.UpsertNodeState(ctx, &store.NodeState{
		InstanceID: inst.ID,
		Node:       g.Def.Entry,
		Status:     schema.NodePending,
		Input:      entryInput,
	}); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "activate entry node: %s", err.Error()).WithCause(err)
	}

	e.logger.InfoContext(ctx, "instance started",
		"definition_id", rec.ID, "definition_version", rec.Version, "entry", g.Def.Entry)

	if _, err := e.Advance(ctx, inst.ID); err != nil {
		return inst.ID, err
	}
	return inst.ID, nil
}

// Advance dispatches every node whose predecessors are resolved and that is
// not yet dispatched, in definition declaration order, then returns the
// current view. Idempotent in effect: with nothing newly eligible no node is
// dispatched. Terminal and suspended instances are never mutated.
//
// Each pass claims the instance revision first, so of two concurrent calls
// on the same snapshot exactly one dispatches; the other surfaces
// STALE_INSTANCE instead of running a pending node's handler twice.
func (e *Engine) Advance(ctx context.Context, instanceID string) (*InstanceView, error) {
	ctx = logging.WithInstanceID(ctx, instanceID)
	inst, err := e.st.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != schema.InstanceRunning {
		return e.View(ctx, instanceID)
	}

	g, err := e.loadGraph(ctx, inst)
	if err != nil {
		return nil, err
	}
	if err := e.st.UpdateInstance(ctx, instanceID, store.InstanceUpdate{}, inst.Revision); err != nil {
		return nil, err
	}
	inst.Revision++

	if err := e.dispatchEligible(ctx, inst, g); err != nil {
		return nil, err
	}
	return e.View(ctx, instanceID)
}

// ResolveCheckpoint delivers a decision on a pending checkpoint and applies
// its instance-level consequence: approved/modified resume the instance,
// rejected either takes the declared feedback edge or fails the instance.
func (e *Engine) ResolveCheckpoint(ctx context.Context, instanceID, checkpointID string, decision schema.CheckpointDecision, payload json.RawMessage, resolvedBy string) (*InstanceView, error) {
	ctx = logging.WithInstanceID(ctx, instanceID)
	inst, err := e.st.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	cp, err := e.st.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		var engErr *schema.EngineError
		if errors.As(err, &engErr) && engErr.Code == schema.ErrCodeNotFound {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownCheckpoint,
				"checkpoint %s does not exist", checkpointID).WithCause(err)
		}
		return nil, err
	}
	if cp.InstanceID != instanceID {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownCheckpoint,
			"checkpoint %s does not belong to instance %s", checkpointID, instanceID)
	}
	if inst.Status != schema.InstanceSuspended {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownCheckpoint,
			"instance %s is %s, not suspended", instanceID, inst.Status)
	}

	cp, err = e.checkpoints.Resolve(ctx, checkpointID, decision, payload, resolvedBy)
	if err != nil {
		return nil, err
	}

	if err := e.applyCheckpointDecision(ctx, inst, cp); err != nil {
		return nil, err
	}
	return e.View(ctx, instanceID)
}

// Cancel marks the instance cancelled and skips every non-terminal node.
// Cooperative: in-flight handlers are signalled through their context but
// may run to completion; a late result is recorded for audit and never
// routed.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	ctx = logging.WithInstanceID(ctx, instanceID)
	inst, err := e.st.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance %s is already %s", instanceID, inst.Status)
	}

	states, err := e.st.ListNodeStates(ctx, instanceID)
	if err != nil {
		return err
	}
	statuses := make(map[string]schema.NodeStatus, len(states))
	for _, s := range states {
		statuses[s.Node] = s.Status
	}

	if err := CancelInstance(ctx, e.instFSM, e.nodeFSM, instanceID, inst.Status, statuses); err != nil {
		return err
	}

	now := time.Now().UTC()
	cancelled := schema.InstanceCancelled
	if err := e.st.UpdateInstance(ctx, instanceID, store.InstanceUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
	}, inst.Revision); err != nil {
		return err
	}
	for _, s := range states {
		if s.Status.IsTerminal() {
			continue
		}
		s.Status = schema.NodeSkipped
		s.CompletedAt = &now
		if err := e.st.UpsertNodeState(ctx, s); err != nil {
			return err
		}
	}

	e.cancelInstanceContext(instanceID)
	e.logger.InfoContext(ctx, "instance cancelled")
	return nil
}

// View assembles the instance snapshot: row, node states, pending checkpoints.
func (e *Engine) View(ctx context.Context, instanceID string) (*InstanceView, error) {
	inst, err := e.st.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.st.ListNodeStates(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	cps, err := e.st.ListCheckpoints(ctx, store.CheckpointFilter{
		InstanceID: instanceID,
		Decision:   string(schema.DecisionPending),
	})
	if err != nil {
		return nil, err
	}
	return &InstanceView{Instance: inst, Nodes: nodes, Checkpoints: cps}, nil
}

// --- dispatch ---

func (e *Engine) dispatchEligible(ctx context.Context, inst *store.Instance, g *Graph) error {
	states, err := e.nodeStateMap(ctx, inst.ID)
	if err != nil {
		return err
	}

	if err := e.gateFanIns(ctx, inst, g, states); err != nil {
		return err
	}

	var pending []*store.NodeState
	for _, s := range states {
		if s.Status == schema.NodePending {
			pending = append(pending, s)
		}
	}
	// Declaration order keeps dispatch deterministic for replay and audit.
	sort.Slice(pending, func(i, j int) bool {
		return g.Order[pending[i].Node] < g.Order[pending[j].Node]
	})

	for _, state := range pending {
		node := g.Nodes[state.Node]
		if err := e.dispatchNode(ctx, inst, g, node, state); err != nil {
			return err
		}
		// A checkpoint suspends the instance; stop dispatching this pass.
		if node.Kind == schema.NodeKindCheckpoint {
			return nil
		}
		// Terminal handling may have completed the instance.
		if node.Kind == schema.NodeKindTerminal {
			fresh, err := e.st.GetInstance(ctx, inst.ID)
			if err != nil {
				return err
			}
			if fresh.Status.IsTerminal() {
				return nil
			}
			inst = fresh
		}
	}
	return nil
}

func (e *Engine) dispatchNode(ctx context.Context, inst *store.Instance, g *Graph, node *schema.NodeSpec, state *store.NodeState) error {
	ctx = logging.WithNode(ctx, node.Name)

	// Persist-before-dispatch: the dispatched status is durable before any
	// handler runs, so a crash can never lose track of in-flight work.
	if err := e.nodeFSM.Transition(ctx, inst.ID, node.Name, state.Status, schema.NodeDispatched); err != nil {
		return err
	}
	now := time.Now().UTC()
	state.Status = schema.NodeDispatched
	state.StartedAt = &now
	if err := e.st.UpsertNodeState(ctx, state); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist dispatch: %s", err.Error()).
			WithNode(node.Name).WithCause(err)
	}

	switch node.Kind {
	case schema.NodeKindCheckpoint:
		return e.raiseCheckpoint(ctx, inst, node, state)
	case schema.NodeKindTerminal:
		return e.completeTerminal(ctx, inst, g, node, state)
	case schema.NodeKindFanOut:
		// Pure routing node: succeeds immediately with its input as output.
		return e.applyCompletion(context.WithoutCancel(ctx), inst.ID, node.Name, state.Input, nil)
	case schema.NodeKindFanIn:
		if node.Role == "" {
			return e.applyCompletion(context.WithoutCancel(ctx), inst.ID, node.Name, state.Input, nil)
		}
		return e.submitActivity(ctx, inst.ID, node, state.Input)
	default:
		return e.submitActivity(ctx, inst.ID, node, state.Input)
	}
}

// submitActivity hands the node to the worker pool and returns without
// waiting: the completion callback applies the result whenever it arrives.
func (e *Engine) submitActivity(ctx context.Context, instanceID string, node *schema.NodeSpec, input json.RawMessage) error {
	runCtx := e.instanceContextFor(instanceID)
	runCtx = logging.WithInstanceID(runCtx, instanceID)
	runCtx = logging.WithNode(runCtx, node.Name)

	nodeCopy := *node
	return e.pool.Submit(ctx, func(context.Context) error {
		e.markRunning(runCtx, instanceID, nodeCopy.Name)
		result, execErr := e.executor.Execute(runCtx, instanceID, &nodeCopy, input)
		var output json.RawMessage
		if result != nil {
			output = result.Output
		}
		// The completion write must survive instance-context cancellation
		// so late results still reach the audit trail.
		return e.applyCompletion(context.WithoutCancel(runCtx), instanceID, nodeCopy.Name, output, execErr)
	})
}

func (e *Engine) markRunning(ctx context.Context, instanceID, node string) {
	state, err := e.st.GetNodeState(ctx, instanceID, node)
	if err != nil || state.Status != schema.NodeDispatched {
		return
	}
	state.Status = schema.NodeRunning
	if err := e.st.UpsertNodeState(ctx, state); err != nil {
		e.logger.WarnContext(ctx, "mark node running failed", "error", err)
	}
}

// --- completion ---

// applyCompletion merges one node result into persisted instance state.
// Serialized per instance by the revision lock: on a stale conflict it
// re-reads and retries. Results arriving after the instance reached a
// terminal state are recorded for audit and never routed.
func (e *Engine) applyCompletion(ctx context.Context, instanceID, node string, output json.RawMessage, execErr error) error {
	var lastErr error
	for attempt := 0; attempt < applyRetries; attempt++ {
		inst, err := e.st.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return e.recordLateResult(ctx, instanceID, node, execErr)
		}

		err = e.applyCompletionOnce(ctx, inst, node, output, execErr)
		if err == nil {
			return nil
		}
		var engErr *schema.EngineError
		if !errors.As(err, &engErr) || engErr.Code != schema.ErrCodeStaleInstance {
			e.logger.ErrorContext(ctx, "apply completion failed",
				"node", node, "error", err)
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (e *Engine) applyCompletionOnce(ctx context.Context, inst *store.Instance, node string, output json.RawMessage, execErr error) error {
	g, err := e.loadGraph(ctx, inst)
	if err != nil {
		return err
	}
	state, err := e.st.GetNodeState(ctx, inst.ID, node)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return nil // duplicate callback, already applied
	}

	// Claim the revision first: this serializes completions for the
	// instance, so parallel branches apply one at a time.
	if err := e.st.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{}, inst.Revision); err != nil {
		return err
	}
	inst.Revision++

	now := time.Now().UTC()
	if execErr != nil {
		return e.applyFailure(ctx, inst, g, state, execErr, now)
	}

	if err := e.nodeFSM.Transition(ctx, inst.ID, node, state.Status, schema.NodeSucceeded); err != nil {
		return err
	}
	state.Status = schema.NodeSucceeded
	state.Output = output
	state.CompletedAt = &now
	if err := e.st.UpsertNodeState(ctx, state); err != nil {
		return err
	}

	states, err := e.nodeStateMap(ctx, inst.ID)
	if err != nil {
		return err
	}
	scope := e.buildScope(inst, states, rawToAny(output))
	targets, err := e.router(g).Next(ctx, node, scope, output)
	if err != nil {
		return e.failInstance(ctx, inst, err)
	}
	if err := e.activateTargets(ctx, inst.ID, g, targets, states); err != nil {
		return err
	}

	if inst.Status == schema.InstanceRunning {
		return e.dispatchEligible(ctx, inst, g)
	}
	return nil
}

func (e *Engine) applyFailure(ctx context.Context, inst *store.Instance, g *Graph, state *store.NodeState, execErr error, now time.Time) error {
	node := state.Node
	if err := e.nodeFSM.Transition(ctx, inst.ID, node, state.Status, schema.NodeFailed); err != nil {
		return err
	}
	state.Status = schema.NodeFailed
	state.Error = errorJSON(execErr)
	state.CompletedAt = &now
	if err := e.st.UpsertNodeState(ctx, state); err != nil {
		return err
	}

	states, err := e.nodeStateMap(ctx, inst.ID)
	if err != nil {
		return err
	}

	// Failure edges are guarded edges matched against the failure shape;
	// the unguarded default edge is a success edge and never taken here.
	scope := e.buildScope(inst, states, failureResult(execErr))
	targets, err := e.router(g).NextOnFailure(ctx, node, scope, state.Error)
	if err != nil {
		return e.failInstance(ctx, inst, err)
	}
	if len(targets) > 0 {
		if err := e.activateTargets(ctx, inst.ID, g, targets, states); err != nil {
			return err
		}
		return e.dispatchEligible(ctx, inst, g)
	}

	// A branch feeding a tolerant fan-in fails only that branch; the
	// fan-in gate synthesizes a partial result once every branch settles.
	if tolerated, failFast := fanInToleration(g, node); tolerated {
		if failFast {
			return e.failInstance(ctx, inst, execErr)
		}
		return e.dispatchEligible(ctx, inst, g)
	}

	return e.failInstance(ctx, inst, execErr)
}

// upstreamActive reports whether any ancestor of node still holds an
// unsettled state, meaning more results can still flow into it.
func upstreamActive(g *Graph, node string, states map[string]*store.NodeState) bool {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.Predecessors[node]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		if s, ok := states[n]; ok && !s.Status.IsTerminal() {
			return true
		}
		queue = append(queue, g.Predecessors[n]...)
	}
	return false
}

// fanInToleration reports whether the failed node feeds a declared fan-in,
// and whether that fan-in is fail_fast.
func fanInToleration(g *Graph, node string) (tolerated, failFast bool) {
	for _, spec := range g.Nodes {
		if spec.Kind != schema.NodeKindFanIn || spec.FanIn == nil {
			continue
		}
		for _, pred := range spec.FanIn.Predecessors {
			if pred == node {
				return true, spec.FanIn.FailFast
			}
		}
	}
	return false, false
}

func (e *Engine) recordLateResult(ctx context.Context, instanceID, node string, execErr error) error {
	payload := map[string]any{"node": node, "status": "succeeded"}
	if execErr != nil {
		payload["status"] = "failed"
		payload["error"] = execErr.Error()
	}
	raw, _ := json.Marshal(payload)
	e.logger.InfoContext(ctx, "late result recorded after terminal state",
		"node", node, "failed", execErr != nil)
	return e.st.AppendEvent(ctx, &store.StateChangeEvent{
		InstanceID: instanceID,
		Node:       node,
		Type:       schema.EventLateResultRecorded,
		Payload:    raw,
	})
}

// --- checkpoints ---

func (e *Engine) raiseCheckpoint(ctx context.Context, inst *store.Instance, node *schema.NodeSpec, state *store.NodeState) error {
	cp, err := e.checkpoints.Raise(ctx, inst.ID, node.Name, node.Checkpoint, state.Input)
	if err != nil {
		return err
	}

	if err := e.nodeFSM.Transition(ctx, inst.ID, node.Name, state.Status, schema.NodeSuspended); err != nil {
		return err
	}
	state.Status = schema.NodeSuspended
	if err := e.st.UpsertNodeState(ctx, state); err != nil {
		return err
	}

	if err := e.instFSM.Transition(ctx, inst.ID, inst.Status, schema.InstanceSuspended); err != nil {
		return err
	}
	suspended := schema.InstanceSuspended
	if err := e.st.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Status: &suspended}, inst.Revision); err != nil {
		return err
	}
	inst.Revision++
	inst.Status = schema.InstanceSuspended

	e.logger.InfoContext(ctx, "instance suspended on checkpoint",
		"node", node.Name, "checkpoint_id", cp.ID)
	return nil
}

func (e *Engine) applyCheckpointDecision(ctx context.Context, inst *store.Instance, cp *store.Checkpoint) error {
	g, err := e.loadGraph(ctx, inst)
	if err != nil {
		return err
	}
	state, err := e.st.GetNodeState(ctx, inst.ID, cp.Node)
	if err != nil {
		return err
	}
	states, err := e.nodeStateMap(ctx, inst.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	switch cp.Decision {
	case schema.DecisionApproved, schema.DecisionModified:
		output := state.Input
		if cp.Decision == schema.DecisionModified && len(cp.Payload) > 0 {
			output = cp.Payload
		}
		if err := e.nodeFSM.Transition(ctx, inst.ID, cp.Node, state.Status, schema.NodeSucceeded); err != nil {
			return err
		}
		state.Status = schema.NodeSucceeded
		state.Output = output
		state.CompletedAt = &now
		if err := e.st.UpsertNodeState(ctx, state); err != nil {
			return err
		}
		states[cp.Node] = state

		if err := e.resumeInstance(ctx, inst); err != nil {
			return err
		}
		scope := e.buildScope(inst, states, checkpointResult(cp, rawToAny(output)))
		targets, err := e.router(g).Next(ctx, cp.Node, scope, output)
		if err != nil {
			return e.failInstance(ctx, inst, err)
		}
		if err := e.activateTargets(ctx, inst.ID, g, targets, states); err != nil {
			return err
		}
		return e.dispatchEligible(ctx, inst, g)

	case schema.DecisionRejected:
		scope := e.buildScope(inst, states, checkpointResult(cp, rawToAny(cp.Payload)))
		payload := cp.Payload
		if len(payload) == 0 {
			payload = state.Input
		}
		targets, err := e.router(g).RejectionTarget(ctx, cp.Node, scope, payload)
		if err != nil {
			return e.failInstance(ctx, inst, err)
		}

		if err := e.nodeFSM.Transition(ctx, inst.ID, cp.Node, state.Status, schema.NodeFailed); err != nil {
			return err
		}
		state.Status = schema.NodeFailed
		state.Error = errorJSON(schema.NewError(schema.ErrCodeValidation, "checkpoint rejected").WithNode(cp.Node))
		state.CompletedAt = &now
		if err := e.st.UpsertNodeState(ctx, state); err != nil {
			return err
		}
		states[cp.Node] = state

		if len(targets) == 0 {
			return e.failInstance(ctx, inst,
				schema.NewErrorf(schema.ErrCodeValidation,
					"checkpoint on %s rejected with no feedback edge", cp.Node).WithNode(cp.Node))
		}
		if err := e.resumeInstance(ctx, inst); err != nil {
			return err
		}
		if err := e.activateTargets(ctx, inst.ID, g, targets, states); err != nil {
			return err
		}
		return e.dispatchEligible(ctx, inst, g)
	}
	return nil
}

func (e *Engine) resumeInstance(ctx context.Context, inst *store.Instance) error {
	if err := e.instFSM.Transition(ctx, inst.ID, inst.Status, schema.InstanceRunning); err != nil {
		return err
	}
	running := schema.InstanceRunning
	if err := e.st.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Status: &running}, inst.Revision); err != nil {
		return err
	}
	inst.Revision++
	inst.Status = schema.InstanceRunning
	e.logger.InfoContext(ctx, "instance resumed")
	return nil
}

// --- fan-in gating ---

// gateFanIns activates every fan-in node whose declared predecessors have
// all settled, regardless of completion order. Permanently failed branches
// produce a synthetic partial payload unless the fan-in is fail_fast, which
// fails the instance immediately. The gate holds while any ancestor is
// still active, so a feedback re-run upstream keeps the fan-in closed
// until the revised branch settles again.
func (e *Engine) gateFanIns(ctx context.Context, inst *store.Instance, g *Graph, states map[string]*store.NodeState) error {
	for name, node := range g.Nodes {
		if node.Kind != schema.NodeKindFanIn {
			continue
		}
		if _, alreadyActive := states[name]; alreadyActive {
			continue
		}
		if upstreamActive(g, name, states) {
			continue
		}

		statuses := make(map[string]schema.NodeStatus, len(states))
		outputs := make(map[string]json.RawMessage, len(states))
		errs := make(map[string]json.RawMessage, len(states))
		for n, s := range states {
			statuses[n] = s.Status
			outputs[n] = s.Output
			errs[n] = s.Error
		}

		ready, failed := FanInReady(node.FanIn, statuses)
		if !ready {
			continue
		}
		if len(failed) > 0 && node.FanIn.FailFast {
			return e.failInstance(ctx, inst, schema.NewErrorf(schema.ErrCodeActivityPermanent,
				"fail-fast fan-in %s: branches failed: %v", name, failed).WithNode(name))
		}

		input, err := BuildFanInInput(node.FanIn, outputs, errs, failed)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			e.emitEvent(ctx, inst.ID, name, schema.EventFanInPartial, map[string]any{
				"failed_branches": failed,
			})
		}
		state := &store.NodeState{
			InstanceID: inst.ID,
			Node:       name,
			Status:     schema.NodePending,
			Input:      input,
		}
		if err := e.st.UpsertNodeState(ctx, state); err != nil {
			return err
		}
		states[name] = state
	}
	return nil
}

// --- terminal nodes ---

func (e *Engine) completeTerminal(ctx context.Context, inst *store.Instance, g *Graph, node *schema.NodeSpec, state *store.NodeState) error {
	now := time.Now().UTC()
	if err := e.nodeFSM.Transition(ctx, inst.ID, node.Name, state.Status, schema.NodeSucceeded); err != nil {
		return err
	}
	state.Status = schema.NodeSucceeded
	state.Output = state.Input
	state.CompletedAt = &now
	if err := e.st.UpsertNodeState(ctx, state); err != nil {
		return err
	}

	if node.Distribution != nil && e.distributor != nil {
		e.submitDistribution(ctx, inst.ID, node, state.Output)
	}

	states, err := e.nodeStateMap(ctx, inst.ID)
	if err != nil {
		return err
	}
	for _, s := range states {
		if !s.Status.IsTerminal() {
			return nil // parallel branches still in flight
		}
	}

	if err := e.instFSM.Transition(ctx, inst.ID, inst.Status, schema.InstanceCompleted); err != nil {
		return err
	}
	completed := schema.InstanceCompleted
	if err := e.st.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:      &completed,
		Output:      state.Output,
		CompletedAt: &now,
	}, inst.Revision); err != nil {
		return err
	}
	inst.Revision++
	inst.Status = schema.InstanceCompleted
	e.cancelInstanceContext(inst.ID)
	e.logger.InfoContext(ctx, "instance completed", "terminal", node.Name)
	return nil
}

// submitDistribution hands the terminal artifact to the coordinator through
// the pool. Publish outcomes land in their own result set and the event log;
// they never retroactively change the instance outcome.
func (e *Engine) submitDistribution(ctx context.Context, instanceID string, node *schema.NodeSpec, artifact json.RawMessage) {
	targets := node.Distribution.Targets
	nodeName := node.Name
	runCtx := logging.WithInstanceID(context.WithoutCancel(ctx), instanceID)
	err := e.pool.Submit(ctx, func(context.Context) error {
		_, pubErr := e.distributor.Publish(runCtx, instanceID, nodeName, uuid.NewString(), artifact, targets)
		if pubErr != nil {
			e.logger.ErrorContext(runCtx, "distribution failed",
				"node", nodeName, "error", pubErr)
		}
		return pubErr
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "submit distribution failed", "node", nodeName, "error", err)
	}
}

// --- helpers ---

func (e *Engine) failInstance(ctx context.Context, inst *store.Instance, cause error) error {
	if err := e.instFSM.Transition(ctx, inst.ID, inst.Status, schema.InstanceFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	failed := schema.InstanceFailed
	if err := e.st.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:      &failed,
		Error:       errorJSON(cause),
		CompletedAt: &now,
	}, inst.Revision); err != nil {
		return err
	}
	inst.Revision++
	inst.Status = schema.InstanceFailed
	e.cancelInstanceContext(inst.ID)
	e.logger.ErrorContext(ctx, "instance failed", "error", cause)
	return nil
}

// activateTargets writes pending node states for routed successors. Fan-in
// targets are never activated here: the fan-in gate owns them and fires only
// once every declared predecessor has settled, with the synthesized input. A
// successor already active is left alone, and one in a settled state is
// re-entered only on a declared feedback cycle.
func (e *Engine) activateTargets(ctx context.Context, instanceID string, g *Graph, targets []RoutedTarget, states map[string]*store.NodeState) error {
	for _, t := range targets {
		if node, ok := g.Nodes[t.Node]; ok && node.Kind == schema.NodeKindFanIn {
			continue
		}
		if existing, ok := states[t.Node]; ok {
			if !existing.Status.IsTerminal() {
				continue
			}
			if !t.Feedback && !g.FeedbackLoop[t.Node] {
				continue
			}
		}
		state := &store.NodeState{
			InstanceID: instanceID,
			Node:       t.Node,
			Status:     schema.NodePending,
			Input:      t.Payload,
		}
		if err := e.st.UpsertNodeState(ctx, state); err != nil {
			return err
		}
		states[t.Node] = state
	}
	return nil
}

func (e *Engine) buildScope(inst *store.Instance, states map[string]*store.NodeState, result any) map[string]any {
	nodes := make(map[string]any, len(states))
	for name, s := range states {
		nodes[name] = rawToAny(s.Output)
	}
	return map[string]any{
		"result": result,
		"nodes":  nodes,
		"input":  inst.Input,
		"instance": map[string]any{
			"id":     inst.ID,
			"status": string(inst.Status),
		},
	}
}

func (e *Engine) nodeStateMap(ctx context.Context, instanceID string) (map[string]*store.NodeState, error) {
	list, err := e.st.ListNodeStates(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	states := make(map[string]*store.NodeState, len(list))
	for _, s := range list {
		states[s.Node] = s
	}
	return states, nil
}

func (e *Engine) router(g *Graph) *Router {
	return NewRouter(g, e.eval)
}

func (e *Engine) loadGraph(ctx context.Context, inst *store.Instance) (*Graph, error) {
	e.graphMu.RLock()
	g, ok := e.graphs[inst.DefinitionID+"@"+inst.DefinitionVersion]
	e.graphMu.RUnlock()
	if ok {
		return g, nil
	}
	rec, err := e.st.GetDefinition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	return e.graphFor(rec)
}

func (e *Engine) graphFor(rec *store.DefinitionRecord) (*Graph, error) {
	key := rec.ID + "@" + rec.Version
	e.graphMu.RLock()
	g, ok := e.graphs[key]
	e.graphMu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := BuildGraph(&rec.Definition)
	if err != nil {
		return nil, err
	}
	e.graphMu.Lock()
	e.graphs[key] = g
	e.graphMu.Unlock()
	return g, nil
}

// instanceContextFor returns the instance's root context, creating it on
// first use. Cancel signals it so in-flight handlers can stop cooperatively.
func (e *Engine) instanceContextFor(instanceID string) context.Context {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if ic, ok := e.instCtxs[instanceID]; ok {
		return ic.ctx
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.instCtxs[instanceID] = &instanceContext{ctx: ctx, cancel: cancel}
	return ctx
}

func (e *Engine) cancelInstanceContext(instanceID string) {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if ic, ok := e.instCtxs[instanceID]; ok {
		ic.cancel()
		delete(e.instCtxs, instanceID)
	}
}

func (e *Engine) emitEvent(ctx context.Context, instanceID, node, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	if err := e.st.AppendEvent(ctx, &store.StateChangeEvent{
		InstanceID: instanceID,
		Node:       node,
		Type:       eventType,
		Payload:    raw,
	}); err != nil {
		e.logger.WarnContext(ctx, "append event failed", "event_type", eventType, "error", err)
	}
}

func errorJSON(err error) json.RawMessage {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		raw, mErr := json.Marshal(engErr)
		if mErr == nil {
			return raw
		}
	}
	raw, _ := json.Marshal(map[string]any{"message": err.Error()})
	return raw
}

func failureResult(err error) map[string]any {
	result := map[string]any{
		"status": string(schema.NodeFailed),
		"error":  err.Error(),
	}
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		result["code"] = engErr.Code
	}
	return result
}

func checkpointResult(cp *store.Checkpoint, payload any) map[string]any {
	return map[string]any{
		"decision": string(cp.Decision),
		"payload":  payload,
	}
}
