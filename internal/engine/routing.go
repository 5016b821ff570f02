package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/conduit/internal/expressions"
	"github.com/rendis/conduit/pkg/schema"
)

// Graph is the in-memory adjacency view of a workflow definition. Built once
// per definition, shared read-only across instances.
type Graph struct {
	Def          *schema.WorkflowDefinition
	Nodes        map[string]*schema.NodeSpec
	Order        map[string]int      // node name → declaration index, for deterministic dispatch
	Predecessors map[string][]string // node name → static predecessors
	FeedbackLoop map[string]bool     // nodes on a declared feedback cycle, eligible for re-entry
}

// BuildGraph parses a definition into a Graph, checking structural integrity:
// duplicate or empty node names, unknown edge targets, unknown node kinds.
// Deeper semantic checks (cycles, reachability, guard exhaustiveness) live in
// Validate.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "workflow has no nodes")
	}

	g := &Graph{
		Def:          def,
		Nodes:        make(map[string]*schema.NodeSpec, len(def.Nodes)),
		Order:        make(map[string]int, len(def.Nodes)),
		Predecessors: make(map[string][]string),
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "node at index %d has empty name", i)
		}
		if _, exists := g.Nodes[node.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "duplicate node name: %s", node.Name)
		}
		if node.Kind == "" {
			node.Kind = schema.NodeKindActivity
		}
		if !validNodeKinds[node.Kind] {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "node %s has unknown kind: %s", node.Name, node.Kind)
		}
		g.Nodes[node.Name] = node
		g.Order[node.Name] = i
	}

	for source, edges := range def.Routes {
		if _, exists := g.Nodes[source]; !exists {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "route source %s is not a node", source)
		}
		for _, edge := range edges {
			for _, target := range edgeTargets(edge) {
				if _, exists := g.Nodes[target]; !exists {
					return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition,
						"edge %s -> %s targets a non-existent node", source, target)
				}
				if !edge.Feedback {
					g.Predecessors[target] = append(g.Predecessors[target], source)
				}
			}
		}
	}

	// Fan-in nodes declare their predecessor set explicitly; it must agree
	// with the edges pointing at them.
	for name, node := range g.Nodes {
		if node.Kind != schema.NodeKindFanIn {
			continue
		}
		if node.FanIn == nil || len(node.FanIn.Predecessors) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition,
				"fan-in node %s declares no predecessors", name)
		}
	}

	markFeedbackLoops(g)

	return g, nil
}

// markFeedbackLoops records which nodes sit on a declared feedback cycle:
// the checkpoint carrying the feedback edge, the edge's target, and every
// node on a forward path from that target back to the checkpoint. Only
// these nodes may be re-entered once they hold a settled state.
func markFeedbackLoops(g *Graph) {
	g.FeedbackLoop = make(map[string]bool)
	for source, edges := range g.Def.Routes {
		for _, edge := range edges {
			if !edge.Feedback {
				continue
			}
			back := ancestorSet(g, source)
			for _, target := range edgeTargets(edge) {
				g.FeedbackLoop[source] = true
				g.FeedbackLoop[target] = true
				for n := range forwardSet(g, target) {
					if back[n] {
						g.FeedbackLoop[n] = true
					}
				}
			}
		}
	}
}

// forwardSet walks non-feedback edges from start and returns every node
// reachable from it, start included.
func forwardSet(g *Graph, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, edge := range g.Def.Routes[n] {
			if edge.Feedback {
				continue
			}
			for _, t := range edgeTargets(edge) {
				if !seen[t] {
					seen[t] = true
					queue = append(queue, t)
				}
			}
		}
	}
	return seen
}

// ancestorSet returns every node with a non-feedback path into node,
// node included.
func ancestorSet(g *Graph, node string) map[string]bool {
	seen := map[string]bool{node: true}
	queue := []string{node}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, p := range g.Predecessors[n] {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return seen
}

var validNodeKinds = map[schema.NodeKind]bool{
	schema.NodeKindActivity:   true,
	schema.NodeKindCheckpoint: true,
	schema.NodeKindFanOut:     true,
	schema.NodeKindFanIn:      true,
	schema.NodeKindTerminal:   true,
}

func edgeTargets(edge schema.EdgeSpec) []string {
	if edge.IsFanOut() {
		return edge.Targets
	}
	if edge.Target != "" {
		return []string{edge.Target}
	}
	return nil
}

// RoutedTarget is one successor produced by the routing table, carrying the
// payload that becomes the successor's input.
type RoutedTarget struct {
	Node     string
	Payload  json.RawMessage
	Feedback bool
}

// Router is the pure routing table: it maps (node, result) to the next set
// of nodes without side effects on instance state.
type Router struct {
	graph *Graph
	eval  *expressions.Evaluator
}

// NewRouter creates a Router over a parsed graph.
func NewRouter(graph *Graph, eval *expressions.Evaluator) *Router {
	return &Router{graph: graph, eval: eval}
}

// Next evaluates the source node's outgoing edges against the result scope
// and returns the successor set. Edges are tried in declaration order and
// the first match wins; a fan-out edge yields all of its targets. Feedback
// edges never match here; they are taken only through RejectionTarget.
//
// scope must contain the guard environment: result, nodes, input, instance.
func (r *Router) Next(ctx context.Context, node string, scope map[string]any, payload json.RawMessage) ([]RoutedTarget, error) {
	edges := r.graph.Def.Routes[node]

	for _, edge := range edges {
		if edge.Feedback {
			continue
		}
		if edge.Guard != "" {
			match, err := r.eval.EvaluateBool(ctx, edge.Guard, scope)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"routing guard failed on %s: %s", node, err.Error()).WithNode(node).WithCause(err)
			}
			if !match {
				continue
			}
		}
		return r.emit(ctx, edge, scope, payload)
	}

	// No matching edge: legal only for terminal leaves; validation rejects
	// guarded groups without a default at start time.
	return nil, nil
}

// NextOnFailure evaluates only the guarded edges against a failure-shaped
// result. Unguarded default edges are success paths and never match a
// failure; with no matching guard the caller decides between fan-in
// toleration and failing the instance.
func (r *Router) NextOnFailure(ctx context.Context, node string, scope map[string]any, payload json.RawMessage) ([]RoutedTarget, error) {
	for _, edge := range r.graph.Def.Routes[node] {
		if edge.Feedback || edge.Guard == "" {
			continue
		}
		match, err := r.eval.EvaluateBool(ctx, edge.Guard, scope)
		if err != nil {
			// A guard written for success shapes may not evaluate against
			// a failure shape; treat that as a non-match, not an error.
			continue
		}
		if match {
			return r.emit(ctx, edge, scope, payload)
		}
	}
	return nil, nil
}

// RejectionTarget returns the declared feedback back-edge for a checkpoint
// node, or nil when the definition declares none (rejection then fails the
// instance). The feedback payload is carried into the target's next input.
func (r *Router) RejectionTarget(ctx context.Context, node string, scope map[string]any, payload json.RawMessage) ([]RoutedTarget, error) {
	for _, edge := range r.graph.Def.Routes[node] {
		if !edge.Feedback {
			continue
		}
		return r.emit(ctx, edge, scope, payload)
	}
	return nil, nil
}

func (r *Router) emit(ctx context.Context, edge schema.EdgeSpec, scope map[string]any, payload json.RawMessage) ([]RoutedTarget, error) {
	out := payload
	if edge.Transform != "" {
		transformed, err := r.eval.Evaluate(ctx, edge.Transform, scope)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(transformed)
		if err != nil {
			return nil, fmt.Errorf("marshal transformed payload: %w", err)
		}
		out = raw
	}

	targets := edgeTargets(edge)
	routed := make([]RoutedTarget, 0, len(targets))
	for _, t := range targets {
		routed = append(routed, RoutedTarget{Node: t, Payload: out, Feedback: edge.Feedback})
	}
	return routed, nil
}

// FanInReady reports whether every declared predecessor branch has reached a
// terminal per-branch state, and which of them permanently failed. The
// property holds regardless of completion order: a missing state means the
// branch has not been activated yet.
func FanInReady(spec *schema.FanInSpec, states map[string]schema.NodeStatus) (ready bool, failed []string) {
	for _, pred := range spec.Predecessors {
		status, ok := states[pred]
		if !ok || !status.IsTerminal() {
			return false, nil
		}
		if status == schema.NodeFailed {
			failed = append(failed, pred)
		}
	}
	return true, failed
}

// BuildFanInInput assembles the fan-in node's input from its branches'
// outputs. When any branch permanently failed (and fail_fast is off), the
// payload is marked partial and failed branches carry their error instead
// of an output.
func BuildFanInInput(spec *schema.FanInSpec, outputs map[string]json.RawMessage, errs map[string]json.RawMessage, failed []string) (json.RawMessage, error) {
	failedSet := make(map[string]bool, len(failed))
	for _, f := range failed {
		failedSet[f] = true
	}

	branches := make(map[string]any, len(spec.Predecessors))
	for _, pred := range spec.Predecessors {
		if failedSet[pred] {
			branches[pred] = map[string]any{
				"node":   pred,
				"status": string(schema.NodeFailed),
				"error":  rawToAny(errs[pred]),
			}
			continue
		}
		branches[pred] = rawToAny(outputs[pred])
	}

	return json.Marshal(map[string]any{
		"partial":  len(failed) > 0,
		"branches": branches,
	})
}

func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
