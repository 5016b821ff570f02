package engine

import (
	"fmt"

	"github.com/rendis/conduit/internal/expressions"
	"github.com/rendis/conduit/pkg/schema"
)

// Validate runs the semantic validation pipeline over a parsed graph:
// entry node, routing exhaustiveness, kind-specific constraints, expression
// compilation, cycle detection and reachability. Structural errors (unknown
// targets, duplicate names) are already rejected by BuildGraph.
func Validate(g *Graph, eval *expressions.Evaluator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateEntry(g, result)
	for name := range g.Nodes {
		validateNode(g, name, result)
		validateRoutes(g, name, eval, result)
	}
	validateCycles(g, result)
	validateReachability(g, result)

	return result
}

func validateEntry(g *Graph, result *schema.ValidationResult) {
	if g.Def.Entry == "" {
		result.AddError("entry", schema.ErrCodeInvalidDefinition, "workflow declares no entry node")
		return
	}
	if _, ok := g.Nodes[g.Def.Entry]; !ok {
		result.AddError("entry", schema.ErrCodeInvalidDefinition,
			fmt.Sprintf("entry node %s does not exist", g.Def.Entry))
	}
}

func validateNode(g *Graph, name string, result *schema.ValidationResult) {
	node := g.Nodes[name]
	path := "nodes." + name

	switch node.Kind {
	case schema.NodeKindActivity:
		if node.Role == "" {
			result.AddError(path, schema.ErrCodeInvalidDefinition,
				"activity node declares no role")
		}
	case schema.NodeKindCheckpoint:
		if node.Checkpoint == nil {
			result.AddWarning(path, schema.ErrCodeInvalidDefinition,
				"checkpoint node has no deadline or escalation policy")
		} else if node.Checkpoint.Deadline != "" && node.Checkpoint.ParseDeadline() == 0 {
			result.AddError(path+".checkpoint.deadline", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("invalid deadline duration: %s", node.Checkpoint.Deadline))
		}
	case schema.NodeKindFanIn:
		for _, pred := range node.FanIn.Predecessors {
			if _, ok := g.Nodes[pred]; !ok {
				result.AddError(path+".fan_in", schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("declared predecessor %s does not exist", pred))
			}
		}
	case schema.NodeKindTerminal:
		if edges := g.Def.Routes[name]; len(edges) > 0 {
			result.AddError(path, schema.ErrCodeInvalidDefinition,
				"terminal node has outgoing edges")
		}
	}

	if node.Distribution != nil {
		if node.Kind != schema.NodeKindTerminal {
			result.AddError(path+".distribution", schema.ErrCodeInvalidDefinition,
				"distribution targets are only valid on terminal nodes")
		}
		for i, target := range node.Distribution.Targets {
			if target.Kind == "" {
				result.AddError(fmt.Sprintf("%s.distribution.targets[%d]", path, i),
					schema.ErrCodeInvalidDefinition, "distribution target declares no kind")
			}
		}
	}

	if node.Retry != nil {
		if node.Retry.InitialInterval != "" && node.Retry.ParseInitialInterval() == 0 {
			result.AddError(path+".retry.initial_interval", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("invalid duration: %s", node.Retry.InitialInterval))
		}
		if node.Retry.Timeout != "" && node.Retry.ParseTimeout() == 0 {
			result.AddError(path+".retry.timeout", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("invalid duration: %s", node.Retry.Timeout))
		}
	}
}

func validateRoutes(g *Graph, name string, eval *expressions.Evaluator, result *schema.ValidationResult) {
	node := g.Nodes[name]
	edges := g.Def.Routes[name]
	path := "routes." + name

	if len(edges) == 0 {
		// Leaves must be terminal; anything else dead-ends the instance.
		if node.Kind != schema.NodeKindTerminal {
			result.AddError(path, schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("non-terminal node %s has no outgoing edges", name))
		}
		return
	}

	hasGuarded := false
	hasDefault := false
	for i, edge := range edges {
		edgePath := fmt.Sprintf("%s[%d]", path, i)

		if edge.Target == "" && !edge.IsFanOut() {
			result.AddError(edgePath, schema.ErrCodeInvalidDefinition,
				"edge declares neither target nor targets")
		}
		if edge.Target != "" && edge.IsFanOut() {
			result.AddError(edgePath, schema.ErrCodeInvalidDefinition,
				"edge declares both target and targets")
		}
		if edge.Feedback && node.Kind != schema.NodeKindCheckpoint {
			result.AddError(edgePath, schema.ErrCodeInvalidDefinition,
				"feedback edges are only valid on checkpoint nodes")
		}

		if edge.Guard != "" {
			hasGuarded = true
			if err := eval.Check(edge.Guard); err != nil {
				result.AddError(edgePath+".guard", schema.ErrCodeValidation,
					fmt.Sprintf("guard does not compile: %v", err))
			}
		} else if !edge.Feedback {
			hasDefault = true
		}
		if edge.Transform != "" {
			if err := eval.Check(edge.Transform); err != nil {
				result.AddError(edgePath+".transform", schema.ErrCodeValidation,
					fmt.Sprintf("transform does not compile: %v", err))
			}
		}
	}

	// Guard expressions are opaque, so exhaustiveness cannot be proven by
	// analysis. Requiring an unguarded default edge makes it checkable.
	if hasGuarded && !hasDefault {
		result.AddError(path, schema.ErrCodeNonExhaustiveRouting,
			fmt.Sprintf("guarded edges on %s have no unguarded default edge", name))
	}
}

// validateCycles runs Kahn's algorithm over the forward edges, ignoring
// feedback edges (declared back-edges from checkpoint rejections). Any node
// left with in-degree > 0 sits on an undeclared cycle.
func validateCycles(g *Graph, result *schema.ValidationResult) {
	inDegree := make(map[string]int, len(g.Nodes))
	for name := range g.Nodes {
		inDegree[name] = 0
	}
	// Predecessors already excludes feedback edges.
	for target, preds := range g.Predecessors {
		inDegree[target] = len(preds)
	}

	queue := make([]string, 0, len(g.Nodes))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++

		for _, edge := range g.Def.Routes[current] {
			if edge.Feedback {
				continue
			}
			for _, target := range edgeTargets(edge) {
				inDegree[target]--
				if inDegree[target] == 0 {
					queue = append(queue, target)
				}
			}
		}
	}

	if visited < len(g.Nodes) {
		for name, deg := range inDegree {
			if deg > 0 {
				result.AddError("nodes."+name, schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("node %s sits on a cycle not declared as feedback", name))
			}
		}
	}
}

// validateReachability walks forward from the entry node; unreachable nodes
// are authoring mistakes. Feedback edges count here: a node reachable only
// through a rejection path is still reachable.
func validateReachability(g *Graph, result *schema.ValidationResult) {
	if _, ok := g.Nodes[g.Def.Entry]; !ok {
		return // already reported by validateEntry
	}

	seen := map[string]bool{g.Def.Entry: true}
	stack := []string{g.Def.Entry}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range g.Def.Routes[current] {
			for _, target := range edgeTargets(edge) {
				if !seen[target] {
					seen[target] = true
					stack = append(stack, target)
				}
			}
		}
	}

	for name := range g.Nodes {
		if !seen[name] {
			result.AddError("nodes."+name, schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("node %s is unreachable from entry %s", name, g.Def.Entry))
		}
	}
}
