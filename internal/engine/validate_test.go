package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/pkg/schema"
)

func validateDef(t *testing.T, def *schema.WorkflowDefinition) *schema.ValidationResult {
	t.Helper()
	g, err := BuildGraph(def)
	require.NoError(t, err)
	return Validate(g, testEvaluator(t))
}

func hasErrorCode(r *schema.ValidationResult, code string) bool {
	for _, issue := range r.Errors {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func TestValidate_LinearDefinitionPasses(t *testing.T) {
	result := validateDef(t, linearDef())
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestValidate_MissingEntry(t *testing.T) {
	def := linearDef()
	def.Entry = ""
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

func TestValidate_UnknownEntry(t *testing.T) {
	def := linearDef()
	def.Entry = "ghost"
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

func TestValidate_ActivityWithoutRole(t *testing.T) {
	def := linearDef()
	def.Nodes[0].Role = ""
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

func TestValidate_NonTerminalLeaf(t *testing.T) {
	def := linearDef()
	delete(def.Routes, "build")
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

func TestValidate_TerminalWithOutgoingEdges(t *testing.T) {
	def := linearDef()
	def.Routes["done"] = []schema.EdgeSpec{{Target: "plan"}}
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

// --- Routing exhaustiveness ---

func TestValidate_GuardedWithoutDefault(t *testing.T) {
	def := linearDef()
	def.Routes["plan"] = []schema.EdgeSpec{
		{Target: "build", Guard: "result.ok == true"},
	}
	result := validateDef(t, def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorCode(result, schema.ErrCodeNonExhaustiveRouting))
}

func TestValidate_GuardedWithDefaultPasses(t *testing.T) {
	def := linearDef()
	def.Routes["plan"] = []schema.EdgeSpec{
		{Target: "build", Guard: "result.ok == true"},
		{Target: "done"},
	}
	result := validateDef(t, def)
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestValidate_BrokenGuardExpression(t *testing.T) {
	def := linearDef()
	def.Routes["plan"] = []schema.EdgeSpec{
		{Target: "build", Guard: "result.ok =="},
		{Target: "done"},
	}
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

func TestValidate_BrokenTransformExpression(t *testing.T) {
	def := linearDef()
	def.Routes["plan"] = []schema.EdgeSpec{
		{Target: "build", Transform: "jq:.x |"},
	}
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

// --- Cycles and reachability ---

func TestValidate_UndeclaredCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "p", Version: "1", Entry: "a",
		Nodes: []schema.NodeSpec{
			{Name: "a", Role: "r"},
			{Name: "b", Role: "r"},
		},
		Routes: map[string][]schema.EdgeSpec{
			"a": {{Target: "b"}},
			"b": {{Target: "a"}},
		},
	}
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

func TestValidate_FeedbackCycleAllowed(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "p", Version: "1", Entry: "draft",
		Nodes: []schema.NodeSpec{
			{Name: "draft", Role: "writer"},
			{Name: "review", Kind: schema.NodeKindCheckpoint},
			{Name: "done", Kind: schema.NodeKindTerminal},
		},
		Routes: map[string][]schema.EdgeSpec{
			"draft":  {{Target: "review"}},
			"review": {{Target: "done"}, {Target: "draft", Feedback: true}},
		},
	}
	result := validateDef(t, def)
	assert.True(t, result.Valid(), "declared feedback loops pass the cycle check: %v", result.Errors)
}

func TestValidate_FeedbackOnNonCheckpoint(t *testing.T) {
	def := linearDef()
	def.Routes["plan"] = []schema.EdgeSpec{
		{Target: "build"},
		{Target: "plan", Feedback: true},
	}
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

func TestValidate_UnreachableNode(t *testing.T) {
	def := linearDef()
	def.Nodes = append(def.Nodes, schema.NodeSpec{Name: "island", Kind: schema.NodeKindTerminal})
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

// --- Kind-specific checks ---

func TestValidate_EdgeTargetShape(t *testing.T) {
	def := linearDef()
	def.Routes["plan"] = []schema.EdgeSpec{
		{Target: "build", Targets: []string{"done"}},
	}
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

func TestValidate_DistributionOnNonTerminal(t *testing.T) {
	def := linearDef()
	def.Nodes[1].Distribution = &schema.DistributionSpec{
		Targets: []schema.DistributionTarget{{Kind: "oci"}},
	}
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

func TestValidate_DistributionTargetNeedsKind(t *testing.T) {
	def := linearDef()
	def.Nodes[2].Distribution = &schema.DistributionSpec{
		Targets: []schema.DistributionTarget{{Name: "nameless"}},
	}
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

func TestValidate_InvalidRetryDurations(t *testing.T) {
	def := linearDef()
	def.Nodes[0].Retry = &schema.RetryPolicy{MaxAttempts: 3, InitialInterval: "fast"}
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

func TestValidate_InvalidCheckpointDeadline(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "p", Version: "1", Entry: "review",
		Nodes: []schema.NodeSpec{
			{Name: "review", Kind: schema.NodeKindCheckpoint,
				Checkpoint: &schema.CheckpointSpec{Deadline: "eventually"}},
			{Name: "done", Kind: schema.NodeKindTerminal},
		},
		Routes: map[string][]schema.EdgeSpec{
			"review": {{Target: "done"}},
		},
	}
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}

func TestValidate_CheckpointWithoutSpecWarns(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "p", Version: "1", Entry: "review",
		Nodes: []schema.NodeSpec{
			{Name: "review", Kind: schema.NodeKindCheckpoint},
			{Name: "done", Kind: schema.NodeKindTerminal},
		},
		Routes: map[string][]schema.EdgeSpec{
			"review": {{Target: "done"}},
		},
	}
	result := validateDef(t, def)
	assert.True(t, result.Valid())
	assert.NotEmpty(t, result.Warnings)
}

func TestValidate_FanInUnknownPredecessor(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "p", Version: "1", Entry: "split",
		Nodes: []schema.NodeSpec{
			{Name: "split", Kind: schema.NodeKindFanOut},
			{Name: "a", Role: "r"},
			{Name: "join", Kind: schema.NodeKindFanIn,
				FanIn: &schema.FanInSpec{Predecessors: []string{"a", "ghost"}}},
			{Name: "done", Kind: schema.NodeKindTerminal},
		},
		Routes: map[string][]schema.EdgeSpec{
			"split": {{Targets: []string{"a"}}},
			"a":     {{Target: "join"}},
			"join":  {{Target: "done"}},
		},
	}
	result := validateDef(t, def)
	assert.False(t, result.Valid())
}
