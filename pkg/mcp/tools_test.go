package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/internal/activities"
	"github.com/rendis/conduit/internal/distribution"
	"github.com/rendis/conduit/internal/engine"
	"github.com/rendis/conduit/internal/expressions"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/internal/validation"
	"github.com/rendis/conduit/pkg/schema"
)

// --- Helpers ---

type mcpEnv struct {
	server   *ConduitServer
	store    *store.MemoryStore
	registry *activities.Registry
}

func newMCPEnv(t *testing.T) *mcpEnv {
	t.Helper()
	st := store.NewMemoryStore()
	eval, err := expressions.NewEvaluator()
	require.NoError(t, err)
	registry := activities.NewRegistry()
	eng := engine.New(engine.Options{Store: st, Registry: registry, Evaluator: eval})
	t.Cleanup(eng.Shutdown)

	validator, err := validation.NewDefinitionValidator(eval)
	require.NoError(t, err)

	s := NewConduitServer(ConduitServerDeps{
		Engine:      eng,
		Store:       st,
		Coordinator: distribution.NewCoordinator(st, nil, nil),
		Validator:   validator,
	})
	return &mcpEnv{server: s, store: st, registry: registry}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func defArg() map[string]any {
	return map[string]any{
		"id":      "pipeline",
		"version": "1",
		"entry":   "plan",
		"nodes": []any{
			map[string]any{"name": "plan", "role": "planner"},
			map[string]any{"name": "done", "kind": "terminal"},
		},
		"routes": map[string]any{
			"plan": []any{map[string]any{"target": "done"}},
		},
	}
}

func (env *mcpEnv) define(t *testing.T) {
	t.Helper()
	result, err := env.server.handleDefine(context.Background(),
		buildRequest("conduit.define", map[string]any{"definition": defArg()}))
	require.NoError(t, err)
	require.False(t, result.IsError)
}

func (env *mcpEnv) startInstance(t *testing.T) string {
	t.Helper()
	env.registry.Register("planner", activities.HandlerFunc(
		func(ctx context.Context, inv activities.Invocation) (json.RawMessage, error) {
			return json.RawMessage(`{"plan":"ready"}`), nil
		}))
	result, err := env.server.handleStart(context.Background(),
		buildRequest("conduit.start", map[string]any{
			"definition_id": "pipeline",
			"version":       "1",
		}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		InstanceID string `json:"instance_id"`
	}
	decodeResult(t, result, &body)
	require.NotEmpty(t, body.InstanceID)
	return body.InstanceID
}

func decodeResult(t *testing.T, result *mcp.CallToolResult, v any) {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	require.NoError(t, json.Unmarshal([]byte(text), v))
}

// --- Tests ---

func TestDefineTool(t *testing.T) {
	env := newMCPEnv(t)
	env.define(t)

	rec, err := env.store.GetDefinition(context.Background(), "pipeline", "1")
	require.NoError(t, err)
	assert.Equal(t, "plan", rec.Definition.Entry)
}

func TestDefineToolMissingDefinition(t *testing.T) {
	env := newMCPEnv(t)
	result, err := env.server.handleDefine(context.Background(),
		buildRequest("conduit.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDefineToolRejectsInvalidDefinition(t *testing.T) {
	env := newMCPEnv(t)
	def := defArg()
	def["entry"] = "ghost"

	result, err := env.server.handleDefine(context.Background(),
		buildRequest("conduit.define", map[string]any{"definition": def}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	_, getErr := env.store.GetDefinition(context.Background(), "pipeline", "1")
	assert.Error(t, getErr, "rejected definitions are never stored")
}

func TestStartAndInstanceTools(t *testing.T) {
	env := newMCPEnv(t)
	env.define(t)
	instanceID := env.startInstance(t)

	require.Eventually(t, func() bool {
		inst, err := env.store.GetInstance(context.Background(), instanceID)
		return err == nil && inst.Status == schema.InstanceCompleted
	}, 5*time.Second, 10*time.Millisecond)

	result, err := env.server.handleInstance(context.Background(),
		buildRequest("conduit.instance", map[string]any{"instance_id": instanceID}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var view struct {
		Instance struct {
			Status string `json:"status"`
		} `json:"instance"`
		Nodes []struct {
			Node   string `json:"node"`
			Status string `json:"status"`
		} `json:"nodes"`
	}
	decodeResult(t, result, &view)
	assert.Equal(t, string(schema.InstanceCompleted), view.Instance.Status)
	assert.Len(t, view.Nodes, 2)
}

func TestStartToolMissingParams(t *testing.T) {
	env := newMCPEnv(t)

	result, err := env.server.handleStart(context.Background(),
		buildRequest("conduit.start", map[string]any{"version": "1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.server.handleStart(context.Background(),
		buildRequest("conduit.start", map[string]any{"definition_id": "pipeline"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestAdvanceTool(t *testing.T) {
	env := newMCPEnv(t)
	env.define(t)
	instanceID := env.startInstance(t)

	result, err := env.server.handleAdvance(context.Background(),
		buildRequest("conduit.advance", map[string]any{"instance_id": instanceID}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = env.server.handleAdvance(context.Background(),
		buildRequest("conduit.advance", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	env := newMCPEnv(t)
	env.define(t)

	env.registry.Register("planner", activities.HandlerFunc(
		func(ctx context.Context, inv activities.Invocation) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	startResult, err := env.server.handleStart(context.Background(),
		buildRequest("conduit.start", map[string]any{
			"definition_id": "pipeline", "version": "1",
		}))
	require.NoError(t, err)
	var body struct {
		InstanceID string `json:"instance_id"`
	}
	decodeResult(t, startResult, &body)

	result, err := env.server.handleCancel(context.Background(),
		buildRequest("conduit.cancel", map[string]any{"instance_id": body.InstanceID}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	inst, err := env.store.GetInstance(context.Background(), body.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCancelled, inst.Status)
}

func TestResolveTool(t *testing.T) {
	env := newMCPEnv(t)
	def := defArg()
	def["nodes"] = []any{
		map[string]any{"name": "plan", "role": "planner"},
		map[string]any{"name": "review", "kind": "checkpoint"},
		map[string]any{"name": "done", "kind": "terminal"},
	}
	def["routes"] = map[string]any{
		"plan":   []any{map[string]any{"target": "review"}},
		"review": []any{map[string]any{"target": "done"}},
	}
	result, err := env.server.handleDefine(context.Background(),
		buildRequest("conduit.define", map[string]any{"definition": def}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	instanceID := env.startInstance(t)

	var checkpointID string
	require.Eventually(t, func() bool {
		cps, err := env.store.ListCheckpoints(context.Background(), store.CheckpointFilter{
			InstanceID: instanceID, Decision: string(schema.DecisionPending),
		})
		if err != nil || len(cps) != 1 {
			return false
		}
		checkpointID = cps[0].ID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	result, err = env.server.handleResolve(context.Background(),
		buildRequest("conduit.resolve", map[string]any{
			"instance_id":   instanceID,
			"checkpoint_id": checkpointID,
			"decision":      "approved",
			"resolved_by":   "reviewer",
		}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Eventually(t, func() bool {
		inst, err := env.store.GetInstance(context.Background(), instanceID)
		return err == nil && inst.Status == schema.InstanceCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestResolveToolMissingParams(t *testing.T) {
	env := newMCPEnv(t)
	result, err := env.server.handleResolve(context.Background(),
		buildRequest("conduit.resolve", map[string]any{"instance_id": "i-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestPublishTool(t *testing.T) {
	env := newMCPEnv(t)

	t.Run("missing artifact", func(t *testing.T) {
		result, err := env.server.handlePublish(context.Background(),
			buildRequest("conduit.publish", map[string]any{
				"targets": []any{map[string]any{"kind": "oci"}},
			}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("missing targets", func(t *testing.T) {
		result, err := env.server.handlePublish(context.Background(),
			buildRequest("conduit.publish", map[string]any{
				"artifact": map[string]any{"digest": "sha256:abc"},
			}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("no registered publisher surfaces per-target failure", func(t *testing.T) {
		result, err := env.server.handlePublish(context.Background(),
			buildRequest("conduit.publish", map[string]any{
				"artifact": map[string]any{"digest": "sha256:abc"},
				"targets":  []any{map[string]any{"kind": "oci", "endpoint": "registry.example.com"}},
			}))
		require.NoError(t, err)
		require.False(t, result.IsError, "partial failures return the result set, not a tool error")

		var body struct {
			ResultSet struct {
				Succeeded bool `json:"succeeded"`
			} `json:"result_set"`
			Error string `json:"error"`
		}
		decodeResult(t, result, &body)
		assert.False(t, body.ResultSet.Succeeded)
		assert.NotEmpty(t, body.Error)
	})
}
