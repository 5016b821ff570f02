package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/pkg/schema"
)

// handleDefine validates and publishes a workflow definition.
func (s *ConduitServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	if result := s.validator.Validate(&def); !result.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", result.ToError())), nil
	}

	rec := &store.DefinitionRecord{
		ID:         def.ID,
		Version:    def.Version,
		Definition: def,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.PublishDefinition(ctx, rec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("publish failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"id": def.ID, "version": def.Version})
}

// handleStart starts an instance from a published definition.
func (s *ConduitServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitionID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	version, err := req.RequireString("version")
	if err != nil {
		return mcp.NewToolResultError("version is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	instanceID, startErr := s.engine.Start(ctx, definitionID, version, input)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}
	return marshalResult(map[string]any{"instance_id": instanceID})
}

// handleAdvance dispatches newly eligible nodes.
func (s *ConduitServer) handleAdvance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	view, advErr := s.engine.Advance(ctx, instanceID)
	if advErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("advance failed: %v", advErr)), nil
	}
	return marshalResult(view)
}

// handleInstance returns the current instance view.
func (s *ConduitServer) handleInstance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	view, viewErr := s.engine.View(ctx, instanceID)
	if viewErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("instance lookup failed: %v", viewErr)), nil
	}
	return marshalResult(view)
}

// handleResolve delivers a checkpoint decision.
func (s *ConduitServer) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	checkpointID, err := req.RequireString("checkpoint_id")
	if err != nil {
		return mcp.NewToolResultError("checkpoint_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	resolvedBy := req.GetString("resolved_by", "")

	var payload json.RawMessage
	if raw := mcp.ParseStringMap(req, "payload", nil); raw != nil {
		payload, _ = json.Marshal(raw)
	}

	view, resErr := s.engine.ResolveCheckpoint(ctx, instanceID, checkpointID,
		schema.CheckpointDecision(decision), payload, resolvedBy)
	if resErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve failed: %v", resErr)), nil
	}
	return marshalResult(view)
}

// handleCancel cancels an instance.
func (s *ConduitServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	if cancelErr := s.engine.Cancel(ctx, instanceID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{"instance_id": instanceID, "status": string(schema.InstanceCancelled)})
}

// handlePublish distributes an artifact outside any instance.
func (s *ConduitServer) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	artifactMap := mcp.ParseStringMap(req, "artifact", nil)
	if artifactMap == nil {
		return mcp.NewToolResultError("artifact is required"), nil
	}
	artifact, err := json.Marshal(artifactMap)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid artifact: %v", err)), nil
	}

	rawTargets, ok := req.GetArguments()["targets"]
	if !ok {
		return mcp.NewToolResultError("targets is required"), nil
	}
	targetsJSON, err := json.Marshal(rawTargets)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid targets: %v", err)), nil
	}
	var targets []schema.DistributionTarget
	if err := json.Unmarshal(targetsJSON, &targets); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid targets: %v", err)), nil
	}
	if len(targets) == 0 {
		return mcp.NewToolResultError("targets is required"), nil
	}

	artifactID := req.GetString("artifact_id", "")
	if artifactID == "" {
		artifactID = uuid.NewString()
	}

	set, pubErr := s.coordinator.Publish(ctx, "", "", artifactID, artifact, targets)
	if pubErr != nil {
		// The result set carries per-target outcomes including rollbacks;
		// surface both rather than a bare error.
		return marshalResult(map[string]any{
			"result_set": set,
			"error":      pubErr.Error(),
		})
	}
	return marshalResult(set)
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
