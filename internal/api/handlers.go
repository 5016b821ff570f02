package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/pkg/schema"
)

// --- definitions ---

func (s *Server) handlePublishDefinition(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if err := decodeBody(r, &def); err != nil {
		s.writeError(w, err)
		return
	}
	if result := s.deps.Validator.Validate(&def); !result.Valid() {
		s.writeError(w, result.ToError())
		return
	}

	rec := &store.DefinitionRecord{
		ID:         def.ID,
		Version:    def.Version,
		Definition: def,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.deps.Store.PublishDefinition(r.Context(), rec); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": def.ID, "version": def.Version})
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.ListDefinitions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"definitions": recs})
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetDefinition(r.Context(), r.PathValue("id"), r.PathValue("version"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// --- instances ---

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefinitionID string         `json:"definition_id"`
		Version      string         `json:"version"`
		Input        map[string]any `json:"input,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	instanceID, err := s.deps.Engine.Start(r.Context(), req.DefinitionID, req.Version, req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"instance_id": instanceID})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	filter := store.InstanceFilter{DefinitionID: r.URL.Query().Get("definition_id")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := schema.InstanceStatus(raw)
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	instances, err := s.deps.Store.ListInstances(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Engine.View(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Engine.Advance(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(schema.InstanceCancelled)})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Store.ListActivityRecords(r.Context(),
		r.PathValue("id"), r.URL.Query().Get("node"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// --- checkpoints ---

func (s *Server) handleResolveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID string          `json:"instance_id"`
		Decision   string          `json:"decision"`
		Payload    json.RawMessage `json:"payload,omitempty"`
		ResolvedBy string          `json:"resolved_by,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	view, err := s.deps.Engine.ResolveCheckpoint(r.Context(), req.InstanceID, r.PathValue("id"),
		schema.CheckpointDecision(req.Decision), req.Payload, req.ResolvedBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// --- distribution ---

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArtifactID string                      `json:"artifact_id,omitempty"`
		Artifact   json.RawMessage             `json:"artifact"`
		Targets    []schema.DistributionTarget `json:"targets"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ArtifactID == "" {
		req.ArtifactID = uuid.NewString()
	}
	if s.deps.Coordinator == nil {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "distribution is not configured"))
		return
	}

	set, err := s.deps.Coordinator.Publish(r.Context(), "", "", req.ArtifactID, req.Artifact, req.Targets)
	if err != nil {
		// The result set still carries per-target outcomes; return it with
		// the failure so callers see the full picture.
		if set != nil {
			s.writeJSON(w, statusFor(schema.ErrCodeDistributionPartial), map[string]any{
				"result_set": set,
				"error":      err.Error(),
			})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, set)
}
