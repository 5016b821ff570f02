package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/conduit/internal/distribution"
	"github.com/rendis/conduit/internal/engine"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/internal/streaming"
	"github.com/rendis/conduit/internal/validation"
	"github.com/rendis/conduit/pkg/schema"
)

// Deps holds the collaborators the HTTP surface exposes.
type Deps struct {
	Engine      *engine.Engine
	Store       store.Store
	Coordinator *distribution.Coordinator
	Validator   *validation.DefinitionValidator
	Streamer    *streaming.Streamer
	Logger      *slog.Logger
}

// Server maps the engine's operation set onto HTTP JSON endpoints plus an
// SSE event stream with Last-Event-ID resume.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all conduit routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/definitions", s.handlePublishDefinition)
	mux.HandleFunc("GET /api/definitions", s.handleListDefinitions)
	mux.HandleFunc("GET /api/definitions/{id}/{version}", s.handleGetDefinition)

	mux.HandleFunc("POST /api/workflows", s.handleStart)
	mux.HandleFunc("GET /api/workflows", s.handleListInstances)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetInstance)
	mux.HandleFunc("POST /api/workflows/{id}/advance", s.handleAdvance)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/workflows/{id}/records", s.handleListRecords)
	mux.HandleFunc("GET /api/workflows/{id}/events", s.handleStreamEvents)

	mux.HandleFunc("POST /api/checkpoints/{id}/resolve", s.handleResolveCheckpoint)

	mux.HandleFunc("POST /api/distribution/publish", s.handlePublish)

	return mux
}

// --- helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Logger.Error("encode response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var engErr *schema.EngineError
	if !errors.As(err, &engErr) {
		engErr = schema.NewError(schema.ErrCodeExecution, err.Error())
	}
	s.writeJSON(w, statusFor(engErr.Code), map[string]any{"error": engErr})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound, schema.ErrCodeUnknownCheckpoint:
		return http.StatusNotFound
	case schema.ErrCodeInvalidDefinition, schema.ErrCodeNonExhaustiveRouting, schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeStaleInstance, schema.ErrCodeAlreadyResolved, schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeDistributionPartial:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %s", err.Error())
	}
	return nil
}
