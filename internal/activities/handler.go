package activities

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/conduit/pkg/schema"
)

// Invocation carries everything a handler needs for one activity attempt.
type Invocation struct {
	InstanceID string          `json:"instance_id"`
	Node       string          `json:"node"`
	Role       string          `json:"role"`
	Attempt    int             `json:"attempt"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// Handler executes a single unit of externally-defined work: an agent call,
// a build step, a publish action. Handlers are injected capabilities; the
// engine never implements them and is agnostic to what they compute.
//
// Failure classification: return an *schema.EngineError with code
// ACTIVITY_PERMANENT to stop retries immediately; any other error is treated
// as transient and retried per the node's policy.
type Handler interface {
	Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, inv Invocation) (json.RawMessage, error)

func (f HandlerFunc) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	return f(ctx, inv)
}

// Registry maps agent roles to their capability implementations.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a role to a handler, replacing any previous binding.
func (r *Registry) Register(role string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[role] = h
}

// Resolve returns the handler for a role.
func (r *Registry) Resolve(role string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[role]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no handler registered for role %q", role)
	}
	return h, nil
}

// Roles returns the registered role names.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.handlers))
	for role := range r.handlers {
		roles = append(roles, role)
	}
	return roles
}
