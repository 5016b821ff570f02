package distribution

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conduit/internal/secrets"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/pkg/schema"
)

// PublishRequest carries everything a publisher needs for one target.
// Credentials is resolved from the vault per call and never persisted.
type PublishRequest struct {
	ArtifactID  string
	Artifact    json.RawMessage
	Target      schema.DistributionTarget
	Credentials []byte
}

// Publisher pushes an artifact to one kind of external target (an OCI
// registry, an npm registry, an object store) and compensates a completed
// publish when a sibling target fails. Rollback is best-effort: targets
// whose unpublish is not idempotent may leave residue, which the
// coordinator surfaces rather than hides.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) error
	Rollback(ctx context.Context, req PublishRequest) error
}

// Coordinator fans one artifact out to all targets concurrently and
// attempts all-or-nothing semantics: on any failure it rolls back every
// already-succeeded target and reports the combined outcome as
// DISTRIBUTION_PARTIAL_FAILURE carrying both the original and any rollback
// errors.
type Coordinator struct {
	st     store.Store
	vault  secrets.Vault
	logger *slog.Logger

	mu         sync.RWMutex
	publishers map[string]Publisher
}

// NewCoordinator creates a Coordinator. vault may be nil when no target
// uses credential handles.
func NewCoordinator(st store.Store, vault secrets.Vault, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		st:         st,
		vault:      vault,
		logger:     logger,
		publishers: make(map[string]Publisher),
	}
}

// RegisterPublisher binds a target kind to its publisher implementation.
func (c *Coordinator) RegisterPublisher(kind string, p Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishers[kind] = p
}

func (c *Coordinator) publisher(kind string) (Publisher, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.publishers[kind]
	return p, ok
}

// Publish distributes the artifact to every target concurrently. The result
// set is persisted atomically per attempt, immutable once written. The
// returned error is nil only when every target succeeded.
func (c *Coordinator) Publish(ctx context.Context, instanceID, node, artifactID string, artifact json.RawMessage, targets []schema.DistributionTarget) (*store.PublishResultSet, error) {
	if len(targets) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "no distribution targets")
	}
	c.emit(ctx, instanceID, node, schema.EventDistributionStarted, map[string]any{
		"artifact_id": artifactID,
		"targets":     len(targets),
	})

	results := make([]store.PublishResult, len(targets))
	requests := make([]PublishRequest, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		results[i] = store.PublishResult{Target: target.TargetKey(), Kind: target.Kind}

		req := PublishRequest{ArtifactID: artifactID, Artifact: artifact, Target: target}
		if target.CredentialsRef != "" {
			if c.vault == nil {
				results[i].Outcome = schema.PublishFailed
				results[i].Error = "target requires credentials but no vault is configured"
				continue
			}
			creds, err := c.vault.Resolve(ctx, target.CredentialsRef)
			if err != nil {
				results[i].Outcome = schema.PublishFailed
				results[i].Error = "resolve credentials: " + err.Error()
				continue
			}
			req.Credentials = creds
		}
		requests[i] = req

		pub, ok := c.publisher(target.Kind)
		if !ok {
			results[i].Outcome = schema.PublishFailed
			results[i].Error = "no publisher registered for kind " + target.Kind
			continue
		}

		wg.Add(1)
		go func(i int, pub Publisher) {
			defer wg.Done()
			started := time.Now()
			if err := pub.Publish(ctx, requests[i]); err != nil {
				results[i].Outcome = schema.PublishFailed
				results[i].Error = err.Error()
			} else {
				results[i].Outcome = schema.PublishSucceeded
			}
			results[i].DurationMs = time.Since(started).Milliseconds()
		}(i, pub)
	}
	wg.Wait()

	var failures []string
	for _, r := range results {
		if r.Outcome == schema.PublishFailed {
			failures = append(failures, r.Target+": "+r.Error)
		}
	}

	var rollbackFailures []string
	if len(failures) > 0 {
		rollbackFailures = c.rollback(ctx, requests, results)
	}

	set := &store.PublishResultSet{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Node:       node,
		ArtifactID: artifactID,
		Succeeded:  len(failures) == 0,
		Results:    results,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.st.CreatePublishResultSet(ctx, set); err != nil {
		c.logger.ErrorContext(ctx, "persist publish result set failed",
			"artifact_id", artifactID, "error", err)
	}

	if len(failures) == 0 {
		c.emit(ctx, instanceID, node, schema.EventDistributionSucceeded, map[string]any{
			"artifact_id":   artifactID,
			"result_set_id": set.ID,
		})
		return set, nil
	}

	var rolledBack []string
	for _, r := range results {
		if r.Outcome == schema.PublishRolledBack {
			rolledBack = append(rolledBack, r.Target)
		}
	}
	c.emit(ctx, instanceID, node, schema.EventDistributionFailed, map[string]any{
		"artifact_id":       artifactID,
		"result_set_id":     set.ID,
		"failures":          failures,
		"rollback_failures": rollbackFailures,
	})
	if len(rolledBack) > 0 {
		c.emit(ctx, instanceID, node, schema.EventDistributionRolledBack, map[string]any{
			"artifact_id": artifactID,
			"targets":     rolledBack,
		})
	}
	return set, schema.NewErrorf(schema.ErrCodeDistributionPartial,
		"%d of %d targets failed", len(failures), len(targets)).
		WithDetails(map[string]any{
			"result_set_id":     set.ID,
			"failures":          failures,
			"rollback_failures": rollbackFailures,
		})
}

// rollback compensates every already-succeeded target. A target whose
// compensation fails is marked failed with its rollback error kept, so no
// row reads as cleanly published when residue may remain on the remote.
func (c *Coordinator) rollback(ctx context.Context, requests []PublishRequest, results []store.PublishResult) []string {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var rollbackFailures []string

	for i := range results {
		if results[i].Outcome != schema.PublishSucceeded {
			continue
		}
		pub, ok := c.publisher(results[i].Kind)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, pub Publisher) {
			defer wg.Done()
			if err := pub.Rollback(ctx, requests[i]); err != nil {
				results[i].Outcome = schema.PublishFailed
				results[i].RollbackError = err.Error()
				mu.Lock()
				rollbackFailures = append(rollbackFailures, results[i].Target+": "+err.Error())
				mu.Unlock()
				c.logger.ErrorContext(ctx, "rollback failed",
					"target", results[i].Target, "error", err)
				return
			}
			results[i].Outcome = schema.PublishRolledBack
		}(i, pub)
	}
	wg.Wait()
	return rollbackFailures
}

func (c *Coordinator) emit(ctx context.Context, instanceID, node, eventType string, payload map[string]any) {
	if instanceID == "" {
		return // ad-hoc publish outside any instance
	}
	raw, _ := json.Marshal(payload)
	if err := c.st.AppendEvent(ctx, &store.StateChangeEvent{
		InstanceID: instanceID,
		Node:       node,
		Type:       eventType,
		Payload:    raw,
	}); err != nil {
		c.logger.WarnContext(ctx, "append distribution event failed",
			"event_type", eventType, "error", err)
	}
}
