package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/pkg/schema"
)

// fakePublisher records calls and fails on configured targets.
type fakePublisher struct {
	mu            sync.Mutex
	published     []string
	rolledBack    []string
	failPublish   map[string]error
	failRollback  map[string]error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		failPublish:  make(map[string]error),
		failRollback: make(map[string]error),
	}
}

func (p *fakePublisher) Publish(ctx context.Context, req PublishRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failPublish[req.Target.Name]; ok {
		return err
	}
	p.published = append(p.published, req.Target.Name)
	return nil
}

func (p *fakePublisher) Rollback(ctx context.Context, req PublishRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failRollback[req.Target.Name]; ok {
		return err
	}
	p.rolledBack = append(p.rolledBack, req.Target.Name)
	return nil
}

func outcomeByTarget(set *store.PublishResultSet) map[string]schema.PublishOutcome {
	out := make(map[string]schema.PublishOutcome, len(set.Results))
	for _, r := range set.Results {
		out[r.Target] = r.Outcome
	}
	return out
}

func targetsFor(names ...string) []schema.DistributionTarget {
	targets := make([]schema.DistributionTarget, 0, len(names))
	for _, name := range names {
		targets = append(targets, schema.DistributionTarget{
			Kind: "oci", Name: name, Endpoint: "registry.example.com/" + name,
		})
	}
	return targets
}

// --- Publish ---

func TestCoordinator_PublishAllTargetsSucceed(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewCoordinator(st, nil, nil)
	pub := newFakePublisher()
	c.RegisterPublisher("oci", pub)

	artifact := json.RawMessage(`{"digest":"sha256:abc"}`)
	set, err := c.Publish(context.Background(), "i-1", "done", "art-1",
		artifact, targetsFor("prod", "staging"))
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.True(t, set.Succeeded)
	assert.Equal(t, "art-1", set.ArtifactID)
	require.Len(t, set.Results, 2)
	for target, outcome := range outcomeByTarget(set) {
		assert.Equal(t, schema.PublishSucceeded, outcome, target)
	}
	assert.ElementsMatch(t, []string{"prod", "staging"}, pub.published)

	// Result set persisted, events recorded against the instance.
	persisted, err := st.GetPublishResultSet(context.Background(), set.ID)
	require.NoError(t, err)
	assert.True(t, persisted.Succeeded)

	events, err := st.GetEvents(context.Background(), "i-1", 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{schema.EventDistributionStarted, schema.EventDistributionSucceeded}, types)
}

func TestCoordinator_PartialFailureRollsBackSucceededTargets(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewCoordinator(st, nil, nil)
	pub := newFakePublisher()
	pub.failPublish["staging"] = errors.New("registry rejected manifest")
	c.RegisterPublisher("oci", pub)

	set, err := c.Publish(context.Background(), "i-1", "done", "art-1",
		json.RawMessage(`{}`), targetsFor("prod", "staging"))
	require.Error(t, err)
	require.NotNil(t, set, "the result set is returned alongside the failure")

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeDistributionPartial, engErr.Code)
	assert.Equal(t, set.ID, engErr.Details["result_set_id"])

	outcomes := outcomeByTarget(set)
	assert.Equal(t, schema.PublishRolledBack, outcomes["prod"])
	assert.Equal(t, schema.PublishFailed, outcomes["staging"])
	assert.False(t, set.Succeeded)
	assert.Equal(t, []string{"prod"}, pub.rolledBack, "only the succeeded target is compensated")
}

func TestCoordinator_RollbackFailureLeavesResidueVisible(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewCoordinator(st, nil, nil)
	pub := newFakePublisher()
	pub.failPublish["staging"] = errors.New("push failed")
	pub.failRollback["prod"] = errors.New("delete not permitted")
	c.RegisterPublisher("oci", pub)

	set, err := c.Publish(context.Background(), "i-1", "done", "art-1",
		json.RawMessage(`{}`), targetsFor("prod", "staging"))
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	rollbackFailures, _ := engErr.Details["rollback_failures"].([]string)
	require.Len(t, rollbackFailures, 1)
	assert.Contains(t, rollbackFailures[0], "delete not permitted")

	// A failed compensation may leave residue on the remote; the target is
	// marked failed with the rollback error kept, never left as succeeded.
	var prod *store.PublishResult
	for i, r := range set.Results {
		if r.Target == "prod" {
			prod = &set.Results[i]
		}
	}
	require.NotNil(t, prod)
	assert.Equal(t, schema.PublishFailed, prod.Outcome)
	assert.Contains(t, prod.RollbackError, "delete not permitted")
}

func TestCoordinator_MissingPublisherFailsTarget(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewCoordinator(st, nil, nil)

	set, err := c.Publish(context.Background(), "i-1", "done", "art-1",
		json.RawMessage(`{}`), targetsFor("prod"))
	require.Error(t, err)
	require.Len(t, set.Results, 1)
	assert.Equal(t, schema.PublishFailed, set.Results[0].Outcome)
	assert.Contains(t, set.Results[0].Error, "no publisher registered")
}

func TestCoordinator_EmptyTargetsRejected(t *testing.T) {
	c := NewCoordinator(store.NewMemoryStore(), nil, nil)
	_, err := c.Publish(context.Background(), "i-1", "done", "art-1", nil, nil)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

// --- Credentials ---

type staticVault struct {
	values map[string][]byte
}

func (v *staticVault) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if val, ok := v.values[ref]; ok {
		return val, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %s not found", ref)
}

func (v *staticVault) Store(ctx context.Context, ref string, value []byte) error { return nil }
func (v *staticVault) Delete(ctx context.Context, ref string) error              { return nil }

type credCapturePublisher struct {
	mu    sync.Mutex
	creds map[string][]byte
}

func (p *credCapturePublisher) Publish(ctx context.Context, req PublishRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.creds == nil {
		p.creds = make(map[string][]byte)
	}
	p.creds[req.Target.Name] = req.Credentials
	return nil
}

func (p *credCapturePublisher) Rollback(ctx context.Context, req PublishRequest) error { return nil }

func TestCoordinator_ResolvesCredentialHandles(t *testing.T) {
	vault := &staticVault{values: map[string][]byte{"creds/npm": []byte("token-xyz")}}
	c := NewCoordinator(store.NewMemoryStore(), vault, nil)
	pub := &credCapturePublisher{}
	c.RegisterPublisher("npm", pub)

	targets := []schema.DistributionTarget{
		{Kind: "npm", Name: "registry", Endpoint: "npm.example.com", CredentialsRef: "creds/npm"},
	}
	set, err := c.Publish(context.Background(), "i-1", "done", "art-1", json.RawMessage(`{}`), targets)
	require.NoError(t, err)
	assert.True(t, set.Succeeded)
	assert.Equal(t, []byte("token-xyz"), pub.creds["registry"])
}

func TestCoordinator_UnresolvableCredentialsFailTarget(t *testing.T) {
	vault := &staticVault{values: map[string][]byte{}}
	c := NewCoordinator(store.NewMemoryStore(), vault, nil)
	c.RegisterPublisher("npm", &credCapturePublisher{})

	targets := []schema.DistributionTarget{
		{Kind: "npm", Name: "registry", Endpoint: "npm.example.com", CredentialsRef: "creds/missing"},
	}
	set, err := c.Publish(context.Background(), "i-1", "done", "art-1", json.RawMessage(`{}`), targets)
	require.Error(t, err)
	require.Len(t, set.Results, 1)
	assert.Equal(t, schema.PublishFailed, set.Results[0].Outcome)
	assert.Contains(t, set.Results[0].Error, "resolve credentials")
}

func TestCoordinator_NilVaultWithCredentialTarget(t *testing.T) {
	c := NewCoordinator(store.NewMemoryStore(), nil, nil)
	c.RegisterPublisher("npm", &credCapturePublisher{})

	targets := []schema.DistributionTarget{
		{Kind: "npm", Name: "registry", Endpoint: "npm.example.com", CredentialsRef: "creds/npm"},
	}
	set, err := c.Publish(context.Background(), "i-1", "done", "art-1", json.RawMessage(`{}`), targets)
	require.Error(t, err)
	assert.Contains(t, set.Results[0].Error, "no vault is configured")
}

// --- Ad-hoc publishes ---

func TestCoordinator_AdHocPublishEmitsNoEvents(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewCoordinator(st, nil, nil)
	pub := newFakePublisher()
	c.RegisterPublisher("oci", pub)

	_, err := c.Publish(context.Background(), "", "", "art-1",
		json.RawMessage(`{}`), targetsFor("prod"))
	require.NoError(t, err)

	events, err := st.GetEvents(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
