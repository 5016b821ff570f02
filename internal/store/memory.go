package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/conduit/pkg/schema"
)

// MemoryStore is an in-memory Store implementation for tests and ephemeral
// runs. It honors the same optimistic-lock and single-use semantics as the
// libSQL store.
type MemoryStore struct {
	mu sync.Mutex

	definitions map[string]*DefinitionRecord // id@version
	defOrder    []string
	instances   map[string]*Instance
	nodeStates  map[string]map[string]*NodeState // instance → node
	records     map[string][]*ActivityRecord     // instance
	checkpoints map[string]*Checkpoint
	events      map[string][]*StateChangeEvent // instance
	publishes   map[string]*PublishResultSet
	secrets     map[string][]byte
	scheduled   map[string]*ScheduledRun
	nextRecID   int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*DefinitionRecord),
		instances:   make(map[string]*Instance),
		nodeStates:  make(map[string]map[string]*NodeState),
		records:     make(map[string][]*ActivityRecord),
		checkpoints: make(map[string]*Checkpoint),
		events:      make(map[string][]*StateChangeEvent),
		publishes:   make(map[string]*PublishResultSet),
		secrets:     make(map[string][]byte),
		scheduled:   make(map[string]*ScheduledRun),
	}
}

func defKey(id, version string) string { return id + "@" + version }

func (s *MemoryStore) PublishDefinition(ctx context.Context, def *DefinitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := defKey(def.ID, def.Version)
	if _, exists := s.definitions[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"definition %s@%s already published; definitions are immutable", def.ID, def.Version)
	}
	cp := *def
	cp.CreatedAt = timeOrNow(def.CreatedAt)
	s.definitions[key] = &cp
	s.defOrder = append(s.defOrder, key)
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id, version string) (*DefinitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version != "" {
		if def, ok := s.definitions[defKey(id, version)]; ok {
			cp := *def
			return &cp, nil
		}
		return nil, ErrNotFound("definition", id)
	}
	// Latest published version of the id.
	for i := len(s.defOrder) - 1; i >= 0; i-- {
		if def := s.definitions[s.defOrder[i]]; def.ID == id {
			cp := *def
			return &cp, nil
		}
	}
	return nil, ErrNotFound("definition", id)
}

func (s *MemoryStore) ListDefinitions(ctx context.Context) ([]*DefinitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DefinitionRecord, 0, len(s.defOrder))
	for _, key := range s.defOrder {
		cp := *s.definitions[key]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CreateInstance(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s already exists", inst.ID)
	}
	cp := *inst
	if cp.Revision == 0 {
		cp.Revision = 1
	}
	cp.CreatedAt = timeOrNow(inst.CreatedAt)
	cp.UpdatedAt = timeOrNow(inst.UpdatedAt)
	s.instances[inst.ID] = &cp
	inst.Revision = cp.Revision
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound("instance", id)
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return ErrNotFound("instance", id)
	}
	if inst.Revision != expectedRevision {
		return ErrStale(id, expectedRevision)
	}
	if update.Status != nil {
		inst.Status = *update.Status
	}
	if update.Output != nil {
		inst.Output = update.Output
	}
	if update.Error != nil {
		inst.Error = update.Error
	}
	if update.StartedAt != nil {
		inst.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		inst.CompletedAt = update.CompletedAt
	}
	inst.Revision++
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Instance
	for _, inst := range s.instances {
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Since != nil && inst.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertNodeState(ctx context.Context, state *NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.nodeStates[state.InstanceID]
	if !ok {
		byNode = make(map[string]*NodeState)
		s.nodeStates[state.InstanceID] = byNode
	}
	cp := *state
	byNode[state.Node] = &cp
	return nil
}

func (s *MemoryStore) GetNodeState(ctx context.Context, instanceID, node string) (*NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.nodeStates[instanceID][node]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, ErrNotFound("node_state", instanceID+"/"+node)
}

func (s *MemoryStore) ListNodeStates(ctx context.Context, instanceID string) ([]*NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*NodeState
	for _, st := range s.nodeStates[instanceID] {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out, nil
}

func (s *MemoryStore) AppendActivityRecord(ctx context.Context, rec *ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRecID++
	cp := *rec
	cp.ID = s.nextRecID
	cp.StartedAt = timeOrNow(rec.StartedAt)
	s.records[rec.InstanceID] = append(s.records[rec.InstanceID], &cp)
	rec.ID = cp.ID
	return nil
}

func (s *MemoryStore) ListActivityRecords(ctx context.Context, instanceID, node string) ([]*ActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ActivityRecord
	for _, rec := range s.records[instanceID] {
		if node != "" && rec.Node != node {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checkpoints[cp.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "checkpoint %s already exists", cp.ID)
	}
	c := *cp
	c.CreatedAt = timeOrNow(cp.CreatedAt)
	s.checkpoints[cp.ID] = &c
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownCheckpoint, "checkpoint %s not found", id)
	}
	c := *cp
	return &c, nil
}

func (s *MemoryStore) ResolveCheckpoint(ctx context.Context, id string, decision schema.CheckpointDecision, payload json.RawMessage, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeUnknownCheckpoint, "checkpoint %s not found", id)
	}
	if cp.Decision != schema.DecisionPending {
		return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "checkpoint %s already resolved", id)
	}
	cp.Decision = decision
	if len(payload) > 0 {
		cp.Payload = payload
	}
	cp.ResolvedBy = resolvedBy
	now := time.Now().UTC()
	cp.ResolvedAt = &now
	return nil
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context, filter CheckpointFilter) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Checkpoint
	for _, cp := range s.checkpoints {
		if filter.InstanceID != "" && cp.InstanceID != filter.InstanceID {
			continue
		}
		if filter.Decision != "" && string(cp.Decision) != filter.Decision {
			continue
		}
		if filter.DeadlineDue != nil {
			if cp.Decision != schema.DecisionPending || cp.Deadline == nil || cp.Deadline.After(*filter.DeadlineDue) {
				continue
			}
		}
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *StateChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.events[event.InstanceID])) + 1
	cp := *event
	cp.Sequence = seq
	cp.ID = seq
	cp.Timestamp = timeOrNow(event.Timestamp)
	s.events[event.InstanceID] = append(s.events[event.InstanceID], &cp)
	event.Sequence = seq
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, instanceID string, sinceSeq int64) ([]*StateChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*StateChangeEvent
	for _, ev := range s.events[instanceID] {
		if ev.Sequence <= sinceSeq {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CreatePublishResultSet(ctx context.Context, set *PublishResultSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *set
	cp.Results = append([]PublishResult(nil), set.Results...)
	cp.CreatedAt = timeOrNow(set.CreatedAt)
	s.publishes[set.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPublishResultSet(ctx context.Context, id string) (*PublishResultSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.publishes[id]
	if !ok {
		return nil, ErrNotFound("publish_result_set", id)
	}
	cp := *set
	cp.Results = append([]PublishResult(nil), set.Results...)
	return &cp, nil
}

func (s *MemoryStore) ListPublishResultSets(ctx context.Context, instanceID string) ([]*PublishResultSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PublishResultSet
	for _, set := range s.publishes {
		if set.InstanceID != instanceID {
			continue
		}
		cp := *set
		cp.Results = append([]PublishResult(nil), set.Results...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.secrets[key]
	if !ok {
		return nil, ErrNotFound("secret", key)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) DeleteSecret(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return ErrNotFound("secret", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	cp.CreatedAt = timeOrNow(run.CreatedAt)
	s.scheduled[run.ID] = &cp
	return nil
}

func (s *MemoryStore) ListScheduledRuns(ctx context.Context, enabledOnly bool) ([]*ScheduledRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ScheduledRun
	for _, run := range s.scheduled {
		if enabledOnly && !run.Enabled {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.scheduled[id]
	if !ok {
		return ErrNotFound("scheduled_run", id)
	}
	if update.Enabled != nil {
		run.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		run.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		run.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != nil {
		run.LastRunStatus = *update.LastRunStatus
	}
	return nil
}

func (s *MemoryStore) DeleteScheduledRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[id]; !ok {
		return ErrNotFound("scheduled_run", id)
	}
	delete(s.scheduled, id)
	return nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
