package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/conduit/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) PublishDefinition(ctx context.Context, def *DefinitionRecord) error {
	raw, err := json.Marshal(def.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM definitions WHERE id = ? AND version = ?`,
		def.ID, def.Version).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"definition %s@%s already published; definitions are immutable", def.ID, def.Version)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, version, definition, created_at) VALUES (?, ?, ?, ?)`,
		def.ID, def.Version, string(raw), timeOrNow(def.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id, version string) (*DefinitionRecord, error) {
	query := `SELECT id, version, definition, created_at FROM definitions WHERE id = ?`
	args := []any{id}
	if version != "" {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	rec := &DefinitionRecord{}
	var defJSON string
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&rec.ID, &rec.Version, &defJSON, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("definition", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*DefinitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, definition, created_at FROM definitions ORDER BY id, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DefinitionRecord
	for rows.Next() {
		rec := &DefinitionRecord{}
		var defJSON string
		if err := rows.Scan(&rec.ID, &rec.Version, &defJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition %s@%s: %w", rec.ID, rec.Version, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	input, err := marshalMapOrDefault(inst.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	if inst.Revision == 0 {
		inst.Revision = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, definition_id, definition_version, status, input, output, error, revision, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, inst.DefinitionVersion, string(inst.Status),
		string(input), nullRaw(inst.Output), nullRaw(inst.Error), inst.Revision,
		timeOrNow(inst.CreatedAt), nullTime(inst.StartedAt), nullTime(inst.CompletedAt), timeOrNow(inst.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	inst := &Instance{}
	var (
		status                 string
		inputJSON              string
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, definition_id, definition_version, status, input, output, error, revision, created_at, started_at, completed_at, updated_at
		 FROM instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &status, &inputJSON,
		&outputJSON, &errorJSON, &inst.Revision, &inst.CreatedAt, &startedAt, &completedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	if inputJSON != "" {
		_ = json.Unmarshal([]byte(inputJSON), &inst.Input)
	}
	inst.Output = rawOrNil(outputJSON)
	inst.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

// UpdateInstance applies the update under the optimistic revision lock.
// The WHERE clause carries the expected revision; zero rows affected means
// either the row moved (STALE_INSTANCE) or it does not exist (NOT_FOUND).
func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate, expectedRevision int64) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	sets = append(sets, "revision = revision + 1", "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id, expectedRevision)

	query := fmt.Sprintf("UPDATE instances SET %s WHERE id = ? AND revision = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM instances WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound("instance", id)
	}
	return ErrStale(id, expectedRevision)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, definition_id, definition_version, status, input, output, error, revision, created_at, started_at, completed_at, updated_at FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst := &Instance{}
		var (
			status                 string
			inputJSON              string
			outputJSON, errorJSON  sql.NullString
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &status, &inputJSON,
			&outputJSON, &errorJSON, &inst.Revision, &inst.CreatedAt, &startedAt, &completedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		inst.Status = schema.InstanceStatus(status)
		if inputJSON != "" {
			_ = json.Unmarshal([]byte(inputJSON), &inst.Input)
		}
		inst.Output = rawOrNil(outputJSON)
		inst.Error = rawOrNil(errorJSON)
		if startedAt.Valid {
			inst.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			inst.CompletedAt = &completedAt.Time
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- Node states ---

func (s *LibSQLStore) UpsertNodeState(ctx context.Context, state *NodeState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_states (instance_id, node, status, input, output, error, attempts, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id, node) DO UPDATE SET
		   status=excluded.status, input=excluded.input, output=excluded.output,
		   error=excluded.error, attempts=excluded.attempts,
		   started_at=excluded.started_at, completed_at=excluded.completed_at`,
		state.InstanceID, state.Node, string(state.Status),
		nullRaw(state.Input), nullRaw(state.Output), nullRaw(state.Error),
		state.Attempts, nullTime(state.StartedAt), nullTime(state.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetNodeState(ctx context.Context, instanceID, node string) (*NodeState, error) {
	st := &NodeState{}
	var (
		status                           string
		inputJSON, outputJSON, errorJSON sql.NullString
		startedAt, completedAt           sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, node, status, input, output, error, attempts, started_at, completed_at
		 FROM node_states WHERE instance_id = ? AND node = ?`, instanceID, node,
	).Scan(&st.InstanceID, &st.Node, &status, &inputJSON, &outputJSON, &errorJSON,
		&st.Attempts, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("node_state", instanceID+"/"+node)
	}
	if err != nil {
		return nil, err
	}
	st.Status = schema.NodeStatus(status)
	st.Input = rawOrNil(inputJSON)
	st.Output = rawOrNil(outputJSON)
	st.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return st, nil
}

func (s *LibSQLStore) ListNodeStates(ctx context.Context, instanceID string) ([]*NodeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, node, status, input, output, error, attempts, started_at, completed_at
		 FROM node_states WHERE instance_id = ? ORDER BY node`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeState
	for rows.Next() {
		st := &NodeState{}
		var (
			status                           string
			inputJSON, outputJSON, errorJSON sql.NullString
			startedAt, completedAt           sql.NullTime
		)
		if err := rows.Scan(&st.InstanceID, &st.Node, &status, &inputJSON, &outputJSON, &errorJSON,
			&st.Attempts, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		st.Status = schema.NodeStatus(status)
		st.Input = rawOrNil(inputJSON)
		st.Output = rawOrNil(outputJSON)
		st.Error = rawOrNil(errorJSON)
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Activity records ---

func (s *LibSQLStore) AppendActivityRecord(ctx context.Context, rec *ActivityRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_records (instance_id, node, attempt, status, output, error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.Node, rec.Attempt, string(rec.Status),
		nullRaw(rec.Output), nullStr(rec.Error), timeOrNow(rec.StartedAt), nullTime(rec.EndedAt),
	)
	if err != nil {
		return err
	}
	if id, idErr := res.LastInsertId(); idErr == nil {
		rec.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListActivityRecords(ctx context.Context, instanceID, node string) ([]*ActivityRecord, error) {
	query := `SELECT id, instance_id, node, attempt, status, output, error, started_at, ended_at
	          FROM activity_records WHERE instance_id = ?`
	args := []any{instanceID}
	if node != "" {
		query += ` AND node = ?`
		args = append(args, node)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActivityRecord
	for rows.Next() {
		rec := &ActivityRecord{}
		var (
			status             string
			outputJSON, errStr sql.NullString
			endedAt            sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.InstanceID, &rec.Node, &rec.Attempt, &status,
			&outputJSON, &errStr, &rec.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		rec.Status = schema.ActivityStatus(status)
		rec.Output = rawOrNil(outputJSON)
		rec.Error = errStr.String
		if endedAt.Valid {
			rec.EndedAt = &endedAt.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Checkpoints ---

func (s *LibSQLStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, instance_id, node, decision, payload, deadline, escalation, resolved_by, resolved_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.InstanceID, cp.Node, string(cp.Decision), nullRaw(cp.Payload),
		nullTime(cp.Deadline), nullStr(string(cp.Escalation)),
		nullStr(cp.ResolvedBy), nullTime(cp.ResolvedAt), timeOrNow(cp.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var (
		decision                          string
		payload, escalation, resolvedBy   sql.NullString
		deadline, resolvedAt              sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, node, decision, payload, deadline, escalation, resolved_by, resolved_at, created_at
		 FROM checkpoints WHERE id = ?`, id,
	).Scan(&cp.ID, &cp.InstanceID, &cp.Node, &decision, &payload, &deadline,
		&escalation, &resolvedBy, &resolvedAt, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownCheckpoint, "checkpoint %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	cp.Decision = schema.CheckpointDecision(decision)
	cp.Payload = rawOrNil(payload)
	cp.Escalation = schema.EscalationPolicy(escalation.String)
	cp.ResolvedBy = resolvedBy.String
	if deadline.Valid {
		cp.Deadline = &deadline.Time
	}
	if resolvedAt.Valid {
		cp.ResolvedAt = &resolvedAt.Time
	}
	return cp, nil
}

// ResolveCheckpoint is single-use: the WHERE clause only matches pending
// checkpoints, so a second resolution reports ALREADY_RESOLVED without
// mutating anything.
func (s *LibSQLStore) ResolveCheckpoint(ctx context.Context, id string, decision schema.CheckpointDecision, payload json.RawMessage, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET decision = ?, payload = COALESCE(?, payload), resolved_by = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND decision = 'pending'`,
		string(decision), nullRaw(payload), nullStr(resolvedBy), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM checkpoints WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return schema.NewErrorf(schema.ErrCodeUnknownCheckpoint, "checkpoint %s not found", id)
	}
	return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "checkpoint %s already resolved", id)
}

func (s *LibSQLStore) ListCheckpoints(ctx context.Context, filter CheckpointFilter) ([]*Checkpoint, error) {
	var where []string
	var args []any

	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, filter.Decision)
	}
	if filter.DeadlineDue != nil {
		where = append(where, "decision = 'pending' AND deadline IS NOT NULL AND deadline <= ?")
		args = append(args, *filter.DeadlineDue)
	}

	query := `SELECT id, instance_id, node, decision, payload, deadline, escalation, resolved_by, resolved_at, created_at FROM checkpoints`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{}
		var (
			decision                        string
			payload, escalation, resolvedBy sql.NullString
			deadline, resolvedAt            sql.NullTime
		)
		if err := rows.Scan(&cp.ID, &cp.InstanceID, &cp.Node, &decision, &payload, &deadline,
			&escalation, &resolvedBy, &resolvedAt, &cp.CreatedAt); err != nil {
			return nil, err
		}
		cp.Decision = schema.CheckpointDecision(decision)
		cp.Payload = rawOrNil(payload)
		cp.Escalation = schema.EscalationPolicy(escalation.String)
		cp.ResolvedBy = resolvedBy.String
		if deadline.Valid {
			cp.Deadline = &deadline.Time
		}
		if resolvedAt.Valid {
			cp.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// --- State-change log ---

// AppendEvent appends an event with a monotonically increasing per-instance
// sequence. The read and the insert run in one transaction; the single-writer
// connection (SetMaxOpenConns(1)) keeps the sequence gap-free.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *StateChangeEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, node, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.InstanceID, nullStr(event.Node), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}

	event.Sequence = seq
	if id, idErr := res.LastInsertId(); idErr == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID string, sinceSeq int64) ([]*StateChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, node, event_type, payload, timestamp, sequence
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence`,
		instanceID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StateChangeEvent
	for rows.Next() {
		ev := &StateChangeEvent{}
		var node, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &node, &ev.Type, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.Node = node.String
		ev.Payload = rawOrNil(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Distribution ---

func (s *LibSQLStore) CreatePublishResultSet(ctx context.Context, set *PublishResultSet) error {
	results, err := json.Marshal(set.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO publish_result_sets (id, instance_id, node, artifact_id, succeeded, results, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		set.ID, nullStr(set.InstanceID), nullStr(set.Node), set.ArtifactID,
		boolToInt(set.Succeeded), string(results), timeOrNow(set.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPublishResultSet(ctx context.Context, id string) (*PublishResultSet, error) {
	set := &PublishResultSet{}
	var (
		instanceID, node sql.NullString
		succeeded        int
		resultsJSON      string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, node, artifact_id, succeeded, results, created_at
		 FROM publish_result_sets WHERE id = ?`, id,
	).Scan(&set.ID, &instanceID, &node, &set.ArtifactID, &succeeded, &resultsJSON, &set.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("publish_result_set", id)
	}
	if err != nil {
		return nil, err
	}
	set.InstanceID = instanceID.String
	set.Node = node.String
	set.Succeeded = succeeded != 0
	if err := json.Unmarshal([]byte(resultsJSON), &set.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	return set, nil
}

func (s *LibSQLStore) ListPublishResultSets(ctx context.Context, instanceID string) ([]*PublishResultSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, node, artifact_id, succeeded, results, created_at
		 FROM publish_result_sets WHERE instance_id = ? ORDER BY created_at`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PublishResultSet
	for rows.Next() {
		set := &PublishResultSet{}
		var (
			instID, node sql.NullString
			succeeded    int
			resultsJSON  string
		)
		if err := rows.Scan(&set.ID, &instID, &node, &set.ArtifactID, &succeeded, &resultsJSON, &set.CreatedAt); err != nil {
			return nil, err
		}
		set.InstanceID = instID.String
		set.Node = node.String
		set.Succeeded = succeeded != 0
		if err := json.Unmarshal([]byte(resultsJSON), &set.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
		out = append(out, set)
	}
	return out, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, definition_id, definition_version, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DefinitionID, nullStr(run.DefinitionVersion), run.CronExpression,
		nullRaw(run.Input), boolToInt(run.Enabled),
		nullTime(run.LastRunAt), nullTime(run.NextRunAt), nullStr(run.LastRunStatus),
		timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, enabledOnly bool) ([]*ScheduledRun, error) {
	query := `SELECT id, definition_id, definition_version, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_runs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledRun
	for rows.Next() {
		run := &ScheduledRun{}
		var (
			version, input, lastStatus sql.NullString
			enabled                    int
			lastRunAt, nextRunAt       sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.DefinitionID, &version, &run.CronExpression, &input,
			&enabled, &lastRunAt, &nextRunAt, &lastStatus, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.DefinitionVersion = version.String
		run.Input = rawOrNil(input)
		run.Enabled = enabled != 0
		run.LastRunStatus = lastStatus.String
		if lastRunAt.Valid {
			run.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			run.NextRunAt = &nextRunAt.Time
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != nil {
		sets = append(sets, "last_run_status = ?")
		args = append(args, *update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

// --- helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
