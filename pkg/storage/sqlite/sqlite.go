// Package sqlite persists engine state in a single SQLite database via
// the pure-Go driver. Definitions are stored as their JSON payload;
// runtime rows are typed columns so the timer and polling queries can
// run in SQL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/ptr"
	"github.com/leorces/leorces/pkg/runtime"
	"github.com/leorces/leorces/pkg/storage"
)

type Store struct {
	db *sql.DB

	mu sync.Mutex
	// definitions are immutable, cache the decoded payloads
	defs map[string]*model.ProcessDefinition
}

var _ storage.Storage = (*Store)(nil)

// Open opens (and creates if needed) the database file and initializes
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	s := &Store{db: db, defs: make(map[string]*model.ProcessDefinition)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS definitions (
			id       TEXT PRIMARY KEY,
			def_key  TEXT NOT NULL,
			version  INTEGER NOT NULL,
			payload  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_definitions_key ON definitions(def_key, version);

		CREATE TABLE IF NOT EXISTS processes (
			p_key               INTEGER PRIMARY KEY,
			parent_key          INTEGER NOT NULL DEFAULT 0,
			root_key            INTEGER NOT NULL DEFAULT 0,
			parent_activity_key INTEGER NOT NULL DEFAULT 0,
			business_key        TEXT NOT NULL DEFAULT '',
			definition_id       TEXT NOT NULL,
			state               TEXT NOT NULL,
			suspended           INTEGER NOT NULL DEFAULT 0,
			created_at          INTEGER NOT NULL,
			ended_at            INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_processes_business ON processes(business_key, state);
		CREATE INDEX IF NOT EXISTS idx_processes_parent_activity ON processes(parent_activity_key);

		CREATE TABLE IF NOT EXISTS activities (
			a_key         INTEGER PRIMARY KEY,
			process_key   INTEGER NOT NULL,
			definition_id TEXT NOT NULL,
			state         TEXT NOT NULL,
			retries       INTEGER NOT NULL DEFAULT 0,
			timeout_at    INTEGER,
			failure       TEXT,
			created_at    INTEGER NOT NULL,
			started_at    INTEGER,
			ended_at      INTEGER,
			joined_flows  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_activities_process ON activities(process_key, definition_id);
		CREATE INDEX IF NOT EXISTS idx_activities_timeout ON activities(state, timeout_at);

		CREATE TABLE IF NOT EXISTS variables (
			v_key                   INTEGER PRIMARY KEY,
			process_key             INTEGER NOT NULL,
			execution_key           INTEGER NOT NULL,
			execution_definition_id TEXT NOT NULL,
			name                    TEXT NOT NULL,
			value                   TEXT NOT NULL,
			v_type                  TEXT NOT NULL,
			UNIQUE(execution_key, name)
		);
		CREATE INDEX IF NOT EXISTS idx_variables_process ON variables(process_key);

		CREATE TABLE IF NOT EXISTS incidents (
			i_key         INTEGER PRIMARY KEY,
			process_key   INTEGER NOT NULL,
			activity_key  INTEGER NOT NULL,
			definition_id TEXT NOT NULL,
			message       TEXT NOT NULL,
			trace         TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			resolved_at   INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_incidents_process ON incidents(process_key, resolved_at);

		CREATE TABLE IF NOT EXISTS leases (
			name      TEXT PRIMARY KEY,
			owner     TEXT NOT NULL,
			until     INTEGER NOT NULL
		);`,
	)
	return err
}

// --- definitions ---

func (s *Store) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	payload, err := json.Marshal(&definition)
	if err != nil {
		return fmt.Errorf("failed to encode definition %s: %w", definition.Id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO definitions (id, def_key, version, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		definition.Id, definition.Key, definition.Version, string(payload))
	return err
}

func (s *Store) FindProcessDefinitionById(ctx context.Context, id string) (model.ProcessDefinition, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM definitions WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessDefinition{}, storage.ErrNotFound
	}
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	return decodeDefinition(payload)
}

func (s *Store) FindLatestProcessDefinitionByKey(ctx context.Context, key string) (model.ProcessDefinition, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM definitions WHERE def_key = ? ORDER BY version DESC LIMIT 1`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessDefinition{}, storage.ErrNotFound
	}
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	return decodeDefinition(payload)
}

func (s *Store) FindProcessDefinitionsByKey(ctx context.Context, key string) ([]model.ProcessDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM definitions WHERE def_key = ? ORDER BY version ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ProcessDefinition
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		definition, err := decodeDefinition(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, definition)
	}
	return out, rows.Err()
}

func decodeDefinition(payload string) (model.ProcessDefinition, error) {
	var definition model.ProcessDefinition
	if err := json.Unmarshal([]byte(payload), &definition); err != nil {
		return model.ProcessDefinition{}, fmt.Errorf("failed to decode definition payload: %w", err)
	}
	return definition, nil
}

// definitionFor resolves and caches the decoded definition of a process
// row, used by the Go-side filters of the polling queries.
func (s *Store) definitionFor(ctx context.Context, definitionId string) (*model.ProcessDefinition, error) {
	s.mu.Lock()
	cached, ok := s.defs[definitionId]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}
	definition, err := s.FindProcessDefinitionById(ctx, definitionId)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.defs[definitionId] = &definition
	s.mu.Unlock()
	return &definition, nil
}

// --- processes ---

const processColumns = `p_key, parent_key, root_key, parent_activity_key, business_key, definition_id, state, suspended, created_at, ended_at`

func (s *Store) SaveProcess(ctx context.Context, process runtime.Process) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (`+processColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(p_key) DO UPDATE SET
			state = excluded.state,
			suspended = excluded.suspended,
			ended_at = excluded.ended_at`,
		process.Key, process.ParentKey, process.RootKey, process.ParentActivityKey,
		process.BusinessKey, process.DefinitionId, string(process.State),
		boolToInt(process.Suspended), process.CreatedAt.UnixNano(), timePtrToNano(process.EndedAt))
	return err
}

func (s *Store) FindProcessByKey(ctx context.Context, key int64) (runtime.Process, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE p_key = ?`, key)
	return scanProcess(row)
}

func (s *Store) FindActiveProcessesByBusinessKey(ctx context.Context, businessKey string, definitionKey string) ([]runtime.Process, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+qualify(processColumns, "p")+`
		FROM processes p
		JOIN definitions d ON d.id = p.definition_id
		WHERE p.business_key = ?
		  AND p.state NOT IN ('COMPLETED', 'TERMINATED')
		  AND (? = '' OR d.def_key = ?)
		ORDER BY p.p_key ASC`,
		businessKey, definitionKey, definitionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProcesses(rows)
}

func (s *Store) FindChildProcesses(ctx context.Context, parentActivityKey int64) ([]runtime.Process, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+processColumns+` FROM processes WHERE parent_activity_key = ? ORDER BY p_key ASC`,
		parentActivityKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProcesses(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (runtime.Process, error) {
	var p runtime.Process
	var suspended int
	var createdAt int64
	var endedAt sql.NullInt64
	err := row.Scan(&p.Key, &p.ParentKey, &p.RootKey, &p.ParentActivityKey,
		&p.BusinessKey, &p.DefinitionId, &p.State, &suspended, &createdAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return runtime.Process{}, storage.ErrNotFound
	}
	if err != nil {
		return runtime.Process{}, err
	}
	p.Suspended = suspended != 0
	p.CreatedAt = time.Unix(0, createdAt)
	p.EndedAt = nanoToTimePtr(endedAt)
	return p, nil
}

func scanProcesses(rows *sql.Rows) ([]runtime.Process, error) {
	var out []runtime.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- activities ---

const activityColumns = `a_key, process_key, definition_id, state, retries, timeout_at, failure, created_at, started_at, ended_at, joined_flows`

func (s *Store) SaveActivity(ctx context.Context, activity runtime.ActivityExecution) error {
	failure, err := encodeNullable(activity.Failure)
	if err != nil {
		return err
	}
	joined, err := encodeNullable(activity.JoinedFlows)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities (`+activityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(a_key) DO UPDATE SET
			state = excluded.state,
			retries = excluded.retries,
			timeout_at = excluded.timeout_at,
			failure = excluded.failure,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			joined_flows = excluded.joined_flows`,
		activity.Key, activity.ProcessKey, activity.DefinitionId, string(activity.State),
		activity.Retries, timePtrToNano(activity.TimeoutAt), failure,
		activity.CreatedAt.UnixNano(), timePtrToNano(activity.StartedAt),
		timePtrToNano(activity.EndedAt), joined)
	return err
}

func (s *Store) FindActivityByKey(ctx context.Context, key int64) (runtime.ActivityExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE a_key = ?`, key)
	return scanActivity(row)
}

func (s *Store) FindActivityByDefinitionId(ctx context.Context, processKey int64, definitionId string) (runtime.ActivityExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE process_key = ? AND definition_id = ?
		ORDER BY created_at DESC, a_key DESC LIMIT 1`,
		processKey, definitionId)
	return scanActivity(row)
}

func (s *Store) FindActiveActivities(ctx context.Context, processKey int64, definitionIds []string) ([]runtime.ActivityExecution, error) {
	query := `SELECT ` + activityColumns + ` FROM activities
		WHERE process_key = ? AND state IN ('SCHEDULED', 'ACTIVE')`
	args := []any{processKey}
	if len(definitionIds) > 0 {
		query += ` AND definition_id IN (` + placeholders(len(definitionIds)) + `)`
		for _, id := range definitionIds {
			args = append(args, id)
		}
	}
	query += ` ORDER BY a_key ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivities(rows)
}

func (s *Store) FindFailedActivities(ctx context.Context, processKey int64) ([]runtime.ActivityExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE process_key = ? AND state = 'FAILED' ORDER BY a_key ASC`, processKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivities(rows)
}

func (s *Store) IsAllCompleted(ctx context.Context, processKey int64, definitionIds []string) (bool, error) {
	query := `SELECT COUNT(*) FROM activities
		WHERE process_key = ? AND state IN ('SCHEDULED', 'ACTIVE', 'FAILED')`
	args := []any{processKey}
	if len(definitionIds) > 0 {
		query += ` AND definition_id IN (` + placeholders(len(definitionIds)) + `)`
		for _, id := range definitionIds {
			args = append(args, id)
		}
	}
	var open int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&open); err != nil {
		return false, err
	}
	return open == 0, nil
}

func (s *Store) IsAnyFailed(ctx context.Context, processKey int64) (bool, error) {
	var failed int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activities WHERE process_key = ? AND state = 'FAILED'`, processKey).Scan(&failed)
	return failed > 0, err
}

func (s *Store) PollExternalTasks(ctx context.Context, topic string, definitionKey string, limit int) ([]runtime.ActivityExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+qualify(activityColumns, "a")+`, p.definition_id
		FROM activities a
		JOIN processes p ON p.p_key = a.process_key
		JOIN definitions d ON d.id = p.definition_id
		WHERE a.state = 'ACTIVE'
		  AND p.state = 'ACTIVE'
		  AND p.suspended = 0
		  AND (? = '' OR d.def_key = ?)
		ORDER BY a.created_at ASC, a.a_key ASC`,
		definitionKey, definitionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []runtime.ActivityExecution
	for rows.Next() {
		activity, processDefinitionId, err := scanActivityWithDefinition(rows)
		if err != nil {
			return nil, err
		}
		definition, err := s.definitionFor(ctx, processDefinitionId)
		if err != nil {
			return nil, err
		}
		if taskTopic(definition, activity.DefinitionId) != topic {
			continue
		}
		out = append(out, activity)
		if len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

// taskTopic returns the worker topic of the activity definition, or the
// empty string when the activity is not worker-driven.
func taskTopic(definition *model.ProcessDefinition, definitionId string) string {
	switch def := definition.ActivityById(definitionId).(type) {
	case model.ExternalTask:
		return def.Topic
	case model.SendTask:
		return def.Topic
	}
	return ""
}

func (s *Store) FindTimedOutActivities(ctx context.Context, now time.Time, limit int) ([]runtime.ActivityExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE state = 'ACTIVE' AND timeout_at IS NOT NULL AND timeout_at <= ?
		ORDER BY timeout_at ASC LIMIT ?`,
		now.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivities(rows)
}

// FindDueTimers shares the timeout column with task timeouts; the engine
// tells timers and tasks apart by activity type.
func (s *Store) FindDueTimers(ctx context.Context, now time.Time, limit int) ([]runtime.ActivityExecution, error) {
	return s.FindTimedOutActivities(ctx, now, limit)
}

func scanActivity(row rowScanner) (runtime.ActivityExecution, error) {
	var a runtime.ActivityExecution
	var timeoutAt, startedAt, endedAt sql.NullInt64
	var createdAt int64
	var failure, joined sql.NullString
	err := row.Scan(&a.Key, &a.ProcessKey, &a.DefinitionId, &a.State, &a.Retries,
		&timeoutAt, &failure, &createdAt, &startedAt, &endedAt, &joined)
	if errors.Is(err, sql.ErrNoRows) {
		return runtime.ActivityExecution{}, storage.ErrNotFound
	}
	if err != nil {
		return runtime.ActivityExecution{}, err
	}
	return finishActivityScan(a, timeoutAt, startedAt, endedAt, createdAt, failure, joined)
}

func scanActivityWithDefinition(rows *sql.Rows) (runtime.ActivityExecution, string, error) {
	var a runtime.ActivityExecution
	var timeoutAt, startedAt, endedAt sql.NullInt64
	var createdAt int64
	var failure, joined sql.NullString
	var processDefinitionId string
	err := rows.Scan(&a.Key, &a.ProcessKey, &a.DefinitionId, &a.State, &a.Retries,
		&timeoutAt, &failure, &createdAt, &startedAt, &endedAt, &joined, &processDefinitionId)
	if err != nil {
		return runtime.ActivityExecution{}, "", err
	}
	a, err = finishActivityScan(a, timeoutAt, startedAt, endedAt, createdAt, failure, joined)
	return a, processDefinitionId, err
}

func finishActivityScan(a runtime.ActivityExecution, timeoutAt, startedAt, endedAt sql.NullInt64, createdAt int64, failure, joined sql.NullString) (runtime.ActivityExecution, error) {
	a.TimeoutAt = nanoToTimePtr(timeoutAt)
	a.CreatedAt = time.Unix(0, createdAt)
	a.StartedAt = nanoToTimePtr(startedAt)
	a.EndedAt = nanoToTimePtr(endedAt)
	if failure.Valid && failure.String != "" {
		if err := json.Unmarshal([]byte(failure.String), &a.Failure); err != nil {
			return a, fmt.Errorf("failed to decode failure of activity %d: %w", a.Key, err)
		}
	}
	if joined.Valid && joined.String != "" {
		if err := json.Unmarshal([]byte(joined.String), &a.JoinedFlows); err != nil {
			return a, fmt.Errorf("failed to decode join state of activity %d: %w", a.Key, err)
		}
	}
	return a, nil
}

func scanActivities(rows *sql.Rows) ([]runtime.ActivityExecution, error) {
	var out []runtime.ActivityExecution
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- variables ---

func (s *Store) SaveVariable(ctx context.Context, variable runtime.Variable) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO variables (v_key, process_key, execution_key, execution_definition_id, name, value, v_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_key, name) DO UPDATE SET
			value = excluded.value,
			v_type = excluded.v_type`,
		variable.Key, variable.ProcessKey, variable.ExecutionKey,
		variable.ExecutionDefinitionId, variable.Name, variable.Value, string(variable.Type))
	return err
}

func (s *Store) FindVariablesByExecution(ctx context.Context, processKey int64, executionKey int64) ([]runtime.Variable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v_key, process_key, execution_key, execution_definition_id, name, value, v_type
		FROM variables WHERE process_key = ? AND execution_key = ? ORDER BY name ASC`,
		processKey, executionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVariables(rows)
}

func (s *Store) FindVariablesByScope(ctx context.Context, processKey int64, scope []string) ([]runtime.Variable, error) {
	if len(scope) == 0 {
		return nil, nil
	}
	query := `SELECT v_key, process_key, execution_key, execution_definition_id, name, value, v_type
		FROM variables WHERE process_key = ? AND execution_definition_id IN (` + placeholders(len(scope)) + `)
		ORDER BY name ASC`
	args := []any{processKey}
	for _, s := range scope {
		args = append(args, s)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVariables(rows)
}

func scanVariables(rows *sql.Rows) ([]runtime.Variable, error) {
	var out []runtime.Variable
	for rows.Next() {
		var v runtime.Variable
		if err := rows.Scan(&v.Key, &v.ProcessKey, &v.ExecutionKey,
			&v.ExecutionDefinitionId, &v.Name, &v.Value, &v.Type); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- incidents ---

func (s *Store) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (i_key, process_key, activity_key, definition_id, message, trace, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(i_key) DO UPDATE SET resolved_at = excluded.resolved_at`,
		incident.Key, incident.ProcessKey, incident.ActivityKey, incident.DefinitionId,
		incident.Message, incident.Trace, incident.CreatedAt.UnixNano(), timePtrToNano(incident.ResolvedAt))
	return err
}

func (s *Store) FindIncidentByKey(ctx context.Context, key int64) (runtime.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT i_key, process_key, activity_key, definition_id, message, trace, created_at, resolved_at
		FROM incidents WHERE i_key = ?`, key)
	return scanIncident(row)
}

func (s *Store) FindOpenIncidents(ctx context.Context, processKey int64) ([]runtime.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i_key, process_key, activity_key, definition_id, message, trace, created_at, resolved_at
		FROM incidents WHERE process_key = ? AND resolved_at IS NULL ORDER BY i_key ASC`, processKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []runtime.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, incident)
	}
	return out, rows.Err()
}

func scanIncident(row rowScanner) (runtime.Incident, error) {
	var i runtime.Incident
	var createdAt int64
	var resolvedAt sql.NullInt64
	err := row.Scan(&i.Key, &i.ProcessKey, &i.ActivityKey, &i.DefinitionId,
		&i.Message, &i.Trace, &createdAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return runtime.Incident{}, storage.ErrNotFound
	}
	if err != nil {
		return runtime.Incident{}, err
	}
	i.CreatedAt = time.Unix(0, createdAt)
	i.ResolvedAt = nanoToTimePtr(resolvedAt)
	return i, nil
}

// --- leases ---

func (s *Store) TryAcquireLease(ctx context.Context, name string, until time.Time, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, owner, until) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, until = excluded.until
		WHERE leases.until < ? OR leases.owner = excluded.owner`,
		name, owner, until.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) ReleaseLease(ctx context.Context, name string, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner)
	return err
}

// --- history ---

func (s *Store) DeleteCompletedProcessesBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT p_key FROM processes
		WHERE state IN ('COMPLETED', 'TERMINATED') AND ended_at IS NOT NULL AND ended_at < ?
		ORDER BY ended_at ASC LIMIT ?`,
		cutoff.UnixNano(), batchSize)
	if err != nil {
		return 0, err
	}
	var keys []int64
	for rows.Next() {
		var key int64
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return 0, err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	in := placeholders(len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	for _, stmt := range []string{
		`DELETE FROM variables WHERE process_key IN (` + in + `)`,
		`DELETE FROM activities WHERE process_key IN (` + in + `)`,
		`DELETE FROM incidents WHERE process_key IN (` + in + `)`,
		`DELETE FROM processes WHERE p_key IN (` + in + `)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// --- helpers ---

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// qualify prefixes every column of a comma-separated list with a table
// alias.
func qualify(columns string, alias string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrToNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nanoToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return ptr.To(time.Unix(0, v.Int64))
}

func encodeNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch value := v.(type) {
	case *runtime.ActivityFailure:
		if value == nil {
			return nil, nil
		}
	case []string:
		if len(value) == 0 {
			return nil, nil
		}
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode activity payload: %w", err)
	}
	return string(payload), nil
}
