package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/quillworks/cascade/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/cascade.db".
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
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, status, strategy, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Pipeline, string(run.Status), run.Strategy, nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var status string
	var errJSON sql.NullString
	var started, completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline, status, strategy, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Pipeline, &status, &r.Strategy, &errJSON, &r.CreatedAt, &started, &completed, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	r.Status = schema.RunState(status)
	r.Error = rawOrNil(errJSON)
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return r, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
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
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, filter.Pipeline)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, pipeline, status, strategy, error, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var status string
		var errJSON sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.Pipeline, &status, &r.Strategy, &errJSON, &r.CreatedAt, &started, &completed, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = schema.RunState(status)
		r.Error = rawOrNil(errJSON)
		if started.Valid {
			r.StartedAt = &started.Time
		}
		if completed.Valid {
			r.CompletedAt = &completed.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Execution records ---

func (s *LibSQLStore) PutRecord(ctx context.Context, rec *ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (node_id, run_id, runner, fingerprint, inputs, outputs, success, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET
		   run_id=excluded.run_id, runner=excluded.runner, fingerprint=excluded.fingerprint,
		   inputs=excluded.inputs, outputs=excluded.outputs, success=excluded.success,
		   error=excluded.error, duration_ms=excluded.duration_ms, created_at=excluded.created_at`,
		rec.NodeID, rec.RunID, rec.Runner, rec.Fingerprint,
		nullRaw(rec.Inputs), nullRaw(rec.Outputs), boolInt(rec.Success),
		nullRaw(rec.Error), rec.DurationMs, timeOrNow(rec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRecord(ctx context.Context, nodeID string) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var inputs, outputs, errJSON sql.NullString
	var success int
	err := s.db.QueryRowContext(ctx,
		`SELECT node_id, run_id, runner, fingerprint, inputs, outputs, success, error, duration_ms, created_at
		 FROM records WHERE node_id = ?`, nodeID,
	).Scan(&rec.NodeID, &rec.RunID, &rec.Runner, &rec.Fingerprint, &inputs, &outputs, &success, &errJSON, &rec.DurationMs, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("record", nodeID)
	}
	if err != nil {
		return nil, err
	}
	rec.Inputs = rawOrNil(inputs)
	rec.Outputs = rawOrNil(outputs)
	rec.Success = success != 0
	rec.Error = rawOrNil(errJSON)
	return rec, nil
}

func (s *LibSQLStore) ListRecords(ctx context.Context, runID string) ([]*ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, run_id, runner, fingerprint, inputs, outputs, success, error, duration_ms, created_at
		 FROM records WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		rec := &ExecutionRecord{}
		var inputs, outputs, errJSON sql.NullString
		var success int
		if err := rows.Scan(&rec.NodeID, &rec.RunID, &rec.Runner, &rec.Fingerprint, &inputs, &outputs, &success, &errJSON, &rec.DurationMs, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Inputs = rawOrNil(inputs)
		rec.Outputs = rawOrNil(outputs)
		rec.Success = success != 0
		rec.Error = rawOrNil(errJSON)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) DeleteRecord(ctx context.Context, nodeID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE node_id = ?`, nodeID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "record", nodeID)
}

// --- Crash records ---

func (s *LibSQLStore) PutCrash(ctx context.Context, crash *CrashRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO crashes (run_id, node_id, inputs, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		crash.RunID, crash.NodeID, nullRaw(crash.Inputs), string(crash.Detail), timeOrNow(crash.CreatedAt),
	)
	if err != nil {
		return err
	}
	crash.ID, _ = res.LastInsertId()
	return nil
}

func (s *LibSQLStore) ListCrashes(ctx context.Context, runID string) ([]*CrashRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, inputs, detail, created_at FROM crashes WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var crashes []*CrashRecord
	for rows.Next() {
		c := &CrashRecord{}
		var inputs sql.NullString
		var detail string
		if err := rows.Scan(&c.ID, &c.RunID, &c.NodeID, &inputs, &detail, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Inputs = rawOrNil(inputs)
		c.Detail = json.RawMessage(detail)
		crashes = append(crashes, c)
	}
	return crashes, rows.Err()
}

// --- Event log ---

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp > ?")
		args = append(args, filter.Since)
	}

	query := `SELECT id, run_id, node_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Pipelines ---

func (s *LibSQLStore) SavePipeline(ctx context.Context, p *Pipeline) error {
	def, err := json.Marshal(p.Definition)
	if err != nil {
		return fmt.Errorf("marshal pipeline definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (name, definition, cron, enabled, last_run_id, last_run_status, last_run_at, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   definition=excluded.definition, cron=excluded.cron, enabled=excluded.enabled,
		   updated_at=CURRENT_TIMESTAMP`,
		p.Name, string(def), nullStr(p.Cron), boolInt(p.Enabled),
		nullStr(p.LastRunID), nullStr(p.LastRunStatus), nullTime(p.LastRunAt), nullTime(p.NextRunAt),
		timeOrNow(p.CreatedAt), timeOrNow(p.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPipeline(ctx context.Context, name string) (*Pipeline, error) {
	p := &Pipeline{}
	var defJSON string
	var cron, lastRunID, lastRunStatus sql.NullString
	var enabled int
	var lastRunAt, nextRunAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT name, definition, cron, enabled, last_run_id, last_run_status, last_run_at, next_run_at, created_at, updated_at
		 FROM pipelines WHERE name = ?`, name,
	).Scan(&p.Name, &defJSON, &cron, &enabled, &lastRunID, &lastRunStatus, &lastRunAt, &nextRunAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pipeline", name)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &p.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline definition: %w", err)
	}
	p.Cron = cron.String
	p.Enabled = enabled != 0
	p.LastRunID = lastRunID.String
	p.LastRunStatus = lastRunStatus.String
	if lastRunAt.Valid {
		p.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		p.NextRunAt = &nextRunAt.Time
	}
	return p, nil
}

func (s *LibSQLStore) UpdatePipeline(ctx context.Context, name string, update PipelineUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.Cron != nil {
		sets = append(sets, "cron = ?")
		args = append(args, nullStr(*update.Cron))
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, name)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE pipelines SET %s WHERE name = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pipeline", name)
}

func (s *LibSQLStore) ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, definition, cron, enabled, last_run_id, last_run_status, last_run_at, next_run_at, created_at, updated_at
		 FROM pipelines ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []*Pipeline
	for rows.Next() {
		p := &Pipeline{}
		var defJSON string
		var cron, lastRunID, lastRunStatus sql.NullString
		var enabled int
		var lastRunAt, nextRunAt sql.NullTime
		if err := rows.Scan(&p.Name, &defJSON, &cron, &enabled, &lastRunID, &lastRunStatus, &lastRunAt, &nextRunAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &p.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal pipeline definition: %w", err)
		}
		p.Cron = cron.String
		p.Enabled = enabled != 0
		p.LastRunID = lastRunID.String
		p.LastRunStatus = lastRunStatus.String
		if lastRunAt.Valid {
			p.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			p.NextRunAt = &nextRunAt.Time
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

func (s *LibSQLStore) DeletePipeline(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pipeline", name)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
