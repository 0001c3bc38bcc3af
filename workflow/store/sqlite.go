package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store[S].
//
// It keeps the registry, event log, and checkpoints in a single-file
// database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments requiring durability
//
// WAL mode is enabled so readers (event streaming, run listing) never
// block the executor's writes.
//
// Schema:
//   - runs: the run registry
//   - run_events: append-only per-run event log
//   - run_checkpoints: one resume point per run
//
// Type parameter S is the checkpointed state type (must be
// JSON-serializable).
type SQLiteStore[S any] struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at path, creating the
// database file and schema as needed. Use ":memory:" for an ephemeral
// database.
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore[S]{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore[S]) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			ticket_url TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			context TEXT,
			plan TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_ticket ON runs(ticket_url, status)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			meta TEXT,
			at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
			next_stage TEXT NOT NULL,
			state TEXT NOT NULL,
			step INTEGER NOT NULL,
			saved_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateRun inserts a new registry row.
func (s *SQLiteStore[S]) CreateRun(ctx context.Context, rec RunRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, ticket_url, status, payload, context, plan, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TicketURL, rec.Status, string(rec.Payload), nullableJSON(rec.Context),
		rec.Plan, rec.Error, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a registry row by run id.
func (s *SQLiteStore[S]) GetRun(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ticket_url, status, payload, context, plan, error, created_at, updated_at
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns registry rows, newest first.
func (s *SQLiteStore[S]) ListRuns(ctx context.Context, f ListFilter) ([]RunRecord, error) {
	query := `SELECT id, ticket_url, status, payload, context, plan, error, created_at, updated_at
		 FROM runs`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateRun applies a partial update to a registry row.
func (s *SQLiteStore[S]) UpdateRun(ctx context.Context, id string, upd RunUpdate) error {
	query := `UPDATE runs SET updated_at = ?`
	args := []any{time.Now().UTC()}
	if upd.Status != nil {
		query += `, status = ?`
		args = append(args, *upd.Status)
	}
	if upd.Context != nil {
		query += `, context = ?`
		args = append(args, string(upd.Context))
	}
	if upd.Plan != nil {
		query += `, plan = ?`
		args = append(args, *upd.Plan)
	}
	if upd.Error != nil {
		query += `, error = ?`
		args = append(args, *upd.Error)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRun removes a run; events and checkpoint go with it via the
// foreign-key cascade.
func (s *SQLiteStore[S]) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindRunByTicket returns the newest run for a ticket URL whose status
// is not in the excluded set.
func (s *SQLiteStore[S]) FindRunByTicket(ctx context.Context, ticketURL string, excludeStatuses []string) (RunRecord, error) {
	query := `SELECT id, ticket_url, status, payload, context, plan, error, created_at, updated_at
		 FROM runs WHERE ticket_url = ?`
	args := []any{ticketURL}
	for _, st := range excludeStatuses {
		query += ` AND status != ?`
		args = append(args, st)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	return scanRun(s.db.QueryRowContext(ctx, query, args...))
}

// AppendEvent appends to the run's event log and returns the assigned
// sequence number. The insert and the MAX(seq) read share a transaction
// so concurrent appends for the same run cannot collide.
func (s *SQLiteStore[S]) AppendEvent(ctx context.Context, ev EventRecord) (int64, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?`, ev.RunID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to allocate event seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, type, stage, meta, at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, seq, ev.Type, ev.Stage, nullableJSON(ev.Meta), ev.At); err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}
	return seq, nil
}

// Events returns a run's events with Seq > afterSeq, in order.
func (s *SQLiteStore[S]) Events(ctx context.Context, runID string, afterSeq int64) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, type, stage, meta, at FROM run_events
		 WHERE run_id = ? AND seq > ? ORDER BY seq`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var ev EventRecord
		var meta sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Type, &ev.Stage, &meta, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if meta.Valid {
			ev.Meta = json.RawMessage(meta.String)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveCheckpoint writes the run's resume point, replacing any previous
// checkpoint for the same run.
func (s *SQLiteStore[S]) SaveCheckpoint(ctx context.Context, cp Checkpoint[S]) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_checkpoints (run_id, next_stage, state, step, saved_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			next_stage = excluded.next_stage,
			state = excluded.state,
			step = excluded.step,
			saved_at = excluded.saved_at`,
		cp.RunID, cp.NextStage, string(state), cp.Step, cp.SavedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint retrieves the run's resume point.
func (s *SQLiteStore[S]) LoadCheckpoint(ctx context.Context, runID string) (Checkpoint[S], error) {
	var cp Checkpoint[S]
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, next_stage, state, step, saved_at FROM run_checkpoints WHERE run_id = ?`,
		runID).Scan(&cp.RunID, &cp.NextStage, &state, &cp.Step, &cp.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return cp, fmt.Errorf("failed to unmarshal checkpoint state: %w", err)
	}
	return cp, nil
}

// DeleteCheckpoint removes the run's resume point.
func (s *SQLiteStore[S]) DeleteCheckpoint(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore[S]) Close() error { return s.db.Close() }

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var payload string
	var rctx sql.NullString
	err := row.Scan(&rec.ID, &rec.TicketURL, &rec.Status, &payload, &rctx,
		&rec.Plan, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("failed to scan run: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	if rctx.Valid {
		rec.Context = json.RawMessage(rctx.String)
	}
	return rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
