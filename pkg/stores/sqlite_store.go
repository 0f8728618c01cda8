package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/piwi3910/cascade/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the engine.Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

var _ engine.Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// SaveRun inserts or updates a run
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	query := `
		INSERT INTO runs (id, pipeline, status, dry_run, user, env_revision, started_at, completed_at, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Pipeline,
		run.Status,
		run.DryRun,
		run.User,
		run.EnvRevision,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
		run.CreatedAt,
		run.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*engine.Run, error) {
	query := `
		SELECT id, pipeline, status, dry_run, user, env_revision, started_at, completed_at, error, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs newest-first. A limit of zero means no limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]engine.Run, error) {
	query := `
		SELECT id, pipeline, status, dry_run, user, env_revision, started_at, completed_at, error, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// LatestRun returns the most recently started run, or nil when no run has
// ever been recorded.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*engine.Run, error) {
	query := `
		SELECT id, pipeline, status, dry_run, user, env_revision, started_at, completed_at, error, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT 1
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}

	return run, nil
}

// SaveRecord inserts or updates one attempt record
func (s *SQLiteStore) SaveRecord(ctx context.Context, record *engine.RunRecord) error {
	var evidence, tags sql.NullString
	var err error
	if len(record.Evidence) > 0 {
		if evidence, err = encodeJSON(record.Evidence); err != nil {
			return fmt.Errorf("failed to encode record evidence: %w", err)
		}
	}
	if len(record.Tags) > 0 {
		if tags, err = encodeJSON(record.Tags); err != nil {
			return fmt.Errorf("failed to encode record tags: %w", err)
		}
	}

	query := `
		INSERT INTO run_records (
			id, run_id, stage_id, attempt, status, started_at, completed_at,
			output, evidence, tags, env_revision, idempotency_key, error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			output = excluded.output,
			evidence = excluded.evidence,
			tags = excluded.tags,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.RunID,
		record.StageID,
		record.Attempt,
		record.Status,
		record.StartedAt,
		record.CompletedAt,
		record.Output,
		evidence,
		tags,
		record.EnvRevision,
		record.IdempotencyKey,
		record.Error,
		record.CreatedAt,
		record.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}

	return nil
}

// GetRecord retrieves a single record by ID
func (s *SQLiteStore) GetRecord(ctx context.Context, recordID string) (*engine.RunRecord, error) {
	query := `
		SELECT id, run_id, stage_id, attempt, status, started_at, completed_at,
		       output, evidence, tags, env_revision, idempotency_key, error,
		       created_at, updated_at
		FROM run_records
		WHERE id = ?
	`

	record, err := scanRecord(s.db.QueryRowContext(ctx, query, recordID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run record not found: %s", recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run record: %w", err)
	}

	return record, nil
}

// GetRecords lists all records for a run ordered by start time
func (s *SQLiteStore) GetRecords(ctx context.Context, runID string) ([]engine.RunRecord, error) {
	query := `
		SELECT id, run_id, stage_id, attempt, status, started_at, completed_at,
		       output, evidence, tags, env_revision, idempotency_key, error,
		       created_at, updated_at
		FROM run_records
		WHERE run_id = ?
		ORDER BY started_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run records: %w", err)
	}
	defer rows.Close()

	records := []engine.RunRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run records: %w", err)
	}

	return records, nil
}

// LatestRecord returns the most recent attempt record for a stage across
// all runs, or nil when the stage has never been attempted.
func (s *SQLiteStore) LatestRecord(ctx context.Context, stageID string) (*engine.RunRecord, error) {
	query := `
		SELECT id, run_id, stage_id, attempt, status, started_at, completed_at,
		       output, evidence, tags, env_revision, idempotency_key, error,
		       created_at, updated_at
		FROM run_records
		WHERE stage_id = ?
		ORDER BY attempt DESC
		LIMIT 1
	`

	record, err := scanRecord(s.db.QueryRowContext(ctx, query, stageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest record: %w", err)
	}

	return record, nil
}

// LatestRecords returns the most recent attempt record per stage across
// all runs, keyed by stage ID.
func (s *SQLiteStore) LatestRecords(ctx context.Context) (map[string]*engine.RunRecord, error) {
	query := `
		SELECT id, run_id, stage_id, attempt, status, started_at, completed_at,
		       output, evidence, tags, env_revision, idempotency_key, error,
		       created_at, updated_at
		FROM run_records
		WHERE attempt = (
			SELECT MAX(attempt) FROM run_records history
			WHERE history.stage_id = run_records.stage_id
		)
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest records: %w", err)
	}
	defer rows.Close()

	records := map[string]*engine.RunRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records[record.StageID] = record
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run records: %w", err)
	}

	return records, nil
}

// StageHistory lists attempt records for one stage newest-first, up to
// limit. A limit of zero means no limit.
func (s *SQLiteStore) StageHistory(ctx context.Context, stageID string, limit int) ([]engine.RunRecord, error) {
	query := `
		SELECT id, run_id, stage_id, attempt, status, started_at, completed_at,
		       output, evidence, tags, env_revision, idempotency_key, error,
		       created_at, updated_at
		FROM run_records
		WHERE stage_id = ?
		ORDER BY attempt DESC
		LIMIT ?
	`

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, stageID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage history: %w", err)
	}
	defer rows.Close()

	records := []engine.RunRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run records: %w", err)
	}

	return records, nil
}

// NextAttempt returns the next attempt number for a stage, starting at 1
// for a stage that has never been attempted.
func (s *SQLiteStore) NextAttempt(ctx context.Context, stageID string) (int, error) {
	query := `SELECT COALESCE(MAX(attempt), 0) + 1 FROM run_records WHERE stage_id = ?`

	var attempt int
	if err := s.db.QueryRowContext(ctx, query, stageID).Scan(&attempt); err != nil {
		return 0, fmt.Errorf("failed to get next attempt: %w", err)
	}

	return attempt, nil
}

// SaveSnapshot persists a point-in-time copy of the environment
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *engine.EnvSnapshot) error {
	values, err := json.Marshal(snap.Values)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot values: %w", err)
	}

	query := `
		INSERT INTO env_snapshots (run_id, revision, env_values, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			revision = excluded.revision,
			env_values = excluded.env_values,
			created_at = excluded.created_at
	`

	_, err = s.db.ExecContext(ctx, query,
		snap.RunID,
		snap.Revision,
		string(values),
		snap.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// GetSnapshot retrieves the snapshot taken for a run, or nil when the run
// recorded none.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, runID string) (*engine.EnvSnapshot, error) {
	query := `
		SELECT run_id, revision, env_values, created_at
		FROM env_snapshots
		WHERE run_id = ?
	`

	snap := &engine.EnvSnapshot{}
	var values string
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&snap.RunID,
		&snap.Revision,
		&values,
		&snap.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(values), &snap.Values); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot values: %w", err)
	}

	return snap, nil
}

// SaveSession inserts or updates a diagnostic session
func (s *SQLiteStore) SaveSession(ctx context.Context, session *engine.DiagnosticSession) error {
	var hypotheses, requests, conclusion sql.NullString
	var err error
	if len(session.Hypotheses) > 0 {
		if hypotheses, err = encodeJSON(session.Hypotheses); err != nil {
			return fmt.Errorf("failed to encode session hypotheses: %w", err)
		}
	}
	if len(session.Requests) > 0 {
		if requests, err = encodeJSON(session.Requests); err != nil {
			return fmt.Errorf("failed to encode session requests: %w", err)
		}
	}
	if session.Conclusion != nil {
		if conclusion, err = encodeJSON(session.Conclusion); err != nil {
			return fmt.Errorf("failed to encode session conclusion: %w", err)
		}
	}

	query := `
		INSERT INTO sessions (id, stage_id, record_id, state, hypotheses, requests, conclusion, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			hypotheses = excluded.hypotheses,
			requests = excluded.requests,
			conclusion = excluded.conclusion,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		session.ID,
		session.StageID,
		session.RecordID,
		session.State,
		hypotheses,
		requests,
		conclusion,
		session.OpenedAt,
		session.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// GetSession retrieves a diagnostic session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*engine.DiagnosticSession, error) {
	query := `
		SELECT id, stage_id, record_id, state, hypotheses, requests, conclusion, opened_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, engine.NewDiagnosticError(
			fmt.Sprintf("session not found: %s", sessionID), nil,
		).WithCode(engine.ErrCodeSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// OpenSessionForStage returns the open (non-concluded) session for a
// stage, or nil when none is open.
func (s *SQLiteStore) OpenSessionForStage(ctx context.Context, stageID string) (*engine.DiagnosticSession, error) {
	query := `
		SELECT id, stage_id, record_id, state, hypotheses, requests, conclusion, opened_at, updated_at
		FROM sessions
		WHERE stage_id = ? AND state != ?
		ORDER BY opened_at DESC
		LIMIT 1
	`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, stageID, engine.SessionStateConcluded))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open session: %w", err)
	}

	return session, nil
}

// LatestSession returns the most recently opened session for a stage,
// concluded or not, or nil when the stage was never diagnosed.
func (s *SQLiteStore) LatestSession(ctx context.Context, stageID string) (*engine.DiagnosticSession, error) {
	query := `
		SELECT id, stage_id, record_id, state, hypotheses, requests, conclusion, opened_at, updated_at
		FROM sessions
		WHERE stage_id = ?
		ORDER BY opened_at DESC
		LIMIT 1
	`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, stageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest session: %w", err)
	}

	return session, nil
}

// ListSessions lists diagnostic sessions newest-first. A limit of zero
// means no limit.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]engine.DiagnosticSession, error) {
	query := `
		SELECT id, stage_id, record_id, state, hypotheses, requests, conclusion, opened_at, updated_at
		FROM sessions
		ORDER BY opened_at DESC
		LIMIT ?
	`

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []engine.DiagnosticSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// AppendEvent appends an event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	var data sql.NullString
	var err error
	if len(event.Data) > 0 {
		if data, err = encodeJSON(event.Data); err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
	}

	query := `
		INSERT INTO events (run_id, stage_id, type, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.StageID,
		event.Type,
		event.Message,
		data,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves the event log for a run in append order
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	query := `
		SELECT id, run_id, stage_id, type, message, data, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []engine.Event{}
	for rows.Next() {
		event := engine.Event{}
		var data sql.NullString
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.StageID,
			&event.Type,
			&event.Message,
			&data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := decodeJSON(data, &event.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*engine.Run, error) {
	run := &engine.Run{}
	err := row.Scan(
		&run.ID,
		&run.Pipeline,
		&run.Status,
		&run.DryRun,
		&run.User,
		&run.EnvRevision,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return run, nil
}

func scanRecord(row rowScanner) (*engine.RunRecord, error) {
	record := &engine.RunRecord{}
	var evidence, tags sql.NullString
	err := row.Scan(
		&record.ID,
		&record.RunID,
		&record.StageID,
		&record.Attempt,
		&record.Status,
		&record.StartedAt,
		&record.CompletedAt,
		&record.Output,
		&evidence,
		&tags,
		&record.EnvRevision,
		&record.IdempotencyKey,
		&record.Error,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(evidence, &record.Evidence); err != nil {
		return nil, fmt.Errorf("failed to decode record evidence: %w", err)
	}
	if err := decodeJSON(tags, &record.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode record tags: %w", err)
	}

	return record, nil
}

func scanSession(row rowScanner) (*engine.DiagnosticSession, error) {
	session := &engine.DiagnosticSession{}
	var hypotheses, requests, conclusion sql.NullString
	err := row.Scan(
		&session.ID,
		&session.StageID,
		&session.RecordID,
		&session.State,
		&hypotheses,
		&requests,
		&conclusion,
		&session.OpenedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(hypotheses, &session.Hypotheses); err != nil {
		return nil, fmt.Errorf("failed to decode session hypotheses: %w", err)
	}
	if err := decodeJSON(requests, &session.Requests); err != nil {
		return nil, fmt.Errorf("failed to decode session requests: %w", err)
	}
	if err := decodeJSON(conclusion, &session.Conclusion); err != nil {
		return nil, fmt.Errorf("failed to decode session conclusion: %w", err)
	}

	return session, nil
}

// encodeJSON marshals a value for storage in a TEXT column. Callers gate
// on emptiness so empty collections persist as NULL.
func encodeJSON(v interface{}) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}

	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeJSON unmarshals a TEXT column into out, leaving out at its zero
// value for NULL columns.
func decodeJSON(col sql.NullString, out interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}

	return json.Unmarshal([]byte(col.String), out)
}
