// Package history persists cron run outcomes in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pulsehq/pulse/internal/cron"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const (
	schemaVersion      = 1
	defaultBusyTimeout = 5000 // ms

	// DefaultKeepPerJob caps retained runs per job; older rows are pruned on
	// insert.
	DefaultKeepPerJob = 200
)

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id      TEXT    NOT NULL,
		job_name    TEXT    NOT NULL DEFAULT '',
		status      TEXT    NOT NULL,
		started_at  INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error       TEXT    NOT NULL DEFAULT '',
		summary     TEXT    NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job_id, started_at DESC)`,
}

// Store records run outcomes and serves the runs query. Implements
// cron.RunRecorder.
type Store struct {
	db   *sql.DB
	keep int
}

// Open opens (or creates) the history database at path.
//
// The database is created with WAL mode, a 5 s busy timeout, and a single
// connection (SQLite serialises writes). The schema is migrated automatically.
// The caller closes the store when done.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("history: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	ctx := context.TODO()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: enable WAL: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set busy_timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, keep: DefaultKeepPerJob}, nil
}

// migrate creates or updates the database schema to the latest version.
// All DDL uses IF NOT EXISTS, making migration idempotent.
func migrate(db *sql.DB) error {
	ctx := context.TODO()

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("history: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("history: read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("history: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("history: record schema version: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends a run outcome and prunes the job's history past the retention
// cap.
func (s *Store) Record(ctx context.Context, rec cron.RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin record tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (job_id, job_name, status, started_at, duration_ms, error, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.JobName, rec.Status, rec.StartedAtMs, rec.DurationMs, rec.Error, rec.Summary,
	)
	if err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM runs
		WHERE job_id = ? AND id NOT IN (
			SELECT id FROM runs WHERE job_id = ? ORDER BY started_at DESC, id DESC LIMIT ?
		)`,
		rec.JobID, rec.JobID, s.keep,
	)
	if err != nil {
		return fmt.Errorf("history: prune runs: %w", err)
	}

	return tx.Commit()
}

// Runs returns up to limit runs for a job, newest first.
func (s *Store) Runs(ctx context.Context, jobID string, limit int) ([]cron.RunRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, job_name, status, started_at, duration_ms, error, summary
		FROM runs
		WHERE job_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []cron.RunRecord
	for rows.Next() {
		var rec cron.RunRecord
		err := rows.Scan(&rec.JobID, &rec.JobName, &rec.Status, &rec.StartedAtMs, &rec.DurationMs, &rec.Error, &rec.Summary)
		if err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: query runs rows: %w", err)
	}

	return recs, nil
}
