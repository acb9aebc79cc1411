// Package persistence is the durable state surface of the engine: job
// runs, run events, reconciliation checks, escalation cases, and
// notification records, backed by a single-connection SQLite database.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "ph-v1-2026-08-pipeline-health"
)

// RunStatus is the primary state of a job run. SLA breach is a flag on
// the run, never a state: a breached run can still succeed.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusRetrying  RunStatus = "RETRYING"
	RunStatusExhausted RunStatus = "EXHAUSTED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusExhausted
}

var allowedTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunStatusPending: {
		RunStatusRunning: {},
	},
	RunStatusRunning: {
		RunStatusSucceeded: {},
		RunStatusFailed:    {},
	},
	RunStatusFailed: {
		RunStatusRetrying:  {},
		RunStatusExhausted: {},
	},
	RunStatusRetrying: {
		RunStatusRunning: {},
	},
}

func canTransition(from, to RunStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Store wraps the SQLite database. All methods are safe for concurrent
// use; the single connection serializes writes, which gives dedup_id
// lookups read-after-write consistency.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database location under the user's
// home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pipehealth", "pipehealth.db")
}

// Open opens (and if needed creates) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with
// exponential backoff and bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS job_runs (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			deadline DATETIME,
			heartbeat_at DATETIME,
			sla_breached INTEGER NOT NULL DEFAULT 0,
			last_error_kind TEXT,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS run_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES job_runs(id),
			dedup_key TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS reconciliation_checks (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES job_runs(id),
			metric TEXT NOT NULL,
			source_value REAL,
			target_value REAL,
			tolerance REAL NOT NULL,
			tolerance_mode TEXT NOT NULL,
			status TEXT NOT NULL,
			delta REAL NOT NULL DEFAULT 0,
			detail_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS reconciliation_watermarks (
			pipeline_id TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			metric TEXT NOT NULL,
			watermark DATETIME NOT NULL,
			checked_at DATETIME NOT NULL,
			PRIMARY KEY (pipeline_id, partition_key, metric)
		);`,
		`CREATE TABLE IF NOT EXISTS escalation_cases (
			id TEXT PRIMARY KEY,
			dedup_key TEXT NOT NULL,
			pipeline_id TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			tier INTEGER NOT NULL,
			trigger_kind TEXT NOT NULL,
			trigger_seq INTEGER NOT NULL,
			last_trigger_seq INTEGER NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			opened_at DATETIME NOT NULL,
			last_tier_change_at DATETIME NOT NULL,
			resolved_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS notification_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dedup_id TEXT NOT NULL,
			case_id TEXT NOT NULL REFERENCES escalation_cases(id),
			tier INTEGER NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			sent_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_job_runs_active_key
			ON job_runs (pipeline_id, partition_key) WHERE status IN ('PENDING', 'RUNNING', 'RETRYING', 'FAILED');`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_dedup ON run_events (dedup_key, seq);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_cases_open_key
			ON escalation_cases (dedup_key) WHERE resolved = 0;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedup
			ON notification_records (channel, dedup_id);`,
		`CREATE INDEX IF NOT EXISTS idx_checks_run ON reconciliation_checks (run_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range indexes {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// appendRunEventTx records a run transition event and returns its
// sequence number. The AUTOINCREMENT seq is globally monotonic, so it is
// monotonic per dedup_key as well.
func (s *Store) appendRunEventTx(ctx context.Context, tx *sql.Tx, runID, dedupKey, eventType string, from, to RunStatus, payload string) (int64, error) {
	if payload == "" {
		payload = "{}"
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, dedup_key, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, runID, dedupKey, eventType, string(from), string(to), payload)
	if err != nil {
		return 0, fmt.Errorf("insert run_event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run_event seq: %w", err)
	}
	return seq, nil
}
