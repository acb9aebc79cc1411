package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateRun is returned when an active run already exists for
	// the same pipeline + partition.
	ErrDuplicateRun = errors.New("active run already exists for this partition")
	// ErrInvalidState is returned for operations on a run whose state
	// does not permit them.
	ErrInvalidState = errors.New("run is in an invalid state for this operation")
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// JobRun is one pipeline execution against one partition.
type JobRun struct {
	ID            string     `json:"id"`
	PipelineID    string     `json:"pipeline_id"`
	PartitionKey  string     `json:"partition_key"`
	Status        RunStatus  `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	Deadline      time.Time  `json:"deadline"`
	HeartbeatAt   time.Time  `json:"heartbeat_at"`
	SLABreached   bool       `json:"sla_breached"`
	LastErrorKind string     `json:"last_error_kind,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// DedupKey returns the case identity for this run.
func (r *JobRun) DedupKey() string {
	return r.PipelineID + "/" + r.PartitionKey
}

// FailureOutcome says what happened to a run after a failed attempt.
type FailureOutcome string

const (
	FailureOutcomeRetrying  FailureOutcome = "RETRYING"
	FailureOutcomeExhausted FailureOutcome = "EXHAUSTED"
)

// FailureDecision is the result of recording a failed attempt.
type FailureDecision struct {
	Outcome FailureOutcome
	Attempt int
	Seq     int64
}

const runColumns = `id, pipeline_id, partition_key, status, attempt_count, max_attempts,
	deadline, heartbeat_at, sla_breached, COALESCE(last_error_kind, ''), started_at, ended_at`

func scanRun(row interface{ Scan(...any) error }) (*JobRun, error) {
	var run JobRun
	var breached int
	var ended sql.NullTime
	if err := row.Scan(
		&run.ID, &run.PipelineID, &run.PartitionKey, &run.Status,
		&run.AttemptCount, &run.MaxAttempts, &run.Deadline, &run.HeartbeatAt,
		&breached, &run.LastErrorKind, &run.StartedAt, &ended,
	); err != nil {
		return nil, err
	}
	run.SLABreached = breached != 0
	if ended.Valid {
		t := ended.Time
		run.EndedAt = &t
	}
	return &run, nil
}

// CreateRun starts a run for the given partition. A partition whose run
// is RETRYING is resumed in place (same run, next attempt); any other
// active run yields ErrDuplicateRun. Returns the run and the sequence
// number of its run.started event.
func (s *Store) CreateRun(ctx context.Context, pipelineID, partitionKey string, deadline time.Time, maxAttempts int) (*JobRun, int64, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var run *JobRun
	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		dedupKey := pipelineID + "/" + partitionKey
		existing, err := s.activeRunTx(ctx, tx, pipelineID, partitionKey)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if existing != nil {
			if existing.Status != RunStatusRetrying {
				return ErrDuplicateRun
			}
			// Resume: the external scheduler relaunched a retry.
			if _, err := tx.ExecContext(ctx, `
				UPDATE job_runs
				SET status = ?, deadline = ?, heartbeat_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, RunStatusRunning, deadline, now, existing.ID, RunStatusRetrying); err != nil {
				return fmt.Errorf("resume retrying run: %w", err)
			}
			seq, err = s.appendRunEventTx(ctx, tx, existing.ID, dedupKey, "run.started", RunStatusRetrying, RunStatusRunning, "")
			if err != nil {
				return err
			}
			existing.Status = RunStatusRunning
			existing.Deadline = deadline
			existing.HeartbeatAt = now
			run = existing
			return tx.Commit()
		}

		runID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_runs (
				id, pipeline_id, partition_key, status, attempt_count, max_attempts,
				deadline, heartbeat_at, started_at, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, runID, pipelineID, partitionKey, RunStatusPending, maxAttempts, deadline, now, now); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if _, err := s.appendRunEventTx(ctx, tx, runID, dedupKey, "run.enqueued", "", RunStatusPending, ""); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, RunStatusRunning, runID); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
		seq, err = s.appendRunEventTx(ctx, tx, runID, dedupKey, "run.started", RunStatusPending, RunStatusRunning, "")
		if err != nil {
			return err
		}
		run = &JobRun{
			ID:           runID,
			PipelineID:   pipelineID,
			PartitionKey: partitionKey,
			Status:       RunStatusRunning,
			MaxAttempts:  maxAttempts,
			Deadline:     deadline,
			HeartbeatAt:  now,
			StartedAt:    now,
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, 0, err
	}
	return run, seq, nil
}

func (s *Store) activeRunTx(ctx context.Context, tx *sql.Tx, pipelineID, partitionKey string) (*JobRun, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE pipeline_id = ? AND partition_key = ?
		  AND status IN (?, ?, ?, ?);
	`, pipelineID, partitionKey, RunStatusPending, RunStatusRunning, RunStatusRetrying, RunStatusFailed)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select active run: %w", err)
	}
	return run, nil
}

// Heartbeat refreshes the deadline-missed detection window for a run.
// Terminal runs return ErrInvalidState.
func (s *Store) Heartbeat(ctx context.Context, runID string) error {
	return retryOnBusy(ctx, 5, func() error {
		var status RunStatus
		if err := s.db.QueryRowContext(ctx, `SELECT status FROM job_runs WHERE id = ?;`, runID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select run for heartbeat: %w", err)
		}
		if status.IsTerminal() {
			return ErrInvalidState
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE job_runs SET heartbeat_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, time.Now().UTC(), runID); err != nil {
			return fmt.Errorf("update heartbeat: %w", err)
		}
		return nil
	})
}

// CompleteSuccess transitions a RUNNING run to SUCCEEDED and returns the
// run and the sequence number of the run.succeeded event.
func (s *Store) CompleteSuccess(ctx context.Context, runID string) (*JobRun, int64, error) {
	var run *JobRun
	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		run, err = s.runForUpdateTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if !canTransition(run.Status, RunStatusSucceeded) {
			return fmt.Errorf("%w: %s -> SUCCEEDED", ErrInvalidState, run.Status)
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_runs SET status = ?, ended_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, RunStatusSucceeded, now, runID, run.Status); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		seq, err = s.appendRunEventTx(ctx, tx, runID, run.DedupKey(), "run.succeeded", run.Status, RunStatusSucceeded, "")
		if err != nil {
			return err
		}
		run.Status = RunStatusSucceeded
		run.EndedAt = &now
		return tx.Commit()
	})
	if err != nil {
		return nil, 0, err
	}
	return run, seq, nil
}

// CompleteFailure records a failed attempt: RUNNING -> FAILED, then
// FAILED -> RETRYING while attempts remain, FAILED -> EXHAUSTED
// otherwise. The returned decision carries the sequence number of the
// final transition event.
func (s *Store) CompleteFailure(ctx context.Context, runID, errorKind string) (FailureDecision, *JobRun, error) {
	var decision FailureDecision
	var run *JobRun
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		run, err = s.runForUpdateTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if !canTransition(run.Status, RunStatusFailed) {
			return fmt.Errorf("%w: %s -> FAILED", ErrInvalidState, run.Status)
		}

		attempt := run.AttemptCount + 1
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_runs
			SET status = ?, attempt_count = ?, last_error_kind = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, RunStatusFailed, attempt, errorKind, runID, run.Status); err != nil {
			return fmt.Errorf("fail run: %w", err)
		}
		if _, err := s.appendRunEventTx(ctx, tx, runID, run.DedupKey(), "run.failed", run.Status, RunStatusFailed, fmt.Sprintf(`{"error_kind":%q,"attempt":%d}`, errorKind, attempt)); err != nil {
			return err
		}

		next := RunStatusRetrying
		eventType := "run.retrying"
		outcome := FailureOutcomeRetrying
		if attempt >= run.MaxAttempts {
			next = RunStatusExhausted
			eventType = "run.exhausted"
			outcome = FailureOutcomeExhausted
		}
		endedSQL := ""
		if next == RunStatusExhausted {
			endedSQL = ", ended_at = CURRENT_TIMESTAMP"
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_runs SET status = ?, updated_at = CURRENT_TIMESTAMP`+endedSQL+`
			WHERE id = ?;
		`, next, runID); err != nil {
			return fmt.Errorf("settle failed run: %w", err)
		}
		seq, err := s.appendRunEventTx(ctx, tx, runID, run.DedupKey(), eventType, RunStatusFailed, next, "")
		if err != nil {
			return err
		}
		run.Status = next
		run.AttemptCount = attempt
		run.LastErrorKind = errorKind
		decision = FailureDecision{Outcome: outcome, Attempt: attempt, Seq: seq}
		return tx.Commit()
	})
	if err != nil {
		return FailureDecision{}, nil, err
	}
	return decision, run, nil
}

func (s *Store) runForUpdateTx(ctx context.Context, tx *sql.Tx, runID string) (*JobRun, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id = ?;`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	return run, nil
}

// MarkSLABreached sets the breach flag on a RUNNING run. Returns false
// if the run was not running or already breached. The primary state is
// untouched; the appended event records RUNNING -> RUNNING.
func (s *Store) MarkSLABreached(ctx context.Context, runID string) (bool, int64, error) {
	var marked bool
	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin breach tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		run, err := s.runForUpdateTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Status != RunStatusRunning || run.SLABreached {
			marked = false
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_runs SET sla_breached = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, runID); err != nil {
			return fmt.Errorf("mark breach: %w", err)
		}
		seq, err = s.appendRunEventTx(ctx, tx, runID, run.DedupKey(), "run.sla_breached", RunStatusRunning, RunStatusRunning, "")
		if err != nil {
			return err
		}
		marked = true
		return tx.Commit()
	})
	if err != nil {
		return false, 0, err
	}
	return marked, seq, nil
}

// GetRun fetches one run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*JobRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id = ?;`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	return run, nil
}

// ActiveRuns returns all non-terminal runs, for restart recovery and the
// deadline monitor.
func (s *Store) ActiveRuns(ctx context.Context) ([]*JobRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE status IN (?, ?, ?)
		ORDER BY started_at;
	`, RunStatusPending, RunStatusRunning, RunStatusRetrying)
	if err != nil {
		return nil, fmt.Errorf("select active runs: %w", err)
	}
	defer rows.Close()

	var out []*JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// RunsByPipeline returns the most recent runs for one pipeline, newest
// first.
func (s *Store) RunsByPipeline(ctx context.Context, pipelineID string, limit int) ([]*JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE pipeline_id = ?
		ORDER BY started_at DESC
		LIMIT ?;
	`, pipelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("select runs by pipeline: %w", err)
	}
	defer rows.Close()

	var out []*JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// RunCounts returns how many runs are in each status.
func (s *Store) RunCounts(ctx context.Context) (map[RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM job_runs GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	out := make(map[RunStatus]int)
	for rows.Next() {
		var status RunStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
