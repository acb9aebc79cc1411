package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CheckStatus is the outcome of one reconciliation check.
type CheckStatus string

const (
	CheckVerified     CheckStatus = "VERIFIED"
	CheckDiscrepancy  CheckStatus = "DISCREPANCY"
	CheckInconclusive CheckStatus = "INCONCLUSIVE"
)

// ReconciliationCheck is one immutable check result for one metric of
// one run.
type ReconciliationCheck struct {
	ID            string      `json:"id"`
	RunID         string      `json:"run_id"`
	Metric        string      `json:"metric"`
	SourceValue   *float64    `json:"source_value,omitempty"`
	TargetValue   *float64    `json:"target_value,omitempty"`
	Tolerance     float64     `json:"tolerance"`
	ToleranceMode string      `json:"tolerance_mode"`
	Status        CheckStatus `json:"status"`
	Delta         float64     `json:"delta"`
	DetailJSON    string      `json:"detail_json,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// InsertCheck records a check result. Rows are never updated.
func (s *Store) InsertCheck(ctx context.Context, check *ReconciliationCheck) error {
	if check.ID == "" {
		check.ID = uuid.NewString()
	}
	detail := check.DetailJSON
	if detail == "" {
		detail = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reconciliation_checks (
				id, run_id, metric, source_value, target_value, tolerance,
				tolerance_mode, status, delta, detail_json, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, check.ID, check.RunID, check.Metric, check.SourceValue, check.TargetValue,
			check.Tolerance, check.ToleranceMode, check.Status, check.Delta, detail)
		if err != nil {
			return fmt.Errorf("insert check: %w", err)
		}
		return nil
	})
}

// ChecksByRun returns all check results for one run.
func (s *Store) ChecksByRun(ctx context.Context, runID string) ([]*ReconciliationCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, metric, source_value, target_value, tolerance,
			tolerance_mode, status, delta, detail_json, created_at
		FROM reconciliation_checks
		WHERE run_id = ?
		ORDER BY created_at, metric;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("select checks: %w", err)
	}
	defer rows.Close()

	var out []*ReconciliationCheck
	for rows.Next() {
		var c ReconciliationCheck
		var src, tgt sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.RunID, &c.Metric, &src, &tgt, &c.Tolerance,
			&c.ToleranceMode, &c.Status, &c.Delta, &c.DetailJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		if src.Valid {
			v := src.Float64
			c.SourceValue = &v
		}
		if tgt.Valid {
			v := tgt.Float64
			c.TargetValue = &v
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Watermark returns the stored watermark for a (pipeline, partition,
// metric), or the zero time when none has been recorded.
func (s *Store) Watermark(ctx context.Context, pipelineID, partitionKey, metric string) (time.Time, error) {
	var wm time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT watermark FROM reconciliation_watermarks
		WHERE pipeline_id = ? AND partition_key = ? AND metric = ?;
	`, pipelineID, partitionKey, metric).Scan(&wm)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("select watermark: %w", err)
	}
	return wm, nil
}

// SetWatermark records the watermark observed by a successful check, so
// unchanged partitions are skipped next time.
func (s *Store) SetWatermark(ctx context.Context, pipelineID, partitionKey, metric string, watermark time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reconciliation_watermarks (pipeline_id, partition_key, metric, watermark, checked_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (pipeline_id, partition_key, metric)
			DO UPDATE SET watermark = excluded.watermark, checked_at = excluded.checked_at;
		`, pipelineID, partitionKey, metric, watermark.UTC(), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("upsert watermark: %w", err)
		}
		return nil
	})
}
