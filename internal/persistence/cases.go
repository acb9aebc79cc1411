package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EscalationCase tracks one escalation through its notification tiers.
// At most one open case exists per dedup_key, enforced by a partial
// unique index.
type EscalationCase struct {
	ID               string     `json:"id"`
	DedupKey         string     `json:"dedup_key"`
	PipelineID       string     `json:"pipeline_id"`
	PartitionKey     string     `json:"partition_key"`
	Tier             int        `json:"tier"`
	TriggerKind      string     `json:"trigger_kind"`
	TriggerSeq       int64      `json:"trigger_seq"`
	LastTriggerSeq   int64      `json:"last_trigger_seq"`
	Resolved         bool       `json:"resolved"`
	OpenedAt         time.Time  `json:"opened_at"`
	LastTierChangeAt time.Time  `json:"last_tier_change_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

const caseColumns = `id, dedup_key, pipeline_id, partition_key, tier, trigger_kind,
	trigger_seq, last_trigger_seq, resolved, opened_at, last_tier_change_at, resolved_at`

func scanCase(row interface{ Scan(...any) error }) (*EscalationCase, error) {
	var c EscalationCase
	var resolved int
	var resolvedAt sql.NullTime
	if err := row.Scan(
		&c.ID, &c.DedupKey, &c.PipelineID, &c.PartitionKey, &c.Tier,
		&c.TriggerKind, &c.TriggerSeq, &c.LastTriggerSeq, &resolved,
		&c.OpenedAt, &c.LastTierChangeAt, &resolvedAt,
	); err != nil {
		return nil, err
	}
	c.Resolved = resolved != 0
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

// OpenOrTouchCase opens a tier-1 case for the dedup_key, or, when one is
// already open, records the newer trigger on it without creating a
// duplicate. Returns the case and whether it was newly opened.
func (s *Store) OpenOrTouchCase(ctx context.Context, dedupKey, pipelineID, partitionKey, triggerKind string, triggerSeq int64) (*EscalationCase, bool, error) {
	var out *EscalationCase
	var opened bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin open case tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+caseColumns+` FROM escalation_cases WHERE dedup_key = ? AND resolved = 0;
		`, dedupKey)
		existing, err := scanCase(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select open case: %w", err)
		}
		if existing != nil {
			if triggerSeq > existing.LastTriggerSeq {
				if _, err := tx.ExecContext(ctx, `
					UPDATE escalation_cases SET last_trigger_seq = ? WHERE id = ?;
				`, triggerSeq, existing.ID); err != nil {
					return fmt.Errorf("touch case: %w", err)
				}
				existing.LastTriggerSeq = triggerSeq
			}
			out, opened = existing, false
			return tx.Commit()
		}

		now := time.Now().UTC()
		c := &EscalationCase{
			ID:               uuid.NewString(),
			DedupKey:         dedupKey,
			PipelineID:       pipelineID,
			PartitionKey:     partitionKey,
			Tier:             1,
			TriggerKind:      triggerKind,
			TriggerSeq:       triggerSeq,
			LastTriggerSeq:   triggerSeq,
			OpenedAt:         now,
			LastTierChangeAt: now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escalation_cases (
				id, dedup_key, pipeline_id, partition_key, tier, trigger_kind,
				trigger_seq, last_trigger_seq, resolved, opened_at, last_tier_change_at
			)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?, 0, ?, ?);
		`, c.ID, c.DedupKey, c.PipelineID, c.PartitionKey, c.TriggerKind, c.TriggerSeq, c.LastTriggerSeq, c.OpenedAt, c.LastTierChangeAt); err != nil {
			return fmt.Errorf("insert case: %w", err)
		}
		out, opened = c, true
		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	return out, opened, nil
}

// AdvanceCaseTier moves an open case one tier up, capped at maxTier.
// Returns the case and whether the tier changed.
func (s *Store) AdvanceCaseTier(ctx context.Context, caseID string, maxTier int) (*EscalationCase, bool, error) {
	return s.raiseTier(ctx, caseID, maxTier, false)
}

// EscalateToMaxTier jumps an open case straight to maxTier, bypassing
// per-tier delays. Used when a notification could not be delivered.
func (s *Store) EscalateToMaxTier(ctx context.Context, caseID string, maxTier int) (*EscalationCase, bool, error) {
	return s.raiseTier(ctx, caseID, maxTier, true)
}

func (s *Store) raiseTier(ctx context.Context, caseID string, maxTier int, jump bool) (*EscalationCase, bool, error) {
	var out *EscalationCase
	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tier tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM escalation_cases WHERE id = ?;`, caseID)
		c, err := scanCase(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select case: %w", err)
		}
		if c.Resolved || c.Tier >= maxTier {
			out, changed = c, false
			return tx.Commit()
		}
		next := c.Tier + 1
		if jump {
			next = maxTier
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE escalation_cases SET tier = ?, last_tier_change_at = ?
			WHERE id = ? AND resolved = 0 AND tier = ?;
		`, next, now, caseID, c.Tier); err != nil {
			return fmt.Errorf("advance tier: %w", err)
		}
		c.Tier = next
		c.LastTierChangeAt = now
		out, changed = c, true
		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// ResolveCase resolves an open case, but only when the resolving event's
// sequence number is newer than every trigger recorded on the case. A
// stale success arriving after a newer failure must not resolve it.
func (s *Store) ResolveCase(ctx context.Context, caseID string, resolveSeq int64) (bool, error) {
	var resolved bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE escalation_cases
			SET resolved = 1, resolved_at = ?
			WHERE id = ? AND resolved = 0 AND last_trigger_seq < ?;
		`, time.Now().UTC(), caseID, resolveSeq)
		if err != nil {
			return fmt.Errorf("resolve case: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve rows affected: %w", err)
		}
		resolved = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return resolved, nil
}

// GetCase fetches one case by ID.
func (s *Store) GetCase(ctx context.Context, caseID string) (*EscalationCase, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM escalation_cases WHERE id = ?;`, caseID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select case: %w", err)
	}
	return c, nil
}

// OpenCaseByKey fetches the open case for a dedup_key, or nil.
func (s *Store) OpenCaseByKey(ctx context.Context, dedupKey string) (*EscalationCase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM escalation_cases WHERE dedup_key = ? AND resolved = 0;
	`, dedupKey)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select open case by key: %w", err)
	}
	return c, nil
}

// OpenCases returns every unresolved case, oldest first. This is the
// restart surface: pending timers are rebuilt from last_tier_change_at.
func (s *Store) OpenCases(ctx context.Context) ([]*EscalationCase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+caseColumns+` FROM escalation_cases WHERE resolved = 0 ORDER BY opened_at;
	`)
	if err != nil {
		return nil, fmt.Errorf("select open cases: %w", err)
	}
	defer rows.Close()

	var out []*EscalationCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
