package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"
)

// DeliveryStatus is the state of one notification record.
type DeliveryStatus string

const (
	DeliveryPending           DeliveryStatus = "PENDING"
	DeliveryDelivered         DeliveryStatus = "DELIVERED"
	DeliveryPermanentlyFailed DeliveryStatus = "PERMANENTLY_FAILED"
)

// NotificationRecord is the idempotence ledger for tier-change
// notifications: one row per (channel, dedup_id), where dedup_id is
// derived from the case and tier. Re-delivery attempts update the
// existing row, never create a second one.
type NotificationRecord struct {
	ID        int64          `json:"id"`
	DedupID   string         `json:"dedup_id"`
	CaseID    string         `json:"case_id"`
	Tier      int            `json:"tier"`
	Channel   string         `json:"channel"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	SentAt    *time.Time     `json:"sent_at,omitempty"`
}

// NotificationDedupID derives the stable dedup identity for a (case,
// tier) pair.
func NotificationDedupID(caseID string, tier int) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(caseID))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(strconv.Itoa(tier)))
	return strconv.FormatUint(h.Sum64(), 16)
}

// ClaimNotification looks up the record for (channel, dedup_id) and, if
// absent, creates it in PENDING. Returns the record and whether delivery
// should proceed: an already-DELIVERED record means replay, no-op.
func (s *Store) ClaimNotification(ctx context.Context, caseID string, tier int, channel string) (*NotificationRecord, bool, error) {
	dedupID := NotificationDedupID(caseID, tier)
	var rec *NotificationRecord
	var proceed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim notification tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, dedup_id, case_id, tier, channel, status, attempts, COALESCE(last_error, ''), sent_at
			FROM notification_records
			WHERE channel = ? AND dedup_id = ?;
		`, channel, dedupID)
		existing, err := scanNotification(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select notification: %w", err)
		}
		if existing != nil {
			rec = existing
			proceed = existing.Status != DeliveryDelivered
			return tx.Commit()
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO notification_records (dedup_id, case_id, tier, channel, status, attempts)
			VALUES (?, ?, ?, ?, ?, 0);
		`, dedupID, caseID, tier, channel, DeliveryPending)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("notification id: %w", err)
		}
		rec = &NotificationRecord{
			ID:      id,
			DedupID: dedupID,
			CaseID:  caseID,
			Tier:    tier,
			Channel: channel,
			Status:  DeliveryPending,
		}
		proceed = true
		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	return rec, proceed, nil
}

func scanNotification(row interface{ Scan(...any) error }) (*NotificationRecord, error) {
	var rec NotificationRecord
	var sentAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.DedupID, &rec.CaseID, &rec.Tier, &rec.Channel, &rec.Status, &rec.Attempts, &rec.LastError, &sentAt); err != nil {
		return nil, err
	}
	if sentAt.Valid {
		t := sentAt.Time
		rec.SentAt = &t
	}
	return &rec, nil
}

// MarkNotificationDelivered finalizes a record as DELIVERED. A record
// already DELIVERED stays untouched, so replays cannot produce a second
// successful delivery for the same (case, tier).
func (s *Store) MarkNotificationDelivered(ctx context.Context, id int64, attempts int) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE notification_records
			SET status = ?, attempts = ?, sent_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status != ?;
		`, DeliveryDelivered, attempts, time.Now().UTC(), id, DeliveryDelivered)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		return nil
	})
}

// MarkNotificationFailed finalizes a record as PERMANENTLY_FAILED.
func (s *Store) MarkNotificationFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE notification_records
			SET status = ?, attempts = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status != ?;
		`, DeliveryPermanentlyFailed, attempts, lastError, id, DeliveryDelivered)
		if err != nil {
			return fmt.Errorf("mark permanently failed: %w", err)
		}
		return nil
	})
}

// NotificationsByCase returns all records for one case, for diagnostics.
func (s *Store) NotificationsByCase(ctx context.Context, caseID string) ([]*NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dedup_id, case_id, tier, channel, status, attempts, COALESCE(last_error, ''), sent_at
		FROM notification_records
		WHERE case_id = ?
		ORDER BY tier, channel;
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	var out []*NotificationRecord
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
