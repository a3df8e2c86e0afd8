package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Outbox row statuses.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is one durable notification owed to a chat. created_at doubles
// as the earliest-eligible-attempt time after a retry is scheduled.
type OutboxEntry struct {
	ID           int64   `db:"id"`
	OperationID  string  `db:"operation_id"`
	ChatID       string  `db:"chat_id"`
	Status       string  `db:"status"`
	MessageText  string  `db:"message_text"`
	CreatedAt    int64   `db:"created_at"`
	SentAt       *int64  `db:"sent_at"`
	RetryCount   int     `db:"retry_count"`
	ErrorDetails *string `db:"error_details"`
}

// OutboxService manages notification_outbox rows and the per-chat
// notifications toggle. The worker is the only component that moves rows
// out of pending.
type OutboxService struct {
	db *sqlx.DB
}

// NewOutboxService creates a new OutboxService.
func NewOutboxService(db *sqlx.DB) *OutboxService {
	if db == nil {
		panic("NewOutboxService: db must not be nil")
	}
	return &OutboxService{db: db}
}

// Enqueue inserts a pending row eligible for immediate delivery.
func (s *OutboxService) Enqueue(ctx context.Context, operationID, chatID, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_outbox (operation_id, chat_id, status, message_text, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, 0)`,
		operationID, chatID, OutboxPending, text, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// GetPending returns the oldest rows that are due now, up to limit.
func (s *OutboxService) GetPending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	var rows []OutboxEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM notification_outbox
		WHERE status = ? AND created_at <= ?
		ORDER BY created_at ASC LIMIT ?`,
		OutboxPending, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending notifications: %w", err)
	}
	return rows, nil
}

// MarkSent transitions a row to sent and clears any stored error.
func (s *OutboxService) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = ?, sent_at = ?, error_details = NULL
		WHERE id = ?`, OutboxSent, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification %d sent: %w", id, err)
	}
	return nil
}

// MarkFailed transitions a row to failed, increments its retry count, and
// returns the new count so the worker can decide whether to retry.
func (s *OutboxService) MarkFailed(ctx context.Context, id int64, errDetails string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = ?, retry_count = retry_count + 1, error_details = ?
		WHERE id = ?`, OutboxFailed, errDetails, id)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notification %d failed: %w", id, err)
	}
	var count int
	if err := s.db.GetContext(ctx, &count,
		"SELECT retry_count FROM notification_outbox WHERE id = ?", id); err != nil {
		return 0, fmt.Errorf("failed to read retry count for notification %d: %w", id, err)
	}
	return count, nil
}

// ScheduleRetry returns a failed row to pending with created_at pushed
// delaySeconds into the future.
func (s *OutboxService) ScheduleRetry(ctx context.Context, id int64, delaySeconds int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = ?, created_at = ?
		WHERE id = ?`, OutboxPending, time.Now().Unix()+int64(delaySeconds), id)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for notification %d: %w", id, err)
	}
	return nil
}

// NotificationsEnabled reports the per-chat toggle, defaulting to true when
// no row exists.
func (s *OutboxService) NotificationsEnabled(ctx context.Context, chatID string) (bool, error) {
	var value *string
	err := s.db.GetContext(ctx, &value,
		"SELECT value FROM config WHERE key = ?", chatToggleKey(chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("failed to read notifications toggle for chat %s: %w", chatID, err)
	}
	return value == nil || *value != "false", nil
}

// SetNotificationsEnabled writes the per-chat toggle.
func (s *OutboxService) SetNotificationsEnabled(ctx context.Context, chatID string, enabled bool) error {
	value := "true"
	if !enabled {
		value = "false"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at, updated_by, tier)
		VALUES (?, ?, ?, 'chat', 'dynamic')
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by`,
		chatToggleKey(chatID), value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set notifications toggle for chat %s: %w", chatID, err)
	}
	return nil
}

func chatToggleKey(chatID string) string {
	return "notifications." + chatID + ".enabled"
}

// PruneSettledBefore deletes sent and failed rows older than cutoff.
// Pending rows always survive.
func (s *OutboxService) PruneSettledBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_outbox
		WHERE status != ? AND created_at < ?`, OutboxPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	return res.RowsAffected()
}

// PendingStats summarizes the pending backlog for the status snapshot.
type PendingStats struct {
	Count           int
	OldestCreatedAt int64 // 0 when no pending rows
	LastCreatedAt   int64 // MAX(created_at) across all rows, attempt proxy
}

// Stats returns the pending backlog summary.
func (s *OutboxService) Stats(ctx context.Context) (PendingStats, error) {
	var stats PendingStats
	row := struct {
		Count  int    `db:"count"`
		Oldest *int64 `db:"oldest"`
	}{}
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS count, MIN(created_at) AS oldest
		FROM notification_outbox WHERE status = ?`, OutboxPending)
	if err != nil {
		return stats, fmt.Errorf("failed to query outbox stats: %w", err)
	}
	stats.Count = row.Count
	if row.Oldest != nil {
		stats.OldestCreatedAt = *row.Oldest
	}

	var last *int64
	if err := s.db.GetContext(ctx, &last,
		"SELECT MAX(created_at) FROM notification_outbox"); err != nil {
		return stats, fmt.Errorf("failed to query last outbox attempt: %w", err)
	}
	if last != nil {
		stats.LastCreatedAt = *last
	}
	return stats, nil
}

// LagSeconds returns the age of the oldest pending row, or 0 when the
// backlog is empty.
func (s *OutboxService) LagSeconds(ctx context.Context) (int64, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return 0, err
	}
	if stats.Count == 0 || stats.OldestCreatedAt == 0 {
		return 0, nil
	}
	lag := time.Now().Unix() - stats.OldestCreatedAt
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}
