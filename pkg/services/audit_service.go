// Package services implements the persistence stores over the shared SQLite
// connection: the immutable audit trail, the notification outbox, and the
// postponement lifecycle rows.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Operation statuses recorded on execution_log rows.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusPostponed  = "postponed"
	StatusCancelled  = "cancelled"
	StatusTimeout    = "timeout"
)

// ExecutionRecord is one row of the audit trail.
type ExecutionRecord struct {
	OperationID  string  `db:"operation_id"`
	Timestamp    int64   `db:"timestamp"`
	Capability   string  `db:"capability"`
	Action       string  `db:"action"`
	ChatID       string  `db:"chat_id"`
	Tier         int     `db:"tier"`
	Status       string  `db:"status"`
	FilePaths    *string `db:"file_paths"`
	SnapshotRef  *string `db:"snapshot_ref"`
	DurationMs   *int64  `db:"duration_ms"`
	ErrorDetails *string `db:"error_details"`
	Details      *string `db:"details"`
}

// AuditService writes and reads execution_log rows. The broker is the only
// writer; the observability collector reads.
type AuditService struct {
	db *sqlx.DB
}

// NewAuditService creates a new AuditService.
func NewAuditService(db *sqlx.DB) *AuditService {
	if db == nil {
		panic("NewAuditService: db must not be nil")
	}
	return &AuditService{db: db}
}

// LogOperationStart inserts the in_progress row for a newly admitted
// operation. filePaths may be nil.
func (s *AuditService) LogOperationStart(ctx context.Context, operationID, capability, action, chatID string, tier int, filePaths []string) error {
	var pathsJSON *string
	if len(filePaths) > 0 {
		encoded, err := json.Marshal(filePaths)
		if err != nil {
			return fmt.Errorf("failed to encode file paths: %w", err)
		}
		str := string(encoded)
		pathsJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_log (operation_id, timestamp, capability, action, chat_id, tier, status, file_paths)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		operationID, time.Now().Unix(), capability, action, chatID, tier, StatusInProgress, pathsJSON)
	if err != nil {
		return fmt.Errorf("failed to log operation start: %w", err)
	}
	return nil
}

// LogOperationEnd transitions the row to its terminal status. Exactly one
// terminal update happens per operation.
func (s *AuditService) LogOperationEnd(ctx context.Context, operationID, status string, snapshotRef *string, durationMs int64, errorDetails *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_log
		SET status = ?, snapshot_ref = ?, duration_ms = ?, error_details = ?
		WHERE operation_id = ?`,
		status, snapshotRef, durationMs, errorDetails, operationID)
	if err != nil {
		return fmt.Errorf("failed to log operation end: %w", err)
	}
	return nil
}

// Get returns one execution row by operation ID.
func (s *AuditService) Get(ctx context.Context, operationID string) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT * FROM execution_log WHERE operation_id = ?", operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution row %s: %w", operationID, err)
	}
	return &rec, nil
}

// InProgress returns up to limit in_progress rows, newest first.
func (s *AuditService) InProgress(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	var rows []ExecutionRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM execution_log
		WHERE status = ?
		ORDER BY timestamp DESC LIMIT ?`, StatusInProgress, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load in-progress operations: %w", err)
	}
	return rows, nil
}

// RecentTerminal returns up to limit rows with a terminal status, newest
// first.
func (s *AuditService) RecentTerminal(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	var rows []ExecutionRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM execution_log
		WHERE status != ?
		ORDER BY timestamp DESC LIMIT ?`, StatusInProgress, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent operations: %w", err)
	}
	return rows, nil
}

// StatusHistogram groups the most recent lastN terminal rows by status.
func (s *AuditService) StatusHistogram(ctx context.Context, lastN int) (map[string]int, error) {
	rows, err := s.RecentTerminal(ctx, lastN)
	if err != nil {
		return nil, err
	}
	hist := make(map[string]int)
	for _, row := range rows {
		hist[row.Status]++
	}
	return hist, nil
}

// PruneTerminalBefore deletes terminal rows older than cutoff. In-progress
// rows are never pruned.
func (s *AuditService) PruneTerminalBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM execution_log
		WHERE status != ? AND timestamp < ?`, StatusInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune execution log: %w", err)
	}
	return res.RowsAffected()
}

// LatestTimestamp returns the timestamp of the newest execution row, or 0
// when the log is empty.
func (s *AuditService) LatestTimestamp(ctx context.Context) (int64, error) {
	var ts *int64
	if err := s.db.GetContext(ctx, &ts, "SELECT MAX(timestamp) FROM execution_log"); err != nil {
		return 0, fmt.Errorf("failed to query latest operation timestamp: %w", err)
	}
	if ts == nil {
		return 0, nil
	}
	return *ts, nil
}
