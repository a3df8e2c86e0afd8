package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Postponement row statuses.
const (
	PostponementWaiting   = "waiting"
	PostponementPostponed = "postponed"
	PostponementResolved  = "resolved"
	PostponementCancelled = "cancelled"
)

// PostponedRecord is one persisted ambiguous request awaiting clarification.
type PostponedRecord struct {
	OperationID             string  `db:"operation_id"`
	ChatID                  string  `db:"chat_id"`
	OriginalPrompt          string  `db:"original_prompt"`
	OptionA                 string  `db:"option_a"`
	OptionB                 string  `db:"option_b"`
	Status                  string  `db:"status"`
	ClarificationResponse   *string `db:"clarification_response"`
	RetryEnqueued           int     `db:"retry_enqueued"`
	CreatedAt               int64   `db:"created_at"`
	UpdatedAt               int64   `db:"updated_at"`
	ClarificationDeadlineAt *int64  `db:"clarification_deadline_at"`
	RetryAt                 *int64  `db:"retry_at"`
	CancelAt                *int64  `db:"cancel_at"`
}

// PostponementService persists the clarification lifecycle so timers can be
// rebuilt after a restart. The postponement manager is the only writer.
type PostponementService struct {
	db *sqlx.DB
}

// NewPostponementService creates a new PostponementService.
func NewPostponementService(db *sqlx.DB) *PostponementService {
	if db == nil {
		panic("NewPostponementService: db must not be nil")
	}
	return &PostponementService{db: db}
}

// Insert creates a waiting row for a new clarification request.
func (s *PostponementService) Insert(ctx context.Context, rec PostponedRecord) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO postponed_operation
			(operation_id, chat_id, original_prompt, option_a, option_b, status,
			 retry_enqueued, created_at, updated_at, clarification_deadline_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		rec.OperationID, rec.ChatID, rec.OriginalPrompt, rec.OptionA, rec.OptionB,
		PostponementWaiting, now, now, rec.ClarificationDeadlineAt)
	if err != nil {
		return fmt.Errorf("failed to insert postponed operation %s: %w", rec.OperationID, err)
	}
	return nil
}

// UpdateStatus moves a row to a new lifecycle status.
func (s *PostponementService) UpdateStatus(ctx context.Context, operationID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE postponed_operation SET status = ?, updated_at = ? WHERE operation_id = ?`,
		status, time.Now().Unix(), operationID)
	if err != nil {
		return fmt.Errorf("failed to update postponed operation %s: %w", operationID, err)
	}
	return nil
}

// SetResponse records the user's clarification text and marks the row
// resolved.
func (s *PostponementService) SetResponse(ctx context.Context, operationID, response string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE postponed_operation
		SET status = ?, clarification_response = ?, updated_at = ?
		WHERE operation_id = ?`,
		PostponementResolved, response, time.Now().Unix(), operationID)
	if err != nil {
		return fmt.Errorf("failed to record clarification for %s: %w", operationID, err)
	}
	return nil
}

// MarkPostponed records that the clarification wait expired: the row
// becomes postponed with retry and cancel deadlines.
func (s *PostponementService) MarkPostponed(ctx context.Context, operationID string, retryAt, cancelAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE postponed_operation
		SET status = ?, retry_at = ?, cancel_at = ?, updated_at = ?
		WHERE operation_id = ?`,
		PostponementPostponed, retryAt, cancelAt, time.Now().Unix(), operationID)
	if err != nil {
		return fmt.Errorf("failed to mark %s postponed: %w", operationID, err)
	}
	return nil
}

// SetRetryEnqueued flags that the reminder notification has been enqueued.
func (s *PostponementService) SetRetryEnqueued(ctx context.Context, operationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE postponed_operation SET retry_enqueued = 1, updated_at = ? WHERE operation_id = ?`,
		time.Now().Unix(), operationID)
	if err != nil {
		return fmt.Errorf("failed to flag retry for %s: %w", operationID, err)
	}
	return nil
}

// Delete removes a row once its clarification has been consumed.
func (s *PostponementService) Delete(ctx context.Context, operationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM postponed_operation WHERE operation_id = ?`, operationID)
	if err != nil {
		return fmt.Errorf("failed to delete postponed operation %s: %w", operationID, err)
	}
	return nil
}

// Get returns one row by operation ID, or nil when absent.
func (s *PostponementService) Get(ctx context.Context, operationID string) (*PostponedRecord, error) {
	var rec PostponedRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT * FROM postponed_operation WHERE operation_id = ?", operationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load postponed operation %s: %w", operationID, err)
	}
	return &rec, nil
}

// PruneSettledBefore deletes resolved and cancelled rows older than cutoff.
func (s *PostponementService) PruneSettledBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM postponed_operation
		WHERE status IN (?, ?) AND updated_at < ?`,
		PostponementResolved, PostponementCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune postponed operations: %w", err)
	}
	return res.RowsAffected()
}

// ListActive returns every row still awaiting resolution, oldest first.
// Used by restart recovery to rebuild timers.
func (s *PostponementService) ListActive(ctx context.Context) ([]PostponedRecord, error) {
	var rows []PostponedRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM postponed_operation
		WHERE status IN (?, ?)
		ORDER BY created_at ASC`, PostponementWaiting, PostponementPostponed)
	if err != nil {
		return nil, fmt.Errorf("failed to list active postponed operations: %w", err)
	}
	return rows, nil
}
