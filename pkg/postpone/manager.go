// Package postpone tracks ambiguous user requests that are blocked on a
// clarification. A request waits for an answer, then is postponed with a
// reminder, and finally cancelled if the user never responds. State is
// persisted so timers survive a restart.
package postpone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MirkoSon/SohnBot/pkg/config"
	"github.com/MirkoSon/SohnBot/pkg/services"
)

// Pending is one in-memory clarification request. Response is set by
// Resolve and read after ConsumeResolved.
type Pending struct {
	OperationID string
	ChatID      string
	Prompt      string
	OptionA     string
	OptionB     string

	response   string
	resolvedCh chan struct{}

	retryTimer  *time.Timer
	cancelTimer *time.Timer
}

// Response returns the clarification text set by Resolve.
func (p *Pending) Response() string { return p.response }

// ClarifiedPrompt composes the follow-up prompt from the original request
// and the user's answer.
func (p *Pending) ClarifiedPrompt() string {
	return p.Prompt + "\n\nClarification provided by user: " + p.response
}

// Manager owns at most one pending clarification per chat, with two timers
// per postponed request. The store and outbox may be nil; persistence then
// degrades to in-memory-only with a log line.
type Manager struct {
	cfg    *config.Manager
	store  *services.PostponementService
	outbox *services.OutboxService

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewManager creates a manager. store and outbox are optional.
func NewManager(cfg *config.Manager, store *services.PostponementService, outbox *services.OutboxService) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		outbox:  outbox,
		pending: make(map[string]*Pending),
	}
}

// AddPending registers a new waiting clarification for the chat. A chat can
// hold only one active request at a time.
func (m *Manager) AddPending(ctx context.Context, operationID, chatID, prompt, optionA, optionB string) (*Pending, error) {
	p := &Pending{
		OperationID: operationID,
		ChatID:      chatID,
		Prompt:      prompt,
		OptionA:     optionA,
		OptionB:     optionB,
		resolvedCh:  make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.pending[chatID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("chat %s already has a pending clarification", chatID)
	}
	m.pending[chatID] = p
	m.mu.Unlock()

	now := time.Now().Unix()
	deadline := now + int64(m.cfg.GetInt("postponement.clarification_timeout_seconds"))
	m.persist(func() error {
		return m.store.Insert(ctx, services.PostponedRecord{
			OperationID:             operationID,
			ChatID:                  chatID,
			OriginalPrompt:          prompt,
			OptionA:                 optionA,
			OptionB:                 optionB,
			Status:                  services.PostponementWaiting,
			ClarificationDeadlineAt: &deadline,
		})
	})
	slog.Info("clarification_pending", "operation_id", operationID, "chat_id", chatID)
	return p, nil
}

// Resolve records the user's answer and wakes the waiter. It reports whether
// a pending clarification existed for the chat.
func (m *Manager) Resolve(ctx context.Context, chatID, text string) bool {
	m.mu.Lock()
	p, ok := m.pending[chatID]
	if ok {
		p.response = text
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-p.resolvedCh:
	default:
		close(p.resolvedCh)
	}

	m.persist(func() error { return m.store.SetResponse(ctx, p.OperationID, text) })
	slog.Info("clarification_resolved", "operation_id", p.OperationID, "chat_id", chatID)
	return true
}

// WaitForClarification blocks until the chat's pending request is resolved
// or the timeout elapses. A nil return means the caller should postpone.
func (m *Manager) WaitForClarification(ctx context.Context, chatID string, timeout time.Duration) *Pending {
	m.mu.Lock()
	p, ok := m.pending[chatID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-p.resolvedCh:
		return p
	case <-time.After(timeout):
		return nil
	case <-ctx.Done():
		return nil
	}
}

// PostponeAndSchedule moves a waiting request into the postponed state and
// arms the reminder and cancellation timers.
func (m *Manager) PostponeAndSchedule(ctx context.Context, p *Pending) {
	retryDelay := time.Duration(m.cfg.GetInt("postponement.retry_delay_seconds")) * time.Second
	cancelDelay := time.Duration(m.cfg.GetInt("postponement.cancellation_delay_seconds")) * time.Second
	m.schedule(ctx, p, retryDelay, retryDelay+cancelDelay, true)
}

// schedule persists the postponed deadlines and arms both timers. persistRow
// is false during recovery, when the row already carries its deadlines.
func (m *Manager) schedule(ctx context.Context, p *Pending, retryIn, cancelIn time.Duration, persistRow bool) {
	if persistRow {
		now := time.Now()
		retryAt := now.Add(retryIn).Unix()
		cancelAt := now.Add(cancelIn).Unix()
		m.persist(func() error { return m.store.MarkPostponed(ctx, p.OperationID, retryAt, cancelAt) })
	}

	m.mu.Lock()
	p.retryTimer = time.AfterFunc(retryIn, func() { m.fireRetry(p) })
	p.cancelTimer = time.AfterFunc(cancelIn, func() { m.fireCancel(p) })
	m.mu.Unlock()

	slog.Info("clarification_postponed",
		"operation_id", p.OperationID, "chat_id", p.ChatID,
		"retry_in", retryIn, "cancel_in", cancelIn)
}

// fireRetry reminds the user of the open question if the request is still
// pending.
func (m *Manager) fireRetry(p *Pending) {
	m.mu.Lock()
	current, ok := m.pending[p.ChatID]
	m.mu.Unlock()
	if !ok || current != p {
		return
	}

	ctx := context.Background()
	if m.outbox != nil {
		text := fmt.Sprintf("⏳ Still waiting on your answer: %s\nA) %s\nB) %s",
			p.Prompt, p.OptionA, p.OptionB)
		if err := m.outbox.Enqueue(ctx, p.OperationID, p.ChatID, text); err != nil {
			slog.Warn("clarification_reminder_enqueue_failed",
				"operation_id", p.OperationID, "error", err)
		}
	}
	m.persist(func() error { return m.store.SetRetryEnqueued(ctx, p.OperationID) })
	slog.Info("clarification_reminder_sent", "operation_id", p.OperationID, "chat_id", p.ChatID)
}

// fireCancel abandons a request the user never clarified.
func (m *Manager) fireCancel(p *Pending) {
	m.mu.Lock()
	current, ok := m.pending[p.ChatID]
	if ok && current == p {
		delete(m.pending, p.ChatID)
	}
	m.mu.Unlock()
	if !ok || current != p {
		return
	}

	m.persist(func() error {
		return m.store.UpdateStatus(context.Background(), p.OperationID, services.PostponementCancelled)
	})
	slog.Info("clarification_cancelled", "operation_id", p.OperationID, "chat_id", p.ChatID)
}

// ConsumeResolved removes the chat's resolved request, cancels its timers,
// and deletes the persisted row. Returns nil when nothing was pending.
func (m *Manager) ConsumeResolved(ctx context.Context, chatID string) *Pending {
	m.mu.Lock()
	p, ok := m.pending[chatID]
	if ok {
		delete(m.pending, chatID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	stopTimers(p)
	m.persist(func() error { return m.store.Delete(ctx, p.OperationID) })
	return p
}

// RecoverPending rebuilds in-memory state and timers from persisted rows
// after a restart. Rows still waiting are postponed immediately since their
// waiter is gone.
func (m *Manager) RecoverPending(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rows, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover postponed operations: %w", err)
	}

	now := time.Now().Unix()
	for _, row := range rows {
		p := &Pending{
			OperationID: row.OperationID,
			ChatID:      row.ChatID,
			Prompt:      row.OriginalPrompt,
			OptionA:     row.OptionA,
			OptionB:     row.OptionB,
			resolvedCh:  make(chan struct{}),
		}
		m.mu.Lock()
		if _, exists := m.pending[row.ChatID]; exists {
			m.mu.Unlock()
			continue
		}
		m.pending[row.ChatID] = p
		m.mu.Unlock()

		switch row.Status {
		case services.PostponementWaiting:
			// the original waiter died with the process
			m.PostponeAndSchedule(ctx, p)
		case services.PostponementPostponed:
			retryIn := remaining(row.RetryAt, now)
			cancelIn := remaining(row.CancelAt, now)
			if row.RetryEnqueued != 0 {
				retryIn = -1
			}
			m.armRecovered(p, retryIn, cancelIn)
		}
		slog.Info("clarification_recovered",
			"operation_id", row.OperationID, "chat_id", row.ChatID, "status", row.Status)
	}
	return nil
}

// armRecovered re-arms timers with deadlines relative to now. A negative
// retryIn means the reminder was already enqueued before the restart.
func (m *Manager) armRecovered(p *Pending, retryIn, cancelIn time.Duration) {
	m.mu.Lock()
	if retryIn >= 0 {
		p.retryTimer = time.AfterFunc(retryIn, func() { m.fireRetry(p) })
	}
	p.cancelTimer = time.AfterFunc(cancelIn, func() { m.fireCancel(p) })
	m.mu.Unlock()
}

// Cancel drops a chat's pending request and its timers without resolving it.
func (m *Manager) Cancel(ctx context.Context, chatID string) bool {
	m.mu.Lock()
	p, ok := m.pending[chatID]
	if ok {
		delete(m.pending, chatID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	stopTimers(p)
	m.persist(func() error {
		return m.store.UpdateStatus(ctx, p.OperationID, services.PostponementCancelled)
	})
	return true
}

// Stop cancels every outstanding timer. Pending rows stay persisted for the
// next start.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pending {
		stopTimers(p)
	}
	m.pending = make(map[string]*Pending)
}

func stopTimers(p *Pending) {
	if p.retryTimer != nil {
		p.retryTimer.Stop()
	}
	if p.cancelTimer != nil {
		p.cancelTimer.Stop()
	}
}

// persist runs a store call, degrading to a log line when no store is
// configured or the write fails.
func (m *Manager) persist(fn func() error) {
	if m.store == nil {
		slog.Debug("postponement_persistence_skipped", "reason", "no store configured")
		return
	}
	if err := fn(); err != nil {
		slog.Warn("postponement_persistence_failed", "error", err)
	}
}

func remaining(at *int64, now int64) time.Duration {
	if at == nil {
		return 0
	}
	d := *at - now
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Second
}
