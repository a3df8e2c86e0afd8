// Package notify delivers outbox rows through an injected chat transport.
// Delivery is at-least-once: rows stay pending until a send succeeds or the
// retry budget is exhausted.
package notify

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MirkoSon/SohnBot/pkg/config"
	"github.com/MirkoSon/SohnBot/pkg/services"
)

// Transport sends one message to one chat. A false return is a transient
// delivery failure eligible for retry.
type Transport interface {
	SendMessage(chatID int64, text string) bool
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(chatID int64, text string) bool

// SendMessage calls f.
func (f TransportFunc) SendMessage(chatID int64, text string) bool { return f(chatID, text) }

// Worker is the single background loop that drains the notification outbox.
// A panic inside the loop is logged and the loop restarts after one poll
// interval; Stop is idempotent.
type Worker struct {
	cfg       *config.Manager
	outbox    *services.OutboxService
	transport Transport

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a worker; Start must be called to begin polling.
func NewWorker(cfg *config.Manager, outbox *services.OutboxService, transport Transport) *Worker {
	return &Worker{
		cfg:       cfg,
		outbox:    outbox,
		transport: transport,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the supervised polling loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.supervise()
	slog.Info("notification_worker_started",
		"poll_interval_seconds", w.cfg.GetInt("notifications.poll_interval_seconds"))
}

// Stop signals the loop to exit and waits for the in-flight iteration to
// finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	slog.Info("notification_worker_stopped")
}

// supervise restarts the loop after a crash so one bad row cannot kill
// delivery for good.
func (w *Worker) supervise() {
	defer w.wg.Done()
	for {
		if done := w.runLoop(); done {
			return
		}
		select {
		case <-w.stopCh:
			return
		case <-time.After(w.pollInterval()):
		}
	}
}

// runLoop polls until stopped. It reports true on a clean stop and false
// when it exited because of a panic.
func (w *Worker) runLoop() (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notification_worker_panic", "panic", r)
			clean = false
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return true
		case <-time.After(w.pollInterval()):
			w.processBatch(context.Background())
		}
	}
}

func (w *Worker) pollInterval() time.Duration {
	return time.Duration(w.cfg.GetInt("notifications.poll_interval_seconds")) * time.Second
}

// processBatch delivers up to one batch of eligible pending rows.
func (w *Worker) processBatch(ctx context.Context) {
	entries, err := w.outbox.GetPending(ctx, w.cfg.GetInt("notifications.batch_size"))
	if err != nil {
		slog.Error("outbox_poll_failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	lag, err := w.outbox.LagSeconds(ctx)
	if err != nil {
		slog.Warn("outbox_lag_query_failed", "error", err)
	}
	slog.Info("outbox_batch_started", "batch_size", len(entries), "lag_seconds", lag)
	for _, entry := range entries {
		w.deliver(ctx, entry)
	}
}

// deliver attempts one send and records the outcome, scheduling an
// exponential retry while the budget allows.
func (w *Worker) deliver(ctx context.Context, entry services.OutboxEntry) {
	chatID, err := strconv.ParseInt(entry.ChatID, 10, 64)
	if err != nil {
		if _, mErr := w.outbox.MarkFailed(ctx, entry.ID, "invalid chat_id"); mErr != nil {
			slog.Error("outbox_mark_failed_error", "id", entry.ID, "error", mErr)
		}
		slog.Warn("notification_invalid_chat_id", "id", entry.ID, "chat_id", entry.ChatID)
		return
	}

	if w.transport.SendMessage(chatID, entry.MessageText) {
		if err := w.outbox.MarkSent(ctx, entry.ID); err != nil {
			slog.Error("outbox_mark_sent_error", "id", entry.ID, "error", err)
			return
		}
		slog.Info("notification_sent_from_outbox",
			"id", entry.ID, "operation_id", entry.OperationID, "chat_id", entry.ChatID)
		return
	}

	retryCount, err := w.outbox.MarkFailed(ctx, entry.ID, "send failed")
	if err != nil {
		slog.Error("outbox_mark_failed_error", "id", entry.ID, "error", err)
		return
	}
	maxRetries := w.cfg.GetInt("notifications.max_retries")
	if retryCount >= maxRetries {
		slog.Warn("notification_retries_exhausted",
			"id", entry.ID, "chat_id", entry.ChatID, "retry_count", retryCount)
		return
	}

	delay := backoffDelay(w.cfg.GetInt("notifications.backoff_base_seconds"), retryCount)
	if err := w.outbox.ScheduleRetry(ctx, entry.ID, delay); err != nil {
		slog.Error("outbox_schedule_retry_error", "id", entry.ID, "error", err)
		return
	}
	slog.Info("notification_retry_scheduled",
		"id", entry.ID, "retry_count", retryCount, "delay_seconds", delay)
}

// backoffDelay computes base^retryCount in integer seconds, capped at one
// hour so large bases cannot schedule a retry into the distant future.
func backoffDelay(base, retryCount int) int {
	const maxDelay = 3600
	if base < 1 {
		base = 1
	}
	delay := 1
	for i := 0; i < retryCount; i++ {
		delay *= base
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}
