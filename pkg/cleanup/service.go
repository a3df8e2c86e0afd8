// Package cleanup enforces data retention on the persisted tables: old
// terminal audit rows, delivered notifications, and settled clarification
// rows are purged past the configured window.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/MirkoSon/SohnBot/pkg/config"
	"github.com/MirkoSon/SohnBot/pkg/services"
)

// sweepInterval is how often the retention pass runs. The retention window
// itself comes from logging.retention_days.
const sweepInterval = 6 * time.Hour

// Service periodically deletes rows older than the retention window. All
// passes are idempotent; in-progress and pending rows are never touched.
type Service struct {
	cfg      *config.Manager
	audit    *services.AuditService
	outbox   *services.OutboxService
	postpone *services.PostponementService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service over the shared stores.
func NewService(cfg *config.Manager, audit *services.AuditService, outbox *services.OutboxService, postpone *services.PostponementService) *Service {
	return &Service{
		cfg:      cfg,
		audit:    audit,
		outbox:   outbox,
		postpone: postpone,
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("retention_service_started",
		"retention_days", s.cfg.GetInt("logging.retention_days"),
		"interval", sweepInterval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("retention_service_stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass across all three tables.
func (s *Service) Sweep(ctx context.Context) {
	days := s.cfg.GetInt("logging.retention_days")
	if days <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -days).Unix()

	if count, err := s.audit.PruneTerminalBefore(ctx, cutoff); err != nil {
		slog.Error("retention_audit_prune_failed", "error", err)
	} else if count > 0 {
		slog.Info("retention_audit_pruned", "count", count)
	}

	if count, err := s.outbox.PruneSettledBefore(ctx, cutoff); err != nil {
		slog.Error("retention_outbox_prune_failed", "error", err)
	} else if count > 0 {
		slog.Info("retention_outbox_pruned", "count", count)
	}

	if count, err := s.postpone.PruneSettledBefore(ctx, cutoff); err != nil {
		slog.Error("retention_postponement_prune_failed", "error", err)
	} else if count > 0 {
		slog.Info("retention_postponement_pruned", "count", count)
	}
}
