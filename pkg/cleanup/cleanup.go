// Package cleanup periodically deletes terminal data and trace entries past
// the retention age.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/store"
)

// Service is the retention sweeper.
type Service struct {
	cfg   *config.CleanupConfig
	store store.Store
	log   *slog.Logger
}

// New creates a retention sweeper.
func New(cfg *config.CleanupConfig, st store.Store) *Service {
	return &Service{
		cfg:   cfg,
		store: st,
		log:   slog.With("component", "cleanup"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
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

// Sweep deletes one round of expired data.
func (s *Service) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.MaxAge)

	traces, err := s.store.DeleteTraceEntriesBefore(ctx, cutoff)
	if err != nil {
		s.log.Warn("Trace retention sweep failed", "error", err)
	}
	outputs, err := s.store.DeleteTerminalDataBefore(ctx, cutoff)
	if err != nil {
		s.log.Warn("Terminal retention sweep failed", "error", err)
	}

	if traces > 0 || outputs > 0 {
		s.log.Info("Retention sweep complete",
			"traces_deleted", traces, "outputs_deleted", outputs, "cutoff", cutoff)
	}
}
