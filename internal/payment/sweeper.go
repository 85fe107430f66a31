package payment

import (
	"context"
	"log/slog"
	"time"
)

// SweeperConfig holds expiry sweeper configuration.
type SweeperConfig struct {
	Interval time.Duration `envconfig:"SWEEPER_INTERVAL" default:"30s"`
	Batch    int           `envconfig:"SWEEPER_BATCH" default:"100"`
}

// Sweeper periodically expires pending payments whose window closed. Expiry
// is driven by the database clock column, not by in-memory timers, so missed
// deadlines are picked up after a restart.
type Sweeper struct {
	orchestrator *Orchestrator
	config       SweeperConfig
	logger       *slog.Logger
}

// NewSweeper creates an expiry sweeper.
func NewSweeper(orchestrator *Orchestrator, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		orchestrator: orchestrator,
		config:       cfg,
		logger:       logger,
	}
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	payments, err := s.orchestrator.ListExpired(ctx, time.Now(), s.config.Batch)
	if err != nil {
		s.logger.Error("list expired payments", "error", err)
		return
	}

	for _, p := range payments {
		if err := s.orchestrator.Expire(ctx, p.ID); err != nil {
			s.logger.Error("expire payment", "payment_id", p.ID, "error", err)
		}
	}

	if len(payments) > 0 {
		s.logger.Info("expiry sweep finished", "swept", len(payments))
	}
}
