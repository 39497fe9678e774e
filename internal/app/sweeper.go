package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/logging"
)

// DefaultSweepInterval is used when Sweeper.Interval is zero.
const DefaultSweepInterval = time.Hour

// Sweeper runs the alert sweep periodically for a long-lived process.
type Sweeper struct {
	Workspace string
	Engine    engine.Engine
	Interval  time.Duration
	Logger    *slog.Logger
	// OnSweep, when set, receives every completed summary.
	OnSweep func(engine.SweepSummary)
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	logger := s.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweep(ctx, logger)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx, logger)
		}
	}
}

func (s Sweeper) sweep(ctx context.Context, logger *slog.Logger) {
	sum, err := RunSweep(ctx, s.Workspace, s.Engine)
	switch {
	case errors.Is(err, ErrSweepRunning):
		logger.Debug("alert sweep skipped, lock held elsewhere")
		return
	case err != nil:
		if ctx.Err() == nil {
			logger.Error("alert sweep failed", "err", err)
		}
		return
	}
	logger.Info("alert sweep finished",
		"sweep_id", sum.SweepID,
		"processed", sum.Processed,
		"alerts", sum.AlertsSent,
		"skipped", sum.Skipped,
		"failures", sum.Failures)
	if s.OnSweep != nil {
		s.OnSweep(sum)
	}
}
