package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/db"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine"
)

// ErrSweepRunning is returned when another process holds the sweep lock.
var ErrSweepRunning = errors.New("another alert sweep is running")

// SweepLockPath returns the lock file guarding alert sweeps in a workspace.
func SweepLockPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".dealflow", "sweep.lock")
}

// RunSweep runs one alert sweep while holding the workspace sweep lock, so
// the CLI and a running server never sweep at the same time.
func RunSweep(ctx context.Context, workspace string, e engine.Engine) (engine.SweepSummary, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.SweepSummary{}, err
	}
	lock := flock.New(SweepLockPath(workspace))
	locked, err := lock.TryLock()
	if err != nil {
		return engine.SweepSummary{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !locked {
		return engine.SweepSummary{}, ErrSweepRunning
	}
	defer func() { _ = lock.Unlock() }()
	return e.SweepAlerts(ctx)
}
