package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/config"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine"
)

func TestResolveConfigSources(t *testing.T) {
	dir := t.TempDir()
	cfg, source, err := ResolveConfig(dir, "")
	if err != nil || source != "default" || cfg.Pipeline.InitialStage != "sourcing" {
		t.Fatalf("default fallback: %v %s", err, source)
	}
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, source, err = ResolveConfig(dir, ""); err != nil || source != config.Path(dir) {
		t.Fatalf("workspace config: %v %s", err, source)
	}
	explicit := filepath.Join(t.TempDir(), "other.yml")
	if _, _, err := ResolveConfig(dir, explicit); err == nil {
		t.Fatalf("missing explicit config should fail")
	}
}

func TestOpenAndSweep(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rt, err := Open(ctx, Options{Workspace: dir, LogWriter: io.Discard})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.ConfigSource != "default" {
		t.Fatalf("config source %s", rt.ConfigSource)
	}
	sum, err := RunSweep(ctx, dir, rt.Engine)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Processed != 0 {
		t.Fatalf("empty workspace processed %d deals", sum.Processed)
	}

	held := flock.New(SweepLockPath(dir))
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("take lock: %v", err)
	}
	defer held.Unlock()
	if _, err := RunSweep(ctx, dir, rt.Engine); !errors.Is(err, ErrSweepRunning) {
		t.Fatalf("expected ErrSweepRunning, got %v", err)
	}
}

func TestSweeperRunsImmediatelyAndStops(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, err := Open(ctx, Options{Workspace: dir, LogWriter: io.Discard})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	done := make(chan engine.SweepSummary, 1)
	s := Sweeper{
		Workspace: dir,
		Engine:    rt.Engine,
		Interval:  time.Hour,
		OnSweep: func(sum engine.SweepSummary) {
			select {
			case done <- sum:
			default:
			}
		},
	}
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	select {
	case sum := <-done:
		if sum.SweepID == "" {
			t.Fatalf("summary without sweep id")
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("first sweep did not run")
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}
