package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/config"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/db"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/logging"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/migrate"
)

// Options describe how a command reaches its workspace.
type Options struct {
	Workspace  string
	ConfigPath string
	Driver     string
	DSN        string
	LogLevel   string
	LogFormat  string
	LogWriter  io.Writer
}

// Runtime bundles what a command needs once the workspace is open.
type Runtime struct {
	DB           *sql.DB
	Config       *config.Config
	ConfigSource string
	Engine       engine.Engine
	Logger       *slog.Logger
}

// Open connects to the database, applies migrations and loads config.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	w := opts.LogWriter
	if w == nil {
		w = os.Stderr
	}
	logger := logging.New(w, opts.LogLevel, opts.LogFormat)
	cfg, source, err := ResolveConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: opts.Driver, DSN: opts.DSN})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logger
	logger.Debug("workspace opened", "workspace", opts.Workspace, "config", source, "driver", opts.Driver)
	return &Runtime{DB: conn, Config: cfg, ConfigSource: source, Engine: eng, Logger: logger}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// ResolveConfig prefers an explicit path, then the workspace config file,
// then the built-in default pipeline. The second value names the source.
func ResolveConfig(workspace, path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("config %s: %w", path, err)
		}
		return cfg, path, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, "", err
	}
	if cfg != nil {
		if _, err := os.Stat(config.Path(workspace)); err == nil {
			return cfg, config.Path(workspace), nil
		}
		return cfg, config.TOMLPath(workspace), nil
	}
	return config.Default(), "default", nil
}
