package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "dealflow.db"
	workspaceDir  = ".dealflow"

	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

type Config struct {
	Workspace string
	// Driver is sqlite (default) or mysql.
	Driver string
	// DSN is required for mysql and ignored for sqlite.
	DSN string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite runs in WAL mode with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.Workspace))
		conn, err := sql.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case DriverMySQL:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("mysql driver requires a dsn")
		}
		conn, err := sql.Open(DriverMySQL, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := conn.Ping(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}

// Path returns the sqlite db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
