// Package db opens the audit store's database handle and classifies driver errors.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/memohai/auditor/internal/config"
)

// Driver names registered with database/sql.
const (
	pgxDriverName    = "pgx"
	sqliteDriverName = "sqlite"
)

// Open returns a pooled handle for the configured backend and verifies it with a ping.
// The pool is shared, but every unit of work checks out its own connection through a transaction.
func Open(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	var (
		conn *sql.DB
		err  error
	)
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		conn, err = sql.Open(pgxDriverName, DSN(cfg.Postgres))
	case config.DriverSQLite:
		conn, err = OpenSQLite(cfg.Store.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Store.Driver, err)
	}
	return conn, nil
}

// OpenSQLite opens a single-writer SQLite database at path, creating its directory.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	conn, err := sql.Open(sqliteDriverName, SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}
