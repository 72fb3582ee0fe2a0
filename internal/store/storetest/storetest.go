// Package storetest opens throwaway SQLite audit stores for tests.
package storetest

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	migrations "github.com/memohai/auditor/db"
	"github.com/memohai/auditor/internal/config"
	"github.com/memohai/auditor/internal/db"
	"github.com/memohai/auditor/internal/store"
)

// Logger discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// New returns a migrated SQLite store in a temp directory, closed at test cleanup.
func New(t testing.TB) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	cfg := config.Config{Store: config.StoreConfig{Driver: config.DriverSQLite, SQLitePath: path}}

	fsys, err := migrations.Migrations(config.DriverSQLite)
	if err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if err := db.RunMigrate(Logger(), cfg, fsys, "up"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	conn, err := db.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := store.New(conn, store.SQLite{}, store.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, Logger())
	t.Cleanup(func() { _ = s.Close() })
	return s
}
