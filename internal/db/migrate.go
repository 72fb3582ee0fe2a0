package db

import (
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/memohai/auditor/internal/config"
)

// MigrationURL returns the golang-migrate database URL for the configured backend.
func MigrationURL(cfg config.Config) (string, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		return DSN(cfg.Postgres), nil
	case config.DriverSQLite:
		return "sqlite://" + cfg.Store.SQLitePath, nil
	default:
		return "", fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

// RunMigrate applies the global registry migrations found at the root of migrationsFS.
// Supported commands: "up", "version". Per-scope tables are not migrated here;
// they are provisioned on first sight of a scope.
func RunMigrate(logger *slog.Logger, cfg config.Config, migrationsFS fs.FS, command string) error {
	switch command {
	case "up", "version":
	default:
		return fmt.Errorf("unknown migrate command: %s (use: up, version)", command)
	}
	if logger == nil {
		logger = slog.Default()
	}

	url, err := MigrationURL(cfg)
	if err != nil {
		return err
	}
	sourceDriver, err := iofs.New(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, url)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	defer m.Close()

	m.Log = &migrateLogger{logger: logger}

	switch command {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migrate up: %w", err)
		}
		ver, dirty, _ := m.Version()
		logger.Info("migration complete", slog.Uint64("version", uint64(ver)), slog.Bool("dirty", dirty))
	case "version":
		ver, dirty, err := m.Version()
		if err != nil {
			return fmt.Errorf("migrate version: %w", err)
		}
		logger.Info("current version", slog.Uint64("version", uint64(ver)), slog.Bool("dirty", dirty))
	}
	return nil
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
