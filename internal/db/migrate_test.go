package db

import (
	"path/filepath"
	"testing"

	"github.com/memohai/auditor/internal/config"
)

func TestRunMigrateUnknownCommand(t *testing.T) {
	cfg := config.Config{Store: config.StoreConfig{Driver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "a.db")}}
	if err := RunMigrate(nil, cfg, nil, "down"); err == nil {
		t.Fatal("expected error for unsupported command")
	}
}

func TestMigrationURL(t *testing.T) {
	pg := config.Config{
		Store: config.StoreConfig{Driver: config.DriverPostgres},
		Postgres: config.PostgresConfig{
			Host: "localhost", Port: 5432, User: "u", Password: "p", Database: "audit", SSLMode: "disable",
		},
	}
	got, err := MigrationURL(pg)
	if err != nil {
		t.Fatal(err)
	}
	if want := "postgres://u:p@localhost:5432/audit?sslmode=disable"; got != want {
		t.Errorf("MigrationURL() = %q, want %q", got, want)
	}

	lite := config.Config{Store: config.StoreConfig{Driver: config.DriverSQLite, SQLitePath: "/var/lib/audit.db"}}
	got, err = MigrationURL(lite)
	if err != nil {
		t.Fatal(err)
	}
	if got != "sqlite:///var/lib/audit.db" {
		t.Errorf("MigrationURL() = %q", got)
	}

	if _, err := MigrationURL(config.Config{Store: config.StoreConfig{Driver: "mysql"}}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
