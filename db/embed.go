// Package db embeds the global registry migrations for each supported backend.
package db

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrations returns the migration files for driver ("postgres" or "sqlite") rooted at ".".
func Migrations(driver string) (fs.FS, error) {
	switch driver {
	case "postgres", "sqlite":
		return fs.Sub(migrationsFS, "migrations/"+driver)
	default:
		return nil, fmt.Errorf("no migrations for driver %q", driver)
	}
}
