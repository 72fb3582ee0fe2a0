package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/memohai/auditor/internal/config"
)

// Per-scope table names.
const (
	tableChannels      = "channels"
	tableMembers       = "members"
	tableMessages      = "messages"
	tableVoiceSessions = "voice_sessions"
)

var scopeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// ValidateScopeID rejects scope IDs that cannot be embedded in an identifier.
func ValidateScopeID(scopeID string) error {
	if !scopeIDPattern.MatchString(scopeID) {
		return fmt.Errorf("%w: %q", ErrInvalidScopeID, scopeID)
	}
	return nil
}

// Dialect captures the SQL differences between the supported backends.
type Dialect interface {
	Name() string
	// Placeholder returns the bind parameter for the 1-based position n.
	Placeholder(n int) string
	// Table returns the quoted, scope-qualified name of a per-scope table.
	Table(scopeID, table string) string
	// Provision returns idempotent DDL creating the per-scope table set.
	Provision(scopeID string) []string
}

// DialectFor returns the dialect of a configured store driver.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case config.DriverPostgres:
		return Postgres{}, nil
	case config.DriverSQLite:
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}

// Postgres keeps each scope in its own schema.
type Postgres struct{}

func (Postgres) Name() string { return config.DriverPostgres }

func (Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Postgres) Table(scopeID, table string) string {
	return quote(schemaName(scopeID)) + "." + quote(table)
}

func (p Postgres) Provision(scopeID string) []string {
	stmts := []string{"CREATE SCHEMA IF NOT EXISTS " + quote(schemaName(scopeID))}
	return append(stmts, scopeDDL(p, scopeID, "TIMESTAMPTZ", func(name string) string { return quote(name) })...)
}

// SQLite prefixes each table with the scope's schema name.
type SQLite struct{}

func (SQLite) Name() string { return config.DriverSQLite }

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) Table(scopeID, table string) string {
	return quote(schemaName(scopeID) + "_" + table)
}

func (s SQLite) Provision(scopeID string) []string {
	return scopeDDL(s, scopeID, "TIMESTAMP", func(name string) string {
		return quote(schemaName(scopeID) + "_" + name)
	})
}

func schemaName(scopeID string) string { return "scope_" + scopeID }

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// placeholders returns the comma-separated bind parameters from..from+n-1.
func placeholders(d Dialect, from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.Placeholder(from + i)
	}
	return strings.Join(parts, ", ")
}

func scopeDDL(d Dialect, scopeID, ts string, index func(string) string) []string {
	channels := d.Table(scopeID, tableChannels)
	members := d.Table(scopeID, tableMembers)
	messages := d.Table(scopeID, tableMessages)
	voice := d.Table(scopeID, tableVoiceSessions)
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + channels + ` (
    channel_id TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    topic      TEXT,
    type       TEXT NOT NULL,
    nsfw       BOOLEAN NOT NULL DEFAULT FALSE,
    parent_id  TEXT,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
    deleted_at ` + ts + `
)`,
		`CREATE TABLE IF NOT EXISTS ` + members + ` (
    member_id     TEXT PRIMARY KEY,
    display_name  TEXT NOT NULL,
    discriminator TEXT NOT NULL DEFAULT '',
    is_bot        BOOLEAN NOT NULL DEFAULT FALSE,
    nickname      TEXT
)`,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
    message_id    TEXT NOT NULL,
    attachment_id TEXT NOT NULL DEFAULT '',
    channel_id    TEXT NOT NULL,
    author_id     TEXT NOT NULL,
    created_at    ` + ts + ` NOT NULL,
    content       TEXT NOT NULL,
    is_edited     BOOLEAN NOT NULL DEFAULT FALSE,
    edited_at     ` + ts + `,
    is_deleted    BOOLEAN NOT NULL DEFAULT FALSE,
    deleted_at    ` + ts + `,
    filename      TEXT NOT NULL DEFAULT '',
    url           TEXT NOT NULL DEFAULT '',
    blob_key      TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (message_id, attachment_id)
)`,
		`CREATE INDEX IF NOT EXISTS ` + index("messages_channel_idx") + ` ON ` + messages + ` (channel_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS ` + voice + ` (
    member_id  TEXT NOT NULL,
    channel_id TEXT NOT NULL,
    entered_at ` + ts + ` NOT NULL,
    left_at    ` + ts + `,
    PRIMARY KEY (member_id, entered_at)
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + index("voice_open_idx") + ` ON ` + voice + ` (member_id) WHERE left_at IS NULL`,
	}
}
