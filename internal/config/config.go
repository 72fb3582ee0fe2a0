// Package config loads and exposes application configuration (TOML).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath         = "config.toml"
	DefaultHTTPAddr           = ":8080"
	DefaultStoreDriver        = DriverPostgres
	DefaultSQLitePath         = "data/auditor.db"
	DefaultPGHost             = "127.0.0.1"
	DefaultPGPort             = 5432
	DefaultPGUser             = "postgres"
	DefaultPGDatabase         = "auditor"
	DefaultPGSSLMode          = "disable"
	DefaultBlobRoot           = "data/blobs"
	DefaultHistoryPageSize    = 100
	DefaultRequestsPerSecond  = 5
	DefaultReconcileWorkers   = 4
	DefaultScopeTimeout       = 30 * time.Minute
	DefaultRetryMaxAttempts   = 5
	DefaultRetryInitial       = 200 * time.Millisecond
	DefaultRetryMaxInterval   = 5 * time.Second
	DefaultChangeFeedTopic    = "auditor.mutations"
	DriverPostgres            = "postgres"
	DriverSQLite              = "sqlite"
	maxDiscordHistoryPageSize = 100
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Store     StoreConfig     `toml:"store"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Discord   DiscordConfig   `toml:"discord"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Retry     RetryConfig     `toml:"retry"`
	Blob      BlobConfig      `toml:"blob"`
	Kafka     KafkaConfig     `toml:"kafka"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the admin HTTP listen address and the JWT secret that guards it.
type ServerConfig struct {
	Addr      string `toml:"addr"`
	JWTSecret string `toml:"jwt_secret"`
}

// StoreConfig selects the audit store backend.
type StoreConfig struct {
	Driver     string `toml:"driver"`
	SQLitePath string `toml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DiscordConfig holds the bot credentials and snapshot paging limits.
type DiscordConfig struct {
	BotToken          string  `toml:"bot_token"`
	HistoryPageSize   int     `toml:"history_page_size"`
	HistoryLimit      int     `toml:"history_limit"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ReconcileConfig controls when and how wide reconciliation passes run.
type ReconcileConfig struct {
	OnStartup    bool     `toml:"on_startup"`
	Schedule     string   `toml:"schedule"`
	Workers      int      `toml:"workers"`
	ScopeTimeout Duration `toml:"scope_timeout"`
}

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	MaxAttempts     int      `toml:"max_attempts"`
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
}

// BlobConfig holds the attachment blob root directory.
type BlobConfig struct {
	Root string `toml:"root"`
}

// KafkaConfig enables the change feed when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// Enabled reports whether a change feed should be started.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// Duration is a time.Duration that decodes from TOML strings like "30m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Store: StoreConfig{
			Driver:     DefaultStoreDriver,
			SQLitePath: DefaultSQLitePath,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Discord: DiscordConfig{
			HistoryPageSize:   DefaultHistoryPageSize,
			RequestsPerSecond: DefaultRequestsPerSecond,
		},
		Reconcile: ReconcileConfig{
			OnStartup:    true,
			Workers:      DefaultReconcileWorkers,
			ScopeTimeout: Duration{DefaultScopeTimeout},
		},
		Retry: RetryConfig{
			MaxAttempts:     DefaultRetryMaxAttempts,
			InitialInterval: Duration{DefaultRetryInitial},
			MaxInterval:     Duration{DefaultRetryMaxInterval},
		},
		Blob: BlobConfig{
			Root: DefaultBlobRoot,
		},
		Kafka: KafkaConfig{
			Topic: DefaultChangeFeedTopic,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot honour.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unknown store driver %q (use %s or %s)", c.Store.Driver, DriverPostgres, DriverSQLite)
	}
	if c.Discord.HistoryPageSize <= 0 || c.Discord.HistoryPageSize > maxDiscordHistoryPageSize {
		return fmt.Errorf("discord.history_page_size must be between 1 and %d", maxDiscordHistoryPageSize)
	}
	if c.Reconcile.Workers <= 0 {
		return fmt.Errorf("reconcile.workers must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	return nil
}
