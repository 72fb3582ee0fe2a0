package modules

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.uber.org/fx"

	migrations "github.com/memohai/auditor/db"
	"github.com/memohai/auditor/internal/changefeed"
	"github.com/memohai/auditor/internal/config"
	"github.com/memohai/auditor/internal/db"
	"github.com/memohai/auditor/internal/logger"
	"github.com/memohai/auditor/internal/metrics"
	"github.com/memohai/auditor/internal/storage"
	"github.com/memohai/auditor/internal/storage/localfs"
	"github.com/memohai/auditor/internal/store"
)

const connectTimeout = 15 * time.Second

// ConfigPath is the config file location; empty falls back to CONFIG_PATH.
type ConfigPath string

func InfraModule(path string) fx.Option {
	return fx.Module(
		"infra",
		fx.Supply(ConfigPath(path)),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideStore,
			provideMetricsProvider,
			provideMetrics,
			provideChangeFeed,
			fx.Annotate(provideBlobStore, fx.As(new(storage.Provider))),
		),
	)
}

// ---------------------------------------------------------------------------
// infrastructure providers
// ---------------------------------------------------------------------------

// LoadConfig resolves path (or CONFIG_PATH) and loads the TOML config.
func LoadConfig(path string) (config.Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideConfig(path ConfigPath) (config.Config, error) {
	return LoadConfig(string(path))
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// provideDBConn brings the registry schema up to date before handing out the pool.
func provideDBConn(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*sql.DB, error) {
	fsys, err := migrations.Migrations(cfg.Store.Driver)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrate(log, cfg, fsys, "up"); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	conn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return conn.Close()
		},
	})
	return conn, nil
}

func provideStore(log *slog.Logger, cfg config.Config, conn *sql.DB) (*store.Store, error) {
	dialect, err := store.DialectFor(cfg.Store.Driver)
	if err != nil {
		return nil, err
	}
	return store.New(conn, dialect, store.RetryPolicyFrom(cfg.Retry), log), nil
}

func provideMetricsProvider(lc fx.Lifecycle) *metrics.Provider {
	p := metrics.NewProvider()
	lc.Append(fx.Hook{OnStop: p.Shutdown})
	return p
}

func provideMetrics(p *metrics.Provider) (*metrics.Metrics, error) {
	return metrics.New(p.Meter)
}

func provideChangeFeed(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (changefeed.Publisher, error) {
	feed, err := changefeed.New(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("change feed: %w", err)
	}
	if cfg.Kafka.Enabled() {
		log.Info("change feed enabled", slog.String("topic", cfg.Kafka.Topic), slog.Any("brokers", cfg.Kafka.Brokers))
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return feed.Close()
		},
	})
	return feed, nil
}

func provideBlobStore(cfg config.Config) (*localfs.Provider, error) {
	return localfs.New(cfg.Blob.Root)
}
