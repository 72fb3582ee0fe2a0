package modules

import (
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/fx"

	"github.com/memohai/auditor/internal/attachment"
	"github.com/memohai/auditor/internal/changefeed"
	"github.com/memohai/auditor/internal/config"
	"github.com/memohai/auditor/internal/event"
	"github.com/memohai/auditor/internal/ingest"
	"github.com/memohai/auditor/internal/metrics"
	"github.com/memohai/auditor/internal/reconcile"
	"github.com/memohai/auditor/internal/registry"
	"github.com/memohai/auditor/internal/source"
	"github.com/memohai/auditor/internal/storage"
	"github.com/memohai/auditor/internal/store"
	"github.com/memohai/auditor/internal/writer"
)

const attachmentFetchTimeout = 2 * time.Minute

var DomainModule = fx.Module(
	"domain",
	fx.Provide(
		registry.New,
		event.NewHub,
		provideArchiver,
		provideWriter,
		provideReconciler,
		provideIngestor,
	),
)

// ---------------------------------------------------------------------------
// domain service providers
// ---------------------------------------------------------------------------

func provideArchiver(log *slog.Logger, cfg config.Config, blobs storage.Provider) *attachment.Archiver {
	fetcher := attachment.NewHTTPFetcher(&http.Client{Timeout: attachmentFetchTimeout}, cfg.Discord.RequestsPerSecond)
	return attachment.NewArchiver(log, blobs, fetcher)
}

func provideWriter(log *slog.Logger, s *store.Store, reg *registry.Registry, archiver *attachment.Archiver, feed changefeed.Publisher, m *metrics.Metrics) *writer.Writer {
	return writer.New(log, s, reg, writer.Options{Archiver: archiver, Feed: feed, Metrics: m})
}

func provideReconciler(log *slog.Logger, cfg config.Config, src source.Source, s *store.Store, reg *registry.Registry, w *writer.Writer, m *metrics.Metrics) *reconcile.Reconciler {
	return reconcile.New(log, src, s, reg, w, reconcile.Options{
		Workers:      cfg.Reconcile.Workers,
		ScopeTimeout: cfg.Reconcile.ScopeTimeout.Duration,
		HistoryLimit: cfg.Discord.HistoryLimit,
		Metrics:      m,
	})
}

func provideIngestor(log *slog.Logger, w *writer.Writer) *ingest.Ingestor {
	return ingest.New(log, w)
}
