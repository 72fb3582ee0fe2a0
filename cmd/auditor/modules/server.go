package modules

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/fx"

	"github.com/memohai/auditor/internal/config"
	"github.com/memohai/auditor/internal/handlers"
	"github.com/memohai/auditor/internal/reconcile"
	"github.com/memohai/auditor/internal/schedule"
	"github.com/memohai/auditor/internal/server"
	"github.com/memohai/auditor/internal/version"
)

var ServerModule = fx.Module(
	"server",
	fx.Provide(
		provideServerHandler(handlers.NewPingHandler),
		provideServerHandler(provideReconcileHandler),
		provideServerHandler(handlers.NewAuditHandler),
		provideServerHandler(handlers.NewMetricsHandler),
		provideServer,
	),
	fx.Invoke(startServer),
)

// ScheduleModule runs the startup and periodic reconciliation passes.
var ScheduleModule = fx.Module(
	"schedule",
	fx.Provide(provideSchedule),
	fx.Invoke(startSchedule),
)

// ---------------------------------------------------------------------------
// server
// ---------------------------------------------------------------------------

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideReconcileHandler(log *slog.Logger, s *schedule.Service) *handlers.ReconcileHandler {
	return handlers.NewReconcileHandler(log, s)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server, params.ServerHandlers...)
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	logger.Info("starting auditor", slog.String("version", version.GetInfo()))

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

func provideSchedule(log *slog.Logger, cfg config.Config, r *reconcile.Reconciler) (*schedule.Service, error) {
	return schedule.NewService(log, r, cfg.Reconcile)
}

func startSchedule(lc fx.Lifecycle, s *schedule.Service) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}
