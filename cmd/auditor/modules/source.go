package modules

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/fx"

	"github.com/memohai/auditor/internal/config"
	"github.com/memohai/auditor/internal/event"
	"github.com/memohai/auditor/internal/ingest"
	"github.com/memohai/auditor/internal/source"
	"github.com/memohai/auditor/internal/source/discord"
)

// SourceModule provides the snapshot source. It never opens the gateway.
var SourceModule = fx.Module(
	"source",
	fx.Provide(
		provideDiscordSession,
		fx.Annotate(provideDiscordSource, fx.As(new(source.Source))),
	),
)

// GatewayModule streams live events through the hub into the ingestor.
var GatewayModule = fx.Module(
	"gateway",
	fx.Provide(provideStream),
	fx.Invoke(startIngest, startStream),
)

func provideDiscordSession(cfg config.Config) (*discordgo.Session, error) {
	return discord.NewSession(cfg.Discord)
}

func provideDiscordSource(log *slog.Logger, cfg config.Config, session *discordgo.Session) *discord.Source {
	return discord.New(log, session, cfg.Discord)
}

func provideStream(log *slog.Logger, session *discordgo.Session, hub *event.Hub, in *ingest.Ingestor) *discord.Stream {
	return discord.NewStream(log, session, hub, in.SetSelfID)
}

// startIngest subscribes before the gateway opens so no event is missed.
func startIngest(lc fx.Lifecycle, hub *event.Hub, in *ingest.Ingestor) {
	var (
		cancelSub func()
		stop      context.CancelFunc
		done      = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var stream <-chan event.Event
			_, stream, cancelSub = hub.Subscribe(event.DefaultBufferSize)
			var ctx context.Context
			ctx, stop = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				in.Run(ctx, stream)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelSub()
			select {
			case <-done:
			case <-ctx.Done():
				stop()
				return ctx.Err()
			}
			stop()
			return nil
		},
	})
}

func startStream(lc fx.Lifecycle, s *discord.Stream) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}
