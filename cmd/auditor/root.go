package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/auditor/internal/version"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "auditor",
		Short:         "Audit trail for Discord guilds",
		Long:          "Records guild, channel, member, message and voice history as an append-mostly audit trail.",
		Version:       version.GetInfo(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.toml (default $CONFIG_PATH or ./config.toml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func fxLogger() fx.Option {
	return fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
		return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
	})
}
