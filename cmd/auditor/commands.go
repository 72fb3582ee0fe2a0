package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/memohai/auditor/cmd/auditor/modules"
	migrations "github.com/memohai/auditor/db"
	"github.com/memohai/auditor/internal/auth"
	"github.com/memohai/auditor/internal/db"
	"github.com/memohai/auditor/internal/logger"
	"github.com/memohai/auditor/internal/reconcile"
	"github.com/memohai/auditor/internal/version"
)

const lifecycleTimeout = 30 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Ingest live events, reconcile on schedule and serve the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				modules.InfraModule(opts.configPath),
				modules.DomainModule,
				modules.SourceModule,
				modules.GatewayModule,
				modules.ScheduleModule,
				modules.ServerModule,
				fxLogger(),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print its summary",
		Long: `Run one reconciliation pass against the live source and print the summary as JSON.

Example:
  auditor reconcile
  auditor reconcile --scope 123456789012345678`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var rec *reconcile.Reconciler
			app := fx.New(
				modules.InfraModule(opts.configPath),
				modules.DomainModule,
				modules.SourceModule,
				fx.Populate(&rec),
				fxLogger(),
			)
			startCtx, cancel := context.WithTimeout(ctx, lifecycleTimeout)
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
				defer cancel()
				_ = app.Stop(stopCtx)
			}()

			summary, err := rec.RunScopes(ctx, scopes...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "reconcile only these scope IDs (repeatable)")
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|version>",
		Short:     "Apply or inspect the registry schema migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := modules.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			fsys, err := migrations.Migrations(cfg.Store.Driver)
			if err != nil {
				return err
			}
			return db.RunMigrate(logger.L, cfg, fsys, args[0])
		},
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := modules.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			token, expires, err := auth.GenerateToken(subject, cfg.Server.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expires.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "auditor %s\n", version.GetInfo())
		},
	}
}
