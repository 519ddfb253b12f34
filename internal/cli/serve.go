package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opentrusty/tenantsession/internal/app"
	"github.com/opentrusty/tenantsession/internal/config"
	"github.com/opentrusty/tenantsession/internal/observability/logger"
	"github.com/opentrusty/tenantsession/internal/store/postgres"
	transportHTTP "github.com/opentrusty/tenantsession/internal/transport/http"
)

func newServeCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Expose the session on a loopback HTTP gateway",
		Long: `Run the local gateway (GATEWAY_HOST:GATEWAY_PORT) so other tools can read the
session and change tenants. State-changing requests need an X-CSRF-Token header.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd.Context(), func(a *app.App) error {
				return transportHTTP.Serve(cmd.Context(), a.Config.Gateway, a.Provider, a.Logger)
			})
		},
	}
}

func newMigrateCmd(rt *runtime) *cobra.Command {
	var pruneOlderThan time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the token store schema (postgres backend)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.config()
			if err != nil {
				return err
			}
			if cfg.Storage.Backend != config.StoragePostgres {
				return fmt.Errorf("migrate requires STORAGE_BACKEND=postgres, got %q", cfg.Storage.Backend)
			}
			return rt.migrate(cmd, cfg, pruneOlderThan)
		},
	}
	cmd.Flags().DurationVar(&pruneOlderThan, "prune-older-than", 0, "also delete token rows not written within this duration")
	return cmd
}

func (rt *runtime) migrate(cmd *cobra.Command, cfg *config.Config, pruneOlderThan time.Duration) error {
	ctx := cmd.Context()
	l := logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		Output:      rt.opts.LogOutput,
	})

	db, err := postgres.New(ctx, cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Fprintln(cmd.OutOrStdout(), "Applying schema...")
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Migration successful.")

	if pruneOlderThan > 0 {
		n, err := postgres.NewTokenTier(db, cfg.Storage.Profile).Prune(ctx, time.Now().Add(-pruneOlderThan))
		if err != nil {
			return err
		}
		l.InfoContext(ctx, "pruned stale token rows", logger.String("rows", fmt.Sprint(n)))
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d stale rows.\n", n)
	}
	return nil
}
