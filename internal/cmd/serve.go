package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/slotkeeper/slotkeeper/internal/cleanup"
	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/database"
	"github.com/slotkeeper/slotkeeper/internal/events"
	"github.com/slotkeeper/slotkeeper/internal/server"
)

func newServeCmd(e *env) *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server and the background cleanup sweeper.

SIGINT or SIGTERM triggers a graceful shutdown bounded by SERVER_SHUTDOWN_TIMEOUT.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if migrateFirst && e.cfg.Rate.Store == config.StorePostgres && e.cfg.DatabaseEnabled() {
				if err := runMigrations(e); err != nil {
					return err
				}
			}

			broker := events.NewBroker(0)
			limiter, err := openLimiter(ctx, e, broker.Publish, true)
			if err != nil {
				return err
			}

			srv := server.New(e.cfg, e.log, limiter, broker)
			sweeper := cleanup.NewSweeper(limiter, cleanup.Config{Interval: e.cfg.Rate.CleanupInterval}, e.log)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				sweeper.Stop()
				_ = limiter.Close()
				return err
			case <-ctx.Done():
			}

			sweeper.Stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			_ = e.log.Sync()
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply database migrations before serving (postgres store only)")
	return cmd
}

func runMigrations(e *env) error {
	m, err := database.NewMigrator(&e.cfg.Database)
	if err != nil {
		return err
	}
	defer m.Close() // nolint:errcheck // best-effort cleanup

	if err := m.Up(); err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	e.log.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}
