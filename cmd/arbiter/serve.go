package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/okarsono/arbiter/internal/daemon"
	"github.com/okarsono/arbiter/internal/daemon/components"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the arbiter daemon",
	Long:  `Starts the long-running service: the match registry, the HTTP API, and, when enabled, the ranked runner draining the match queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		daemonMgr.SetForceCleanup(forceClean)

		storeComp := components.NewStoreComponent(&cfg.Store)
		httpComp := components.NewHTTPServerComponent(daemonMgr, cfg, storeComp)

		daemonMgr.AddComponent(storeComp)
		daemonMgr.AddComponent(httpComp)
		if cfg.Ranked.Enabled {
			daemonMgr.AddComponent(components.NewRankedComponent(cfg, storeComp))
		}

		slog.Info("Arbiter daemon starting up...", "addr", cfg.Server.Addr, "ranked", cfg.Ranked.Enabled)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal is the graceful shutdown case for the CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Arbiter daemon stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Arbiter daemon stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("force-clean-locks", false, "Also remove stale match lock files during the startup sweep")
	serveCmd.Flags().String("server.addr", "", "HTTP API listen address")
	serveCmd.Flags().Bool("ranked.enabled", false, "run the ranked queue drainer")
	serveCmd.Flags().String("ranked.schedule", "", "ranked poll schedule in cron syntax")
}
