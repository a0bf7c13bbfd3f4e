package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ves-rates/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync and cleanup schedulers together with the read API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read API without scheduling syncs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var syncDryRun bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sync(cmd.Context(), app.SyncOptions{DryRun: syncDryRun})
	},
}

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete rate history older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanupDays < 0 {
			return fmt.Errorf("--days must not be negative")
		}
		return getApp().Cleanup(cmd.Context(), cleanupDays)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and seed the exchanges registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Fetch and print quotes without writing to storage")
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "Retention in days (defaults to scheduler.retention_days)")
}
