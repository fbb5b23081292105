package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/stratagem/cmd/stratagem/internal"
	"github.com/zero-day-ai/stratagem/internal/daemon"
	"github.com/zero-day-ai/stratagem/internal/observability"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the Stratagem daemon",
	Long: `Manage the Stratagem daemon.

The daemon hosts the control plane: plan registry, instance store, worker
tracker and reconciler. It serves the gRPC API used by this CLI and by
workers, and an HTTP surface for health signals, outcomes and metrics.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	Long: `Start the Stratagem daemon (runs in the foreground until stopped).

The daemon blocks until interrupted with Ctrl+C or SIGTERM, which makes it
suitable for containers and systemd units.

EXAMPLES:

  $ stratagem daemon start
  $ stratagem --home /var/lib/stratagem daemon start`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger, closer, err := observability.NewLogger(observability.LoggingConfig{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}, os.Stderr)
		if err != nil {
			return internal.WrapError(internal.ExitConfigError, "invalid logging configuration", err)
		}
		defer closer.Close()

		d, err := daemon.New(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		return d.Start(cmd.Context())
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := daemon.Status(homeDir())
		if err != nil {
			return err
		}
		f := formatter(cmd)
		if globalFlags.GetOutputFormat() == internal.FormatJSON {
			return f.PrintObject(status)
		}
		if !status.Running {
			if status.PID > 0 {
				return f.PrintError(fmt.Sprintf("daemon not running (stale PID file for %d)", status.PID))
			}
			return f.PrintError("daemon not running")
		}
		return f.PrintTable(
			[]string{"pid", "version", "uptime", "grpc", "http"},
			[][]string{{fmt.Sprint(status.PID), status.Version, status.Uptime, status.GRPCAddress, status.HTTPAddress}},
		)
	},
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}
