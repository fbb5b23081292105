package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/stratagem/cmd/stratagem/internal"
	"github.com/zero-day-ai/stratagem/internal/config"
	"github.com/zero-day-ai/stratagem/internal/daemon"
	"github.com/zero-day-ai/stratagem/internal/daemon/client"
	"github.com/zero-day-ai/stratagem/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "stratagem",
	Short: "Stratagem - trading strategy compiler and control plane",
	Long: `Stratagem compiles declarative trading strategy specs into content-addressed
execution plans and runs the control plane that deploys them onto a fleet of
execution workers.

Local commands (compile, config) work without a daemon. Everything else talks
to a running daemon over gRPC; start one with 'stratagem daemon start'.`,
	PersistentPreRunE: resolveHome,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command with signal handling
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

// resolveHome validates global flags and exports --home so that config
// defaults resolve below it.
func resolveHome(cmd *cobra.Command, args []string) error {
	flags, err := ParseGlobalFlags(cmd)
	if err != nil {
		return err
	}
	if flags.HomeDir != "" {
		if err := os.Setenv("STRATAGEM_HOME", flags.HomeDir); err != nil {
			return err
		}
	}
	return nil
}

// homeDir returns the effective home directory.
func homeDir() string {
	return config.DefaultHomeDir()
}

// configPath returns the effective config file path.
func configPath() string {
	if globalFlags.ConfigFile != "" {
		return globalFlags.ConfigFile
	}
	return config.DefaultConfigPath(homeDir())
}

// loadConfig loads the config file, or the defaults when none exists.
func loadConfig() (*config.Config, error) {
	loader := config.NewConfigLoader(config.NewValidator())
	cfg, err := loader.LoadWithDefaults(configPath())
	if err != nil {
		return nil, internal.WrapError(internal.ExitConfigError, "invalid configuration", err)
	}
	return cfg, nil
}

// connect opens a client to the daemon named by --address, or to the one
// recorded in the home directory.
func connect() (*client.Client, error) {
	if globalFlags.Address != "" {
		return client.Connect(globalFlags.Address)
	}
	c, err := client.ConnectFromInfo(daemon.InfoFilePath(homeDir()))
	if err != nil {
		return nil, internal.WrapError(internal.ExitDaemonError, "daemon not reachable (is 'stratagem daemon start' running?)", err)
	}
	return c, nil
}

// withClient runs fn with a connected client.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(cmd.Context(), c)
}

func formatter(cmd *cobra.Command) internal.Formatter {
	return internal.NewFormatter(globalFlags.GetOutputFormat(), cmd.OutOrStdout())
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if globalFlags.GetOutputFormat() == internal.FormatJSON {
			return formatter(cmd).PrintObject(version.Info())
		}
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
		return nil
	},
}

func init() {
	RegisterGlobalFlags(rootCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
}
