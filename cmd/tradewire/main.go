// Package main is the CLI entry point for the Tradewire gateway.
//
// Tradewire is the server side of an autonomous conversational trading
// agent: a websocket control plane multiplexing operator clients onto a
// single agent, with persistent sessions, a heartbeat runner, and a cron
// scheduler driving proactive turns.
//
// Start the server:
//
//	tradewire serve --config tradewire.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tradewire",
		Short:        "Tradewire - gateway for an autonomous trading agent",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long: `Start the gateway: the websocket control plane, the session store,
the agent turn engine, and (when enabled) the heartbeat runner and cron
scheduler. Shuts down gracefully on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults
  tradewire serve

  # Start with a config file and debug logging
  tradewire serve --config /etc/tradewire/tradewire.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "tradewire.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tradewire %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
