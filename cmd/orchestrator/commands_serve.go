package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "orchestrator.yaml"

// buildServeCmd creates the "serve" command that starts the orchestrator.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator server",
		Long: `Start the orchestrator server.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Open the durable sqlite store and apply pending migrations
3. Wire the working-copy manager, session store, worker pool, per-user
   queue, task manager, cost & rate gate, and classifier/dispatcher
4. Start the HTTP server for chat submission, task control, live
   subscription, and Prometheus metrics

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  orchestrator serve

  # Start with a custom config
  orchestrator serve --config /etc/orchestrator/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildStatusCmd creates the "status" command, a quick operator sanity
// check of configuration and store reachability without starting the
// full server.
func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report configuration and store reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}
