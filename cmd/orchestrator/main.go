// Package main provides the CLI entry point for the orchestrator.
//
// The orchestrator accepts chat-style messages from many users, routes each
// one through a small-LM classifier to either a direct answer or a
// background coding-agent task, and supervises every accepted task through
// an isolated git working copy to a terminal state.
//
// # Basic Usage
//
// Start the server:
//
//	orchestrator serve --config orchestrator.yaml
//
// Check system status:
//
//	orchestrator status --config orchestrator.yaml
//
// # Environment Variables
//
//   - WORKERS, TASK_TIMEOUT_SECONDS, DAILY_COST_LIMIT_USD,
//     MONTHLY_COST_LIMIT_USD, SESSION_HISTORY_LIMIT, WORKSPACE_ROOT,
//     LOG_LEVEL: see internal/config.
//   - The model provider's API key variable, named by the config file's
//     model.api_key_env (default ANTHROPIC_API_KEY).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v0.1.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Multi-tenant coding-agent task orchestrator",
		Long: `orchestrator accepts chat-driven requests, classifies each one as a
direct answer or a background coding-agent task, and runs accepted tasks to
completion in isolated git working copies under cost and rate governance.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd(), buildStatusCmd())
	return rootCmd
}
