package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mjfuentes/orchestrator/internal/agentrunner"
	"github.com/mjfuentes/orchestrator/internal/config"
	"github.com/mjfuentes/orchestrator/internal/costgate"
	"github.com/mjfuentes/orchestrator/internal/dispatcher"
	"github.com/mjfuentes/orchestrator/internal/fanout"
	"github.com/mjfuentes/orchestrator/internal/hooks"
	"github.com/mjfuentes/orchestrator/internal/observability"
	"github.com/mjfuentes/orchestrator/internal/pool"
	"github.com/mjfuentes/orchestrator/internal/providers"
	"github.com/mjfuentes/orchestrator/internal/queue"
	"github.com/mjfuentes/orchestrator/internal/session"
	"github.com/mjfuentes/orchestrator/internal/store"
	"github.com/mjfuentes/orchestrator/internal/task"
	"github.com/mjfuentes/orchestrator/internal/workspace"
)

// resolveConfigPath falls back to Default()+env overrides when path is the
// built-in default and no such file exists, so `orchestrator serve` works
// out of the box without requiring an operator to author a config file
// first.
func resolveConfigPath(path string) string {
	if path != defaultConfigPath {
		return path
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// runServe loads configuration, wires every component, and blocks serving
// HTTP until SIGINT/SIGTERM triggers a graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	log := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(log)
	log.Info("starting orchestrator", "version", version, "commit", commit, "config", configPath)

	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}
	sessionsDir := filepath.Join(cfg.Workspace.Root, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	if cfg.Task.LogDir != "" {
		if err := os.MkdirAll(cfg.Task.LogDir, 0o755); err != nil {
			return fmt.Errorf("create task log dir: %w", err)
		}
	}

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	wsManager := workspace.New(cfg.Workspace.Root, cfg.Workspace.CanonicalRepo, cfg.Workspace.BaseBranch)

	sessions := session.New(cfg.Session.HistoryLimit, cfg.Session.Path)
	if err := sessions.Load(); err != nil {
		log.Warn("session load failed, starting with empty history", "error", err)
	}

	gate := costgate.New(costgate.Config{
		DailyLimitUSD:   cfg.Cost.DailyLimitUSD,
		MonthlyLimitUSD: cfg.Cost.MonthlyLimitUSD,
		PerUserPerMin:   cfg.Cost.PerUserPerMinute,
		PerUserPerHour:  cfg.Cost.PerUserPerHour,
		GlobalPerSecond: cfg.Cost.GlobalPerSecond,
	}, st, cfg.Model.Prices)

	runner := agentrunner.New(log)
	workerPool := pool.New(cfg.Workers)
	defer workerPool.Shutdown()

	metrics := observability.NewMetrics()

	broadcaster := fanout.New()
	bridge := fanout.NewBridge(broadcaster)

	ingestor := hooks.New(st, bridge, metrics, gate, log)

	taskCfg := task.Config{
		BinaryPath:     cfg.Task.BinaryPath,
		APIKeyEnvVar:   cfg.Model.APIKeyEnv,
		TimeoutSeconds: cfg.Task.TimeoutSeconds,
		LogDir:         cfg.Task.LogDir,
		SessionsDir:    sessionsDir,
	}
	taskManager := task.New(st, wsManager, gate, runner, workerPool, bridge, ingestor, taskCfg, log)

	apiKey := os.Getenv(cfg.Model.APIKeyEnv)
	lmClient := providers.NewAnthropicClient(apiKey, cfg.Model.DispatcherName)
	classifier := dispatcher.New(lmClient, cfg.Model.DispatcherName)

	requestQueue := queue.New(func(ctx context.Context, item any) {
		req, ok := item.(chatJob)
		if !ok {
			return
		}
		handleChatJob(ctx, req, sessions, classifier, taskManager, gate, log)
	})

	stallSweeper := agentrunner.NewStallSweeper(task.NewRunningTaskSource(st), taskManager.OnStall, log)
	go stallSweeper.Run(ctx)
	go orphanSweepLoop(ctx, ingestor, log)
	go fanout.PushLoop(ctx, bridge, func() any {
		return snapshotMetrics(workerPool, requestQueue, metrics)
	})

	mux := http.NewServeMux()
	registerAPIRoutes(mux, apiDeps{
		sessions:    sessions,
		queue:       requestQueue,
		taskManager: taskManager,
		broadcaster: broadcaster,
		log:         log,
	})
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info("shutdown signal received, initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info("orchestrator stopped gracefully")
	return nil
}

// runStatus reports configuration and store reachability without starting
// the HTTP server.
func runStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workers: %d\n", cfg.Workers)
	fmt.Fprintf(out, "store: %s\n", cfg.Store.Path)
	fmt.Fprintf(out, "workspace root: %s\n", cfg.Workspace.Root)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(out, "store reachable: no (%v)\n", err)
		return nil
	}
	defer st.Close()
	fmt.Fprintln(out, "store reachable: yes")
	return nil
}
