// Package config loads the orchestrator's configuration from a YAML file
// with $include resolution and environment-variable expansion, then
// overlays the documented environment-variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mjfuentes/orchestrator/pkg/models"
)

// Config is the orchestrator's full configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workers   int             `yaml:"workers"`
	Store     StoreConfig     `yaml:"store"`
	Task      TaskConfig      `yaml:"task"`
	Cost      CostConfig      `yaml:"cost"`
	Session   SessionConfig   `yaml:"session"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Logging   LoggingConfig   `yaml:"logging"`
	Model     ModelConfig     `yaml:"model"`
}

// StoreConfig configures the durable sqlite store (C1).
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the dashboard subscribe/metrics HTTP listener.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// TaskConfig configures C5 Agent Runner defaults.
type TaskConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	BinaryPath     string `yaml:"binary_path"`
	LogDir         string `yaml:"log_dir"`
}

// CostConfig configures C9 Cost & Rate Gate budgets.
type CostConfig struct {
	DailyLimitUSD       float64 `yaml:"daily_limit_usd"`
	MonthlyLimitUSD     float64 `yaml:"monthly_limit_usd"`
	PerUserPerMinute    int     `yaml:"per_user_per_minute"`
	PerUserPerHour      int     `yaml:"per_user_per_hour"`
	GlobalPerSecond     int     `yaml:"global_per_second"`
}

// SessionConfig configures C3 Session & History.
type SessionConfig struct {
	HistoryLimit int    `yaml:"history_limit"`
	Path         string `yaml:"path"`
}

// WorkspaceConfig configures C2 Working-Copy Manager.
type WorkspaceConfig struct {
	Root          string `yaml:"root"`
	CanonicalRepo string `yaml:"canonical_repo"`
	BaseBranch    string `yaml:"base_branch"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ModelConfig names the environment variable holding the model provider's
// API key; the orchestrator never reads the key itself, only forwards the
// named variable into the agent subprocess's pruned environment.
type ModelConfig struct {
	APIKeyEnv      string                          `yaml:"api_key_env"`
	DispatcherName string                          `yaml:"dispatcher_model"`
	Prices         map[string]models.ModelPrice    `yaml:"prices"`
}

// DefaultPrices returns the built-in per-million-token price table used
// when the config file doesn't override it.
func DefaultPrices() map[string]models.ModelPrice {
	return map[string]models.ModelPrice{
		"claude-opus-4": {
			InputUSDPerMillion: 15, OutputUSDPerMillion: 75,
			CacheCreateUSDPerMillion: 18.75, CacheReadUSDPerMillion: 1.5,
		},
		"claude-sonnet-4": {
			InputUSDPerMillion: 3, OutputUSDPerMillion: 15,
			CacheCreateUSDPerMillion: 3.75, CacheReadUSDPerMillion: 0.3,
		},
		"claude-haiku-4": {
			InputUSDPerMillion: 0.8, OutputUSDPerMillion: 4,
			CacheCreateUSDPerMillion: 1, CacheReadUSDPerMillion: 0.08,
		},
	}
}

// Default returns the configuration the distilled spec's §6 lists as
// defaults for every recognized environment key.
func Default() Config {
	return Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080, MetricsPort: 9090},
		Workers: 3,
		Store:   StoreConfig{Path: "orchestrator.db"},
		Task: TaskConfig{
			TimeoutSeconds: 300,
			BinaryPath:     "/usr/local/bin/coding-agent",
			LogDir:         "/var/log/orchestrator/tasks",
		},
		Cost: CostConfig{
			DailyLimitUSD:    0,
			MonthlyLimitUSD:  0,
			PerUserPerMinute: 30,
			PerUserPerHour:   500,
			GlobalPerSecond:  30,
		},
		Session:   SessionConfig{HistoryLimit: 10, Path: "sessions.json"},
		Workspace: WorkspaceConfig{Root: "/tmp/orchestrator-workspaces", BaseBranch: "main"},
		Logging:   LoggingConfig{Level: "INFO", Format: "json"},
		Model: ModelConfig{
			APIKeyEnv:      "ANTHROPIC_API_KEY",
			DispatcherName: "claude-haiku-4",
			Prices:         DefaultPrices(),
		},
	}
}

// Load reads path (if non-empty) with $include resolution and env-var
// expansion, falling back to defaults when path is empty, then applies the
// documented environment-variable overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if err := decodeInto(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("WORKERS"); ok {
		cfg.Workers = v
	}
	if v, ok := envInt("TASK_TIMEOUT_SECONDS"); ok {
		cfg.Task.TimeoutSeconds = v
	}
	if v, ok := envFloat("DAILY_COST_LIMIT_USD"); ok {
		cfg.Cost.DailyLimitUSD = v
	}
	if v, ok := envFloat("MONTHLY_COST_LIMIT_USD"); ok {
		cfg.Cost.MonthlyLimitUSD = v
	}
	if v, ok := envInt("SESSION_HISTORY_LIMIT"); ok {
		cfg.Session.HistoryLimit = v
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// TaskTimeout returns the configured default wall-clock cap as a Duration.
func (c Config) TaskTimeout() time.Duration {
	if c.Task.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Task.TimeoutSeconds) * time.Second
}
