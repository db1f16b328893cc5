package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Workers)
	}
	if cfg.Task.TimeoutSeconds != 300 {
		t.Errorf("TimeoutSeconds = %d, want 300", cfg.Task.TimeoutSeconds)
	}
	if cfg.Session.HistoryLimit != 10 {
		t.Errorf("HistoryLimit = %d, want 10", cfg.Session.HistoryLimit)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	if err := os.WriteFile(path, []byte("workers: 7\ncost:\n  daily_limit_usd: 5.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 7 {
		t.Errorf("Workers = %d, want 7", cfg.Workers)
	}
	if cfg.Cost.DailyLimitUSD != 5.5 {
		t.Errorf("DailyLimitUSD = %v, want 5.5", cfg.Cost.DailyLimitUSD)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Task.TimeoutSeconds != 300 {
		t.Errorf("TimeoutSeconds = %d, want default 300", cfg.Task.TimeoutSeconds)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	mainPath := filepath.Join(dir, "main.yaml")
	if err := os.WriteFile(basePath, []byte("workers: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(mainPath, []byte("$include: base.yaml\nsession:\n  history_limit: 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 9 {
		t.Errorf("Workers = %d, want 9 (from include)", cfg.Workers)
	}
	if cfg.Session.HistoryLimit != 42 {
		t.Errorf("HistoryLimit = %d, want 42", cfg.Session.HistoryLimit)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	if err := os.WriteFile(path, []byte("workers: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WORKERS", "11")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 11 {
		t.Errorf("Workers = %d, want 11 (env override)", cfg.Workers)
	}
}

func TestLoadRawDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRaw(a); err == nil {
		t.Fatal("expected include cycle error, got nil")
	}
}
