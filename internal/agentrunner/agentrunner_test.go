package agentrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeScript writes an executable shell script to dir/name and returns its
// path, matching the corpus's pattern of exercising subprocess code against
// a real short-lived child process rather than a mock.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCompletesSuccessfully(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "agent.sh", "echo hello\nexit 0\n")

	r := New(nil)
	spec := Spec{
		TaskID:         "t1",
		WorkspacePath:  dir,
		BinaryPath:     bin,
		TimeoutSeconds: 5,
		LogPath:        filepath.Join(dir, "task.log"),
	}
	var startedPID int
	result := r.Run(context.Background(), spec, func(pid int) { startedPID = pid })
	if result.Err != nil {
		t.Fatalf("Run: %v", result.Err)
	}
	if startedPID == 0 {
		t.Errorf("onStart was never called with a pid")
	}
}

func TestRunEnforcesTimeout(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "agent.sh", "sleep 30\n")

	r := New(nil)
	spec := Spec{
		TaskID:         "t2",
		WorkspacePath:  dir,
		BinaryPath:     bin,
		TimeoutSeconds: 1,
		LogPath:        filepath.Join(dir, "task.log"),
	}
	start := time.Now()
	result := r.Run(context.Background(), spec, nil)
	elapsed := time.Since(start)

	if !result.TimedOut {
		t.Errorf("expected TimedOut=true")
	}
	if elapsed > 10*time.Second {
		t.Errorf("took %v, want under 10s (1s timeout + 5s kill grace)", elapsed)
	}
}

func TestRunRespectsExplicitStop(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "agent.sh", "sleep 30\n")

	r := New(nil)
	spec := Spec{
		TaskID:         "t3",
		WorkspacePath:  dir,
		BinaryPath:     bin,
		TimeoutSeconds: 30,
		LogPath:        filepath.Join(dir, "task.log"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	result := r.Run(ctx, spec, nil)
	if !result.Stopped {
		t.Errorf("expected Stopped=true, got TimedOut=%v", result.TimedOut)
	}
}
