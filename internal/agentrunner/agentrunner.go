// Package agentrunner is the agent runner (C5): it spawns the coding-agent
// binary in its own process group with a pruned environment, supervises its
// wall-clock budget, and tears the whole tree down on timeout or explicit
// stop. Process-group signalling follows the sandbox guest-agent's
// SysProcAttr{Setpgid: true} + group-kill idiom.
package agentrunner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	execsafety "github.com/mjfuentes/orchestrator/internal/exec"
	"github.com/mjfuentes/orchestrator/pkg/models"
)

const killGracePeriod = 5 * time.Second

// Spec describes one agent invocation.
type Spec struct {
	TaskID         string
	SessionUUID    string
	Description    string
	WorkspacePath  string
	AgentKind      string
	Model          string
	TimeoutSeconds int
	BinaryPath     string // path to the coding-agent executable
	APIKeyEnvVar   string // e.g. ANTHROPIC_API_KEY
	LogPath        string // per-task stdout/stderr log file
}

// Result is what the supervising goroutine reports back once the child
// process exits (by completion, timeout, or explicit stop).
type Result struct {
	PID      int
	ExitCode int
	Stopped  bool
	TimedOut bool
	Output   string
	Err      error
}

// Runner supervises one agent subprocess at a time per call to Run; the
// worker pool (C6) is what bounds concurrency across tasks.
type Runner struct {
	log *slog.Logger
}

// New returns a Runner that logs through log (or slog.Default if nil).
func New(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log}
}

// Run spawns the agent binary described by spec and blocks until it exits,
// the context is canceled, or the wall-clock timeout elapses. onStart is
// invoked with the child's pid as soon as it has been started, so the
// caller (the task manager) can record it before any signal might need to
// reach it.
func (r *Runner) Run(ctx context.Context, spec Spec, onStart func(pid int)) Result {
	if err := validateExecutable(spec.BinaryPath); err != nil {
		return Result{Err: models.NewError(models.ErrSubprocessFailed, "unsafe executable path", err)}
	}

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rawArgs []string
	if spec.Description != "" {
		rawArgs = append(rawArgs, "--description", spec.Description)
	}
	if spec.Model != "" {
		rawArgs = append(rawArgs, "--model", spec.Model)
	}
	args, err := execsafety.SanitizeArguments(rawArgs)
	if err != nil {
		return Result{Err: models.NewError(models.ErrMaliciousInput, "unsafe agent arguments", err)}
	}

	cmd := exec.CommandContext(runCtx, spec.BinaryPath, args...)
	cmd.Dir = spec.WorkspacePath
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = buildEnv(spec)

	logFile, err := os.Create(spec.LogPath)
	if err != nil {
		return Result{Err: models.NewError(models.ErrSubprocessFailed, "open task log", err)}
	}
	defer logFile.Close()

	var outBuf limitedBuffer
	cmd.Stdout = io.MultiWriter(logFile, &outBuf)
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return Result{Err: models.NewError(models.ErrSubprocessFailed, "start agent process", err)}
	}
	pid := cmd.Process.Pid
	if onStart != nil {
		onStart(pid)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			return Result{PID: pid, Err: models.NewError(models.ErrSubprocessFailed, "agent process failed", err), Output: outBuf.String()}
		}
		return Result{PID: pid, ExitCode: 0, Output: outBuf.String()}

	case <-runCtx.Done():
		timedOut := ctx.Err() == nil // distinguishes timeout from an upstream stop request
		r.terminate(pid)
		<-waitErr
		return Result{PID: pid, TimedOut: timedOut, Stopped: !timedOut, Output: outBuf.String(),
			Err: models.NewError(models.ErrTimeoutKind, "agent process stopped", runCtx.Err())}
	}
}

// terminate sends SIGTERM to the whole process group, waits killGracePeriod,
// then SIGKILLs if the group is still alive.
func (r *Runner) terminate(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	timer := time.NewTimer(killGracePeriod)
	defer timer.Stop()
	<-timer.C
	if IsAlive(pid) {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

// IsAlive probes whether pid is still running, used both after the grace
// period and by the stall-detection sweep.
func IsAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func buildEnv(spec Spec) []string {
	apiKeyVar := spec.APIKeyEnvVar
	if apiKeyVar == "" {
		apiKeyVar = "ANTHROPIC_API_KEY"
	}
	return []string{
		fmt.Sprintf("%s=%s", apiKeyVar, os.Getenv(apiKeyVar)),
		fmt.Sprintf("AGENT_KIND=%s", spec.AgentKind),
		fmt.Sprintf("SESSION_ID=%s", spec.SessionUUID),
	}
}

func validateExecutable(path string) error {
	if !execsafety.IsSafeExecutableValue(path) {
		if _, err := execsafety.SanitizeExecutableValue(path); err != nil {
			return err
		}
	}
	return nil
}

// limitedBuffer caps captured stdout to avoid unbounded memory growth on a
// chatty agent; only the last outputCap bytes are kept as the result's
// Output field (the full stream still reaches the log file).
type limitedBuffer struct {
	data []byte
}

const outputCap = 64 * 1024

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if len(b.data) > outputCap {
		b.data = b.data[len(b.data)-outputCap:]
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return string(b.data) }
