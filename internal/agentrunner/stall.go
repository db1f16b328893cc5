package agentrunner

import (
	"context"
	"log/slog"
	"time"
)

const (
	stallSweepInterval = 30 * time.Second
	stallThreshold     = 2 * time.Minute
)

// RunningTask is the subset of task state the stall sweep needs.
type RunningTask struct {
	TaskID          string
	PID             int
	LastToolEventAt time.Time
}

// TaskSource lists currently running tasks for the stall sweep to examine.
type TaskSource interface {
	RunningTasks(ctx context.Context) ([]RunningTask, error)
}

// StallHandler is invoked for a task whose agent appears stalled: its most
// recent tool event is older than stallThreshold and its pid is no longer
// alive.
type StallHandler func(ctx context.Context, taskID string)

// StallSweeper periodically scans running tasks for stalled agents.
type StallSweeper struct {
	source  TaskSource
	onStall StallHandler
	log     *slog.Logger
}

// NewStallSweeper returns a sweeper that calls onStall for each task it
// finds stalled.
func NewStallSweeper(source TaskSource, onStall StallHandler, log *slog.Logger) *StallSweeper {
	if log == nil {
		log = slog.Default()
	}
	return &StallSweeper{source: source, onStall: onStall, log: log}
}

// Run loops until ctx is canceled, sweeping every stallSweepInterval.
func (s *StallSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(stallSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StallSweeper) sweepOnce(ctx context.Context) {
	tasks, err := s.source.RunningTasks(ctx)
	if err != nil {
		s.log.Warn("stall sweep: list running tasks failed", "error", err)
		return
	}
	now := time.Now()
	for _, t := range tasks {
		if now.Sub(t.LastToolEventAt) < stallThreshold {
			continue
		}
		if IsAlive(t.PID) {
			continue
		}
		s.log.Warn("agent stalled, promoting to failed", "task_id", t.TaskID, "pid", t.PID)
		s.onStall(ctx, t.TaskID)
	}
}
