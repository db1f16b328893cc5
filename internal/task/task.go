// Package task is the task manager (C8): it owns the Task state machine,
// gates admission through the workspace manager and the cost gate, hands
// accepted tasks to the worker pool, and supervises the spawned agent
// through to a terminal state. Lifecycle logging follows the teacher's
// scheduler style — one structured slog line per transition, not per poll.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mjfuentes/orchestrator/internal/agentrunner"
	"github.com/mjfuentes/orchestrator/internal/pool"
	"github.com/mjfuentes/orchestrator/internal/store"
	"github.com/mjfuentes/orchestrator/internal/workspace"
	"github.com/mjfuentes/orchestrator/pkg/models"
)

// TaskFilter is the store's own filter type, re-exported so callers of
// the manager don't need to import internal/store directly.
type TaskFilter = store.TaskFilter

// Store is the subset of internal/store's API the manager needs.
type Store interface {
	CreateTask(ctx context.Context, t *models.Task) error
	UpdateTask(ctx context.Context, id string, patch models.TaskPatch) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter, limit, offset int) ([]*models.Task, error)
	AppendActivity(ctx context.Context, taskID, message string) error
	LastToolEventAt(ctx context.Context, taskID string) (time.Time, error)
}

// Workspace is the subset of internal/workspace's API the manager needs.
type Workspace interface {
	Allocate(ctx context.Context, taskID string) (path, branch string, err error)
	Merge(ctx context.Context, taskID, branch string) (workspace.MergeResult, error)
}

// Admitter is the subset of internal/costgate's API the manager needs.
type Admitter interface {
	Admit(ctx context.Context, userID string) error
}

// Runner runs one agent subprocess to completion. Satisfied by
// *agentrunner.Runner.
type Runner interface {
	Run(ctx context.Context, spec agentrunner.Spec, onStart func(pid int)) agentrunner.Result
}

// Submitter dispatches work to the bounded worker pool. The returned
// handle lets the manager cancel a task whether it's still queued or
// already running, closing the gap where a task canceled before the pool
// ever dequeues it would otherwise spawn its agent subprocess anyway.
type Submitter interface {
	Submit(fn func(ctx context.Context), priority pool.Priority) *pool.Handle
}

// Publisher pushes a task's current state onto the live fan-out (C11) after
// every lifecycle transition. Satisfied by *fanout.Bridge.
type Publisher interface {
	PublishTask(t *models.Task)
	RegisterTaskOwner(taskID, userID string)
	ForgetTask(taskID string)
}

// HookWatcher tails a session's pre/post hook JSONL files for the
// lifetime of a running task, pricing and recording any token usage the
// hooks carry against userID/model. Satisfied by *hooks.Ingestor.
type HookWatcher interface {
	WatchSession(ctx context.Context, taskID, userID, model, sessionUUID, sessionDir string) error
}

// Config bounds the agent runner's subprocess for every task it spawns.
type Config struct {
	BinaryPath     string
	APIKeyEnvVar   string
	TimeoutSeconds int
	LogDir         string
	SessionsDir    string // parent of sessions/<sessionUuid>/{pre,post}.jsonl
}

// Manager owns task admission, submission, and lifecycle transitions.
type Manager struct {
	store     Store
	workspace Workspace
	admitter  Admitter
	runner    Runner
	submitter Submitter
	pub       Publisher
	hooks     HookWatcher
	cfg       Config
	log       *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New returns a Manager wiring the task lifecycle across its dependencies.
// pub and hooks may be nil, in which case task transitions aren't fanned
// out and hook files aren't tailed (used by tests).
func New(store Store, workspace Workspace, admitter Admitter, runner Runner, submitter Submitter, pub Publisher, hooks HookWatcher, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store: store, workspace: workspace, admitter: admitter, runner: runner, submitter: submitter, pub: pub, hooks: hooks,
		cfg: cfg, log: log, cancels: map[string]context.CancelFunc{},
	}
}

func (m *Manager) publish(t *models.Task) {
	if m.pub != nil {
		m.pub.PublishTask(t)
	}
}

// CreateTask admits and creates a pending task, then submits it to the
// worker pool at priority. Admission denial (cost/rate gate) creates the
// task directly in a terminal failed state, matching the "admission
// denied -> failed (never ran)" edge of the state machine, rather than
// refusing to create a record at all.
func (m *Manager) CreateTask(ctx context.Context, t *models.Task, priority pool.Priority) (*models.Task, error) {
	if t.State == "" {
		t.State = models.TaskPending
	}

	if err := m.admitter.Admit(ctx, t.UserID); err != nil {
		t.State = models.TaskFailed
		t.Error = err.Error()
		if cerr := m.store.CreateTask(ctx, t); cerr != nil {
			return nil, fmt.Errorf("record admission-denied task: %w", cerr)
		}
		m.publish(t)
		return t, err
	}

	path, branch, err := m.workspace.Allocate(ctx, t.ID)
	if err != nil {
		t.State = models.TaskFailed
		t.Error = "workspace allocation failed: " + err.Error()
		if cerr := m.store.CreateTask(ctx, t); cerr != nil {
			return nil, fmt.Errorf("record workspace-failed task: %w", cerr)
		}
		m.publish(t)
		return t, err
	}
	t.Workspace = path
	t.Branch = branch

	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if m.pub != nil {
		m.pub.RegisterTaskOwner(t.ID, t.UserID)
	}
	m.publish(t)
	m.log.Info("task admitted", "task_id", t.ID, "user_id", t.UserID, "workspace", path)

	handle := m.submitter.Submit(func(ctx context.Context) { m.run(ctx, t.ID) }, priority)
	m.mu.Lock()
	m.cancels[t.ID] = handle.Cancel
	m.mu.Unlock()
	return t, nil
}

// run is the worker-pool job body: it transitions the task to running,
// spawns the agent, and records the terminal outcome. ctx is the pool
// job's own cancelable context (see Submitter), canceled directly by
// StopTask's registered handle regardless of whether the job was still
// queued or already dequeued when the stop was requested.
// agentrunner.Run's own timeout branch treats an already-canceled outer
// context as an explicit stop rather than a timeout, so cancellation here
// is what makes Result.Stopped true.
func (m *Manager) run(ctx context.Context, taskID string) {
	defer func() {
		m.mu.Lock()
		delete(m.cancels, taskID)
		m.mu.Unlock()
	}()

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		m.log.Error("run: load task", "task_id", taskID, "error", err)
		return
	}

	if ctx.Err() != nil || t.State.Terminal() {
		// Canceled (or otherwise finalized) before the pool ever dequeued
		// this job: no agent subprocess was ever spawned, so there's
		// nothing to stop but the state machine still only allows
		// running -> stopped, never pending -> stopped directly.
		m.log.Info("task canceled before start, skipping agent spawn", "task_id", taskID)
		m.markRunning(context.Background(), t.ID, 0)
		m.recordOutcome(context.Background(), t.ID, agentrunner.Result{Stopped: true})
		return
	}

	spec := agentrunner.Spec{
		TaskID:         t.ID,
		SessionUUID:    t.SessionUUID,
		Description:    t.Description,
		WorkspacePath:  t.Workspace,
		AgentKind:      t.AgentKind,
		Model:          t.Model,
		TimeoutSeconds: m.cfg.TimeoutSeconds,
		BinaryPath:     m.cfg.BinaryPath,
		APIKeyEnvVar:   m.cfg.APIKeyEnvVar,
		LogPath:        m.cfg.LogDir + "/" + t.ID + ".log",
	}

	onStart := func(pid int) {
		m.markRunning(ctx, t.ID, pid)
		if m.hooks != nil {
			sessionDir := m.cfg.SessionsDir + "/" + t.SessionUUID
			go func() {
				if err := m.hooks.WatchSession(ctx, t.ID, t.UserID, t.Model, t.SessionUUID, sessionDir); err != nil {
					m.log.Warn("run: hook watch ended", "task_id", t.ID, "error", err)
				}
			}()
		}
	}

	result := m.runner.Run(ctx, spec, onStart)
	m.recordOutcome(context.Background(), t.ID, result)
}

// markRunning transitions taskID to running (clearing any earlier pid)
// and republishes it. Used both for a normally-started agent and for the
// stopped-before-start path, which must still pass through running on
// its way to the stopped terminal state.
func (m *Manager) markRunning(ctx context.Context, taskID string, pid int) {
	running := models.TaskRunning
	if err := m.store.UpdateTask(ctx, taskID, models.TaskPatch{State: &running, PID: &pid}); err != nil {
		m.log.Error("run: mark running", "task_id", taskID, "error", err)
		return
	}
	if updated, err := m.store.GetTask(ctx, taskID); err == nil {
		m.publish(updated)
	}
}

func (m *Manager) recordOutcome(ctx context.Context, taskID string, result agentrunner.Result) {
	var state models.TaskState
	var errMsg string
	switch {
	case result.Stopped:
		state = models.TaskStopped
		errMsg = "stopped by user"
	case result.TimedOut:
		state = models.TaskFailed
		errMsg = "timed out"
	case result.Err != nil:
		state = models.TaskFailed
		errMsg = result.Err.Error()
	case result.ExitCode != 0:
		state = models.TaskFailed
		errMsg = fmt.Sprintf("exit code %d", result.ExitCode)
	default:
		state = models.TaskCompleted
	}

	if state == models.TaskCompleted {
		if t, err := m.store.GetTask(ctx, taskID); err != nil {
			m.log.Error("run: load task for merge", "task_id", taskID, "error", err)
		} else if mergeResult, err := m.workspace.Merge(ctx, taskID, t.Branch); err != nil {
			state = models.TaskFailed
			errMsg = "merge failed: " + err.Error()
			m.log.Warn("task completed but merge failed", "task_id", taskID, "branch", t.Branch, "error", err)
		} else {
			m.log.Info("task branch merged", "task_id", taskID, "branch", t.Branch, "merged", mergeResult.Merged, "commits", mergeResult.CommitCount)
		}
	}

	patch := models.TaskPatch{State: &state, Result: &result.Output}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	if err := m.store.UpdateTask(ctx, taskID, patch); err != nil {
		m.log.Error("run: record outcome", "task_id", taskID, "state", state, "error", err)
		return
	}
	if updated, err := m.store.GetTask(ctx, taskID); err == nil {
		m.publish(updated)
	}
	if m.pub != nil {
		m.pub.ForgetTask(taskID)
	}
	m.log.Info("task finished", "task_id", taskID, "state", state)
}

// StopTask cancels taskID's pool handle, registered at submission time
// regardless of whether the job is still queued or already running.
// agentrunner observes an already-canceled context as an explicit stop
// request; run() then records the terminal state itself, whether or not
// the agent subprocess ever actually started. Idempotent: stopping an
// already-terminal task is a no-op, matching the state machine's
// absorbing terminal states.
func (m *Manager) StopTask(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return nil
	}

	m.mu.Lock()
	cancel, ok := m.cancels[taskID]
	m.mu.Unlock()
	if !ok {
		// Every non-terminal task has a handle registered by CreateTask at
		// submission time; this would only happen on a concurrent race
		// with run()'s cleanup just after recording a terminal outcome.
		m.log.Warn("stop requested for non-terminal task with no registered handle", "task_id", taskID)
		return nil
	}
	cancel()
	return nil
}

// StopAllUserTasks stops every non-terminal task belonging to userID,
// matching §6's stopAllUserTasks control call. Idempotent like StopTask;
// a user with no running tasks is a no-op.
func (m *Manager) StopAllUserTasks(ctx context.Context, userID string) error {
	tasks, err := m.store.ListTasks(ctx, TaskFilter{UserID: userID}, 0, 0)
	if err != nil {
		return fmt.Errorf("list user tasks: %w", err)
	}
	for _, t := range tasks {
		if t.State.Terminal() {
			continue
		}
		if err := m.StopTask(ctx, t.ID); err != nil {
			return fmt.Errorf("stop task %s: %w", t.ID, err)
		}
	}
	return nil
}

// AppendActivity records one human-readable progress line against a task,
// used both by the agent subprocess's own control endpoint and by the
// hook ingestor's per-tool-event summaries.
func (m *Manager) AppendActivity(ctx context.Context, taskID, message string) error {
	return m.store.AppendActivity(ctx, taskID, message)
}

// Get returns the task by id, including its activity log.
func (m *Manager) Get(ctx context.Context, taskID string) (*models.Task, error) {
	return m.store.GetTask(ctx, taskID)
}

// List returns tasks matching filter.
func (m *Manager) List(ctx context.Context, filter TaskFilter, limit, offset int) ([]*models.Task, error) {
	return m.store.ListTasks(ctx, filter, limit, offset)
}

// RunningTasks adapts the store's task listing into agentrunner's
// TaskSource interface for the stall sweeper.
type RunningTaskSource struct {
	store Store
}

// NewRunningTaskSource wraps store for use as an agentrunner.TaskSource.
func NewRunningTaskSource(store Store) *RunningTaskSource {
	return &RunningTaskSource{store: store}
}

// RunningTasks implements agentrunner.TaskSource. LastToolEventAt is the
// most recent tool_events timestamp for the task, not Task.UpdatedAt: the
// stall sweep is a fence on the tool-event stream, separate from the
// agent's own wall-clock timeout, and UpdatedAt only moves on state/pid
// patches that hooks never touch.
func (r *RunningTaskSource) RunningTasks(ctx context.Context) ([]agentrunner.RunningTask, error) {
	tasks, err := r.store.ListTasks(ctx, TaskFilter{State: models.TaskRunning}, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]agentrunner.RunningTask, 0, len(tasks))
	for _, t := range tasks {
		lastEvent, err := r.store.LastToolEventAt(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("last tool event for task %s: %w", t.ID, err)
		}
		if lastEvent.IsZero() {
			lastEvent = t.UpdatedAt
		}
		out = append(out, agentrunner.RunningTask{TaskID: t.ID, PID: t.PID, LastToolEventAt: lastEvent})
	}
	return out, nil
}

// OnStall is the StallHandler the stall sweeper invokes for a task whose
// pid has died without reaching a terminal state.
func (m *Manager) OnStall(ctx context.Context, taskID string) {
	failed := models.TaskFailed
	errMsg := "stalled: process exited without a terminal update"
	if err := m.store.UpdateTask(ctx, taskID, models.TaskPatch{State: &failed, Error: &errMsg}); err != nil {
		m.log.Error("stall: mark failed", "task_id", taskID, "error", err)
		return
	}
	m.log.Warn("task marked failed by stall sweep", "task_id", taskID)
}
