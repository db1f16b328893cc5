package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mjfuentes/orchestrator/internal/agentrunner"
	"github.com/mjfuentes/orchestrator/internal/pool"
	"github.com/mjfuentes/orchestrator/internal/store"
	"github.com/mjfuentes/orchestrator/internal/workspace"
	"github.com/mjfuentes/orchestrator/pkg/models"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]*models.Task{}}
}

func (s *fakeStore) CreateTask(ctx context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.NewError(models.ErrNotFound, "no such task", nil)
	}
	if patch.State != nil {
		t.State = *patch.State
	}
	if patch.PID != nil {
		t.PID = *patch.PID
	}
	if patch.State != nil && *patch.State != models.TaskRunning {
		t.PID = 0
	}
	if patch.Result != nil {
		t.Result = *patch.Result
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	return nil
}

func (s *fakeStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "no such task", nil)
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) ListTasks(ctx context.Context, filter store.TaskFilter, limit, offset int) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if filter.State != "" && t.State != filter.State {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) AppendActivity(ctx context.Context, taskID, message string) error {
	return nil
}

func (s *fakeStore) LastToolEventAt(ctx context.Context, taskID string) (time.Time, error) {
	return time.Time{}, nil
}

type fakeWorkspace struct{ fail, mergeFail bool }

func (w *fakeWorkspace) Allocate(ctx context.Context, taskID string) (string, string, error) {
	if w.fail {
		return "", "", errors.New("allocation failed")
	}
	return "/workspaces/" + taskID, "task/" + taskID, nil
}

func (w *fakeWorkspace) Merge(ctx context.Context, taskID, branch string) (workspace.MergeResult, error) {
	if w.mergeFail {
		return workspace.MergeResult{}, errors.New("merge failed")
	}
	return workspace.MergeResult{Merged: true, CommitCount: 1}, nil
}

type fakeAdmitter struct{ deny bool }

func (a *fakeAdmitter) Admit(ctx context.Context, userID string) error {
	if a.deny {
		return models.NewError(models.ErrBudgetExceeded, "over budget", nil)
	}
	return nil
}

type fakeRunner struct {
	result agentrunner.Result
}

func (r *fakeRunner) Run(ctx context.Context, spec agentrunner.Spec, onStart func(pid int)) agentrunner.Result {
	onStart(4242)
	<-ctx.Done()
	res := r.result
	res.PID = 4242
	res.Stopped = true
	return res
}

type immediateRunner struct {
	result agentrunner.Result
}

func (r *immediateRunner) Run(ctx context.Context, spec agentrunner.Spec, onStart func(pid int)) agentrunner.Result {
	onStart(4242)
	res := r.result
	res.PID = 4242
	return res
}

type inlineSubmitter struct {
	done chan struct{}
}

func (s *inlineSubmitter) Submit(fn func(ctx context.Context), priority pool.Priority) *pool.Handle {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		fn(ctx)
		close(s.done)
	}()
	return pool.NewHandle(cancel, s.done)
}

func TestCreateTaskDeniedByAdmissionRecordsFailed(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, &fakeWorkspace{}, &fakeAdmitter{deny: true}, &immediateRunner{}, &inlineSubmitter{done: make(chan struct{})}, nil, nil, Config{}, nil)

	tk := &models.Task{ID: "t1", UserID: "u1"}
	got, err := m.CreateTask(context.Background(), tk, pool.Normal)
	if err == nil {
		t.Fatal("expected admission error")
	}
	if got.State != models.TaskFailed {
		t.Fatalf("state = %v, want failed", got.State)
	}
	stored, _ := fs.GetTask(context.Background(), "t1")
	if stored.State != models.TaskFailed {
		t.Fatalf("stored state = %v, want failed", stored.State)
	}
}

func TestCreateTaskWorkspaceFailureRecordsFailed(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, &fakeWorkspace{fail: true}, &fakeAdmitter{}, &immediateRunner{}, &inlineSubmitter{done: make(chan struct{})}, nil, nil, Config{}, nil)

	tk := &models.Task{ID: "t1", UserID: "u1"}
	_, err := m.CreateTask(context.Background(), tk, pool.Normal)
	if err == nil {
		t.Fatal("expected workspace error")
	}
	stored, _ := fs.GetTask(context.Background(), "t1")
	if stored.State != models.TaskFailed {
		t.Fatalf("stored state = %v, want failed", stored.State)
	}
}

func TestCreateTaskSuccessTransitionsThroughRunningToCompleted(t *testing.T) {
	fs := newFakeStore()
	sub := &inlineSubmitter{done: make(chan struct{})}
	m := New(fs, &fakeWorkspace{}, &fakeAdmitter{}, &immediateRunner{result: agentrunner.Result{ExitCode: 0}}, sub, nil, nil, Config{}, nil)

	tk := &models.Task{ID: "t2", UserID: "u1"}
	got, err := m.CreateTask(context.Background(), tk, pool.Normal)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if got.Workspace != "/workspaces/t2" {
		t.Fatalf("workspace = %q", got.Workspace)
	}

	select {
	case <-sub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run to finish")
	}

	final, _ := fs.GetTask(context.Background(), "t2")
	if final.State != models.TaskCompleted {
		t.Fatalf("final state = %v, want completed", final.State)
	}
	if final.PID != 0 {
		t.Fatalf("pid = %d, want cleared on terminal state", final.PID)
	}
}

func TestStopTaskCancelsInFlightRun(t *testing.T) {
	fs := newFakeStore()
	sub := &inlineSubmitter{done: make(chan struct{})}
	m := New(fs, &fakeWorkspace{}, &fakeAdmitter{}, &fakeRunner{}, sub, nil, nil, Config{}, nil)

	tk := &models.Task{ID: "t3", UserID: "u1"}
	if _, err := m.CreateTask(context.Background(), tk, pool.Normal); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Wait for the run goroutine to register its cancel func.
	deadline := time.After(2 * time.Second)
	for {
		m.mu.Lock()
		_, ok := m.cancels["t3"]
		m.mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("run never registered a cancel func")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if err := m.StopTask(context.Background(), "t3"); err != nil {
		t.Fatalf("StopTask: %v", err)
	}

	select {
	case <-sub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run to finish after stop")
	}

	final, _ := fs.GetTask(context.Background(), "t3")
	if final.State != models.TaskStopped {
		t.Fatalf("final state = %v, want stopped", final.State)
	}
}

func TestStopTaskOnTerminalTaskIsNoOp(t *testing.T) {
	fs := newFakeStore()
	done := models.TaskCompleted
	fs.tasks["t4"] = &models.Task{ID: "t4", State: done}
	m := New(fs, &fakeWorkspace{}, &fakeAdmitter{}, &immediateRunner{}, &inlineSubmitter{done: make(chan struct{})}, nil, nil, Config{}, nil)

	if err := m.StopTask(context.Background(), "t4"); err != nil {
		t.Fatalf("StopTask on terminal task: %v", err)
	}
}

func TestRunningTaskSourceMapsPidsAndTimestamps(t *testing.T) {
	fs := newFakeStore()
	now := time.Now()
	fs.tasks["t5"] = &models.Task{ID: "t5", State: models.TaskRunning, PID: 111, UpdatedAt: now}
	fs.tasks["t6"] = &models.Task{ID: "t6", State: models.TaskCompleted, PID: 0}

	src := NewRunningTaskSource(fs)
	running, err := src.RunningTasks(context.Background())
	if err != nil {
		t.Fatalf("RunningTasks: %v", err)
	}
	if len(running) != 1 || running[0].TaskID != "t5" || running[0].PID != 111 {
		t.Fatalf("running = %+v", running)
	}
}
