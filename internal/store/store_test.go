package store

import (
	"context"
	"testing"
	"time"

	"github.com/mjfuentes/orchestrator/pkg/models"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateTaskRejectsDuplicateID(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	tk := &models.Task{ID: "dup1", UserID: "u1", State: models.TaskPending}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("first CreateTask: %v", err)
	}
	tk2 := &models.Task{ID: "dup1", UserID: "u2", State: models.TaskPending}
	err := s.CreateTask(ctx, tk2)
	if err == nil {
		t.Fatal("expected conflict on duplicate id")
	}
	if models.KindOf(err) != models.ErrConflict {
		t.Fatalf("kind = %v, want conflict", models.KindOf(err))
	}
}

func TestUpdateTaskEnforcesTransitionPredicate(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	tk := &models.Task{ID: "t1", UserID: "u1", State: models.TaskCompleted}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	running := models.TaskRunning
	err := s.UpdateTask(ctx, "t1", models.TaskPatch{State: &running})
	if err == nil {
		t.Fatal("expected illegal transition error")
	}
	if models.KindOf(err) != models.ErrConflict {
		t.Fatalf("kind = %v, want conflict", models.KindOf(err))
	}
}

func TestUpdateTaskClearsPidOnTerminalTransition(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	tk := &models.Task{ID: "t2", UserID: "u1", State: models.TaskPending}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	running := models.TaskRunning
	pid := 4242
	if err := s.UpdateTask(ctx, "t2", models.TaskPatch{State: &running, PID: &pid}); err != nil {
		t.Fatalf("-> running: %v", err)
	}
	got, err := s.GetTask(ctx, "t2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.PID != pid {
		t.Fatalf("pid = %d, want %d", got.PID, pid)
	}

	completed := models.TaskCompleted
	result := "done"
	if err := s.UpdateTask(ctx, "t2", models.TaskPatch{State: &completed, Result: &result}); err != nil {
		t.Fatalf("-> completed: %v", err)
	}
	got, err = s.GetTask(ctx, "t2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.PID != 0 {
		t.Fatalf("pid = %d, want cleared on terminal state", got.PID)
	}
	if got.Result != "done" {
		t.Fatalf("result = %q", got.Result)
	}
}

func TestUpdateTaskUnknownIDReturnsNotFound(t *testing.T) {
	s := open(t)
	running := models.TaskRunning
	err := s.UpdateTask(context.Background(), "nope", models.TaskPatch{State: &running})
	if models.KindOf(err) != models.ErrNotFound {
		t.Fatalf("kind = %v, want not_found", models.KindOf(err))
	}
}

func TestAppendActivityAndGetTaskOrdersChronologically(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	tk := &models.Task{ID: "t3", UserID: "u1", State: models.TaskPending}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.AppendActivity(ctx, "t3", "started"); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}
	if err := s.AppendActivity(ctx, "t3", "progressing"); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}
	got, err := s.GetTask(ctx, "t3")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if len(got.ActivityLog) != 2 {
		t.Fatalf("activity log len = %d, want 2", len(got.ActivityLog))
	}
	if got.ActivityLog[0].Message != "started" || got.ActivityLog[1].Message != "progressing" {
		t.Fatalf("activity log = %+v", got.ActivityLog)
	}
}

func TestListTasksFiltersByStateAndUser(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	for _, tk := range []*models.Task{
		{ID: "a1", UserID: "u1", State: models.TaskRunning},
		{ID: "a2", UserID: "u1", State: models.TaskCompleted},
		{ID: "a3", UserID: "u2", State: models.TaskRunning},
	} {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask %s: %v", tk.ID, err)
		}
	}

	running, err := s.ListTasks(ctx, TaskFilter{State: models.TaskRunning}, 0, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("running len = %d, want 2", len(running))
	}

	u1, err := s.ListTasks(ctx, TaskFilter{UserID: "u1"}, 0, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(u1) != 2 {
		t.Fatalf("u1 len = %d, want 2", len(u1))
	}
}

func TestRecordToolPreThenPostCorrelatesByID(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	tk := &models.Task{ID: "t4", UserID: "u1", State: models.TaskRunning, SessionUUID: "sess-1"}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	pre := &models.ToolEvent{TaskID: "t4", SessionUUID: "sess-1", Tool: "Read", Timestamp: time.Now()}
	if err := s.RecordToolPre(ctx, pre); err != nil {
		t.Fatalf("RecordToolPre: %v", err)
	}
	if pre.ID == 0 {
		t.Fatal("expected pre event id to be assigned")
	}

	matchID, err := s.FindUnmatchedPre(ctx, "sess-1", "Read", time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("FindUnmatchedPre: %v", err)
	}
	if matchID != pre.ID {
		t.Fatalf("matchID = %d, want %d", matchID, pre.ID)
	}

	post := &models.ToolEvent{TaskID: "t4", SessionUUID: "sess-1", Tool: "Read", OutputPreview: "ok", OutputLength: 2}
	if err := s.RecordToolPost(ctx, matchID, post); err != nil {
		t.Fatalf("RecordToolPost: %v", err)
	}

	again, err := s.FindUnmatchedPre(ctx, "sess-1", "Read", time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("FindUnmatchedPre after match: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected no unmatched pre after correlation, got %d", again)
	}
}

func TestRecordToolPostWithoutMatchInsertsStandalone(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	tk := &models.Task{ID: "t5", UserID: "u1", State: models.TaskRunning, SessionUUID: "sess-2"}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	post := &models.ToolEvent{TaskID: "t5", SessionUUID: "sess-2", Tool: "Bash", OutputPreview: "done"}
	if err := s.RecordToolPost(ctx, 0, post); err != nil {
		t.Fatalf("RecordToolPost: %v", err)
	}
}

func TestPromoteOrphansMarksOnlyStaleUnmatchedPre(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	tk := &models.Task{ID: "t6", UserID: "u1", State: models.TaskRunning, SessionUUID: "sess-3"}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	stale := &models.ToolEvent{TaskID: "t6", SessionUUID: "sess-3", Tool: "Bash", Timestamp: time.Now().Add(-20 * time.Minute)}
	if err := s.RecordToolPre(ctx, stale); err != nil {
		t.Fatalf("RecordToolPre stale: %v", err)
	}
	fresh := &models.ToolEvent{TaskID: "t6", SessionUUID: "sess-3", Tool: "Read", Timestamp: time.Now()}
	if err := s.RecordToolPre(ctx, fresh); err != nil {
		t.Fatalf("RecordToolPre fresh: %v", err)
	}

	promoted, err := s.PromoteOrphans(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("PromoteOrphans: %v", err)
	}
	if len(promoted) != 1 || promoted[0] != stale.ID {
		t.Fatalf("promoted = %v, want [%d]", promoted, stale.ID)
	}

	// Idempotent: a second sweep with the same cutoff finds nothing left.
	promotedAgain, err := s.PromoteOrphans(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("PromoteOrphans second sweep: %v", err)
	}
	if len(promotedAgain) != 0 {
		t.Fatalf("second sweep promoted = %v, want none", promotedAgain)
	}
}

func TestApplyCostDeltaAccumulatesDayAndMonthBuckets(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	usage1 := models.TokenUsage{InputTokens: 100, OutputTokens: 50}
	if err := s.ApplyCostDelta(ctx, "2026-07-31", "2026-07", "claude-haiku", usage1, 0.01); err != nil {
		t.Fatalf("ApplyCostDelta 1: %v", err)
	}
	usage2 := models.TokenUsage{InputTokens: 200, OutputTokens: 75}
	if err := s.ApplyCostDelta(ctx, "2026-07-31", "2026-07", "claude-haiku", usage2, 0.02); err != nil {
		t.Fatalf("ApplyCostDelta 2: %v", err)
	}

	day, err := s.GetCostBucket(ctx, "2026-07-31", "claude-haiku")
	if err != nil {
		t.Fatalf("GetCostBucket day: %v", err)
	}
	if day.Usage.InputTokens != 300 || day.Usage.OutputTokens != 125 {
		t.Fatalf("day usage = %+v", day.Usage)
	}
	if day.CostUSD < 0.0299 || day.CostUSD > 0.0301 {
		t.Fatalf("day cost = %v, want ~0.03", day.CostUSD)
	}

	month, err := s.GetCostBucket(ctx, "2026-07", "claude-haiku")
	if err != nil {
		t.Fatalf("GetCostBucket month: %v", err)
	}
	if month.Usage.InputTokens != 300 {
		t.Fatalf("month usage = %+v", month.Usage)
	}

	total, err := s.GetCostTotal(ctx, "2026-07-31")
	if err != nil {
		t.Fatalf("GetCostTotal: %v", err)
	}
	if total < 0.0299 || total > 0.0301 {
		t.Fatalf("total = %v, want ~0.03", total)
	}
}

func TestGetCostBucketZeroValuedWhenUnrecorded(t *testing.T) {
	s := open(t)
	b, err := s.GetCostBucket(context.Background(), "2026-01-01", "nonexistent-model")
	if err != nil {
		t.Fatalf("GetCostBucket: %v", err)
	}
	if b.CostUSD != 0 || b.Usage.InputTokens != 0 {
		t.Fatalf("bucket = %+v, want zero-valued", b)
	}
}

func TestSplitPathsRoundTripsThroughJoinPaths(t *testing.T) {
	paths := []string{"/repo/main.go", "/repo/handler.go"}
	joined := joinPaths(paths)
	got := SplitPaths(joined)
	if len(got) != 2 || got[0] != paths[0] || got[1] != paths[1] {
		t.Fatalf("round trip = %v, want %v", got, paths)
	}
	if SplitPaths("") != nil {
		t.Fatal("expected nil for empty input")
	}
}
