package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mjfuentes/orchestrator/internal/dispatcher"
	"github.com/mjfuentes/orchestrator/internal/fanout"
	"github.com/mjfuentes/orchestrator/internal/pool"
	"github.com/mjfuentes/orchestrator/internal/queue"
	"github.com/mjfuentes/orchestrator/internal/session"
	"github.com/mjfuentes/orchestrator/internal/task"
	"github.com/mjfuentes/orchestrator/pkg/models"
)

// chatJob is one submitMessage call queued for per-user sequential
// handling by C7.
type chatJob struct {
	userID    string
	content   string
	inputKind models.InputKind
	priority  bool
	result    chan submitResult
}

// submitResult is what a chat job reports back to the waiting HTTP
// handler: either a direct answer or an accepted background task, never
// both, mirroring §6's submitMessage contract.
type submitResult struct {
	answer *dispatcher.DirectAnswer
	task   *models.Task
	reply  string
	err    error
}

// CostRecorder prices and persists token usage against a cost ledger.
// Satisfied by *costgate.Gate; a direct answer has no task, so it's
// charged under the fixed "direct" bucket rather than a task ID.
type CostRecorder interface {
	RecordUsage(ctx context.Context, taskID, userID, model string, u models.TokenUsage) (costUSD float64, err error)
}

// apiDeps bundles the dependencies the HTTP handlers close over.
type apiDeps struct {
	sessions    *session.Store
	queue       *queue.Queue
	taskManager *task.Manager
	broadcaster *fanout.Broadcaster
	log         *slog.Logger
}

// registerAPIRoutes mounts the submission, control, and subscription
// endpoints from §6 onto mux.
func registerAPIRoutes(mux *http.ServeMux, d apiDeps) {
	mux.HandleFunc("POST /submit", d.handleSubmit)
	mux.HandleFunc("POST /tasks/{id}/stop", d.handleStopTask)
	mux.HandleFunc("POST /tasks/{id}/activity", d.handleActivity)
	mux.HandleFunc("GET /tasks/{id}", d.handleGetTask)
	mux.HandleFunc("GET /tasks", d.handleListTasks)
	mux.HandleFunc("POST /users/{id}/stop-all", d.handleStopAllUserTasks)
	mux.HandleFunc("POST /users/{id}/clear-session", d.handleClearSession)
	mux.Handle("/subscribe", fanout.NewSubscribeHandler(d.broadcaster, d.log))
}

type submitRequest struct {
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	InputKind string `json:"inputKind"`
	Priority  bool   `json:"priority"`
}

type submitResponse struct {
	Answer        string `json:"answer,omitempty"`
	TaskID        string `json:"taskId,omitempty"`
	UserReplyText string `json:"userReplyText,omitempty"`
}

// handleSubmit implements submitMessage(userId, content, inputKind,
// priority): it enqueues the request onto the user's per-user lane and
// waits for the queued handler to classify and (if accepted) create the
// task, returning either an Answer or an Accepted response.
func (d apiDeps) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.NewError(models.ErrMaliciousInput, "malformed request body", err))
		return
	}
	if req.UserID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, models.NewError(models.ErrMaliciousInput, "userId and content are required", nil))
		return
	}

	job := chatJob{
		userID:    req.UserID,
		content:   req.Content,
		inputKind: models.InputKind(req.InputKind),
		priority:  req.Priority,
		result:    make(chan submitResult, 1),
	}
	if job.inputKind == "" {
		job.inputKind = models.InputText
	}

	d.queue.Enqueue(r.Context(), req.UserID, job, req.Priority)

	select {
	case res := <-job.result:
		if res.err != nil {
			writeError(w, statusFor(res.err), res.err)
			return
		}
		if res.answer != nil {
			writeJSON(w, http.StatusOK, submitResponse{Answer: res.answer.Text})
			return
		}
		writeJSON(w, http.StatusAccepted, submitResponse{TaskID: res.task.ID, UserReplyText: res.reply})
	case <-r.Context().Done():
	}
}

// handleChatJob is the per-user queue's handler body (C7 -> C10 -> C8):
// it loads recent history and active-task context, classifies the
// message, and either appends a direct answer to the session or creates
// a background task, then reports the outcome back to the waiting HTTP
// handler.
func handleChatJob(ctx context.Context, job chatJob, sessions *session.Store, classifier *dispatcher.Dispatcher, tasks *task.Manager, costs CostRecorder, log *slog.Logger) {
	defer close(job.result)

	sess := sessions.GetOrCreate(job.userID)
	active, err := tasks.List(ctx, task.TaskFilter{UserID: job.userID, State: models.TaskRunning}, 10, 0)
	if err != nil {
		log.Warn("list active tasks for dispatch context failed", "user_id", job.userID, "error", err)
	}
	activeDescs := make([]string, 0, len(active))
	for _, t := range active {
		activeDescs = append(activeDescs, t.Description)
	}

	req := dispatcher.Request{
		UserID:           job.userID,
		Content:          job.content,
		History:          sess.Messages,
		CurrentWorkspace: sess.CurrentWorkspace,
		ActiveTasks:      activeDescs,
	}

	result, err := classifier.Classify(ctx, req)
	if err != nil {
		job.result <- submitResult{err: err}
		return
	}

	_ = sessions.Append(job.userID, models.Message{
		Role: models.RoleUser, Content: job.content, Timestamp: time.Now(), InputKind: job.inputKind,
	})

	if result.Direct != nil {
		_ = sessions.Append(job.userID, models.Message{
			Role: models.RoleAssistant, Content: result.Direct.Text, Timestamp: time.Now(),
		})
		if costs != nil {
			if _, err := costs.RecordUsage(ctx, "direct", job.userID, result.Direct.Model, result.Direct.Usage); err != nil {
				log.Warn("record direct answer cost failed", "user_id", job.userID, "error", err)
			}
		}
		job.result <- submitResult{answer: result.Direct}
		return
	}

	t := &models.Task{
		ID:          uuid.NewString()[:6],
		SessionUUID: uuid.NewString(),
		UserID:      job.userID,
		Description: result.Background.Description,
		AgentKind:   "coding",
	}
	priority := pool.Normal
	if job.priority {
		priority = pool.High
	}
	created, err := tasks.CreateTask(ctx, t, priority)
	if err != nil {
		job.result <- submitResult{err: err}
		return
	}
	_ = sessions.SetWorkspace(job.userID, created.Workspace)
	_ = sessions.Append(job.userID, models.Message{
		Role: models.RoleAssistant, Content: result.Background.UserReplyText, Timestamp: time.Now(),
	})
	job.result <- submitResult{task: created, reply: result.Background.UserReplyText}
}

func (d apiDeps) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.taskManager.StopTask(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d apiDeps) handleStopAllUserTasks(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if err := d.taskManager.StopAllUserTasks(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d apiDeps) handleClearSession(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if err := d.sessions.Clear(userID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activityRequest struct {
	Message string `json:"message"`
}

// handleActivity is the local control endpoint an agent subprocess's own
// tooling may POST a short progress line to, per §6's agent subprocess
// contract.
func (d apiDeps) handleActivity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req activityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.NewError(models.ErrMaliciousInput, "malformed activity body", err))
		return
	}
	if err := d.taskManager.AppendActivity(r.Context(), id, req.Message); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d apiDeps) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := d.taskManager.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (d apiDeps) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := task.TaskFilter{
		UserID: r.URL.Query().Get("userId"),
		State:  models.TaskState(r.URL.Query().Get("state")),
	}
	tasks, err := d.taskManager.List(r.Context(), filter, 100, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Kind    models.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Kind: models.KindOf(err), Message: err.Error()})
}

// statusFor maps the error taxonomy onto an HTTP status per §7.
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.ErrNotFound:
		return http.StatusNotFound
	case models.ErrConflict, models.ErrMergeConflict:
		return http.StatusConflict
	case models.ErrRateLimited:
		return http.StatusTooManyRequests
	case models.ErrBudgetExceeded:
		return http.StatusPaymentRequired
	case models.ErrMaliciousInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
