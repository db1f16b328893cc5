// Package store is the durable store (C1): a single embedded SQLite
// database holding tasks, tool events, the cost ledger, and users, behind a
// single-writer API serialized with retried-on-contention writes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/mjfuentes/orchestrator/internal/backoff"
	"github.com/mjfuentes/orchestrator/pkg/models"
)

// Store is the durable store's handle. All reads and writes go through the
// same *sql.DB, which is limited to a single open connection, so they are
// serialized by the connection pool rather than by a Go mutex.
type Store struct {
	db *sql.DB
}

const schemaVersion = 1

// Open opens (creating if necessary) the SQLite database at path, enables
// WAL mode, and applies idempotent migrations up to schemaVersion. Pass
// ":memory:" for an ephemeral store (used by tests).
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; SQLite serializes anyway

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_uuid TEXT NOT NULL,
			user_id TEXT NOT NULL,
			description TEXT NOT NULL,
			model TEXT NOT NULL,
			agent_kind TEXT NOT NULL,
			workflow TEXT,
			workspace TEXT NOT NULL,
			branch TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			pid INTEGER,
			result TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
		`CREATE TABLE IF NOT EXISTS task_activity (
			task_id TEXT NOT NULL REFERENCES tasks(id),
			timestamp DATETIME NOT NULL,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_task ON task_activity(task_id)`,
		`CREATE TABLE IF NOT EXISTS tool_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			session_uuid TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			tool TEXT NOT NULL,
			phase TEXT NOT NULL,
			parameters BLOB,
			output_preview TEXT,
			output_length INTEGER,
			has_error INTEGER NOT NULL DEFAULT 0,
			error_category TEXT,
			duration_millis INTEGER,
			usage_input INTEGER,
			usage_output INTEGER,
			usage_cache_create INTEGER,
			usage_cache_read INTEGER,
			file_paths TEXT,
			matched INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_events_task ON tool_events(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_events_correlation ON tool_events(session_uuid, tool, phase, matched)`,
		`CREATE TABLE IF NOT EXISTS cost_buckets (
			bucket_key TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_create_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (bucket_key, model)
		)`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_meta").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_meta(version) VALUES (?)", schemaVersion); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// withRetry runs fn, retrying on SQLite write contention up to 5 times with
// backoff before surfacing models.ErrConflict, per the durability design.
func withRetry(ctx context.Context, fn func() error) error {
	var stop backoffStop
	_, err := backoff.RetryFunc(ctx, 5, func(_ int) (struct{}, error) {
		err := fn()
		if err != nil && !isBusy(err) {
			// Report success to the retry loop so it ends now; the real
			// error is returned below.
			if !asBackoffStop(err, &stop) {
				stop = backoffStop{err}
			}
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if stop.err != nil {
		return stop.err
	}
	if err != nil {
		return models.NewError(models.ErrConflict, "write contention exhausted retries", err)
	}
	return nil
}

// backoffStop wraps a non-retryable error; withRetry ends its retry loop on
// the first such (or any other non-contention) error instead of re-attempting it.
type backoffStop struct{ err error }

func (b backoffStop) Error() string { return b.err.Error() }

func asBackoffStop(err error, target *backoffStop) bool {
	if err == nil {
		return false
	}
	if bs, ok := err.(backoffStop); ok {
		*target = bs
		return true
	}
	return false
}

func isBusy(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_BUSY in the error text; there is
	// no typed sentinel exported for it.
	return err != nil && (strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked"))
}

// CreateTask inserts a new task, failing with ErrConflict if id exists.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()[:6]
	}
	if t.SessionUUID == "" {
		t.SessionUUID = uuid.New().String()
	}
	if t.Branch == "" {
		t.Branch = "task/" + t.ID
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, session_uuid, user_id, description, model, agent_kind, workflow,
				workspace, branch, state, created_at, updated_at, pid, result, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL)`,
			t.ID, t.SessionUUID, t.UserID, t.Description, t.Model, t.AgentKind, t.Workflow,
			t.Workspace, t.Branch, string(t.State), t.CreatedAt, t.UpdatedAt)
		if err != nil && !isBusy(err) {
			return backoffStop{models.NewError(models.ErrConflict, "task already exists: "+t.ID, err)}
		}
		return err
	})
}

// UpdateTask applies patch to task id, enforcing the state-transition
// predicate and bumping updatedAt.
func (s *Store) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var currentState string
		if err := tx.QueryRowContext(ctx, "SELECT state FROM tasks WHERE id = ?", id).Scan(&currentState); err != nil {
			if err == sql.ErrNoRows {
				return backoffStop{models.NewError(models.ErrNotFound, "task not found: "+id, nil)}
			}
			return err
		}

		next := models.TaskState(currentState)
		if patch.State != nil {
			if !models.TaskState(currentState).CanTransition(*patch.State) {
				return backoffStop{models.NewError(models.ErrConflict,
					fmt.Sprintf("illegal transition %s -> %s for task %s", currentState, *patch.State, id), nil)}
			}
			next = *patch.State
		}

		var pid any
		if patch.PID != nil {
			pid = *patch.PID
		}
		var result, errMsg any
		if patch.Result != nil {
			result = *patch.Result
		}
		if patch.Error != nil {
			errMsg = *patch.Error
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, pid = COALESCE(?, pid), result = COALESCE(?, result),
				error = COALESCE(?, error), updated_at = ? WHERE id = ?`,
			string(next), pid, result, errMsg, time.Now(), id)
		if err != nil {
			return err
		}

		// pid is explicitly cleared (not just left alone) when leaving running.
		if patch.State != nil && *patch.State != models.TaskRunning {
			if _, err := tx.ExecContext(ctx, "UPDATE tasks SET pid = NULL WHERE id = ?", id); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
}

// AppendActivity atomically appends one activity-log line to a task.
func (s *Store) AppendActivity(ctx context.Context, taskID, message string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO task_activity (task_id, timestamp, message) VALUES (?, ?, ?)",
			taskID, time.Now(), message)
		return err
	})
}

// GetTask loads a task by id, including its activity log.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_uuid, user_id, description, model, agent_kind, workflow,
			workspace, branch, state, created_at, updated_at, pid, result, error
		FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.NewError(models.ErrNotFound, "task not found: "+id, nil)
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT timestamp, message FROM task_activity WHERE task_id = ? ORDER BY timestamp", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e models.ActivityEntry
		if err := rows.Scan(&e.Timestamp, &e.Message); err != nil {
			return nil, err
		}
		t.ActivityLog = append(t.ActivityLog, e)
	}
	return t, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	var state string
	var workflow, result, errMsg sql.NullString
	var pid sql.NullInt64
	if err := row.Scan(&t.ID, &t.SessionUUID, &t.UserID, &t.Description, &t.Model, &t.AgentKind,
		&workflow, &t.Workspace, &t.Branch, &state, &t.CreatedAt, &t.UpdatedAt, &pid, &result, &errMsg); err != nil {
		return nil, err
	}
	t.State = models.TaskState(state)
	t.Workflow = workflow.String
	t.Result = result.String
	t.Error = errMsg.String
	if pid.Valid {
		t.PID = int(pid.Int64)
	}
	return &t, nil
}

// TaskFilter restricts ListTasks by state and/or user.
type TaskFilter struct {
	State  models.TaskState
	UserID string
}

// ListTasks returns tasks matching filter, most recently updated first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter, limit, offset int) ([]*models.Task, error) {
	query := `SELECT id, session_uuid, user_id, description, model, agent_kind, workflow,
		workspace, branch, state, created_at, updated_at, pid, result, error FROM tasks WHERE 1=1`
	var args []any
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	query += " ORDER BY updated_at DESC"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RecordToolPre inserts a pre-invocation tool event, success left unknown.
func (s *Store) RecordToolPre(ctx context.Context, e *models.ToolEvent) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tool_events (task_id, session_uuid, timestamp, tool, phase, parameters, file_paths)
			VALUES (?, ?, ?, ?, 'pre', ?, ?)`,
			e.TaskID, e.SessionUUID, e.Timestamp, e.Tool, e.Parameters, joinPaths(e.FilePaths))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		e.ID = id
		return nil
	})
}

// RecordToolPost finalizes the tool event matched by matchID (found by the
// hook ingestor's correlation logic), or inserts a standalone post record
// if matchID is 0.
func (s *Store) RecordToolPost(ctx context.Context, matchID int64, e *models.ToolEvent) error {
	return withRetry(ctx, func() error {
		if matchID != 0 {
			_, err := s.db.ExecContext(ctx, `
				UPDATE tool_events SET output_preview = ?, output_length = ?, has_error = ?,
					error_category = ?, duration_millis = ?, usage_input = ?, usage_output = ?,
					usage_cache_create = ?, usage_cache_read = ?, file_paths = ?, matched = 1
				WHERE id = ?`,
				e.OutputPreview, e.OutputLength, boolToInt(e.HasError), string(e.ErrorCategory),
				e.DurationMillis, e.Usage.InputTokens, e.Usage.OutputTokens,
				e.Usage.CacheCreateTokens, e.Usage.CacheReadTokens, joinPaths(e.FilePaths), matchID)
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tool_events (task_id, session_uuid, timestamp, tool, phase, output_preview,
				output_length, has_error, error_category, duration_millis, usage_input, usage_output,
				usage_cache_create, usage_cache_read, file_paths, matched)
			VALUES (?, ?, ?, ?, 'post', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			e.TaskID, e.SessionUUID, e.Timestamp, e.Tool, e.OutputPreview, e.OutputLength,
			boolToInt(e.HasError), string(e.ErrorCategory), e.DurationMillis, e.Usage.InputTokens,
			e.Usage.OutputTokens, e.Usage.CacheCreateTokens, e.Usage.CacheReadTokens, joinPaths(e.FilePaths))
		return err
	})
}

// LastToolEventAt returns the timestamp of the most recent tool_events row
// for taskID (pre or post), or the zero time if none has been recorded yet.
// Used by the stall sweep, which fences on the tool-event stream rather
// than on the task row's own updated_at.
func (s *Store) LastToolEventAt(ctx context.Context, taskID string) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(timestamp) FROM tool_events WHERE task_id = ?", taskID).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// FindUnmatchedPre returns the id of the most recent unmatched pre event for
// (sessionUUID, tool) within window of now, or 0 if none is found.
func (s *Store) FindUnmatchedPre(ctx context.Context, sessionUUID, tool string, now time.Time, window time.Duration) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM tool_events
		WHERE session_uuid = ? AND tool = ? AND phase = 'pre' AND matched = 0 AND timestamp >= ?
		ORDER BY timestamp DESC LIMIT 1`,
		sessionUUID, tool, now.Add(-window)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// PromoteOrphans marks unmatched pre events older than olderThan as
// failed/unknown for display purposes (they remain tool_events rows; the
// Task's own state is updated by the caller).
func (s *Store) PromoteOrphans(ctx context.Context, olderThan time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tool_events WHERE phase = 'pre' AND matched = 0 AND timestamp < ?`, olderThan)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := withRetry(ctx, func() error {
			_, err := s.db.ExecContext(ctx,
				"UPDATE tool_events SET matched = 1, has_error = 1, error_category = ? WHERE id = ?",
				string(models.ErrUnknown), id)
			return err
		}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ApplyCostDelta performs the atomic read-modify-write of the day and month
// buckets for (date, month, model) in a single transaction.
func (s *Store) ApplyCostDelta(ctx context.Context, dayKey, monthKey, model string, usage models.TokenUsage, costUSD float64) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, key := range []string{dayKey, monthKey} {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cost_buckets (bucket_key, model, input_tokens, output_tokens,
					cache_create_tokens, cache_read_tokens, cost_usd)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(bucket_key, model) DO UPDATE SET
					input_tokens = input_tokens + excluded.input_tokens,
					output_tokens = output_tokens + excluded.output_tokens,
					cache_create_tokens = cache_create_tokens + excluded.cache_create_tokens,
					cache_read_tokens = cache_read_tokens + excluded.cache_read_tokens,
					cost_usd = cost_usd + excluded.cost_usd`,
				key, model, usage.InputTokens, usage.OutputTokens, usage.CacheCreateTokens, usage.CacheReadTokens, costUSD); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetCostBucket returns the aggregate for (bucketKey, model), zero-valued if
// no events have been recorded yet.
func (s *Store) GetCostBucket(ctx context.Context, bucketKey, model string) (models.Bucket, error) {
	var b models.Bucket
	err := s.db.QueryRowContext(ctx, `
		SELECT input_tokens, output_tokens, cache_create_tokens, cache_read_tokens, cost_usd
		FROM cost_buckets WHERE bucket_key = ? AND model = ?`, bucketKey, model).
		Scan(&b.Usage.InputTokens, &b.Usage.OutputTokens, &b.Usage.CacheCreateTokens, &b.Usage.CacheReadTokens, &b.CostUSD)
	if err == sql.ErrNoRows {
		return models.Bucket{}, nil
	}
	return b, err
}

// GetCostTotal returns the sum of cost_usd across all models for bucketKey.
func (s *Store) GetCostTotal(ctx context.Context, bucketKey string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, "SELECT SUM(cost_usd) FROM cost_buckets WHERE bucket_key = ?", bucketKey).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinPaths(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	b, _ := json.Marshal(paths)
	return string(b)
}

// SplitPaths parses the stored file_paths JSON array back into a slice.
func SplitPaths(raw string) []string {
	if raw == "" {
		return nil
	}
	var paths []string
	_ = json.Unmarshal([]byte(raw), &paths)
	return paths
}
