// Package hooks is the hook ingestor (C4): it tails the pre/post JSON-lines
// files an agent subprocess's tool-call hooks append to, extracts file
// paths, correlates pre/post pairs, and persists tool events to the durable
// store. It follows the watcher idiom of tailing a JSONL file with fsnotify.
// Tailing starts at the file's current end and the read offset is kept only
// in memory, so lines appended while no tailer is running are not ingested.
package hooks

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mjfuentes/orchestrator/pkg/models"
)

const (
	correlationWindow = 60 * time.Second
	orphanAge         = 10 * time.Minute
	dedupWindow       = 500 * time.Millisecond
	pollFallback      = 250 * time.Millisecond
)

// Store is the subset of internal/store's API the ingestor needs.
type Store interface {
	RecordToolPre(ctx context.Context, e *models.ToolEvent) error
	RecordToolPost(ctx context.Context, matchID int64, e *models.ToolEvent) error
	FindUnmatchedPre(ctx context.Context, sessionUUID, tool string, now time.Time, window time.Duration) (int64, error)
	PromoteOrphans(ctx context.Context, olderThan time.Time) ([]int64, error)
}

// Publisher receives live (possibly deduplicated) tool events for C11.
type Publisher interface {
	PublishToolEvent(e models.ToolEvent)
}

// Metrics is the subset of internal/observability.Metrics the ingestor
// updates directly.
type Metrics interface {
	IncToolEvent(tool, phase string)
}

// CostRecorder prices and persists a tool event's token usage against the
// cost ledger. Satisfied by *costgate.Gate.
type CostRecorder interface {
	RecordUsage(ctx context.Context, taskID, userID, model string, u models.TokenUsage) (costUSD float64, err error)
}

// preRecord is the JSON shape a pre-tool-use hook appends to pre.jsonl.
type preRecord struct {
	Timestamp   time.Time       `json:"timestamp"`
	Tool        string          `json:"tool"`
	Parameters  json.RawMessage `json:"parameters"`
	SessionUUID string          `json:"sessionUuid"`
}

// postRecord is the JSON shape a post-tool-use hook appends to post.jsonl.
type postRecord struct {
	Timestamp   time.Time        `json:"timestamp"`
	Tool        string           `json:"tool"`
	Output      string           `json:"output"`
	Error       string           `json:"error"`
	DurationMs  int64            `json:"duration"`
	TokenUsage  models.TokenUsage `json:"tokenUsage"`
	SessionUUID string           `json:"sessionUuid"`
}

// Ingestor tails a session's pre/post hook logs and writes correlated tool
// events to Store.
type Ingestor struct {
	store   Store
	pub     Publisher
	metrics Metrics
	costs   CostRecorder
	log     *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]dedupEntry // sessionUUID -> last (tool,params,time) for display dedup
}

type dedupEntry struct {
	tool   string
	params string
	at     time.Time
}

// New returns an Ingestor writing to store and publishing live updates to
// pub. metrics and costs may be nil, in which case tool-event counts
// aren't recorded and tool-event token usage isn't priced/charged.
func New(store Store, pub Publisher, metrics Metrics, costs CostRecorder, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{store: store, pub: pub, metrics: metrics, costs: costs, log: log, lastSeen: map[string]dedupEntry{}}
}

// WatchSession tails sessionDir/pre.jsonl and sessionDir/post.jsonl for
// sessionUUID/taskID until ctx is canceled, pricing and charging any
// token usage post records carry against userID/model. It returns once
// both tailers have stopped.
func (i *Ingestor) WatchSession(ctx context.Context, taskID, userID, model, sessionUUID, sessionDir string) error {
	prePath := filepath.Join(sessionDir, "pre.jsonl")
	postPath := filepath.Join(sessionDir, "post.jsonl")

	var wg sync.WaitGroup
	wg.Add(2)
	var preErr, postErr error
	go func() {
		defer wg.Done()
		preErr = i.tail(ctx, prePath, func(line []byte) {
			i.handlePre(ctx, taskID, sessionUUID, line)
		})
	}()
	go func() {
		defer wg.Done()
		postErr = i.tail(ctx, postPath, func(line []byte) {
			i.handlePost(ctx, taskID, userID, model, sessionUUID, line)
		})
	}()
	wg.Wait()
	if preErr != nil {
		return preErr
	}
	return postErr
}

// tail follows path from its current end of file, invoking onLine for each
// newly appended line, using fsnotify when available and falling back to
// polling if the watch cannot be established.
func (i *Ingestor) tail(ctx context.Context, path string, onLine func([]byte)) error {
	offset, err := fileSizeOrZero(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	useWatch := err == nil
	if useWatch {
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			useWatch = false
		}
	}
	if useWatch {
		defer watcher.Close()
	} else {
		i.log.Warn("falling back to polling for hook tail", "path", path, "error", err)
	}

	readNew := func() {
		newOffset, err := i.readFrom(path, offset, onLine)
		if err != nil {
			i.log.Warn("hook tail read failed", "path", path, "error", err)
			return
		}
		offset = newOffset
	}

	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !useWatch {
				readNew()
			}
		case ev, ok := <-eventsOrNil(watcher, useWatch):
			if !ok {
				useWatch = false
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) {
				readNew()
			}
		}
	}
}

func eventsOrNil(w *fsnotify.Watcher, use bool) chan fsnotify.Event {
	if !use {
		return nil
	}
	return w.Events
}

func fileSizeOrZero(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// readFrom reads lines appended to path since offset, calling onLine for
// each, and returns the new offset.
func (i *Ingestor) readFrom(path string, offset int64, onLine func([]byte)) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return offset, nil
	}
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return offset, err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var read int64
	for scanner.Scan() {
		line := scanner.Bytes()
		read += int64(len(line)) + 1
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		onLine(append([]byte(nil), line...))
	}
	return offset + read, scanner.Err()
}

func (i *Ingestor) handlePre(ctx context.Context, taskID, sessionUUID string, line []byte) {
	var rec preRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		i.log.Warn("malformed pre hook record", "error", err)
		return
	}
	if rec.SessionUUID == "" {
		rec.SessionUUID = sessionUUID
	}

	event := &models.ToolEvent{
		TaskID:      taskID,
		SessionUUID: rec.SessionUUID,
		Timestamp:   rec.Timestamp,
		Tool:        rec.Tool,
		Phase:       models.ToolPhasePre,
		Parameters:  rec.Parameters,
		FilePaths:   extractFilePathsPre(rec.Tool, rec.Parameters),
	}
	if err := i.store.RecordToolPre(ctx, event); err != nil {
		i.log.Warn("record pre tool event failed", "error", err)
		return
	}
	if i.metrics != nil {
		i.metrics.IncToolEvent(event.Tool, string(event.Phase))
	}
	i.publishDeduped(*event)
}

func (i *Ingestor) handlePost(ctx context.Context, taskID, userID, model, sessionUUID string, line []byte) {
	var rec postRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		i.log.Warn("malformed post hook record", "error", err)
		return
	}
	if rec.SessionUUID == "" {
		rec.SessionUUID = sessionUUID
	}

	preview, length := models.TruncateOutput(rec.Output)
	event := &models.ToolEvent{
		TaskID:         taskID,
		SessionUUID:    rec.SessionUUID,
		Timestamp:      rec.Timestamp,
		Tool:           rec.Tool,
		Phase:          models.ToolPhasePost,
		OutputPreview:  preview,
		OutputLength:   length,
		HasError:       rec.Error != "",
		DurationMillis: rec.DurationMs,
		Usage:          rec.TokenUsage,
		FilePaths:      extractFilePathsPost(rec.Output),
	}
	if rec.Error != "" {
		event.ErrorCategory = classifyError(rec.Error)
	}

	matchID, err := i.store.FindUnmatchedPre(ctx, rec.SessionUUID, rec.Tool, rec.Timestamp, correlationWindow)
	if err != nil {
		i.log.Warn("find unmatched pre failed", "error", err)
	}
	if err := i.store.RecordToolPost(ctx, matchID, event); err != nil {
		i.log.Warn("record post tool event failed", "error", err)
		return
	}
	if i.metrics != nil {
		i.metrics.IncToolEvent(event.Tool, string(event.Phase))
	}
	if i.costs != nil && hasUsage(rec.TokenUsage) {
		if _, err := i.costs.RecordUsage(ctx, taskID, userID, model, rec.TokenUsage); err != nil {
			i.log.Warn("record tool event cost failed", "task_id", taskID, "error", err)
		}
	}
	i.publishDeduped(*event)
}

func hasUsage(u models.TokenUsage) bool {
	return u.InputTokens != 0 || u.OutputTokens != 0 || u.CacheCreateTokens != 0 || u.CacheReadTokens != 0
}

// publishDeduped collapses consecutive identical (tool, parameters) events
// within dedupWindow for the live stream only; every event is still stored.
func (i *Ingestor) publishDeduped(e models.ToolEvent) {
	if i.pub == nil {
		return
	}
	key := string(e.Parameters)
	i.mu.Lock()
	last, ok := i.lastSeen[e.SessionUUID]
	if ok && last.tool == e.Tool && last.params == key && e.Timestamp.Sub(last.at) < dedupWindow {
		i.mu.Unlock()
		return
	}
	i.lastSeen[e.SessionUUID] = dedupEntry{tool: e.Tool, params: key, at: e.Timestamp}
	i.mu.Unlock()
	i.pub.PublishToolEvent(e)
}

// SweepOrphans promotes unmatched pre events older than orphanAge to
// failed/unknown. Intended to be called from a periodic background loop.
func (i *Ingestor) SweepOrphans(ctx context.Context) error {
	_, err := i.store.PromoteOrphans(ctx, time.Now().Add(-orphanAge))
	return err
}

var ignoredPathPrefixes = []string{"/tmp/", "/dev/", "/proc/"}

var bashVerbTokenRe = regexp.MustCompile(
	`\b(?:cat|head|tail|less|more|vim|nano|cp|mv|rm|chmod|chown|mkdir|rmdir|touch|open|code)\s+(\S+)|[<>]{1,2}\s*(\S+)`)

func extractFilePathsPre(tool string, params json.RawMessage) []string {
	var raw map[string]any
	if len(params) > 0 {
		_ = json.Unmarshal(params, &raw)
	}
	var paths []string
	switch tool {
	case "Read", "Write", "Edit":
		if p, ok := raw["file_path"].(string); ok {
			paths = append(paths, p)
		}
	case "Glob", "Grep":
		if p, ok := raw["pattern"].(string); ok {
			paths = append(paths, "glob:"+p)
		}
		if p, ok := raw["path"].(string); ok {
			paths = append(paths, p)
		}
	case "NotebookEdit":
		if p, ok := raw["notebook_path"].(string); ok {
			paths = append(paths, p)
		}
	case "Bash":
		if cmd, ok := raw["command"].(string); ok {
			for _, m := range bashVerbTokenRe.FindAllStringSubmatch(cmd, -1) {
				if m[1] != "" {
					paths = append(paths, m[1])
				}
				if m[2] != "" {
					paths = append(paths, m[2])
				}
			}
		}
	}
	return filterPaths(paths)
}

var pathLikeTokenRe = regexp.MustCompile(`(?:/[\w.\-]+)+`)

func extractFilePathsPost(output string) []string {
	var raw map[string]any
	if err := json.Unmarshal([]byte(output), &raw); err == nil {
		var paths []string
		for _, key := range []string{"files", "paths", "matches", "results"} {
			if arr, ok := raw[key].([]any); ok {
				for _, item := range arr {
					if s, ok := item.(string); ok {
						paths = append(paths, s)
					}
				}
			}
		}
		if len(paths) > 0 {
			return filterPaths(paths)
		}
	}
	return filterPaths(pathLikeTokenRe.FindAllString(output, -1))
}

func filterPaths(paths []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		skip := false
		for _, prefix := range ignoredPathPrefixes {
			if strings.HasPrefix(p, prefix) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func classifyError(msg string) models.ErrorCategory {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no such file"), strings.Contains(lower, "not found"):
		return models.ErrFileNotFound
	case strings.Contains(lower, "permission denied"):
		return models.ErrPermissionDenied
	case strings.Contains(lower, "timed out"), strings.Contains(lower, "timeout"):
		return models.ErrTimeout
	case strings.Contains(lower, "syntax error"):
		return models.ErrSyntaxError
	case strings.Contains(lower, "exit status"), strings.Contains(lower, "command failed"):
		return models.ErrCommandFailed
	default:
		return models.ErrUnknown
	}
}
