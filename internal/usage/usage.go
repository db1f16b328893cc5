// Package usage tracks token usage and cost across requests, feeding the
// cost & rate gate's sliding totals. Adapted from the teacher's own usage
// tracker: local Usage/Cost types are replaced by pkg/models' TokenUsage and
// ModelPrice so C9 doesn't have to convert between two near-identical shapes.
package usage

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mjfuentes/orchestrator/pkg/models"
)

// Record is one priced usage observation, either a direct LM answer or an
// agent task's final accounting.
type Record struct {
	TaskID    string
	UserID    string
	Model     string
	Usage     models.TokenUsage
	CostUSD   float64
	Timestamp time.Time
}

// TrackerConfig bounds the in-memory record window.
type TrackerConfig struct {
	MaxAge   time.Duration
	MaxCount int
}

// DefaultTrackerConfig keeps a rolling 24h / 10k-record window.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{MaxAge: 24 * time.Hour, MaxCount: 10000}
}

// Tracker accumulates usage records and running per-model/per-user totals,
// independent of the durable cost ledger (C1's cost_buckets table) which
// persists the same totals across restarts.
type Tracker struct {
	mu       sync.RWMutex
	records  []Record
	byModel  map[string]*models.TokenUsage
	byUser   map[string]*models.TokenUsage
	maxAge   time.Duration
	maxCount int
}

// NewTracker creates a tracker bounded by config.
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.MaxCount <= 0 {
		config.MaxCount = 10000
	}
	return &Tracker{
		byModel:  map[string]*models.TokenUsage{},
		byUser:   map[string]*models.TokenUsage{},
		maxAge:   config.MaxAge,
		maxCount: config.MaxCount,
	}
}

// Record adds r to the tracker, updating running totals and pruning
// anything outside the retention window.
func (t *Tracker) Record(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	t.records = append(t.records, r)

	if t.byModel[r.Model] == nil {
		t.byModel[r.Model] = &models.TokenUsage{}
	}
	t.byModel[r.Model].Add(r.Usage)

	if r.UserID != "" {
		if t.byUser[r.UserID] == nil {
			t.byUser[r.UserID] = &models.TokenUsage{}
		}
		t.byUser[r.UserID].Add(r.Usage)
	}

	t.pruneOld()
}

func (t *Tracker) pruneOld() {
	cutoff := time.Now().Add(-t.maxAge)
	startIdx := 0
	for i, r := range t.records {
		if r.Timestamp.After(cutoff) {
			startIdx = i
			break
		}
		startIdx = i + 1
	}
	if startIdx > 0 {
		t.records = t.records[startIdx:]
	}
	if len(t.records) > t.maxCount {
		t.records = t.records[len(t.records)-t.maxCount:]
	}
}

// ModelTotals returns accumulated usage for model, or a zero value.
func (t *Tracker) ModelTotals(model string) models.TokenUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if u := t.byModel[model]; u != nil {
		return *u
	}
	return models.TokenUsage{}
}

// UserTotals returns accumulated usage for userID, or a zero value.
func (t *Tracker) UserTotals(userID string) models.TokenUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if u := t.byUser[userID]; u != nil {
		return *u
	}
	return models.TokenUsage{}
}

// Recent returns up to limit of the most recent records.
func (t *Tracker) Recent(limit int) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	start := len(t.records) - limit
	out := make([]Record, limit)
	copy(out, t.records[start:])
	return out
}

// FormatTokenCount formats a token count for display (e.g. "12.3k").
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 10_000 {
		return fmt.Sprintf("%dk", count/1_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatUSD formats a dollar amount for display.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ""
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}

func total(u models.TokenUsage) int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreateTokens + u.CacheReadTokens
}

// FormatUsage formats usage as a single token-count string.
func FormatUsage(u models.TokenUsage) string {
	return FormatTokenCount(total(u)) + " tokens"
}

// FormatUsageDetailed formats usage with an input/output/cache breakdown.
func FormatUsageDetailed(u models.TokenUsage) string {
	var parts []string
	if u.InputTokens > 0 {
		parts = append(parts, fmt.Sprintf("in: %s", FormatTokenCount(u.InputTokens)))
	}
	if u.OutputTokens > 0 {
		parts = append(parts, fmt.Sprintf("out: %s", FormatTokenCount(u.OutputTokens)))
	}
	if u.CacheReadTokens > 0 {
		parts = append(parts, fmt.Sprintf("cache-r: %s", FormatTokenCount(u.CacheReadTokens)))
	}
	if u.CacheCreateTokens > 0 {
		parts = append(parts, fmt.Sprintf("cache-w: %s", FormatTokenCount(u.CacheCreateTokens)))
	}
	if len(parts) == 0 {
		return "0 tokens"
	}
	joined := parts[0]
	for _, p := range parts[1:] {
		joined += ", " + p
	}
	return fmt.Sprintf("%s tokens (%s)", FormatTokenCount(total(u)), joined)
}
