// Package costgate is the cost & rate gate (C9): it admits or denies work
// based on per-user/global rate limits and daily/monthly USD budgets,
// combining the teacher's token-bucket ratelimit package with its usage
// tracker, backed by the durable cost ledger for persistence across
// restarts.
package costgate

import (
	"context"
	"fmt"
	"time"

	"github.com/mjfuentes/orchestrator/internal/ratelimit"
	"github.com/mjfuentes/orchestrator/internal/usage"
	"github.com/mjfuentes/orchestrator/pkg/models"
)

// Store is the subset of internal/store's API the gate needs for durable
// cost persistence.
type Store interface {
	ApplyCostDelta(ctx context.Context, dayKey, monthKey, model string, usage models.TokenUsage, costUSD float64) error
	GetCostTotal(ctx context.Context, bucketKey string) (float64, error)
}

// Config bounds admission.
type Config struct {
	DailyLimitUSD   float64
	MonthlyLimitUSD float64
	PerUserPerMin   int
	PerUserPerHour  int
	GlobalPerSecond int
}

// Gate admits requests against rate and cost budgets before a task is
// allowed to run.
type Gate struct {
	cfg         Config
	store       Store
	perMinute   *ratelimit.Limiter
	perHour     *ratelimit.Limiter
	global      *ratelimit.Limiter
	tracker     *usage.Tracker
	prices      map[string]models.ModelPrice
}

const globalKey = "*"

// New returns a Gate enforcing cfg, persisting ledger updates to store.
func New(cfg Config, store Store, prices map[string]models.ModelPrice) *Gate {
	return &Gate{
		cfg:       cfg,
		store:     store,
		perMinute: ratelimit.NewLimiter(ratelimit.PerMinute(cfg.PerUserPerMin)),
		perHour:   ratelimit.NewLimiter(ratelimit.PerHour(cfg.PerUserPerHour)),
		global:    ratelimit.NewLimiter(ratelimit.PerSecond(cfg.GlobalPerSecond)),
		tracker:   usage.NewTracker(usage.DefaultTrackerConfig()),
		prices:    prices,
	}
}

// Admit checks userID's rate budgets and the global/daily/monthly cost
// budgets, returning a models.Error with ErrRateLimited or
// ErrBudgetExceeded if the request should be denied.
func (g *Gate) Admit(ctx context.Context, userID string) error {
	if !g.perMinute.Allow(userID) {
		return models.NewError(models.ErrRateLimited, "per-minute rate limit exceeded for user "+userID, nil)
	}
	if !g.perHour.Allow(userID) {
		return models.NewError(models.ErrRateLimited, "per-hour rate limit exceeded for user "+userID, nil)
	}
	if !g.global.Allow(globalKey) {
		return models.NewError(models.ErrRateLimited, "global rate limit exceeded", nil)
	}

	now := time.Now()
	dayTotal, err := g.store.GetCostTotal(ctx, dayKey(now))
	if err != nil {
		return fmt.Errorf("check daily cost total: %w", err)
	}
	if g.cfg.DailyLimitUSD > 0 && dayTotal >= g.cfg.DailyLimitUSD {
		return models.NewError(models.ErrBudgetExceeded, "daily cost limit reached", nil)
	}
	monthTotal, err := g.store.GetCostTotal(ctx, monthKey(now))
	if err != nil {
		return fmt.Errorf("check monthly cost total: %w", err)
	}
	if g.cfg.MonthlyLimitUSD > 0 && monthTotal >= g.cfg.MonthlyLimitUSD {
		return models.NewError(models.ErrBudgetExceeded, "monthly cost limit reached", nil)
	}
	return nil
}

// RecordUsage prices u against model and persists the delta to both the
// in-memory tracker (for fast per-user/per-model totals) and the durable
// ledger (for restart-surviving budget enforcement).
func (g *Gate) RecordUsage(ctx context.Context, taskID, userID, model string, u models.TokenUsage) (costUSD float64, err error) {
	price, ok := g.prices[model]
	if !ok {
		price = g.prices["default"]
	}
	costUSD = price.Estimate(u)

	now := time.Now()
	g.tracker.Record(usage.Record{TaskID: taskID, UserID: userID, Model: model, Usage: u, CostUSD: costUSD, Timestamp: now})

	if err := g.store.ApplyCostDelta(ctx, dayKey(now), monthKey(now), model, u, costUSD); err != nil {
		return costUSD, fmt.Errorf("persist cost delta: %w", err)
	}
	return costUSD, nil
}

// Status returns the gate's current per-minute rate-limit standing for
// userID, used by the dashboard.
func (g *Gate) Status(userID string) ratelimit.Status {
	return g.perMinute.GetStatus(userID)
}

func dayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }
