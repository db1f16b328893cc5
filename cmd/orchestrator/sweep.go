package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/mjfuentes/orchestrator/internal/observability"
	"github.com/mjfuentes/orchestrator/internal/pool"
	"github.com/mjfuentes/orchestrator/internal/queue"
)

const orphanSweepInterval = 5 * time.Minute

// orphanSweepLoop periodically promotes pre-tool-use hook records that
// never received a matching post record to a failed/unknown state, so a
// crashed hook doesn't leave a tool call stuck "in flight" forever.
func orphanSweepLoop(ctx context.Context, ingestor hooksSweeper, log *slog.Logger) {
	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ingestor.SweepOrphans(ctx); err != nil {
				log.Warn("orphan sweep failed", "error", err)
			}
		}
	}
}

// hooksSweeper is the subset of *hooks.Ingestor orphanSweepLoop needs.
type hooksSweeper interface {
	SweepOrphans(ctx context.Context) error
}

// snapshotMetrics reads the worker pool's and request queue's current load
// into the Prometheus gauges and returns the same snapshot for the
// metrics fan-out channel.
func snapshotMetrics(p *pool.Pool, q *queue.Queue, m *observability.Metrics) map[string]any {
	status := p.Status()
	m.SetPoolStatus(status.ActiveWorkers, status.QueuedTasks)

	depths := map[string]int{}
	for _, userID := range q.Users() {
		d := q.Depth(userID)
		depths[userID] = d
		m.SetQueueDepth(userID, d)
	}

	return map[string]any{
		"poolActiveWorkers": status.ActiveWorkers,
		"poolQueuedTasks":   status.QueuedTasks,
		"queueDepths":       depths,
	}
}
