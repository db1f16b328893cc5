package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments the orchestrator updates;
// Registry should be mounted once behind promhttp.Handler.
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth       *prometheus.GaugeVec
	PoolActiveWorkers prometheus.Gauge
	PoolQueuedTasks  prometheus.Gauge
	CostTotalUSD     *prometheus.GaugeVec
	ToolEventsTotal  *prometheus.CounterVec
}

// NewMetrics registers and returns a fresh instrument set against its own
// registry, so tests can construct independent instances without
// colliding with prometheus's default global registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Number of messages queued per user.",
		}, []string{"user"}),
		PoolActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_pool_active_workers",
			Help: "Number of worker-pool slots currently running a task.",
		}),
		PoolQueuedTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_pool_queued_tasks",
			Help: "Number of tasks waiting in the worker pool's priority queue.",
		}),
		CostTotalUSD: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_cost_total_usd",
			Help: "Cumulative estimated USD cost per model.",
		}, []string{"model"}),
		ToolEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tool_events_total",
			Help: "Tool events ingested, by tool and phase.",
		}, []string{"tool", "phase"}),
	}
}

// IncToolEvent increments the tool-events counter for one ingested event.
func (m *Metrics) IncToolEvent(tool, phase string) {
	m.ToolEventsTotal.WithLabelValues(tool, phase).Inc()
}

// SetCost sets the cumulative estimated USD cost gauge for a model.
func (m *Metrics) SetCost(model string, usd float64) {
	m.CostTotalUSD.WithLabelValues(model).Set(usd)
}

// SetQueueDepth sets the queued-message gauge for a user.
func (m *Metrics) SetQueueDepth(user string, depth int) {
	m.QueueDepth.WithLabelValues(user).Set(float64(depth))
}

// SetPoolStatus sets the worker-pool gauges from a snapshot.
func (m *Metrics) SetPoolStatus(active, queued int) {
	m.PoolActiveWorkers.Set(float64(active))
	m.PoolQueuedTasks.Set(float64(queued))
}
