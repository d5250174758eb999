package boardkeeper

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/boardkeeper/board"
	"github.com/hazyhaar/boardkeeper/outbox"
	"github.com/hazyhaar/boardkeeper/savecoord"
)

type metrics struct {
	saves          *prometheus.CounterVec
	saveDuration   *prometheus.HistogramVec
	indexRefresh   *prometheus.CounterVec
	sessions       prometheus.Gauge
	notifyFailures prometheus.Counter
	toolCalls      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardkeeper",
			Name:      "saves_total",
			Help:      "Board saves by cause and result.",
		}, []string{"cause", "result"}),
		saveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "boardkeeper",
			Name:      "save_duration_seconds",
			Help:      "Save latency including retries.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"cause"}),
		indexRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardkeeper",
			Name:      "index_refresh_total",
			Help:      "Index refreshes by result.",
		}, []string{"result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boardkeeper",
			Name:      "sessions_active",
			Help:      "Open editing sessions.",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boardkeeper",
			Name:      "notify_failures_total",
			Help:      "Saved events that could not be published.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardkeeper",
			Name:      "mcp_tool_calls_total",
			Help:      "MCP tool calls by tool and result.",
		}, []string{"tool", "result"}),
	}
	reg.MustRegister(m.saves, m.saveDuration, m.indexRefresh, m.sessions, m.notifyFailures, m.toolCalls)
	return m
}

// observe records a coordinator outcome.
func (m *metrics) observe(o savecoord.Outcome) {
	m.record(o.Cause, o.Result, o.Err, o.Duration.Seconds())
}

func (m *metrics) record(cause board.Cause, res board.SaveResult, err error, seconds float64) {
	m.saves.WithLabelValues(string(cause), saveResult(res, err)).Inc()
	m.saveDuration.WithLabelValues(string(cause)).Observe(seconds)
}

func saveResult(res board.SaveResult, err error) string {
	switch {
	case err == nil && res.Changed:
		return "ok"
	case err == nil:
		return "unchanged"
	case errors.Is(err, board.ErrStaleSnapshot):
		return "stale"
	case errors.Is(err, outbox.ErrQueued):
		return "queued"
	}
	return "error"
}
