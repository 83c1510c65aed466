package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringforge_sessions_active",
			Help: "Number of active websocket sessions",
		},
	)

	AgentsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringforge_agents_online",
			Help: "Number of agents with a presence entry",
		},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringforge_messages_total",
			Help: "Total envelopes processed by type",
		},
		[]string{"type"},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringforge_auth_failures_total",
			Help: "Total failed auth attempts by reason",
		},
		[]string{"reason"},
	)

	// Bus metrics
	FanoutDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringforge_fanout_drops_total",
			Help: "Events dropped for slow subscribers",
		},
	)

	// Event log metrics
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringforge_events_appended_total",
			Help: "Events appended to the fleet log by kind",
		},
		[]string{"kind"},
	)

	ReplayItemsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringforge_replay_items_total",
			Help: "Records streamed by the replay engine",
		},
	)

	// Task metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringforge_task_transitions_total",
			Help: "Task lifecycle transitions by resulting status",
		},
		[]string{"status"},
	)

	TaskAssignLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ringforge_task_assign_latency_seconds",
			Help:    "Time from submit to assignment",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Limit metrics
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringforge_rate_limited_total",
			Help: "Operations rejected by rate limits, by scope",
		},
		[]string{"scope"},
	)

	QuotaRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringforge_quota_rejected_total",
			Help: "Operations rejected by hard quotas, by counter",
		},
		[]string{"counter"},
	)

	// Control plane metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringforge_api_requests_total",
			Help: "Control plane requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		AgentsOnline,
		MessagesTotal,
		AuthFailuresTotal,
		FanoutDropsTotal,
		EventsAppendedTotal,
		ReplayItemsTotal,
		TasksTotal,
		TaskAssignLatency,
		RateLimitedTotal,
		QuotaRejectedTotal,
		APIRequestsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
