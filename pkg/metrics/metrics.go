// Package metrics exposes Prometheus instrumentation for the manager:
// lifecycle gauges polled from the database, event-handler outcomes fed by
// the bus observer, scheduler pass timings, and agent RPC latencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lifecycle gauges, refreshed by the Collector.
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peregrine_sessions_total",
			Help: "Number of sessions by status",
		},
		[]string{"status"},
	)

	KernelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peregrine_kernels_total",
			Help: "Number of kernels by status",
		},
		[]string{"status"},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peregrine_agents_total",
			Help: "Number of agents by status",
		},
		[]string{"status"},
	)

	// Event plane metrics, fed by the bus observer.
	EventsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peregrine_events_handled_total",
			Help: "Event handler invocations by event name and outcome",
		},
		[]string{"event", "outcome"},
	)

	EventHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peregrine_event_handle_duration_seconds",
			Help:    "Event handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	// Scheduler metrics.
	SchedulerPassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peregrine_scheduler_pass_duration_seconds",
			Help:    "Duration of one scheduler pass over all scaling groups",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pass"},
	)

	SessionsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peregrine_sessions_scheduled_total",
			Help: "Sessions moved from PENDING to SCHEDULED",
		},
	)

	// Agent RPC metrics.
	AgentRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peregrine_agent_rpc_duration_seconds",
			Help:    "Agent RPC round-trip duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	AgentRPCErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peregrine_agent_rpc_errors_total",
			Help: "Agent RPC failures by method and kind",
		},
		[]string{"method", "kind"},
	)

	// HTTP API metrics.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peregrine_api_requests_total",
			Help: "API requests by method, route, and status code",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peregrine_api_request_duration_seconds",
			Help:    "API request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(KernelsTotal)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(EventsHandled)
	prometheus.MustRegister(EventHandleDuration)
	prometheus.MustRegister(SchedulerPassDuration)
	prometheus.MustRegister(SessionsScheduled)
	prometheus.MustRegister(AgentRPCDuration)
	prometheus.MustRegister(AgentRPCErrors)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
