package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the gateway's Prometheus surface, served at /metrics.
type Metrics struct {
	// FramesTotal counts handled request frames.
	// Labels: method, status (ok|error).
	FramesTotal *prometheus.CounterVec

	// EventsDropped counts broker events discarded on saturated
	// client queues.
	EventsDropped prometheus.Counter

	// ConnectedClients gauges currently authenticated clients.
	ConnectedClients prometheus.Gauge

	// TurnsTotal counts chat turns by terminal outcome.
	// Labels: status (complete|error|aborted).
	TurnsTotal *prometheus.CounterVec

	// ToolCallsTotal counts tool invocations observed in turn streams.
	// Labels: tool.
	ToolCallsTotal *prometheus.CounterVec

	// HeartbeatTicks counts heartbeat results by status.
	HeartbeatTicks *prometheus.CounterVec

	// CronRuns counts completed cron runs by status.
	CronRuns *prometheus.CounterVec

	// CronRunning gauges in-flight cron runs.
	CronRunning prometheus.Gauge
}

// NewMetrics registers the gateway metrics on reg. Pass a fresh
// prometheus.NewRegistry in tests to avoid cross-test collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradewire_frames_total",
				Help: "Request frames handled by method and status",
			},
			[]string{"method", "status"},
		),
		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tradewire_events_dropped_total",
				Help: "Events dropped on saturated client send queues",
			},
		),
		ConnectedClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradewire_connected_clients",
				Help: "Currently authenticated websocket clients",
			},
		),
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradewire_turns_total",
				Help: "Chat turns by terminal outcome",
			},
			[]string{"status"},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradewire_tool_calls_total",
				Help: "Tool invocations observed in turn streams",
			},
			[]string{"tool"},
		),
		HeartbeatTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradewire_heartbeat_ticks_total",
				Help: "Heartbeat ticks by result status",
			},
			[]string{"status"},
		),
		CronRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradewire_cron_runs_total",
				Help: "Completed cron runs by status",
			},
			[]string{"status"},
		),
		CronRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradewire_cron_running",
				Help: "Cron runs currently in flight",
			},
		),
	}
}
