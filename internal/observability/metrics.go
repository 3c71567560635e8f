// Package observability exposes Prometheus metrics for the bridge: per-server
// connection state, reconnect attempts, proxied tool calls, and catalog
// anomalies.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's Prometheus collectors on a private registry so
// tests can instantiate isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	serverState       *prometheus.GaugeVec
	reconnectAttempts *prometheus.CounterVec
	connectDuration   *prometheus.HistogramVec
	toolCalls         *prometheus.CounterVec
	toolCallDuration  *prometheus.HistogramVec
	dedupeHits        *prometheus.CounterVec
	toolCollisions    prometheus.Counter
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		serverState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpbridge_server_state",
			Help: "Per-server connection state (1 for the current state, 0 otherwise)",
		}, []string{"server", "state"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpbridge_reconnect_attempts_total",
			Help: "Connection attempts per server, by outcome",
		}, []string{"server", "outcome"}),
		connectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpbridge_connect_duration_seconds",
			Help:    "Time from connect start to established session",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"server"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpbridge_tool_calls_total",
			Help: "Proxied tool calls, by server and outcome",
		}, []string{"server", "outcome"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpbridge_tool_call_duration_seconds",
			Help:    "Tool call round-trip time",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"server"}),
		dedupeHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpbridge_tool_call_dedupe_hits_total",
			Help: "Tool calls short-circuited by the duplicate-suppression window",
		}, []string{"server"}),
		toolCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpbridge_tool_name_collisions_total",
			Help: "Tool names shadowed across servers in the flat catalog",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.serverState,
		m.reconnectAttempts,
		m.connectDuration,
		m.toolCalls,
		m.toolCallDuration,
		m.dedupeHits,
		m.toolCollisions,
	)
	return m
}

var connectionStates = []string{"disconnected", "connecting", "connected", "error"}

// SetServerState records a server's current connection state as a one-hot
// gauge across the known states.
func (m *Metrics) SetServerState(server, state string) {
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.serverState.WithLabelValues(server, s).Set(value)
	}
}

// RecordConnectAttempt counts one connection attempt and, on success, its
// duration.
func (m *Metrics) RecordConnectAttempt(server string, err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.reconnectAttempts.WithLabelValues(server, outcome).Inc()
	if err == nil {
		m.connectDuration.WithLabelValues(server).Observe(elapsed.Seconds())
	}
}

// RecordToolCall counts one proxied call and its round-trip time.
func (m *Metrics) RecordToolCall(server string, success bool, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.toolCalls.WithLabelValues(server, outcome).Inc()
	m.toolCallDuration.WithLabelValues(server).Observe(elapsed.Seconds())
}

// RecordDedupeHit counts a call answered from the duplicate-suppression
// window instead of the network.
func (m *Metrics) RecordDedupeHit(server string) {
	m.dedupeHits.WithLabelValues(server).Inc()
}

// RecordToolCollision counts a flat-catalog name collision.
func (m *Metrics) RecordToolCollision() {
	m.toolCollisions.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
