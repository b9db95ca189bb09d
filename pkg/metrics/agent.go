package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AgentMetrics holds all metrics for agents.
type AgentMetrics struct {
	// Command execution metrics
	CommandDuration *prometheus.HistogramVec
	CommandsTotal   *prometheus.CounterVec
	CommandsActive  prometheus.Gauge
	QueueDepth      prometheus.Gauge

	// Resource metrics
	CPUUsage    prometheus.Gauge
	MemoryUsage prometheus.Gauge
	HealthState *prometheus.GaugeVec

	// Connection metrics
	ConnectionState   *prometheus.GaugeVec
	ReconnectTotal    prometheus.Counter
	HeartbeatsTotal   prometheus.Counter
	HeartbeatFailures prometheus.Counter
}

// newAgentMetrics creates and registers all agent metrics.
func newAgentMetrics(registry *prometheus.Registry) *AgentMetrics {
	m := &AgentMetrics{
		// Command execution metrics
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "switchboard",
				Subsystem: "agent",
				Name:      "command_duration_seconds",
				Help:      "Duration of command execution in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"command", "status"},
		),

		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "agent",
				Name:      "commands_total",
				Help:      "Total number of commands executed.",
			},
			[]string{"command", "status"},
		),

		CommandsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "switchboard",
				Subsystem: "agent",
				Name:      "commands_active",
				Help:      "Number of commands currently executing.",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "switchboard",
				Subsystem: "agent",
				Name:      "queue_depth",
				Help:      "Number of commands waiting for a worker.",
			},
		),

		// Resource metrics
		CPUUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "switchboard",
				Subsystem: "agent",
				Name:      "cpu_usage_percent",
				Help:      "Current CPU usage as a percentage (0-100).",
			},
		),

		MemoryUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "switchboard",
				Subsystem: "agent",
				Name:      "memory_usage_percent",
				Help:      "Current memory usage as a percentage (0-100).",
			},
		),

		HealthState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "switchboard",
				Subsystem: "agent",
				Name:      "health_state",
				Help:      "Current health state (1 for the active state, 0 otherwise).",
			},
			[]string{"state"},
		),

		// Connection metrics
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "switchboard",
				Subsystem: "agent",
				Name:      "connection_state",
				Help:      "Current connection state (1=connected, 0=disconnected).",
			},
			[]string{"state"},
		),

		ReconnectTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "agent",
				Name:      "reconnects_total",
				Help:      "Total number of reconnection attempts.",
			},
		),

		HeartbeatsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "agent",
				Name:      "heartbeats_total",
				Help:      "Total number of heartbeats sent.",
			},
		),

		HeartbeatFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "agent",
				Name:      "heartbeat_failures_total",
				Help:      "Total number of failed heartbeats.",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.CommandDuration,
		m.CommandsTotal,
		m.CommandsActive,
		m.QueueDepth,
		m.CPUUsage,
		m.MemoryUsage,
		m.HealthState,
		m.ConnectionState,
		m.ReconnectTotal,
		m.HeartbeatsTotal,
		m.HeartbeatFailures,
	)

	return m
}

// RecordCommandComplete records a completed command.
func (m *AgentMetrics) RecordCommandComplete(command, status string, durationSeconds float64) {
	m.CommandDuration.WithLabelValues(command, status).Observe(durationSeconds)
	m.CommandsTotal.WithLabelValues(command, status).Inc()
}

// SetActiveCommands sets the count of commands currently executing.
func (m *AgentMetrics) SetActiveCommands(count float64) {
	m.CommandsActive.Set(count)
}

// SetQueueDepth sets the count of commands waiting for a worker.
func (m *AgentMetrics) SetQueueDepth(count float64) {
	m.QueueDepth.Set(count)
}

// SetCPUUsage sets the current CPU usage percentage.
func (m *AgentMetrics) SetCPUUsage(percent float64) {
	m.CPUUsage.Set(percent)
}

// SetMemoryUsage sets the current memory usage percentage.
func (m *AgentMetrics) SetMemoryUsage(percent float64) {
	m.MemoryUsage.Set(percent)
}

// SetHealthState marks the given health state active and clears the others.
func (m *AgentMetrics) SetHealthState(state string) {
	for _, s := range []string{"healthy", "warning", "critical"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.HealthState.WithLabelValues(s).Set(v)
	}
}

// SetConnected sets the connection state to connected.
func (m *AgentMetrics) SetConnected() {
	m.ConnectionState.WithLabelValues("connected").Set(1)
	m.ConnectionState.WithLabelValues("disconnected").Set(0)
}

// SetDisconnected sets the connection state to disconnected.
func (m *AgentMetrics) SetDisconnected() {
	m.ConnectionState.WithLabelValues("connected").Set(0)
	m.ConnectionState.WithLabelValues("disconnected").Set(1)
}

// RecordReconnect records a reconnection attempt.
func (m *AgentMetrics) RecordReconnect() {
	m.ReconnectTotal.Inc()
}

// RecordHeartbeat records a heartbeat sent to the broker.
func (m *AgentMetrics) RecordHeartbeat() {
	m.HeartbeatsTotal.Inc()
}

// RecordHeartbeatFailure records a failed heartbeat.
func (m *AgentMetrics) RecordHeartbeatFailure() {
	m.HeartbeatFailures.Inc()
}
