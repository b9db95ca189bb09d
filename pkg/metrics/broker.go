package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BrokerMetrics holds all metrics for the broker.
type BrokerMetrics struct {
	// Client metrics
	ConnectedClients   *prometheus.GaugeVec
	RegistrationsTotal *prometheus.CounterVec
	DisconnectsTotal   *prometheus.CounterVec

	// Message metrics
	MessagesTotal   *prometheus.CounterVec
	BroadcastsTotal *prometheus.CounterVec
	DroppedClients  prometheus.Counter

	// Command metrics
	ForwardsTotal    prometheus.Counter
	CommandsTotal    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CommandsInFlight prometheus.Gauge

	// Plugin metrics
	PluginReloads    *prometheus.CounterVec
	PluginCommands   prometheus.Gauge
	PluginLoadErrors prometheus.Counter

	// History metrics
	HistoryWrites     *prometheus.CounterVec
	HistoryQueueDepth prometheus.Gauge

	// Storage metrics
	ArtifactUploads        *prometheus.CounterVec
	ArtifactUploadDuration prometheus.Histogram
	ArtifactBytesTotal     prometheus.Counter

	// Auth metrics
	AuthFailures prometheus.Counter

	// HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
}

// newBrokerMetrics creates and registers all broker metrics.
func newBrokerMetrics(registry *prometheus.Registry) *BrokerMetrics {
	m := &BrokerMetrics{
		// Client metrics
		ConnectedClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "switchboard",
				Subsystem: "broker",
				Name:      "connected_clients",
				Help:      "Number of registered clients by type.",
			},
			[]string{"type"},
		),

		RegistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "broker",
				Name:      "registrations_total",
				Help:      "Total number of registration attempts by result.",
			},
			[]string{"result"},
		),

		DisconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "broker",
				Name:      "disconnects_total",
				Help:      "Total number of client disconnects by reason.",
			},
			[]string{"reason"},
		),

		// Message metrics
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "websocket",
				Name:      "messages_total",
				Help:      "Total number of WebSocket messages.",
			},
			[]string{"direction", "type"},
		),

		BroadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "broker",
				Name:      "broadcasts_total",
				Help:      "Total number of broadcast messages by type.",
			},
			[]string{"type"},
		),

		DroppedClients: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "broker",
				Name:      "dropped_clients_total",
				Help:      "Total number of clients dropped for a full send buffer.",
			},
		),

		// Command metrics
		ForwardsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "broker",
				Name:      "forwards_total",
				Help:      "Total number of commands accepted for forwarding.",
			},
		),

		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "broker",
				Name:      "commands_total",
				Help:      "Total number of routed commands by name and final status.",
			},
			[]string{"command", "status"},
		),

		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "switchboard",
				Subsystem: "broker",
				Name:      "command_duration_seconds",
				Help:      "End to end command duration in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"command", "status"},
		),

		CommandsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "switchboard",
				Subsystem: "broker",
				Name:      "commands_in_flight",
				Help:      "Number of commands awaiting a terminal result.",
			},
		),

		// Plugin metrics
		PluginReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "plugins",
				Name:      "reloads_total",
				Help:      "Total number of catalogue reloads by status.",
			},
			[]string{"status"},
		),

		PluginCommands: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "switchboard",
				Subsystem: "plugins",
				Name:      "commands",
				Help:      "Number of commands in the active catalogue.",
			},
		),

		PluginLoadErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "plugins",
				Name:      "load_errors_total",
				Help:      "Total number of manifest files that failed to load.",
			},
		),

		// History metrics
		HistoryWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "history",
				Name:      "writes_total",
				Help:      "Total number of journal writes by status.",
			},
			[]string{"status"},
		),

		HistoryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "switchboard",
				Subsystem: "history",
				Name:      "queue_depth",
				Help:      "Number of journal writes waiting to be flushed.",
			},
		),

		// Storage metrics
		ArtifactUploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "storage",
				Name:      "artifact_uploads_total",
				Help:      "Total number of result offload attempts by status.",
			},
			[]string{"status"},
		),

		ArtifactUploadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "switchboard",
				Subsystem: "storage",
				Name:      "artifact_upload_duration_seconds",
				Help:      "Duration of result offload uploads.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		ArtifactBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "storage",
				Name:      "artifact_bytes_total",
				Help:      "Total bytes offloaded to object storage.",
			},
		),

		// Auth metrics
		AuthFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "broker",
				Name:      "auth_failures_total",
				Help:      "Total number of rejected capability tokens.",
			},
		),

		// HTTP metrics
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "switchboard",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.ConnectedClients,
		m.RegistrationsTotal,
		m.DisconnectsTotal,
		m.MessagesTotal,
		m.BroadcastsTotal,
		m.DroppedClients,
		m.ForwardsTotal,
		m.CommandsTotal,
		m.CommandDuration,
		m.CommandsInFlight,
		m.PluginReloads,
		m.PluginCommands,
		m.PluginLoadErrors,
		m.HistoryWrites,
		m.HistoryQueueDepth,
		m.ArtifactUploads,
		m.ArtifactUploadDuration,
		m.ArtifactBytesTotal,
		m.AuthFailures,
		m.HTTPRequestDuration,
		m.HTTPRequestsTotal,
	)

	return m
}

// RecordMessage records a WebSocket message in either direction.
func (m *BrokerMetrics) RecordMessage(direction, msgType string) {
	m.MessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// RecordBroadcast records a broadcast by message type.
func (m *BrokerMetrics) RecordBroadcast(msgType string) {
	m.BroadcastsTotal.WithLabelValues(msgType).Inc()
}

// RecordRegistration records a registration attempt.
func (m *BrokerMetrics) RecordRegistration(result string) {
	m.RegistrationsTotal.WithLabelValues(result).Inc()
}

// RecordDisconnect records a client disconnect.
func (m *BrokerMetrics) RecordDisconnect(reason string) {
	m.DisconnectsTotal.WithLabelValues(reason).Inc()
}

// RecordDroppedClient records a client dropped for a full send buffer.
func (m *BrokerMetrics) RecordDroppedClient() {
	m.DroppedClients.Inc()
}

// SetConnectedClients sets the registered client count for a client type.
func (m *BrokerMetrics) SetConnectedClients(clientType string, count float64) {
	m.ConnectedClients.WithLabelValues(clientType).Set(count)
}

// RecordCommandComplete records a command reaching a terminal status.
func (m *BrokerMetrics) RecordCommandComplete(command, status string, durationSeconds float64) {
	m.CommandsTotal.WithLabelValues(command, status).Inc()
	m.CommandDuration.WithLabelValues(command, status).Observe(durationSeconds)
	m.CommandsInFlight.Dec()
}

// RecordCommandStart records a command entering the fabric.
func (m *BrokerMetrics) RecordCommandStart() {
	m.ForwardsTotal.Inc()
	m.CommandsInFlight.Inc()
}

// RecordPluginReload records a catalogue reload and the resulting command count.
func (m *BrokerMetrics) RecordPluginReload(status string, commands int) {
	m.PluginReloads.WithLabelValues(status).Inc()
	if status == "success" {
		m.PluginCommands.Set(float64(commands))
	}
}

// RecordPluginLoadError records a manifest file that failed to load.
func (m *BrokerMetrics) RecordPluginLoadError() {
	m.PluginLoadErrors.Inc()
}

// RecordHistoryWrite records a journal write.
func (m *BrokerMetrics) RecordHistoryWrite(status string) {
	m.HistoryWrites.WithLabelValues(status).Inc()
}

// SetHistoryQueueDepth sets the pending journal write count.
func (m *BrokerMetrics) SetHistoryQueueDepth(count float64) {
	m.HistoryQueueDepth.Set(count)
}

// RecordArtifactUpload records a result offload attempt.
func (m *BrokerMetrics) RecordArtifactUpload(status string, durationSeconds float64, bytes int64) {
	m.ArtifactUploads.WithLabelValues(status).Inc()
	if status == "success" {
		m.ArtifactUploadDuration.Observe(durationSeconds)
		m.ArtifactBytesTotal.Add(float64(bytes))
	}
}

// RecordAuthFailure records a rejected capability token.
func (m *BrokerMetrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *BrokerMetrics) RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(durationSeconds)
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}
