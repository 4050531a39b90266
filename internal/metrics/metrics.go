// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. Collectors are registered against
// the registerer passed to New, so tests can instantiate isolated instances.
type Metrics struct {
	// Session metrics
	ActiveSessions      prometheus.Gauge
	SessionsCreated     prometheus.Counter
	SessionsEvicted     prometheus.Counter
	ProducersAttached   prometheus.Counter
	ProducersSuperseded prometheus.Counter

	// Consumer metrics
	ActiveConsumers prometheus.Gauge
	ConsumersTotal  prometheus.Counter

	// Relay metrics
	FramesRelayed *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec
	BytesRelayed  prometheus.Counter
	Keyframes     prometheus.Counter
	PingsSent     prometheus.Counter
	Failovers     prometheus.Counter

	// Command metrics
	CommandsForwarded *prometheus.CounterVec

	// Snapshot metrics
	SnapshotsStored prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screenrelay_active_sessions",
			Help: "Number of device sessions currently held in the registry",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_sessions_created_total",
			Help: "Total number of device sessions created",
		}),
		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_sessions_evicted_total",
			Help: "Total number of device sessions destroyed after the idle grace window",
		}),
		ProducersAttached: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_producers_attached_total",
			Help: "Total number of producer connections attached",
		}),
		ProducersSuperseded: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_producers_superseded_total",
			Help: "Total number of producer connections closed because a newer producer arrived",
		}),

		ActiveConsumers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screenrelay_active_consumers",
			Help: "Number of consumer connections currently attached",
		}),
		ConsumersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_consumers_total",
			Help: "Total number of consumer connections since server start",
		}),

		FramesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screenrelay_frames_relayed_total",
				Help: "Total number of frames broadcast to consumers",
			},
			[]string{"codec"},
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screenrelay_frames_dropped_total",
				Help: "Total number of frames dropped instead of delivered",
			},
			[]string{"reason"},
		),
		BytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_bytes_relayed_total",
			Help: "Total payload bytes broadcast to consumers",
		}),
		Keyframes: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_keyframes_total",
			Help: "Total number of keyframes relayed",
		}),
		PingsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_pings_sent_total",
			Help: "Total number of keep-alive pings sent toward producers",
		}),
		Failovers: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_capture_failovers_total",
			Help: "Total number of primary to fallback capture failovers",
		}),

		CommandsForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screenrelay_commands_forwarded_total",
				Help: "Total number of automation commands forwarded to devices",
			},
			[]string{"action"},
		),

		SnapshotsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_snapshots_stored_total",
			Help: "Total number of screenshots written to storage",
		}),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screenrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// RecordFrame records one frame broadcast to consumers.
func (m *Metrics) RecordFrame(codec string, size int, keyframe bool) {
	m.FramesRelayed.WithLabelValues(codec).Inc()
	m.BytesRelayed.Add(float64(size))
	if keyframe {
		m.Keyframes.Inc()
	}
}

// RecordFrameDropped records a frame that was not delivered.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordSessionCreated records a new session entering the registry.
func (m *Metrics) RecordSessionCreated() {
	m.ActiveSessions.Inc()
	m.SessionsCreated.Inc()
}

// RecordSessionEvicted records a session leaving the registry.
func (m *Metrics) RecordSessionEvicted() {
	m.ActiveSessions.Dec()
	m.SessionsEvicted.Inc()
}

// RecordConsumerAttached records a consumer connection attaching.
func (m *Metrics) RecordConsumerAttached() {
	m.ActiveConsumers.Inc()
	m.ConsumersTotal.Inc()
}

// RecordConsumerDetached records a consumer connection detaching.
func (m *Metrics) RecordConsumerDetached() {
	m.ActiveConsumers.Dec()
}

// RecordCommand records an automation command forwarded to a device.
func (m *Metrics) RecordCommand(action string) {
	m.CommandsForwarded.WithLabelValues(action).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int) {
	m.HTTPRequests.WithLabelValues(method, path, statusClass(status)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
