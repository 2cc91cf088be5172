package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	activeSessions      prometheus.Gauge
	onlineIdentities    prometheus.Gauge
	sessionsCreated     prometheus.Counter
	sessionsClosed      prometheus.Counter
	connectionsRejected prometheus.Counter
	handshakeFailures   *prometheus.CounterVec // by reason

	// Message metrics
	messagesReceived      *prometheus.CounterVec // by kind
	messagesSent          *prometheus.CounterVec // by kind
	messagesDropped       *prometheus.CounterVec // by kind
	protocolErrors        *prometheus.CounterVec // by reason
	coercedKinds          prometheus.Counter
	unreachableRecipients prometheus.Counter
	deliveryFailures      *prometheus.CounterVec // by reason

	// Broadcast metrics
	broadcastFanout   prometheus.Histogram
	broadcastDuration prometheus.Histogram

	// Infrastructure
	historyFailures *prometheus.CounterVec // by sink
	listenOverflows prometheus.Counter
}

// NewMetrics creates the server metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "linechat_active_sessions",
			Help: "Current number of sessions, authenticating or active",
		}),
		onlineIdentities: factory.NewGauge(prometheus.GaugeOpts{
			Name: "linechat_online_identities",
			Help: "Current number of registered identities",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "linechat_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "linechat_sessions_closed_total",
			Help: "Total number of sessions torn down",
		}),
		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "linechat_connections_rejected_total",
			Help: "Total number of connections refused because the server was full",
		}),
		handshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_handshake_failures_total",
			Help: "Total number of failed handshakes by reason",
		}, []string{"reason"}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_messages_received_total",
			Help: "Total number of messages received from clients by kind",
		}, []string{"kind"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_messages_sent_total",
			Help: "Total number of messages queued to clients by kind",
		}, []string{"kind"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_messages_dropped_total",
			Help: "Total number of received messages with no routing rule by kind",
		}, []string{"kind"}),
		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_protocol_errors_total",
			Help: "Total number of frames that could not be decoded by reason",
		}, []string{"reason"}),
		coercedKinds: factory.NewCounter(prometheus.CounterOpts{
			Name: "linechat_coerced_kinds_total",
			Help: "Total number of frames with an unknown kind routed as BROADCAST",
		}),
		unreachableRecipients: factory.NewCounter(prometheus.CounterOpts{
			Name: "linechat_unreachable_recipients_total",
			Help: "Total number of directed messages whose recipient was not online",
		}),
		deliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_delivery_failures_total",
			Help: "Total number of deliveries that could not be queued by reason",
		}, []string{"reason"}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "linechat_broadcast_fanout",
			Help:    "Number of sessions that received each broadcast",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 250, 500},
		}),
		broadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "linechat_broadcast_duration_seconds",
			Help:    "Time taken to queue a broadcast to every session",
			Buckets: prometheus.DefBuckets,
		}),
		historyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_history_failures_total",
			Help: "Total number of history appends that failed by sink",
		}, []string{"sink"}),
		listenOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "linechat_listen_overflows_total",
			Help: "Connections dropped by the kernel because the listen backlog was full",
		}),
	}
}

// RecordActiveSessions updates the live session count
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordOnlineIdentities updates the registered identity count
func (m *Metrics) RecordOnlineIdentities(count int) {
	if m == nil {
		return
	}
	m.onlineIdentities.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordConnectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

// RecordHandshakeFailure counts a failed handshake ("empty", "invalid", "taken", "closed")
func (m *Metrics) RecordHandshakeFailure(reason string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessageSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessageDropped(kind string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(kind).Inc()
}

// RecordProtocolError counts an undecodable frame ("malformed", "too_large")
func (m *Metrics) RecordProtocolError(reason string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCoercedKind() {
	if m == nil {
		return
	}
	m.coercedKinds.Inc()
}

func (m *Metrics) RecordUnreachableRecipient() {
	if m == nil {
		return
	}
	m.unreachableRecipients.Inc()
}

// RecordDeliveryFailure counts a send that could not be queued ("queue_full", "closed")
func (m *Metrics) RecordDeliveryFailure(reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(reason).Inc()
}

// RecordBroadcast records the fan-out and duration of one broadcast
func (m *Metrics) RecordBroadcast(recipients int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
	m.broadcastDuration.Observe(elapsed.Seconds())
}

// RecordHistoryFailure counts n messages a history sink failed to store
func (m *Metrics) RecordHistoryFailure(sink string, n int) {
	if m == nil {
		return
	}
	m.historyFailures.WithLabelValues(sink).Add(float64(n))
}

func (m *Metrics) RecordListenOverflows(delta uint64) {
	if m == nil {
		return
	}
	m.listenOverflows.Add(float64(delta))
}
