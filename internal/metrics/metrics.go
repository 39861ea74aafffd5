// Package metrics holds the Prometheus collectors of the chat service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "market_chat"

// Metrics groups the service collectors.
type Metrics struct {
	MessagesSent       prometheus.Counter
	PartialWrites      *prometheus.CounterVec
	MarkSeen           *prometheus.CounterVec
	MessagesMarkedSeen prometheus.Counter
	Subscriptions      *prometheus.GaugeVec
	SubscriptionErrors *prometheus.CounterVec
	UnreadRepaired     prometheus.Counter
	WSConnections      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted.",
		}),
		PartialWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_write_failures_total",
			Help:      "Multi-step writes where a later step failed.",
		}, []string{"operation", "step"}),
		MarkSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mark_seen_total",
			Help:      "Mark-seen attempts by outcome.",
		}, []string{"result"}),
		MessagesMarkedSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_marked_seen_total",
			Help:      "Messages flipped to seen.",
		}),
		Subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_subscriptions",
			Help:      "Active realtime subscriptions.",
		}, []string{"kind"}),
		SubscriptionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_subscription_errors_total",
			Help:      "Persistent subscription failures surfaced to clients.",
		}, []string{"kind"}),
		UnreadRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unread_counts_repaired_total",
			Help:      "Unread counters corrected by the reconciler.",
		}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesSent, m.PartialWrites, m.MarkSeen, m.MessagesMarkedSeen,
			m.Subscriptions, m.SubscriptionErrors, m.UnreadRepaired, m.WSConnections,
		)
	}
	return m
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) PartialWrite(operation, step string) {
	if m != nil {
		m.PartialWrites.WithLabelValues(operation, step).Inc()
	}
}

func (m *Metrics) SeenResult(result string, marked int) {
	if m == nil {
		return
	}
	m.MarkSeen.WithLabelValues(result).Inc()
	if marked > 0 {
		m.MessagesMarkedSeen.Add(float64(marked))
	}
}

func (m *Metrics) SubscriptionOpened(kind string) {
	if m != nil {
		m.Subscriptions.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SubscriptionClosed(kind string) {
	if m != nil {
		m.Subscriptions.WithLabelValues(kind).Dec()
	}
}

func (m *Metrics) SubscriptionError(kind string) {
	if m != nil {
		m.SubscriptionErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Repaired(n int) {
	if m != nil && n > 0 {
		m.UnreadRepaired.Add(float64(n))
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.WSConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.WSConnections.Dec()
	}
}
