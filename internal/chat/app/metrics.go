package app

import (
	"community_chat/internal/chat/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics chat engine collectors; a nil *Metrics is a no-op
type Metrics struct {
	connections     prometheus.Gauge
	subscriptions   prometheus.Gauge
	delivered       prometheus.Counter
	slowDrops       prometheus.Counter
	rateLimited     *prometheus.CounterVec
	messages        *prometheus.CounterVec
	storeErrors     prometheus.Counter
	notificationJob prometheus.Counter
}

// NewMetrics create and register collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat", Name: "connections", Help: "Live websocket connections on this node.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat", Name: "subscriptions", Help: "Channel subscriptions held by live connections.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat", Name: "events_delivered_total", Help: "Events enqueued to subscriber connections.",
		}),
		slowDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat", Name: "slow_consumer_drops_total", Help: "Connections dropped because the outbound queue was full.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat", Name: "rate_limited_total", Help: "Denied sends and frames by reason.",
		}, []string{"reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat", Name: "message_ops_total", Help: "Accepted message lifecycle operations.",
		}, []string{"op"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat", Name: "store_errors_total", Help: "Store failures surfaced as store_unavailable.",
		}),
		notificationJob: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat", Name: "notification_jobs_total", Help: "Offline notification jobs enqueued.",
		}),
	}
	reg.MustRegister(m.connections, m.subscriptions, m.delivered, m.slowDrops,
		m.rateLimited, m.messages, m.storeErrors, m.notificationJob)
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) subscribed(delta int) {
	if m != nil {
		m.subscriptions.Add(float64(delta))
	}
}

func (m *Metrics) deliveredN(n int) {
	if m != nil && n > 0 {
		m.delivered.Add(float64(n))
	}
}

func (m *Metrics) slowConsumer() {
	if m != nil {
		m.slowDrops.Inc()
	}
}

func (m *Metrics) denied(reason domain.DenyReason) {
	if m != nil {
		m.rateLimited.WithLabelValues(string(reason)).Inc()
	}
}

func (m *Metrics) op(name string) {
	if m != nil {
		m.messages.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) storeError() {
	if m != nil {
		m.storeErrors.Inc()
	}
}

func (m *Metrics) notified() {
	if m != nil {
		m.notificationJob.Inc()
	}
}
