package chat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the messaging core's operational counters. All
// methods are nil-safe so components can run without a registry in
// tests.
type Metrics struct {
	onlineUsers prometheus.Gauge
	messages    *prometheus.CounterVec
	events      *prometheus.CounterVec
	chatErrors  *prometheus.CounterVec
}

// NewMetrics constructs and registers the core metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supchat_online_users",
			Help: "Number of users currently registered in the connection registry.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supchat_messages_total",
			Help: "Messages durably appended, by delivery outcome.",
		}, []string{"delivery"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supchat_ws_events_total",
			Help: "Inbound websocket events, by type.",
		}, []string{"type"}),
		chatErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supchat_chat_errors_total",
			Help: "Errors reported back to clients, by code.",
		}, []string{"code"}),
	}
	if reg != nil {
		reg.MustRegister(m.onlineUsers, m.messages, m.events, m.chatErrors)
	}
	return m
}

// SetOnlineUsers records the current registry size.
func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

// ObserveDelivery counts one appended message; delivery is "live" or "deferred".
func (m *Metrics) ObserveDelivery(delivery string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(delivery).Inc()
}

// ObserveEvent counts one inbound event by envelope type.
func (m *Metrics) ObserveEvent(typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
}

// ObserveError counts one client-visible error by code.
func (m *Metrics) ObserveError(code string) {
	if m == nil {
		return
	}
	m.chatErrors.WithLabelValues(code).Inc()
}
