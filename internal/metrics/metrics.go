// Package metrics holds the prometheus collectors exported by the chat server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat"

// handshake results
const (
	HandshakeAccepted = "accepted"
	HandshakeRejected = "rejected"
)

// event results
const (
	EventHandled = "handled"
	EventDropped = "dropped"
	EventFailed  = "failed"
)

// Metrics groups the collectors registered on one registry. Each server
// instance (and each test) owns its own Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	Connections   prometheus.Gauge
	Handshakes    *prometheus.CounterVec
	Events        *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of joined realtime connections.",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Socket handshakes by result.",
		}, []string{"result"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound socket events by type and result.",
		}, []string{"event", "result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Server to client pushes by event.",
		}, []string{"event"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status code.",
		}, []string{"route", "code"}),
	}
	m.Registry.MustRegister(
		m.Connections,
		m.Handshakes,
		m.Events,
		m.Notifications,
		m.HTTPRequests,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
