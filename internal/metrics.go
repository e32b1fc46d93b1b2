package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is owned by one service instance; a nil *Metrics records nothing.
type Metrics struct {
	Registry    *prometheus.Registry
	Connections prometheus.Gauge
	Events      *prometheus.CounterVec
	Delivered   prometheus.Counter
	Dropped     prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "whiteboard_connections",
			Help: "Current number of websocket connections on this instance",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whiteboard_events_total",
			Help: "Inbound events handled, by type and outcome",
		}, []string{"type", "outcome"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whiteboard_frames_delivered_total",
			Help: "Outbound frames accepted for delivery",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whiteboard_frames_dropped_total",
			Help: "Outbound frames dropped because the peer was gone or slow",
		}),
	}

	m.Registry.MustRegister(m.Connections, m.Events, m.Delivered, m.Dropped)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) RecordEvent(typ EventType, outcome string) {
	if m == nil {
		return
	}
	if typ == "" {
		typ = "unknown"
	}
	m.Events.WithLabelValues(string(typ), outcome).Inc()
}

func (m *Metrics) RecordDelivery(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Delivered.Inc()
	} else {
		m.Dropped.Inc()
	}
}
