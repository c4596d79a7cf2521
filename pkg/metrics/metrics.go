// Package metrics holds the prometheus collectors shared by the store, the hub and the http server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Mutations       *prometheus.CounterVec
	Events          *prometheus.CounterVec
	PersistFailures prometheus.Counter
	Sessions        prometheus.Gauge
	DroppedSessions prometheus.Counter
	Requests        *prometheus.HistogramVec
}

// New builds collectors registered on a private registry, so that several instances can
// live in one test binary.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familist",
			Subsystem: "store",
			Name:      "mutations_total",
			Help:      "Mutations applied to the shared store, by operation and outcome.",
		}, []string{"op", "outcome"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familist",
			Subsystem: "store",
			Name:      "events_total",
			Help:      "Events emitted to subscribers, by event name.",
		}, []string{"event"}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familist",
			Subsystem: "store",
			Name:      "persist_failures_total",
			Help:      "Failed writes of the dataset file.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "familist",
			Subsystem: "hub",
			Name:      "sessions",
			Help:      "Connected event sessions.",
		}),
		DroppedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familist",
			Subsystem: "hub",
			Name:      "dropped_sessions_total",
			Help:      "Sessions closed because their send queue was full.",
		}),
		Requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "familist",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
	m.registry.MustRegister(
		m.Mutations,
		m.Events,
		m.PersistFailures,
		m.Sessions,
		m.DroppedSessions,
		m.Requests,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
