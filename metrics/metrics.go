// Package metrics exposes prometheus collectors for the procbridge server.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"procbridge/protocol"
)

const namespace = "procbridge"

// Metrics groups the server collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Requests       *prometheus.CounterVec
	Duration       *prometheus.HistogramVec
	Connections    prometheus.Counter
	InFlight       prometheus.Gauge
	DecodeFailures *prometheus.CounterVec
}

// New builds the collectors and registers them with reg. A nil reg skips
// registration, which keeps parallel tests from colliding on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Requests handled, by api and response status.",
			},
			[]string{"api", "status"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "handler_duration_seconds",
				Help:      "Handler execution time in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"api"},
		),
		Connections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "connections_total",
				Help:      "Connections accepted.",
			},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "connections_in_flight",
				Help:      "Connections currently being served.",
			},
		),
		DecodeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "decode_failures_total",
				Help:      "Connections abandoned because the request could not be decoded.",
			},
			[]string{"reason"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Duration, m.Connections, m.InFlight, m.DecodeFailures)
	}
	return m
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(api string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "good"
	if err != nil {
		status = "bad"
	}
	m.Requests.WithLabelValues(api, status).Inc()
	m.Duration.WithLabelValues(api).Observe(duration.Seconds())
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
	m.InFlight.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

// DecodeFailed records an abandoned connection under a reason derived from err.
func (m *Metrics) DecodeFailed(err error) {
	if m == nil {
		return
	}
	m.DecodeFailures.WithLabelValues(Reason(err)).Inc()
}

// Reason classifies a request decode error for the reason label.
func Reason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrIncompatibleVersion):
		return "incompatible_version"
	case errors.Is(err, protocol.ErrInvalidStatusCode):
		return "invalid_status_code"
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, protocol.ErrMalformedData):
		return "malformed_data"
	default:
		return "io"
	}
}

// Handler serves the metrics gathered by g in the prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
