package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Sandbridge.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Resolver metrics.
	ResolveTotal    *prometheus.CounterVec
	ResolveDuration prometheus.Histogram

	// Streaming bridge metrics.
	StreamsTotal        prometheus.Counter
	StreamEventsTotal   *prometheus.CounterVec
	StreamTimeoutsTotal prometheus.Counter
	StreamDuration      prometheus.Histogram

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandbridge",
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Total sandbox resolutions by outcome.",
		}, []string{"outcome"}),

		ResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandbridge",
			Subsystem: "resolver",
			Name:      "resolution_duration_seconds",
			Help:      "Sandbox resolution duration in seconds.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 180},
		}),

		StreamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandbridge",
			Subsystem: "bridge",
			Name:      "streams_total",
			Help:      "Total streaming turns started.",
		}),

		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandbridge",
			Subsystem: "bridge",
			Name:      "events_total",
			Help:      "Total forwarded stream events by type.",
		}, []string{"type"}),

		StreamTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandbridge",
			Subsystem: "bridge",
			Name:      "timeouts_total",
			Help:      "Total log subscriptions cut off by the stream timeout.",
		}),

		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandbridge",
			Subsystem: "bridge",
			Name:      "stream_duration_seconds",
			Help:      "Streaming turn duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandbridge",
			Name:      "active_requests",
			Help:      "In-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.ResolveTotal,
		m.ResolveDuration,
		m.StreamsTotal,
		m.StreamEventsTotal,
		m.StreamTimeoutsTotal,
		m.StreamDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
