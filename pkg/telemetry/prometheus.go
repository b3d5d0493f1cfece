package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPMetrics holds the Prometheus metrics exported by the HTTP adapter.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	earlyExits      *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	configReloads   *prometheus.CounterVec
	endpointsActive prometheus.Gauge

	registry *prometheus.Registry
}

// NewHTTPMetrics creates a metrics set backed by its own registry.
func NewHTTPMetrics() *HTTPMetrics {
	registry := prometheus.NewRegistry()

	m := &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipelines_http_requests_total",
				Help: "Total number of pipeline requests by endpoint, method and status",
			},
			[]string{"endpoint", "method", "status_code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipelines_http_request_duration_seconds",
				Help:    "Pipeline request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "method"},
		),

		earlyExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipelines_early_exits_total",
				Help: "Total number of requests answered by an early exit",
			},
			[]string{"endpoint", "method"},
		),

		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipelines_rate_limited_total",
				Help: "Total number of requests rejected by the endpoint rate limiter",
			},
			[]string{"endpoint", "method"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipelines_config_reloads_total",
				Help: "Total number of endpoint reload attempts by status",
			},
			[]string{"status"},
		),

		endpointsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipelines_endpoints_active",
				Help: "Number of endpoints currently served",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.earlyExits,
		m.rateLimited,
		m.configReloads,
		m.endpointsActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordRequest records a served pipeline request.
func (m *HTTPMetrics) RecordRequest(endpoint, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordEarlyExit records a request answered by an early exit payload.
func (m *HTTPMetrics) RecordEarlyExit(endpoint, method string) {
	if m == nil {
		return
	}
	m.earlyExits.WithLabelValues(endpoint, method).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *HTTPMetrics) RecordRateLimited(endpoint, method string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(endpoint, method).Inc()
}

// RecordConfigReload records an endpoint reload attempt.
func (m *HTTPMetrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// SetEndpoints updates the active endpoint gauge.
func (m *HTTPMetrics) SetEndpoints(count int) {
	if m == nil {
		return
	}
	m.endpointsActive.Set(float64(count))
}

// Handler returns the Prometheus metrics HTTP handler
func (m *HTTPMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *HTTPMetrics) Registry() *prometheus.Registry {
	return m.registry
}
