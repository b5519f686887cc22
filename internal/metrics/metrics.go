// Package metrics provides Prometheus metrics for the monitoring proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	PoolActive      prometheus.Gauge
	PoolWaiting     prometheus.Gauge
	PoolAcquireWait prometheus.Histogram

	ExchangesPublished prometheus.Counter
	ExchangesFailed    *prometheus.CounterVec

	TrustReloads *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "monitor_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "monitor_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, up to response headers.",
			Buckets: defaultBuckets,
		}, []string{"method", "scheme"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		PoolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_proxy_pool_active_connections",
			Help: "Outbound requests currently holding a pool slot.",
		}),

		PoolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_proxy_pool_waiting_requests",
			Help: "Outbound requests blocked waiting for a pool slot.",
		}),

		PoolAcquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "monitor_proxy_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a pool slot.",
			Buckets: defaultBuckets,
		}),

		ExchangesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_proxy_exchanges_published_total",
			Help: "Captured exchanges delivered to the monitor.",
		}),

		ExchangesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_proxy_exchanges_failed_total",
			Help: "Proxy sessions aborted before publication, by reason.",
		}, []string{"reason"}),

		TrustReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_proxy_truststore_reloads_total",
			Help: "Trust store reload attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.PoolActive,
		m.PoolWaiting,
		m.PoolAcquireWait,
		m.ExchangesPublished,
		m.ExchangesFailed,
		m.TrustReloads,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the admin path label values; everything else is forwarded traffic.
var knownPrefixes = []string{"/healthz", "/proxy/status", "/proxy/exchanges", "/proxy/failures", "/proxy/settings", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "forwarded"
}
