// Package metrics exposes Prometheus collectors for the linkguard service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	cacheEvictionsTotal        prometheus.Counter
	probesInFlight             prometheus.Gauge
	probeTransportErrorsTotal  *prometheus.CounterVec
	pacingDelaySeconds         prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"method", "route"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkguard_cache_lookups_total",
				Help: "Result cache lookups, labeled by hit or miss.",
			},
			[]string{"result"},
		)

		cacheEvictionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "linkguard_cache_evictions_total",
				Help: "Entries removed from the result cache by the sweeper.",
			},
		)

		probesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "linkguard_probes_in_flight",
				Help: "Outbound probes currently holding a concurrency slot.",
			},
		)

		probeTransportErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkguard_probe_transport_errors_total",
				Help: "Probes that ended without an HTTP response, labeled by error kind.",
			},
			[]string{"kind"},
		)

		pacingDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "linkguard_pacing_delay_seconds",
				Help:    "Time spent waiting between delivery batches.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCacheLookup counts a result cache hit or miss.
func ObserveCacheLookup(hit bool) {
	Init()
	if hit {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	cacheLookupsTotal.WithLabelValues("miss").Inc()
}

// ObserveCacheEvictions adds swept entries to the eviction counter.
func ObserveCacheEvictions(n int) {
	Init()
	if n > 0 {
		cacheEvictionsTotal.Add(float64(n))
	}
}

// IncProbesInFlight increments the in-flight probe gauge.
func IncProbesInFlight() {
	Init()
	probesInFlight.Inc()
}

// DecProbesInFlight decrements the in-flight probe gauge.
func DecProbesInFlight() {
	Init()
	probesInFlight.Dec()
}

// ObserveTransportError counts a probe that failed before any HTTP response.
func ObserveTransportError(kind string) {
	Init()
	probeTransportErrorsTotal.WithLabelValues(kind).Inc()
}

// ObservePacingDelay records the duration of a pacing wait.
func ObservePacingDelay(duration time.Duration) {
	Init()
	pacingDelaySeconds.Observe(duration.Seconds())
}
