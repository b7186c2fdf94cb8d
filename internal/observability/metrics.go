package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voiceorder"

// Metrics owns a private registry. All methods are safe on a nil receiver so
// components can be built without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec
	pipelineTotal         *prometheus.CounterVec
	pipelineDuration      *prometheus.HistogramVec
	providerAttempts      *prometheus.CounterVec
	cacheLookups          *prometheus.CounterVec
	cacheWrites           *prometheus.CounterVec
	budgetDenied          prometheus.Counter
	parseFallbacks        prometheus.Counter
	costTotal             prometheus.Counter
	batchFlushes          *prometheus.CounterVec
	batchItems            *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Total speech provider API requests.",
			},
			[]string{"endpoint", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Speech provider request duration in seconds.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"endpoint", "status"},
		),
		pipelineTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_requests_total",
				Help:      "Voice orders processed, by outcome (hit, miss, dedup or error code).",
			},
			[]string{"outcome"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "End to end voice order latency in seconds.",
				Buckets:   []float64{0.005, 0.05, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
			},
			[]string{"outcome"},
		),
		providerAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Speech provider attempts, by outcome code.",
			},
			[]string{"outcome"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Transcription cache lookups, by result.",
			},
			[]string{"result"},
		),
		cacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_writes_total",
				Help:      "Persistent cache writes, by outcome.",
			},
			[]string{"outcome"},
		),
		budgetDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_denied_total",
				Help:      "Requests rejected because the daily budget would be exceeded.",
			},
		),
		parseFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_fallback_total",
				Help:      "Orders whose items came from the deterministic splitter.",
			},
		),
		costTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transcription_cost_usd_total",
				Help:      "Accumulated provider cost in USD.",
			},
		),
		batchFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_batch_flushes_total",
				Help:      "Usage batch flushes, by outcome.",
			},
			[]string{"outcome"},
		),
		batchItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_batch_items_total",
				Help:      "Usage records handled by batch flushes, by outcome.",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.pipelineTotal,
		m.pipelineDuration,
		m.providerAttempts,
		m.cacheLookups,
		m.cacheWrites,
		m.budgetDenied,
		m.parseFallbacks,
		m.costTotal,
		m.batchFlushes,
		m.batchItems,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpstream(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(endpoint, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObservePipeline(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pipelineTotal.WithLabelValues(label(outcome)).Inc()
	m.pipelineDuration.WithLabelValues(label(outcome)).Observe(duration.Seconds())
}

func (m *Metrics) ObserveProviderAttempt(outcome string) {
	if m == nil {
		return
	}
	m.providerAttempts.WithLabelValues(label(outcome)).Inc()
}

func (m *Metrics) ObserveBudgetDenied() {
	if m == nil {
		return
	}
	m.budgetDenied.Inc()
}

func (m *Metrics) ObserveParseFallback() {
	if m == nil {
		return
	}
	m.parseFallbacks.Inc()
}

func (m *Metrics) ObserveCost(usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.costTotal.Add(usd)
}

func (m *Metrics) ObserveCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(label(result)).Inc()
}

func (m *Metrics) ObserveCacheWrite(outcome string) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(label(outcome)).Inc()
}

func (m *Metrics) ObserveBatchFlush(outcome string, items int) {
	if m == nil {
		return
	}
	m.batchFlushes.WithLabelValues(label(outcome)).Inc()
	if items > 0 {
		m.batchItems.WithLabelValues(label(outcome)).Add(float64(items))
	}
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
