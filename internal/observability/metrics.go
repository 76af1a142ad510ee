package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quotaline/quotaline/internal/core"
)

// MetricsCollector is the process-wide collector. Nil when metrics are disabled.
var MetricsCollector *Collector

// Collector exposes dispatch, cache, breaker, quota and HTTP metrics on its
// own Prometheus registry. All methods are safe on a nil receiver.
type Collector struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	cacheResults     *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	breakerState     prometheus.Gauge
	queueDepth       prometheus.Gauge
	quotaUsed        *prometheus.GaugeVec
	quotaLimit       *prometheus.GaugeVec

	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	httpResponseBytes *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	panicsTotal       prometheus.Counter
}

// InitMetrics builds the global collector for namespace.
func InitMetrics(namespace string) *Collector {
	MetricsCollector = NewCollector(prometheus.NewRegistry(), namespace)
	return MetricsCollector
}

// NewCollector registers every metric on registry under namespace.
func NewCollector(registry *prometheus.Registry, namespace string) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Collector{
		registry: registry,
		dispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_requests_total",
			Help:      "Dispatched requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from request submission to resolution",
			Buckets:   []float64{.005, .05, .25, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		cacheResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result (hit, miss, stale)",
		}, []string{"result"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Retries scheduled by the dispatcher, by failure kind",
		}, []string{"kind"}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_depth",
			Help:      "Operations waiting in the scheduler queue",
		}),
		quotaUsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_used",
			Help:      "Units consumed today by quota scope",
		}, []string{"scope"}),
		quotaLimit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_limit",
			Help:      "Daily budget by quota scope",
		}, []string{"scope"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		httpResponseBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response body size",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method", "endpoint"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error responses by envelope code and HTTP status",
		}, []string{"error_code", "http_status"}),
		panicsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_total",
			Help:      "Recovered panics in HTTP handlers",
		}),
	}
}

// ObserveRequest records a resolved dispatch.
func (c *Collector) ObserveRequest(endpoint, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dispatchTotal.WithLabelValues(EndpointLabel(endpoint), outcome).Inc()
	c.dispatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveCache records a cache lookup result.
func (c *Collector) ObserveCache(result string) {
	if c == nil {
		return
	}
	c.cacheResults.WithLabelValues(result).Inc()
}

// ObserveRetry records a scheduled retry.
func (c *Collector) ObserveRetry(kind core.ErrorKind) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(string(kind)).Inc()
}

// SetBreakerState records the breaker position by its name.
func (c *Collector) SetBreakerState(state string) {
	if c == nil {
		return
	}
	var value float64
	switch state {
	case "open":
		value = 1
	case "half-open":
		value = 2
	}
	c.breakerState.Set(value)
}

// SetQueueDepth records the scheduler queue length.
func (c *Collector) SetQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

// SetQuota records a quota ledger snapshot.
func (c *Collector) SetQuota(status core.QuotaStatus) {
	if c == nil || status.Scope == "" {
		return
	}
	c.quotaUsed.WithLabelValues(status.Scope).Set(float64(status.Used))
	c.quotaLimit.WithLabelValues(status.Scope).Set(float64(status.Limit))
}

// ObserveHTTP records a served HTTP request.
func (c *Collector) ObserveHTTP(method, endpoint string, status int, duration time.Duration, responseBytes int64) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	c.httpResponseBytes.WithLabelValues(method, endpoint).Observe(float64(responseBytes))
}

// RecordError records an error response.
func (c *Collector) RecordError(code string, httpStatus int) {
	if c == nil {
		return
	}
	c.errorsTotal.WithLabelValues(code, strconv.Itoa(httpStatus)).Inc()
}

// RecordPanic records a recovered panic.
func (c *Collector) RecordPanic() {
	if c == nil {
		return
	}
	c.panicsTotal.Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// EndpointLabel collapses numeric path segments so resource ids do not
// become label values ("/716429/information" -> "/:id/information").
func EndpointLabel(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	if endpoint == "" {
		return "/"
	}
	segments := strings.Split(endpoint, "/")
	for i, segment := range segments {
		if segment == "" {
			continue
		}
		if _, err := strconv.ParseUint(segment, 10, 64); err == nil {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}
