package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PrometheusMetrics mirrors the capture state into Prometheus collectors.
type PrometheusMetrics struct {
	// Browser pool metrics
	poolSize      prometheus.Gauge
	poolInUse     prometheus.Gauge
	poolAvailable prometheus.Gauge
	poolRecycled  prometheus.Counter
	poolCreated   prometheus.Counter

	// Capture metrics
	capturesTotal   *prometheus.CounterVec
	captureDuration prometheus.Histogram

	// Admission metrics
	queueDepth          prometheus.Gauge
	inFlightScreenshots prometheus.Gauge
	inFlightContexts    prometheus.Gauge
	circuitState        prometheus.Gauge
	shedTotal           prometheus.Counter

	// Cache metrics
	resultCacheItems   prometheus.Gauge
	resourceCacheBytes prometheus.Gauge
	resourceCacheItems prometheus.Gauge

	// HTTP metrics
	httpRequests *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler http.Handler
}

// NewPrometheusMetrics registers against the default registry.
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry registers against the given registry so
// tests can gather without touching global state.
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.poolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "browser_pool_size",
		Help:      "Total number of browsers in the pool",
	})

	pm.poolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "browser_pool_in_use",
		Help:      "Number of browsers currently held by captures",
	})

	pm.poolAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "browser_pool_available",
		Help:      "Number of idle browsers ready for acquisition",
	})

	pm.poolCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "browsers_created_total",
		Help:      "Total browsers launched since start",
	})

	pm.poolRecycled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "browsers_recycled_total",
		Help:      "Total browsers recycled since start",
	})

	pm.capturesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "captures_total",
		Help:      "Total screenshot captures by outcome",
	}, []string{"status"}) // status: success or an error kind

	pm.captureDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "capture_duration_seconds",
		Help:      "Time spent per capture end to end",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
	})

	pm.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "admission_queue_depth",
		Help:      "Current number of requests waiting in the admission queue",
	})

	pm.inFlightScreenshots = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "in_flight_screenshots",
		Help:      "Captures currently holding a screenshot slot",
	})

	pm.inFlightContexts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "in_flight_contexts",
		Help:      "Captures currently holding a context slot",
	})

	pm.circuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "circuit_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	})

	pm.shedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "load_shed_total",
		Help:      "Requests rejected by load shedding or a full queue",
	})

	pm.resultCacheItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "result_cache_items",
		Help:      "Entries currently held by the result cache",
	})

	pm.resourceCacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "resource_cache_bytes",
		Help:      "Bytes currently held by the resource cache",
	})

	pm.resourceCacheItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "resource_cache_items",
		Help:      "Entries currently held by the resource cache",
	})

	pm.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by endpoint and status",
	}, []string{"endpoint", "status"})

	pm.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "errors_total",
		Help:      "Total errors by kind",
	}, []string{"kind"})

	registerer.MustRegister(
		pm.poolSize,
		pm.poolInUse,
		pm.poolAvailable,
		pm.poolCreated,
		pm.poolRecycled,
		pm.capturesTotal,
		pm.captureDuration,
		pm.queueDepth,
		pm.inFlightScreenshots,
		pm.inFlightContexts,
		pm.circuitState,
		pm.shedTotal,
		pm.resultCacheItems,
		pm.resourceCacheBytes,
		pm.resourceCacheItems,
		pm.httpRequests,
		pm.errorsTotal,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})

	logger.Info("Prometheus metrics initialized", zap.String("namespace", namespace))
	return pm
}

// Handler returns the exposition handler for the metrics listener.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return pm.httpHandler
}
