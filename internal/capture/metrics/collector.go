package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// OutcomeSuccess is the outcome class for completed captures. Failures are
// recorded under their error kind.
const OutcomeSuccess = "success"

// Circuit breaker states as exported by the circuit_state gauge.
const (
	CircuitClosed   = "closed"
	CircuitHalfOpen = "half-open"
	CircuitOpen     = "open"
)

// Collector fans every recording out to the JSON state and the Prometheus
// mirror. All methods are safe for concurrent use.
type Collector struct {
	state      *State
	prometheus *PrometheusMetrics
	logger     *zap.Logger
}

// NewCollector registers against the default Prometheus registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry lets tests inject a private registry.
func NewCollectorWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	return &Collector{
		state:      NewState(),
		prometheus: NewPrometheusMetricsWithRegistry(namespace, registerer, logger),
		logger:     logger,
	}
}

// RecordCapture records one finished capture attempt. outcome is
// OutcomeSuccess or an error kind.
func (c *Collector) RecordCapture(outcome string, duration time.Duration) {
	c.state.RecordOutcome(outcome)
	c.state.ObserveResponseTime(duration)
	c.prometheus.capturesTotal.WithLabelValues(outcome).Inc()
	c.prometheus.captureDuration.Observe(duration.Seconds())
}

// RecordRejection records a request refused before any capture work
// (load shed, full queue, queue timeout, open circuit).
func (c *Collector) RecordRejection(kind string) {
	c.state.RecordOutcome(kind)
	c.prometheus.capturesTotal.WithLabelValues(kind).Inc()
	c.prometheus.shedTotal.Inc()
}

// RecordError appends to the recent-error ring and counts by kind.
func (c *Collector) RecordError(kind, endpoint, details string) {
	c.state.RecordError(kind, endpoint, details)
	c.prometheus.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest counts one boundary request by endpoint and status.
func (c *Collector) RecordHTTPRequest(endpoint, status string) {
	c.prometheus.httpRequests.WithLabelValues(endpoint, status).Inc()
}

// UpdatePool publishes the pool's stats() into both sinks.
func (c *Collector) UpdatePool(g PoolGauges) {
	c.state.SetPoolGauges(g)
	c.prometheus.poolSize.Set(float64(g.Size))
	c.prometheus.poolInUse.Set(float64(g.InUse))
	c.prometheus.poolAvailable.Set(float64(g.Available))
}

// BrowserCreated counts one browser launch.
func (c *Collector) BrowserCreated() {
	c.prometheus.poolCreated.Inc()
}

// BrowserRecycled counts one browser teardown.
func (c *Collector) BrowserRecycled() {
	c.prometheus.poolRecycled.Inc()
}

// UpdateAdmission publishes admission gauges into both sinks.
func (c *Collector) UpdateAdmission(g AdmissionGauges) {
	c.state.SetAdmissionGauges(g)
	c.prometheus.queueDepth.Set(float64(g.QueueDepth))
	c.prometheus.inFlightScreenshots.Set(float64(g.InFlightScreenshots))
	c.prometheus.inFlightContexts.Set(float64(g.InFlightContexts))
	c.prometheus.circuitState.Set(circuitStateValue(g.CircuitState))
}

// UpdateResultCache publishes the result cache entry count.
func (c *Collector) UpdateResultCache(items int) {
	c.prometheus.resultCacheItems.Set(float64(items))
}

// UpdateResourceCache publishes resource cache usage.
func (c *Collector) UpdateResourceCache(totalBytes int64, items int) {
	c.prometheus.resourceCacheBytes.Set(float64(totalBytes))
	c.prometheus.resourceCacheItems.Set(float64(items))
}

// Snapshot returns the current JSON state.
func (c *Collector) Snapshot() Snapshot {
	return c.state.Snapshot()
}

// SnapshotJSON marshals the current state for GET /metrics and the
// websocket stream.
func (c *Collector) SnapshotJSON() ([]byte, error) {
	data, err := json.Marshal(c.state.Snapshot())
	if err != nil {
		c.logger.Error("failed to marshal metrics snapshot", zap.Error(err))
		return nil, err
	}
	return data, nil
}

// PromHandler exposes the Prometheus exposition handler for the metrics
// listener.
func (c *Collector) PromHandler() http.Handler {
	return c.prometheus.Handler()
}

func circuitStateValue(state string) float64 {
	switch state {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	default:
		return 0
	}
}
