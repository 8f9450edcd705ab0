// Package admission gates capture work behind a circuit breaker, a pair of
// concurrency semaphores, and utilization-based load shedding. Every
// screenshot request passes through Controller.Do before it is allowed to
// touch a browser; rejected requests never consume a pool slot.
package admission

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/snapforge/engine/internal/capture/chrome"
	"github.com/snapforge/engine/internal/capture/metrics"
	"github.com/snapforge/engine/internal/common/config"
	"github.com/snapforge/engine/pkg/types"
)

// Admission errors - returned before any capture work starts
var (
	ErrCircuitOpen  = errors.New("circuit breaker open")
	ErrOverloaded   = errors.New("service overloaded")
	ErrQueueTimeout = errors.New("queue wait timed out")
)

// Classify maps an admission error to its error kind, falling through to the
// capture classifier for errors produced past the gate.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return types.KindCircuitOpen
	case errors.Is(err, ErrQueueTimeout):
		return types.KindQueueTimeout
	case errors.Is(err, ErrOverloaded):
		return types.KindOverloaded
	default:
		return chrome.Classify(err)
	}
}

// Controller admits or rejects capture requests. Checks run in a fixed
// order: circuit state, utilization shed, screenshot slot (with optional
// bounded queue), context slot. Only requests that clear every gate reach
// the wrapped capture function, and that call is what feeds the breaker.
type Controller struct {
	cfg         *config.AdmissionConfig
	breaker     *gobreaker.CircuitBreaker
	screenshots *semaphore.Weighted
	contexts    *semaphore.Weighted
	utilization func() float64
	collector   *metrics.Collector
	logger      *zap.Logger

	inFlightScreenshots atomic.Int64
	inFlightContexts    atomic.Int64
	queued              atomic.Int64
}

// New builds a Controller. utilization reports pool busy fraction in [0,1]
// and may be nil, which disables shedding regardless of config.
func New(cfg *config.AdmissionConfig, utilization func() float64, collector *metrics.Collector, logger *zap.Logger) *Controller {
	c := &Controller{
		cfg:         cfg,
		screenshots: semaphore.NewWeighted(int64(cfg.MaxConcurrentScreenshots)),
		contexts:    semaphore.NewWeighted(int64(cfg.MaxConcurrentContexts)),
		utilization: utilization,
		collector:   collector,
		logger:      logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "capture",
		MaxRequests: 1, // single probe while half-open
		Timeout:     cfg.CircuitBreakerResetTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreakerThreshold)
		},
		// A caller hanging up mid-capture says nothing about browser
		// health, so cancellation does not count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			c.publish(to.String())
		},
	})
	return c
}

// Do runs fn under the admission gates. The returned error is either one of
// this package's sentinels, a context error from the caller hanging up while
// queued, or whatever fn itself returned.
func (c *Controller) Do(ctx context.Context, fn func(context.Context) error) error {
	// Open breaker rejects before consuming a queue or semaphore slot.
	// Half-open is not checked here: the probe request must reach Execute.
	if c.breaker.State() == gobreaker.StateOpen {
		c.reject(types.KindCircuitOpen)
		return ErrCircuitOpen
	}

	if c.cfg.EnableLoadShedding && c.utilization != nil {
		if util := c.utilization(); util >= c.cfg.LoadSheddingThreshold {
			c.logger.Warn("shedding request",
				zap.Float64("utilization", util),
				zap.Float64("threshold", c.cfg.LoadSheddingThreshold))
			c.reject(types.KindOverloaded)
			return ErrOverloaded
		}
	}

	if err := c.acquireScreenshotSlot(ctx); err != nil {
		return err
	}
	defer func() {
		c.screenshots.Release(1)
		c.inFlightScreenshots.Add(-1)
		c.publishCurrent()
	}()

	if err := c.contexts.Acquire(ctx, 1); err != nil {
		// Context capacity is >= screenshot capacity, so this only
		// fires when the caller is already gone.
		return ctx.Err()
	}
	c.inFlightContexts.Add(1)
	c.publishCurrent()
	defer func() {
		c.contexts.Release(1)
		c.inFlightContexts.Add(-1)
		c.publishCurrent()
	}()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		c.reject(types.KindCircuitOpen)
		return ErrCircuitOpen
	}
	return err
}

// acquireScreenshotSlot takes a screenshot semaphore slot, waiting in the
// bounded queue when the fast path misses and queueing is enabled. Waiters
// are served in arrival order.
func (c *Controller) acquireScreenshotSlot(ctx context.Context) error {
	if c.screenshots.TryAcquire(1) {
		c.inFlightScreenshots.Add(1)
		c.publishCurrent()
		return nil
	}

	if !c.cfg.EnableRequestQueue {
		c.reject(types.KindOverloaded)
		return ErrOverloaded
	}
	if !c.enterQueue() {
		c.reject(types.KindOverloaded)
		return ErrOverloaded
	}
	defer func() {
		c.queued.Add(-1)
		c.publishCurrent()
	}()
	c.publishCurrent()

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.QueueTimeout)
	defer cancel()

	if err := c.screenshots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.reject(types.KindQueueTimeout)
		return ErrQueueTimeout
	}
	c.inFlightScreenshots.Add(1)
	return nil
}

// enterQueue reserves a queue slot, keeping the depth strictly bounded under
// concurrent entry.
func (c *Controller) enterQueue() bool {
	for {
		n := c.queued.Load()
		if n >= int64(c.cfg.MaxQueueSize) {
			return false
		}
		if c.queued.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// CircuitState returns the breaker state as its metrics label.
func (c *Controller) CircuitState() string {
	return c.breaker.State().String()
}

// Gauges returns a point-in-time view of the controller's counters.
func (c *Controller) Gauges() metrics.AdmissionGauges {
	return metrics.AdmissionGauges{
		InFlightScreenshots: int(c.inFlightScreenshots.Load()),
		InFlightContexts:    int(c.inFlightContexts.Load()),
		QueueDepth:          int(c.queued.Load()),
		CircuitState:        c.CircuitState(),
	}
}

func (c *Controller) reject(kind string) {
	if c.collector != nil {
		c.collector.RecordRejection(kind)
	}
	c.publishCurrent()
}

func (c *Controller) publishCurrent() {
	c.publish(c.breaker.State().String())
}

// publish pushes gauges with an explicit circuit label. OnStateChange runs
// under the breaker's lock, so it cannot read State() back; it passes the
// target state instead.
func (c *Controller) publish(circuit string) {
	if c.collector == nil {
		return
	}
	c.collector.UpdateAdmission(metrics.AdmissionGauges{
		InFlightScreenshots: int(c.inFlightScreenshots.Load()),
		InFlightContexts:    int(c.inFlightContexts.Load()),
		QueueDepth:          int(c.queued.Load()),
		CircuitState:        circuit,
	})
}
