// Package health runs the periodic self-test: a synthetic capture of a
// configured URL through the full admission and pipeline path, with the
// result cache bypassed so every probe exercises a real browser.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/common/config"
	"github.com/snapforge/engine/internal/common/requestid"
	"github.com/snapforge/engine/pkg/types"
)

// initialDelay keeps the first probe away from startup, when the pool is
// still warming.
const initialDelay = 30 * time.Second

// CaptureFunc runs one screenshot through admission and the pipeline.
type CaptureFunc func(ctx context.Context, req types.ScreenshotRequest, useCache bool) (string, error)

// Outcome labels for the last probe.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Status is the prober's contribution to GET /health.
type Status struct {
	Enabled             bool       `json:"enabled"`
	URL                 string     `json:"url,omitempty"`
	LastOutcome         string     `json:"last_outcome,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastDurationMS      int64      `json:"last_duration_ms,omitempty"`
	LastProbeAt         *time.Time `json:"last_probe_at,omitempty"`
	Successes           int64      `json:"successes"`
	Failures            int64      `json:"failures"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
}

// Prober issues the synthetic captures. It only observes; admission state
// is never altered beyond what the probe captures themselves cause.
type Prober struct {
	cfg     *config.HealthConfig
	capture CaptureFunc
	logger  *zap.Logger

	delay time.Duration // first-probe delay, shortened by tests

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                  sync.Mutex
	lastOutcome         string
	lastError           string
	lastDuration        time.Duration
	lastProbeAt         time.Time
	successes           int64
	failures            int64
	consecutiveFailures int64
}

func NewProber(cfg *config.HealthConfig, capture CaptureFunc, logger *zap.Logger) *Prober {
	ctx, cancel := context.WithCancel(context.Background())
	return &Prober{
		cfg:     cfg,
		capture: capture,
		logger:  logger,
		delay:   initialDelay,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the probe loop: one probe after the initial delay, then
// one per interval.
func (p *Prober) Start() {
	if !p.cfg.Enabled || p.cfg.URL == "" {
		p.logger.Info("Health prober disabled")
		return
	}

	p.logger.Info("Health prober starting",
		zap.String("url", p.cfg.URL),
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("initial_delay", p.delay))

	p.wg.Add(1)
	go p.run()
}

// Shutdown stops the loop and waits for an in-flight probe to finish.
func (p *Prober) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

func (p *Prober) run() {
	defer p.wg.Done()

	select {
	case <-time.After(p.delay):
	case <-p.ctx.Done():
		return
	}
	p.Probe()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Probe()
		case <-p.ctx.Done():
			return
		}
	}
}

// Probe runs one synthetic capture and records its outcome.
func (p *Prober) Probe() {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()
	ctx = requestid.NewContext(ctx, "health-probe")

	req := types.ScreenshotRequest{
		URL:    p.cfg.URL,
		Format: types.FormatPNG,
		Width:  types.DefaultViewportWidth,
		Height: types.DefaultViewportHeight,
	}

	start := time.Now()
	_, err := p.capture(ctx, req, false)
	duration := time.Since(start)

	p.record(err, duration)

	if err != nil {
		p.logger.Warn("Health probe failed",
			zap.String("url", p.cfg.URL),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}
	p.logger.Debug("Health probe succeeded",
		zap.String("url", p.cfg.URL),
		zap.Duration("duration", duration))
}

func (p *Prober) record(err error, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastDuration = duration
	p.lastProbeAt = time.Now().UTC()

	if err != nil {
		p.lastOutcome = OutcomeFailed
		p.lastError = err.Error()
		p.failures++
		p.consecutiveFailures++
		return
	}
	p.lastOutcome = OutcomeOK
	p.lastError = ""
	p.successes++
	p.consecutiveFailures = 0
}

// Status returns a snapshot of the prober's counters.
func (p *Prober) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		Enabled:             p.cfg.Enabled,
		URL:                 p.cfg.URL,
		LastOutcome:         p.lastOutcome,
		LastError:           p.lastError,
		LastDurationMS:      p.lastDuration.Milliseconds(),
		Successes:           p.successes,
		Failures:            p.failures,
		ConsecutiveFailures: p.consecutiveFailures,
	}
	if !p.lastProbeAt.IsZero() {
		at := p.lastProbeAt
		s.LastProbeAt = &at
	}
	return s
}
