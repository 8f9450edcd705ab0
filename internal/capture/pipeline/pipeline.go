// Package pipeline turns one admitted screenshot request into a stored
// artifact: lease a page, navigate with strategy fallback, settle,
// capture, publish. Losing the browser mid-flight escalates to a retry
// on a fresh browser instead of failing the request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/capture/chrome"
	"github.com/snapforge/engine/internal/capture/metrics"
	"github.com/snapforge/engine/internal/common/config"
)

// Page lifecycle events used as navigation strategies.
const (
	eventCommit           = "commit"
	eventDOMContentLoaded = "DOMContentLoaded"
	eventNetworkIdle      = "networkIdle"
	eventLoad             = "load"
)

type strategyStep struct {
	event    string
	fraction float64 // of the base navigation timeout
}

// strategyLadder is tried in order until one strategy succeeds. A page
// that cannot even commit fails fast; one that commits but never goes
// quiet still gets the larger budgets further down.
var strategyLadder = []strategyStep{
	{eventCommit, 0.40},
	{eventDOMContentLoaded, 0.70},
	{eventNetworkIdle, 0.50},
	{eventLoad, 0.90},
}

// Adaptive timeout shaping: above utilizationKnee the per-capture
// timeout budget shrinks by scaleSlope per unit of utilization, floored
// at minTimeoutScale.
const (
	utilizationKnee = 0.70
	scaleSlope      = 1.67
	minTimeoutScale = 0.5
)

// Request is one capture order, already validated and admitted.
type Request struct {
	RequestID string
	URL       string // the URL actually navigated, after any rewrite
	Width     int
	Height    int
	Format    string
}

// Result describes a published artifact.
type Result struct {
	ArtifactURL string
	Bytes       int
	Strategy    string // navigation strategy that succeeded
	BrowserID   int
	PageMode    string
	Attempts    int // 1 plus fresh-browser retries used
	Duration    time.Duration
}

// pageLease is the slice of chrome.Lease the pipeline uses.
type pageLease interface {
	Ctx() context.Context
	BrowserID() int
	Mode() string
	Release(captureErr error)
}

// Deps wires the pipeline's collaborators. Interceptor, Utilization and
// Collector may be nil.
type Deps struct {
	Acquirer    *chrome.Acquirer
	Interceptor *chrome.Interceptor
	Publisher   Publisher
	Utilization func() float64
	Collector   *metrics.Collector
}

// Pipeline executes captures. Safe for concurrent use.
type Pipeline struct {
	cfg       *config.CaptureConfig
	publisher Publisher
	collector *metrics.Collector
	logger    *zap.Logger

	utilization func() float64

	// Swapped by tests to run without a browser.
	acquire   func(ctx context.Context, requestID string) (pageLease, error)
	newDriver func(lease pageLease) driver
	install   func(pageCtx context.Context, pageURL string, mode chrome.BlockMode, timeout time.Duration) (func(), error)
}

func New(cfg *config.CaptureConfig, deps Deps, logger *zap.Logger) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		publisher:   deps.Publisher,
		collector:   deps.Collector,
		logger:      logger,
		utilization: deps.Utilization,
		newDriver: func(lease pageLease) driver {
			return newCDPDriver(lease.Ctx())
		},
	}
	if deps.Acquirer != nil {
		p.acquire = func(ctx context.Context, requestID string) (pageLease, error) {
			lease, err := deps.Acquirer.Acquire(ctx, requestID)
			if err != nil {
				return nil, err
			}
			return lease, nil
		}
	}
	if deps.Interceptor != nil {
		p.install = deps.Interceptor.Install
	}
	return p
}

// Capture runs the full pipeline for one request. The caller's context
// carries the request deadline; its expiry fails the capture.
func (p *Pipeline) Capture(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	profile := classifySite(req.URL)
	scale := timeoutScale(p.poolUtilization())
	base := profile.navigationTimeout(p.cfg)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryBaseDelay
	bo.MaxInterval = p.cfg.RetryMaxDelay
	bo.RandomizationFactor = p.cfg.RetryJitter
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	var res *Result
	var err error
	attempts := 0
	for {
		attempts++
		res, err = p.attempt(ctx, req, profile, base, scale)
		if err == nil {
			break
		}
		if !chrome.IsTargetClosed(err) || attempts > p.cfg.MaxFreshRetries {
			break
		}

		wait := bo.NextBackOff()
		p.logger.Warn("Browser died mid-capture, retrying on a fresh one",
			zap.String("request_id", req.RequestID),
			zap.String("url", req.URL),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
	}

	duration := time.Since(start)
	if err != nil {
		p.recordCapture(chrome.Classify(err), duration)
		p.logger.Warn("Capture failed",
			zap.String("request_id", req.RequestID),
			zap.String("url", req.URL),
			zap.String("kind", chrome.Classify(err)),
			zap.Int("attempts", attempts),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	res.Attempts = attempts
	res.Duration = duration
	p.recordCapture(metrics.OutcomeSuccess, duration)
	p.logger.Info("Screenshot captured",
		zap.String("request_id", req.RequestID),
		zap.String("url", req.URL),
		zap.String("strategy", res.Strategy),
		zap.String("page_mode", res.PageMode),
		zap.Int("attempts", attempts),
		zap.Int("browser_id", res.BrowserID),
		zap.Int("bytes", res.Bytes),
		zap.Duration("duration", duration))
	return res, nil
}

// attempt is one pass at the capture on one leased page. The lease is
// released on every path and told about browser-inflicted errors so
// browser health accounting stays accurate.
func (p *Pipeline) attempt(ctx context.Context, req Request, profile siteProfile, base time.Duration, scale float64) (*Result, error) {
	lease, err := p.acquire(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	var browserErr error
	defer func() { lease.Release(browserErr) }()

	d := p.newDriver(lease)

	if err := d.Prepare(ctx, req.Width, req.Height, profile.extraHeaders()); err != nil {
		browserErr = err
		return nil, err
	}

	if p.install != nil {
		uninstall, err := p.install(lease.Ctx(), req.URL, profile.blockMode(), p.cfg.RouteSetupTimeout)
		if err != nil {
			p.logger.Warn("Request interception unavailable, capturing without it",
				zap.String("request_id", req.RequestID),
				zap.String("url", req.URL),
				zap.Error(err))
		} else {
			defer uninstall()
		}
	}

	strategy, err := p.navigate(ctx, d, req.URL, base, scale)
	if err != nil {
		browserErr = err
		return nil, err
	}

	d.Settle(ctx, scaleDuration(p.cfg.SettleTimeout, scale))

	data, err := p.screenshot(ctx, d, req, scale)
	if err != nil {
		browserErr = err
		return nil, err
	}

	artifactURL, err := p.publisher.Publish(ctx, artifactName(req.Format), data)
	if err != nil {
		// Not the browser's fault; the lease is released clean.
		return nil, fmt.Errorf("publish artifact: %w", err)
	}

	return &Result{
		ArtifactURL: artifactURL,
		Bytes:       len(data),
		Strategy:    strategy,
		BrowserID:   lease.BrowserID(),
		PageMode:    lease.Mode(),
	}, nil
}

// navigate walks the strategy ladder. Target-closed escalates
// immediately, a timeout moves to the next strategy, and an unreachable
// verdict is remembered but surfaced only once every strategy has had
// its chance.
func (p *Pipeline) navigate(ctx context.Context, d driver, url string, base time.Duration, scale float64) (string, error) {
	var unreachable, lastErr error
	for _, step := range strategyLadder {
		timeout := scaleDuration(time.Duration(float64(base)*step.fraction), scale)
		err := d.NavigateAndWait(ctx, url, step.event, timeout)
		if err == nil {
			return step.event, nil
		}
		lastErr = err
		switch {
		case chrome.IsTargetClosed(err):
			return "", err
		case chrome.IsUnreachable(err):
			unreachable = err
		case errors.Is(err, chrome.ErrNavigateTimeout):
			// Try the next strategy.
		default:
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	if unreachable != nil {
		return "", unreachable
	}
	return "", lastErr
}

// screenshot captures within the screenshot budget. A timeout gets one
// retry; anything the browser tore down escalates to the caller.
func (p *Pipeline) screenshot(ctx context.Context, d driver, req Request, scale float64) ([]byte, error) {
	timeout := scaleDuration(p.cfg.ScreenshotTimeout, scale)
	data, err := d.Screenshot(ctx, req.Format, timeout)
	if err == nil {
		return data, nil
	}
	if chrome.IsTargetClosed(err) || ctx.Err() != nil {
		return nil, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		p.logger.Warn("Screenshot timed out, retrying once",
			zap.String("request_id", req.RequestID),
			zap.String("url", req.URL),
			zap.Duration("timeout", timeout))
		data, err = d.Screenshot(ctx, req.Format, timeout)
		if err == nil {
			return data, nil
		}
		if chrome.IsTargetClosed(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, errors.Join(chrome.ErrScreenshotFailed, err)
}

func (p *Pipeline) poolUtilization() float64 {
	if p.utilization == nil {
		return 0
	}
	return p.utilization()
}

func (p *Pipeline) recordCapture(outcome string, duration time.Duration) {
	if p.collector != nil {
		p.collector.RecordCapture(outcome, duration)
	}
}

// timeoutScale maps pool utilization to the factor applied to every
// timeout in one capture. At or below the knee the budget is untouched;
// above it the budget shrinks linearly down to the floor.
func timeoutScale(utilization float64) float64 {
	if utilization <= utilizationKnee {
		return 1.0
	}
	scale := 1.0 - (utilization-utilizationKnee)*scaleSlope
	if scale < minTimeoutScale {
		return minTimeoutScale
	}
	return scale
}

func scaleDuration(d time.Duration, scale float64) time.Duration {
	if scale >= 1.0 {
		return d
	}
	return time.Duration(float64(d) * scale)
}

func artifactName(format string) string {
	return uuid.New().String() + "." + format
}
