package chrome

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Page acquisition modes.
const (
	ModeTab     = "tab"     // warm tab reused across captures
	ModeContext = "context" // throwaway page, closed on release
)

// Acquirer pairs browser acquisition with page acquisition, producing a
// Lease the capture pipeline drives and releases exactly once.
type Acquirer struct {
	pool   *Pool
	cfg    *Config
	logger *zap.Logger

	// newContextPage opens a throwaway page for context mode. Seam for
	// tests; defaults to the devtools implementation.
	newContextPage func(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error)
}

func NewAcquirer(pool *Pool, cfg *Config, logger *zap.Logger) *Acquirer {
	return &Acquirer{
		pool:           pool,
		cfg:            cfg,
		logger:         logger,
		newContextPage: openPageCDP,
	}
}

// Acquire obtains an exclusive browser plus one page to drive. With tab
// reuse enabled it hands out a warm tab and falls back to a throwaway
// page when the tab path fails; with reuse disabled it always opens a
// throwaway page. On any page failure the browser goes straight back to
// the pool before the error is returned.
func (a *Acquirer) Acquire(ctx context.Context, requestID string) (*Lease, error) {
	b, err := a.pool.Acquire(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if a.cfg.TabReuseEnabled {
		tab, created, err := b.tabs.acquire(b.ctx)
		if err == nil {
			if created {
				b.recordPageOpened()
			}
			return &Lease{acq: a, browser: b, tab: tab, mode: ModeTab}, nil
		}
		a.logger.Debug("Tab acquisition failed, falling back to fresh context",
			zap.Int("browser_id", b.ID),
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	pageCtx, cancel, err := a.newContextPage(b.ctx, a.cfg.ContextCreationTimeout)
	if err != nil {
		a.pool.recordBrowserError(b)
		a.pool.Release(b)
		return nil, fmt.Errorf("%w: %v", ErrPageAcquire, err)
	}
	b.recordPageOpened()
	return &Lease{acq: a, browser: b, pageCtx: pageCtx, cancel: cancel, mode: ModeContext}, nil
}

// Run sweeps warm tabs on the cleanup interval until ctx is cancelled.
func (a *Acquirer) Run(ctx context.Context) {
	if !a.cfg.TabReuseEnabled {
		return
	}
	ticker := time.NewTicker(a.cfg.TabCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.pool.SweepTabs(); n > 0 {
				a.logger.Debug("Swept idle tabs", zap.Int("closed", n))
			}
		}
	}
}

// Lease is an exclusively held browser plus one page. Concurrent or
// repeated Release calls collapse to the first.
type Lease struct {
	acq      *Acquirer
	browser  *Browser
	tab      *Tab
	pageCtx  context.Context
	cancel   context.CancelFunc
	mode     string
	released atomic.Bool
}

// Ctx is the chromedp context of the held page.
func (l *Lease) Ctx() context.Context {
	if l.mode == ModeTab {
		return l.tab.ctx
	}
	return l.pageCtx
}

func (l *Lease) BrowserID() int { return l.browser.ID }

func (l *Lease) Mode() string { return l.mode }

// Release gives the page and browser back. captureErr tells the lease
// how the capture ended: any failure counts against the browser's health
// budget, and a dead target retires the browser and drops the tab
// instead of returning it to the warm list.
func (l *Lease) Release(captureErr error) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	dead := IsTargetClosed(captureErr)
	if captureErr != nil {
		l.acq.pool.recordBrowserError(l.browser)
	}

	switch l.mode {
	case ModeTab:
		l.browser.tabs.release(l.tab, dead)
	case ModeContext:
		l.cancel()
	}

	if dead {
		l.browser.retiring.Store(true)
	}
	l.acq.pool.Release(l.browser)
}
