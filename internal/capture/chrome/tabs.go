package chrome

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Tab is one reusable page inside a browser. The holder owns it
// exclusively until it is released; only idle tabs are visible to the
// sweeper.
type Tab struct {
	id        int
	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time
	lastUsed  time.Time
}

// Ctx is the chromedp context for driving this tab.
func (t *Tab) Ctx() context.Context { return t.ctx }

// tabSet keeps warm pages for one browser so captures skip the page
// creation round-trip. The mutex guards the idle list and counters only;
// devtools calls always happen unlocked.
type tabSet struct {
	cfg    *Config
	logger *zap.Logger

	mu     sync.Mutex
	idle   []*Tab
	inUse  int
	nextID int
	closed bool

	// Devtools seams, swapped by tests.
	openPage  func(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error)
	resetPage func(pageCtx context.Context, timeout time.Duration) error
}

func newTabSet(cfg *Config, logger *zap.Logger) *tabSet {
	return &tabSet{
		cfg:       cfg,
		logger:    logger,
		openPage:  openPageCDP,
		resetPage: resetPageCDP,
	}
}

// acquire returns a warm idle tab when one exists, otherwise opens a new
// page, respecting the per-browser cap. The second return reports whether
// a fresh page was created.
func (ts *tabSet) acquire(parent context.Context) (*Tab, bool, error) {
	ts.mu.Lock()
	if ts.closed {
		ts.mu.Unlock()
		return nil, false, ErrTabUnavailable
	}
	if n := len(ts.idle); n > 0 {
		tab := ts.idle[n-1]
		ts.idle = ts.idle[:n-1]
		ts.inUse++
		ts.mu.Unlock()
		return tab, false, nil
	}
	if ts.inUse >= ts.cfg.MaxTabsPerBrowser {
		inUse := ts.inUse
		ts.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %d tabs in use", ErrTabUnavailable, inUse)
	}
	id := ts.nextID
	ts.nextID++
	ts.inUse++ // reserve the slot before unlocking
	ts.mu.Unlock()

	pageCtx, cancel, err := ts.openPage(parent, ts.cfg.TabAcquireTimeout)
	if err != nil {
		ts.mu.Lock()
		ts.inUse--
		ts.mu.Unlock()
		return nil, false, fmt.Errorf("open tab: %w", err)
	}
	now := time.Now()
	return &Tab{id: id, ctx: pageCtx, cancel: cancel, createdAt: now, lastUsed: now}, true, nil
}

// release resets a tab and returns it to the warm list. The tab is closed
// instead when drop is set, the reset fails, the set is shut down, or the
// tab has outlived its maximum age.
func (ts *tabSet) release(tab *Tab, drop bool) {
	if !drop {
		if err := ts.resetPage(tab.ctx, ts.cfg.TabAcquireTimeout); err != nil {
			ts.logger.Debug("Tab reset failed, closing it",
				zap.Int("tab_id", tab.id), zap.Error(err))
			drop = true
		}
	}

	ts.mu.Lock()
	ts.inUse--
	if drop || ts.closed || time.Since(tab.createdAt) >= ts.cfg.TabMaxAge {
		ts.mu.Unlock()
		tab.cancel()
		return
	}
	tab.lastUsed = time.Now()
	ts.idle = append(ts.idle, tab)
	ts.mu.Unlock()
}

// sweep closes idle tabs past the idle timeout or maximum age and
// returns how many were closed.
func (ts *tabSet) sweep() int {
	now := time.Now()
	ts.mu.Lock()
	var keep, expired []*Tab
	for _, tab := range ts.idle {
		if now.Sub(tab.lastUsed) >= ts.cfg.TabIdleTimeout || now.Sub(tab.createdAt) >= ts.cfg.TabMaxAge {
			expired = append(expired, tab)
		} else {
			keep = append(keep, tab)
		}
	}
	ts.idle = keep
	ts.mu.Unlock()

	for _, tab := range expired {
		tab.cancel()
	}
	return len(expired)
}

// closeAll drops every idle tab and refuses further acquisitions. Tabs
// currently held die with the browser context.
func (ts *tabSet) closeAll() {
	ts.mu.Lock()
	tabs := ts.idle
	ts.idle = nil
	ts.closed = true
	ts.mu.Unlock()

	for _, tab := range tabs {
		tab.cancel()
	}
}

// counts returns (idle, in use) for stats and tests.
func (ts *tabSet) counts() (int, int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.idle), ts.inUse
}

// openPageCDP creates a new page target under the browser context and
// waits for it to come up.
func openPageCDP(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	pageCtx, cancel := chromedp.NewContext(parent)
	runCtx, runCancel := context.WithTimeout(pageCtx, timeout)
	defer runCancel()
	if err := chromedp.Run(runCtx); err != nil {
		cancel()
		return nil, nil, err
	}
	return pageCtx, cancel, nil
}

// resetPageCDP disables any fetch interception left behind by the last
// capture, then parks the page on about:blank. Interception must go
// first or the navigation itself would stall on unhandled pauses.
func resetPageCDP(pageCtx context.Context, timeout time.Duration) error {
	runCtx, cancel := context.WithTimeout(pageCtx, timeout)
	defer cancel()
	return chromedp.Run(runCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			// Interception may not be enabled; that failure is fine.
			_ = fetch.Disable().Do(ctx)
			return nil
		}),
		chromedp.Navigate("about:blank"),
	)
}
