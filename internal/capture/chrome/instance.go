package chrome

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const launchTimeout = 30 * time.Second

// Browser is one pooled headless Chrome process. The pool guards the
// in-use flag; everything else is owned by whoever holds the browser or
// is atomic so the watchdog can inspect live instances without locking.
type Browser struct {
	ID        int
	createdAt time.Time

	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc

	// probe answers whether the devtools connection is still alive.
	// Tests swap it so no Chrome process is needed.
	probe func(ctx context.Context) error

	tabs *tabSet

	inUse       atomic.Bool
	retiring    atomic.Bool
	lastUsed    atomic.Int64
	pagesOpened atomic.Int32
	errorCount  atomic.Int32

	logger *zap.Logger
}

// launchBrowser starts a Chrome process and waits for its devtools
// endpoint to come up. It is the pool's default launcher.
func launchBrowser(id int, cfg *Config, logger *zap.Logger) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-zygote", true),
		chromedp.Flag("disable-features", "site-per-process"),
		chromedp.Flag("mute-audio", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	runCtx, runCancel := context.WithTimeout(browserCtx, launchTimeout)
	defer runCancel()
	if err := chromedp.Run(runCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser %d: %w", id, err)
	}

	b := &Browser{
		ID:          id,
		createdAt:   time.Now(),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         browserCtx,
		cancel:      browserCancel,
		logger:      logger.With(zap.Int("browser_id", id)),
	}
	b.probe = b.devtoolsProbe
	b.tabs = newTabSet(cfg, b.logger)
	b.touch()

	b.logger.Info("Browser launched")
	return b, nil
}

// devtoolsProbe round-trips a Browser.getVersion command. Any answer
// means the process and its websocket are alive.
func (b *Browser) devtoolsProbe(ctx context.Context) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, _, err := browser.GetVersion().Do(ctx)
		return err
	}))
}

// Connected reports whether the devtools connection still answers within
// the given timeout.
func (b *Browser) Connected(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()
	return b.probe(ctx) == nil
}

// withinLimits runs the cheap health checks: error budget, page budget,
// age, and retirement. It never touches the devtools connection.
func (b *Browser) withinLimits(cfg *Config) bool {
	if b.retiring.Load() {
		return false
	}
	if int(b.errorCount.Load()) >= cfg.HealthErrorThreshold {
		return false
	}
	if int(b.pagesOpened.Load()) >= cfg.MaxPagesPerBrowser {
		return false
	}
	if time.Since(b.createdAt) >= cfg.MaxAge {
		return false
	}
	return true
}

func (b *Browser) touch() {
	b.lastUsed.Store(time.Now().UnixNano())
}

// IdleFor returns how long ago the browser was last touched.
func (b *Browser) IdleFor() time.Duration {
	return time.Since(time.Unix(0, b.lastUsed.Load()))
}

// Age returns how long the browser process has been alive.
func (b *Browser) Age() time.Duration {
	return time.Since(b.createdAt)
}

func (b *Browser) recordError() {
	b.errorCount.Add(1)
}

func (b *Browser) recordPageOpened() {
	b.pagesOpened.Add(1)
}

// terminate closes every tab and tears the Chrome process down. Safe to
// call more than once; context cancellation is idempotent.
func (b *Browser) terminate() {
	if b.tabs != nil {
		b.tabs.closeAll()
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}
