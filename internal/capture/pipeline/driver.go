package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/snapforge/engine/internal/capture/chrome"
	"github.com/snapforge/engine/pkg/types"
)

// preparePageTimeout bounds the viewport and event-domain setup commands,
// which complete in milliseconds on a live target.
const preparePageTimeout = 5 * time.Second

// artifactQuality is the encoder quality for lossy screenshot formats.
const artifactQuality = 90

// driver is the devtools surface the pipeline drives. The fallback and
// retry logic is exercised against fakes of this in tests.
type driver interface {
	Prepare(ctx context.Context, width, height int, headers network.Headers) error
	NavigateAndWait(ctx context.Context, url, event string, timeout time.Duration) error
	Settle(ctx context.Context, wait time.Duration)
	Screenshot(ctx context.Context, format string, timeout time.Duration) ([]byte, error)
}

// cdpDriver issues devtools commands against one leased page.
type cdpDriver struct {
	pageCtx context.Context
}

func newCDPDriver(pageCtx context.Context) *cdpDriver {
	return &cdpDriver{pageCtx: pageCtx}
}

// run executes actions against the page, bounded by timeout and by the
// request context. Failures caused by the page or browser dying are
// folded into ErrTargetClosed so callers can escalate them.
func (d *cdpDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < timeout {
			timeout = remain
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	runCtx, cancel := context.WithTimeout(d.pageCtx, timeout)
	defer cancel()
	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if d.pageCtx.Err() != nil {
		return fmt.Errorf("%w: %v", chrome.ErrTargetClosed, err)
	}
	return err
}

// Prepare sizes the viewport and enables the event domains a capture
// needs. Extra headers are always set, even when empty, so a reused tab
// cannot carry the previous page's set.
func (d *cdpDriver) Prepare(ctx context.Context, width, height int, headers network.Headers) error {
	err := d.run(ctx, preparePageTimeout, chromedp.Tasks{
		network.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1.0, false),
		network.SetExtraHTTPHeaders(headers),
	})
	if err != nil {
		return fmt.Errorf("prepare page: %w", err)
	}
	return nil
}

// NavigateAndWait starts a navigation and waits for the requested
// lifecycle event on that navigation's frame and loader. The watch is
// installed before Page.navigate is issued because early events, commit
// in particular, can fire before the command returns.
func (d *cdpDriver) NavigateAndWait(ctx context.Context, url, event string, timeout time.Duration) error {
	watch := watchLifecycle(d.pageCtx)
	defer watch.stop()

	started := time.Now()
	var frameID, loaderID string
	err := d.run(ctx, timeout, chromedp.ActionFunc(func(ctx context.Context) error {
		fid, lid, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("%w: %s", chrome.ErrNavigateUnreachable, errorText)
		}
		frameID, loaderID = string(fid), string(lid)
		return nil
	}))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: navigation not committed within %v", chrome.ErrNavigateTimeout, timeout)
		}
		return err
	}

	remaining := timeout - time.Since(started)
	if remaining <= 0 {
		return fmt.Errorf("%w: %s not reached within %v", chrome.ErrNavigateTimeout, event, timeout)
	}
	return watch.await(ctx, event, frameID, loaderID, remaining)
}

// Settle gives the page a beat for fonts and late layout. There is no
// completion signal worth waiting on, so it is time-boxed and never
// fails.
func (d *cdpDriver) Settle(ctx context.Context, wait time.Duration) {
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-d.pageCtx.Done():
	}
}

// Screenshot captures the page, beyond the viewport, in the requested
// format.
func (d *cdpDriver) Screenshot(ctx context.Context, format string, timeout time.Duration) ([]byte, error) {
	var data []byte
	err := d.run(ctx, timeout, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot().
			WithFormat(captureFormat(format)).
			WithFromSurface(true).
			WithCaptureBeyondViewport(true)
		if format != types.FormatPNG {
			params = params.WithQuality(artifactQuality)
		}
		shot, err := params.Do(ctx)
		if err != nil {
			return err
		}
		data = shot
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func captureFormat(format string) page.CaptureScreenshotFormat {
	switch format {
	case types.FormatJPEG:
		return page.CaptureScreenshotFormatJpeg
	case types.FormatWebP:
		return page.CaptureScreenshotFormatWebp
	default:
		return page.CaptureScreenshotFormatPng
	}
}

type lifecycleEvent struct {
	name     string
	frameID  string
	loaderID string
}

// lifecycleWatch records page lifecycle events from the moment it is
// installed. Chrome can emit the awaited event between a navigation
// committing and the caller starting to wait, so events are buffered
// rather than observed live.
type lifecycleWatch struct {
	events   chan lifecycleEvent
	pageDone <-chan struct{}
	stop     context.CancelFunc
}

func watchLifecycle(pageCtx context.Context) *lifecycleWatch {
	listenerCtx, cancel := context.WithCancel(pageCtx)
	w := &lifecycleWatch{
		events:   make(chan lifecycleEvent, 64),
		pageDone: pageCtx.Done(),
		stop:     cancel,
	}
	chromedp.ListenTarget(listenerCtx, func(event interface{}) {
		e, ok := event.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		select {
		case w.events <- lifecycleEvent{
			name:     string(e.Name),
			frameID:  string(e.FrameID),
			loaderID: string(e.LoaderID),
		}:
		default:
			// Buffer full. A dropped event only delays a wait the
			// strategy timeout already bounds.
		}
	})
	return w
}

// await blocks until the named event arrives for the given navigation,
// identified by both frame and loader so events from an earlier
// navigation on the same frame cannot satisfy it.
func (w *lifecycleWatch) await(ctx context.Context, name, frameID, loaderID string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case e := <-w.events:
			if e.name == name && e.frameID == frameID && e.loaderID == loaderID {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-w.pageDone:
			return fmt.Errorf("%w: page closed while waiting for %s", chrome.ErrTargetClosed, name)
		case <-timer.C:
			return fmt.Errorf("%w: %s not reached within %v", chrome.ErrNavigateTimeout, name, timeout)
		}
	}
}
