package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/capture/chrome"
	"github.com/snapforge/engine/internal/common/config"
	"github.com/snapforge/engine/pkg/types"
)

func testCaptureConfig() *config.CaptureConfig {
	return &config.CaptureConfig{
		NavigationTimeoutRegular: 20 * time.Second,
		NavigationTimeoutComplex: 45 * time.Second,
		ScreenshotTimeout:        10 * time.Second,
		SettleTimeout:            500 * time.Millisecond,
		RouteSetupTimeout:        2 * time.Second,
		MaxFreshRetries:          3,
		RetryBaseDelay:           time.Millisecond,
		RetryMaxDelay:            4 * time.Millisecond,
		RetryJitter:              0,
		ArtifactURLPrefix:        "/screenshots",
	}
}

type navCall struct {
	url     string
	event   string
	timeout time.Duration
}

// fakeDriver scripts devtools outcomes per lifecycle event and per
// screenshot call, and records everything the pipeline asked of it.
type fakeDriver struct {
	mu          sync.Mutex
	prepareErr  error
	headers     network.Headers
	navErrs     map[string]error // per event; missing falls back to navAllErr
	navAllErr   error
	navCalls    []navCall
	settleWaits []time.Duration
	shotErrs    []error // consumed in order; exhausted means success
	shotCalls   []time.Duration
	shotData    []byte
}

func (d *fakeDriver) Prepare(_ context.Context, _, _ int, headers network.Headers) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.headers = headers
	return d.prepareErr
}

func (d *fakeDriver) NavigateAndWait(_ context.Context, url, event string, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navCalls = append(d.navCalls, navCall{url: url, event: event, timeout: timeout})
	if err, ok := d.navErrs[event]; ok {
		return err
	}
	return d.navAllErr
}

func (d *fakeDriver) Settle(_ context.Context, wait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settleWaits = append(d.settleWaits, wait)
}

func (d *fakeDriver) Screenshot(_ context.Context, _ string, timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shotCalls = append(d.shotCalls, timeout)
	if len(d.shotErrs) > 0 {
		err := d.shotErrs[0]
		d.shotErrs = d.shotErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if d.shotData != nil {
		return d.shotData, nil
	}
	return []byte("image-bytes"), nil
}

type fakeLease struct {
	world    *captureWorld
	ctx      context.Context
	id       int
	mode     string
	released []error
}

func (l *fakeLease) Ctx() context.Context { return l.ctx }
func (l *fakeLease) BrowserID() int       { return l.id }
func (l *fakeLease) Mode() string         { return l.mode }

func (l *fakeLease) Release(captureErr error) {
	l.world.mu.Lock()
	defer l.world.mu.Unlock()
	l.released = append(l.released, captureErr)
	l.world.events = append(l.world.events, "release")
}

type fakePublisher struct {
	mu     sync.Mutex
	prefix string
	err    error
	names  []string
	bodies [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, name string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.names = append(f.names, name)
	f.bodies = append(f.bodies, data)
	return f.prefix + "/" + name, nil
}

// captureWorld owns all the fakes one pipeline test interacts with.
// Scripted drivers are handed out one per attempt; attempts beyond the
// script get a driver that succeeds at everything.
type captureWorld struct {
	mu         sync.Mutex
	scripted   []*fakeDriver
	drivers    []*fakeDriver
	leases     []*fakeLease
	pub        *fakePublisher
	acquireErr error
	installErr error
	installs   []chrome.BlockMode
	uninstalls int
	events     []string
}

func (w *captureWorld) acquire(ctx context.Context, _ string) (pageLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.acquireErr != nil {
		return nil, w.acquireErr
	}
	lease := &fakeLease{world: w, ctx: context.Background(), id: len(w.leases) + 1, mode: chrome.ModeTab}
	w.leases = append(w.leases, lease)
	return lease, nil
}

func (w *captureWorld) nextDriver(pageLease) driver {
	w.mu.Lock()
	defer w.mu.Unlock()
	var d *fakeDriver
	if len(w.drivers) < len(w.scripted) {
		d = w.scripted[len(w.drivers)]
	} else {
		d = &fakeDriver{}
	}
	w.drivers = append(w.drivers, d)
	return d
}

func (w *captureWorld) install(_ context.Context, _ string, mode chrome.BlockMode, _ time.Duration) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.installs = append(w.installs, mode)
	if w.installErr != nil {
		return nil, w.installErr
	}
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.uninstalls++
		w.events = append(w.events, "uninstall")
	}, nil
}

func newTestPipeline(t *testing.T, scripted ...*fakeDriver) (*Pipeline, *captureWorld) {
	t.Helper()
	w := &captureWorld{
		pub:      &fakePublisher{prefix: "/screenshots"},
		scripted: scripted,
	}
	p := New(testCaptureConfig(), Deps{Publisher: w.pub}, zap.NewNop())
	p.acquire = w.acquire
	p.newDriver = w.nextDriver
	p.install = w.install
	return p, w
}

func testRequest(url string) Request {
	return Request{RequestID: "req-1", URL: url, Width: 1280, Height: 720, Format: types.FormatPNG}
}

func navTimeoutErr(event string) error {
	return fmt.Errorf("%w: %s not reached", chrome.ErrNavigateTimeout, event)
}

func targetClosedErr() error {
	return fmt.Errorf("%w: browser gone", chrome.ErrTargetClosed)
}

func TestCaptureFirstStrategyWins(t *testing.T) {
	p, w := newTestPipeline(t)

	res, err := p.Capture(context.Background(), testRequest("https://example.com"))
	require.NoError(t, err)

	assert.Equal(t, eventCommit, res.Strategy)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, res.BrowserID)
	assert.Equal(t, chrome.ModeTab, res.PageMode)
	assert.Equal(t, len("image-bytes"), res.Bytes)
	assert.True(t, strings.HasPrefix(res.ArtifactURL, "/screenshots/"), res.ArtifactURL)
	assert.True(t, strings.HasSuffix(res.ArtifactURL, ".png"), res.ArtifactURL)

	d := w.drivers[0]
	require.Len(t, d.navCalls, 1)
	assert.Equal(t, navCall{url: "https://example.com", event: eventCommit, timeout: 8 * time.Second}, d.navCalls[0])
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, d.settleWaits)
	assert.Equal(t, []time.Duration{10 * time.Second}, d.shotCalls)

	require.Len(t, w.leases, 1)
	assert.Equal(t, []error{nil}, w.leases[0].released)

	// The artifact is named after a fresh UUID.
	require.Len(t, w.pub.names, 1)
	_, err = uuid.Parse(strings.TrimSuffix(w.pub.names[0], ".png"))
	assert.NoError(t, err)
}

func TestCaptureLadderFallsThrough(t *testing.T) {
	d := &fakeDriver{navErrs: map[string]error{
		eventCommit:           navTimeoutErr(eventCommit),
		eventDOMContentLoaded: navTimeoutErr(eventDOMContentLoaded),
	}}
	p, _ := newTestPipeline(t, d)

	res, err := p.Capture(context.Background(), testRequest("https://example.com"))
	require.NoError(t, err)
	assert.Equal(t, eventNetworkIdle, res.Strategy)

	require.Len(t, d.navCalls, 3)
	assert.Equal(t, eventCommit, d.navCalls[0].event)
	assert.Equal(t, 8*time.Second, d.navCalls[0].timeout)
	assert.Equal(t, eventDOMContentLoaded, d.navCalls[1].event)
	assert.Equal(t, 14*time.Second, d.navCalls[1].timeout)
	assert.Equal(t, eventNetworkIdle, d.navCalls[2].event)
	assert.Equal(t, 10*time.Second, d.navCalls[2].timeout)
}

func TestCaptureTimeoutSurfacesAfterLadder(t *testing.T) {
	d := &fakeDriver{navAllErr: navTimeoutErr("any")}
	p, w := newTestPipeline(t, d)

	_, err := p.Capture(context.Background(), testRequest("https://example.com"))
	require.Error(t, err)
	assert.Equal(t, types.KindNavigateTimeout, chrome.Classify(err))

	// A plain timeout never burns the fresh-browser retry budget.
	assert.Len(t, w.leases, 1)
	assert.Len(t, d.navCalls, len(strategyLadder))
	assert.Empty(t, w.pub.names)
	require.Len(t, w.leases[0].released, 1)
	assert.Error(t, w.leases[0].released[0])
}

func TestCaptureUnreachableWinsOverLaterTimeouts(t *testing.T) {
	d := &fakeDriver{
		navErrs: map[string]error{
			eventCommit: fmt.Errorf("%w: net::ERR_NAME_NOT_RESOLVED", chrome.ErrNavigateUnreachable),
		},
		navAllErr: navTimeoutErr("any"),
	}
	p, w := newTestPipeline(t, d)

	_, err := p.Capture(context.Background(), testRequest("https://no-such-host.example"))
	require.Error(t, err)
	assert.Equal(t, types.KindNavigateUnreachable, chrome.Classify(err))

	// The whole ladder still ran before the verdict surfaced.
	assert.Len(t, d.navCalls, len(strategyLadder))
	assert.Len(t, w.leases, 1)
}

func TestCaptureFreshBrowserRetryOnTargetClosed(t *testing.T) {
	dead := &fakeDriver{navAllErr: targetClosedErr()}
	p, w := newTestPipeline(t, dead)

	res, err := p.Capture(context.Background(), testRequest("https://example.com"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, res.BrowserID)

	// The dead browser escalated after a single strategy.
	assert.Len(t, dead.navCalls, 1)

	require.Len(t, w.leases, 2)
	require.Len(t, w.leases[0].released, 1)
	assert.True(t, chrome.IsTargetClosed(w.leases[0].released[0]))
	assert.Equal(t, []error{nil}, w.leases[1].released)
}

func TestCaptureRetryBudgetStopsTargetClosedLoop(t *testing.T) {
	drivers := make([]*fakeDriver, 5)
	for i := range drivers {
		drivers[i] = &fakeDriver{navAllErr: targetClosedErr()}
	}
	p, w := newTestPipeline(t, drivers...)

	_, err := p.Capture(context.Background(), testRequest("https://example.com"))
	require.Error(t, err)
	assert.Equal(t, types.KindTargetClosed, chrome.Classify(err))

	// 1 initial attempt + MaxFreshRetries retries, not one more.
	assert.Len(t, w.leases, 4)
	assert.Len(t, w.drivers, 4)
}

func TestCaptureScreenshotTimeoutRetriesOnce(t *testing.T) {
	d := &fakeDriver{shotErrs: []error{context.DeadlineExceeded}}
	p, w := newTestPipeline(t, d)

	res, err := p.Capture(context.Background(), testRequest("https://example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, d.shotCalls)
	assert.Equal(t, []error{nil}, w.leases[0].released)
}

func TestCaptureScreenshotFailsAfterRetry(t *testing.T) {
	d := &fakeDriver{shotErrs: []error{context.DeadlineExceeded, context.DeadlineExceeded}}
	p, w := newTestPipeline(t, d)

	_, err := p.Capture(context.Background(), testRequest("https://example.com"))
	require.Error(t, err)
	assert.Equal(t, types.KindScreenshotFailed, chrome.Classify(err))
	assert.Len(t, d.shotCalls, 2)
	require.Len(t, w.leases[0].released, 1)
	assert.Error(t, w.leases[0].released[0])
	assert.Empty(t, w.pub.names)
}

func TestCaptureScreenshotTargetClosedEscalates(t *testing.T) {
	dying := &fakeDriver{shotErrs: []error{targetClosedErr()}}
	p, w := newTestPipeline(t, dying)

	res, err := p.Capture(context.Background(), testRequest("https://example.com"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, dying.shotCalls, 1)
	assert.Len(t, w.leases, 2)
}

func TestCapturePrepareFailure(t *testing.T) {
	t.Run("plain failure surfaces", func(t *testing.T) {
		d := &fakeDriver{prepareErr: errors.New("device metrics rejected")}
		p, w := newTestPipeline(t, d)

		_, err := p.Capture(context.Background(), testRequest("https://example.com"))
		require.Error(t, err)
		assert.Equal(t, types.KindInternal, chrome.Classify(err))
		assert.Len(t, w.leases, 1)
		require.Len(t, w.leases[0].released, 1)
		assert.Error(t, w.leases[0].released[0])
	})

	t.Run("target closed gets a fresh browser", func(t *testing.T) {
		d := &fakeDriver{prepareErr: targetClosedErr()}
		p, w := newTestPipeline(t, d)

		res, err := p.Capture(context.Background(), testRequest("https://example.com"))
		require.NoError(t, err)
		assert.Equal(t, 2, res.Attempts)
		assert.Len(t, w.leases, 2)
	})
}

func TestCaptureInterceptorSetupFailureIsNonFatal(t *testing.T) {
	p, w := newTestPipeline(t)
	w.installErr = errors.New("fetch domain unavailable")

	res, err := p.Capture(context.Background(), testRequest("https://example.com"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ArtifactURL)
	assert.Len(t, w.installs, 1)
	assert.Zero(t, w.uninstalls)
}

func TestCaptureUninstallsInterceptionBeforeRelease(t *testing.T) {
	p, w := newTestPipeline(t)

	_, err := p.Capture(context.Background(), testRequest("https://example.com"))
	require.NoError(t, err)
	assert.Equal(t, []string{"uninstall", "release"}, w.events)
}

func TestCaptureBlockModes(t *testing.T) {
	t.Run("visual platform blocks media only", func(t *testing.T) {
		p, w := newTestPipeline(t)
		_, err := p.Capture(context.Background(), testRequest("https://instagram.com/p/abc"))
		require.NoError(t, err)
		require.Len(t, w.installs, 1)
		assert.Equal(t, chrome.BlockMediaOnly, w.installs[0])
	})

	t.Run("regular site gets the configured blocklist", func(t *testing.T) {
		p, w := newTestPipeline(t)
		_, err := p.Capture(context.Background(), testRequest("https://example.com"))
		require.NoError(t, err)
		require.Len(t, w.installs, 1)
		assert.Equal(t, chrome.BlockConfigured, w.installs[0])
	})
}

func TestCaptureComplexSiteBudgetAndHeaders(t *testing.T) {
	p, w := newTestPipeline(t)

	_, err := p.Capture(context.Background(), testRequest("https://www.linkedin.com/in/someone"))
	require.NoError(t, err)

	d := w.drivers[0]
	require.Len(t, d.navCalls, 1)
	// 0.40 of the complex base, not the regular one.
	assert.Equal(t, 18*time.Second, d.navCalls[0].timeout)
	assert.Equal(t, "en-US,en;q=0.9", d.headers["Accept-Language"])
}

func TestCapturePublishFailureDoesNotBlameBrowser(t *testing.T) {
	p, w := newTestPipeline(t)
	w.pub.err = errors.New("disk full")

	_, err := p.Capture(context.Background(), testRequest("https://example.com"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish artifact")
	assert.Equal(t, types.KindInternal, chrome.Classify(err))
	require.Len(t, w.leases, 1)
	assert.Equal(t, []error{nil}, w.leases[0].released)
}

func TestCaptureAdaptiveTimeouts(t *testing.T) {
	t.Run("above the knee budgets shrink", func(t *testing.T) {
		p, w := newTestPipeline(t)
		p.utilization = func() float64 { return 0.90 }

		_, err := p.Capture(context.Background(), testRequest("https://example.com"))
		require.NoError(t, err)

		d := w.drivers[0]
		// scale = 1 - (0.90-0.70)*1.67 = 0.666
		assert.InDelta(t, 8*0.666, d.navCalls[0].timeout.Seconds(), 0.01)
		assert.InDelta(t, 0.5*0.666, d.settleWaits[0].Seconds(), 0.01)
		assert.InDelta(t, 10*0.666, d.shotCalls[0].Seconds(), 0.01)
	})

	t.Run("scale floors at one half", func(t *testing.T) {
		p, w := newTestPipeline(t)
		p.utilization = func() float64 { return 1.0 }

		_, err := p.Capture(context.Background(), testRequest("https://example.com"))
		require.NoError(t, err)
		assert.Equal(t, 4*time.Second, w.drivers[0].navCalls[0].timeout)
	})
}

func TestTimeoutScale(t *testing.T) {
	tests := []struct {
		utilization float64
		want        float64
	}{
		{0, 1.0},
		{0.50, 1.0},
		{0.70, 1.0},
		{0.71, 0.98330},
		{0.85, 0.74950},
		{0.90, 0.66600},
		{1.0, 0.5},
		{1.5, 0.5},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, timeoutScale(tt.utilization), 1e-4, "utilization %v", tt.utilization)
	}
}

func TestCaptureAcquireFailureDoesNotRetry(t *testing.T) {
	p, w := newTestPipeline(t)
	w.acquireErr = fmt.Errorf("%w after 5 wait attempts", chrome.ErrPoolExhausted)

	_, err := p.Capture(context.Background(), testRequest("https://example.com"))
	require.Error(t, err)
	assert.Equal(t, types.KindAcquireFailed, chrome.Classify(err))
	assert.Empty(t, w.leases)
	assert.Empty(t, w.drivers)
}

func TestCaptureCancelledContext(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Capture(ctx, testRequest("https://example.com"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.KindDeadlineExceeded, chrome.Classify(err))
}

func TestCaptureFormatsFlowToPublisher(t *testing.T) {
	p, w := newTestPipeline(t)

	req := testRequest("https://example.com")
	req.Format = types.FormatJPEG
	res, err := p.Capture(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.ArtifactURL, ".jpeg"), res.ArtifactURL)
	assert.Equal(t, [][]byte{[]byte("image-bytes")}, w.pub.bodies)
}
