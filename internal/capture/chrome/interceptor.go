package chrome

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/capture/rescache"
)

const (
	// interceptCmdTimeout bounds each CDP command issued from a paused
	// request handler so a dying target cannot leak goroutines.
	interceptCmdTimeout = 2 * time.Second

	// uninstallDrainTimeout bounds how long teardown waits for in-flight
	// pause handlers before giving up on them.
	uninstallDrainTimeout = time.Second
)

// BlockMode selects how aggressively a page's requests are filtered.
type BlockMode int

const (
	// BlockConfigured applies the full configured blocklist.
	BlockConfigured BlockMode = iota

	// BlockMediaOnly aborts only audio/video. Used for pages whose
	// rendering depends on resources the blocklist would normally strip,
	// such as image-heavy social platforms.
	BlockMediaOnly
)

// Interceptor pauses page requests in the fetch domain and decides each
// one: hard-blocked requests are aborted, cached resources are fulfilled
// locally, and cacheable misses are stored as their responses stream
// back. It holds no per-capture state; Install binds one capture.
type Interceptor struct {
	store     *rescache.Store // nil or disabled skips all cache paths
	blocklist *Blocklist
	logger    *zap.Logger
}

func NewInterceptor(store *rescache.Store, blocklist *Blocklist, logger *zap.Logger) *Interceptor {
	return &Interceptor{store: store, blocklist: blocklist, logger: logger}
}

// Install enables request pausing on the page and registers the pause
// handler. setupTimeout bounds the enable round-trip; on error the page
// is untouched and the capture proceeds without interception. The
// returned func detaches the handler and must be called before the tab
// is reused.
func (ic *Interceptor) Install(pageCtx context.Context, pageURL string, mode BlockMode, setupTimeout time.Duration) (func(), error) {
	pageHost := normalizeHost(pageURL)
	caching := ic.store != nil && ic.store.Enabled()

	// Per-capture counters, reported at teardown.
	var blocked, served, stored, pending atomic.Int64

	listenerCtx, stopListener := context.WithCancel(pageCtx)
	chromedp.ListenTarget(listenerCtx, func(event interface{}) {
		ev, ok := event.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		pending.Add(1)
		go func() {
			defer pending.Add(-1)

			cmdCtx, cancel := context.WithTimeout(listenerCtx, interceptCmdTimeout)
			defer cancel()
			c := chromedp.FromContext(cmdCtx)
			ectx := cdp.WithExecutor(cmdCtx, c.Target)

			if ev.ResponseStatusCode != 0 || ev.ResponseErrorReason != "" {
				if ic.handleResponse(ectx, ev) {
					stored.Add(1)
				}
				return
			}
			switch ic.handleRequest(ectx, ev, pageHost, mode, caching) {
			case decisionBlocked:
				blocked.Add(1)
			case decisionServed:
				served.Add(1)
			}
		}()
	})

	patterns := []*fetch.RequestPattern{
		{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
	}
	if caching {
		// Response pausing is only needed to read bodies for the cache.
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern: "*", RequestStage: fetch.RequestStageResponse,
		})
	}

	setupCtx, cancel := context.WithTimeout(pageCtx, setupTimeout)
	defer cancel()
	if err := chromedp.Run(setupCtx, fetch.Enable().WithPatterns(patterns)); err != nil {
		stopListener()
		return nil, err
	}

	uninstall := func() {
		stopListener()
		drainDeadline := time.Now().Add(uninstallDrainTimeout)
		for pending.Load() > 0 && time.Now().Before(drainDeadline) {
			time.Sleep(10 * time.Millisecond)
		}

		disableCtx, cancel := context.WithTimeout(pageCtx, interceptCmdTimeout)
		defer cancel()
		// The target may already be gone; nothing to do about it here.
		_ = chromedp.Run(disableCtx, fetch.Disable())

		ic.logger.Debug("Interception detached",
			zap.String("page_url", pageURL),
			zap.Int64("blocked", blocked.Load()),
			zap.Int64("cache_served", served.Load()),
			zap.Int64("cache_stored", stored.Load()))
	}
	return uninstall, nil
}

type requestDecision int

const (
	decisionContinued requestDecision = iota
	decisionBlocked
	decisionServed
)

// handleRequest resolves a request-stage pause: abort, fulfill from
// cache, or continue to the network. Paused requests must never be left
// dangling, so every failure path falls back to aborting.
func (ic *Interceptor) handleRequest(ectx context.Context, ev *fetch.EventRequestPaused, pageHost string, mode BlockMode, caching bool) requestDecision {
	reqURL := ev.Request.URL

	block := false
	switch mode {
	case BlockMediaOnly:
		block = ev.ResourceType == network.ResourceTypeMedia
	default:
		block = ic.blocklist != nil && ic.blocklist.ShouldBlock(reqURL, ev.ResourceType, pageHost)
	}
	if block {
		if err := fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(ectx); err != nil {
			ic.logger.Debug("Failed to abort blocked request",
				zap.String("url", reqURL), zap.Error(err))
		}
		return decisionBlocked
	}

	if caching && ev.Request.Method == "GET" && ic.store.Cacheable(reqURL, string(ev.ResourceType)) {
		if body, meta, ok := ic.store.Lookup(reqURL); ok {
			headers := []*fetch.HeaderEntry{
				{Name: "Content-Type", Value: meta.ContentType},
				{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			}
			err := fetch.FulfillRequest(ev.RequestID, int64(meta.Status)).
				WithResponseHeaders(headers).
				WithBody(base64.StdEncoding.EncodeToString(body)).
				Do(ectx)
			if err == nil {
				return decisionServed
			}
			ic.logger.Debug("Cache fulfill failed, continuing to network",
				zap.String("url", reqURL), zap.Error(err))
		}
	}

	if err := fetch.ContinueRequest(ev.RequestID).Do(ectx); err != nil {
		_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(ectx)
	}
	return decisionContinued
}

// handleResponse resolves a response-stage pause, copying cacheable 200
// bodies into the resource cache before letting the response through.
// Returns whether a body was stored.
func (ic *Interceptor) handleResponse(ectx context.Context, ev *fetch.EventRequestPaused) bool {
	storedBody := false
	if ev.ResponseErrorReason == "" && ev.ResponseStatusCode == 200 &&
		ev.Request.Method == "GET" && ic.store.Cacheable(ev.Request.URL, string(ev.ResourceType)) {
		// Body must be read before the response is released.
		body, err := fetch.GetResponseBody(ev.RequestID).Do(ectx)
		if err == nil && len(body) > 0 {
			storedBody = ic.store.Store(ev.Request.URL, body, rescache.Meta{
				URL:          ev.Request.URL,
				ContentType:  headerValue(ev.ResponseHeaders, "content-type"),
				Status:       int(ev.ResponseStatusCode),
				ResourceType: string(ev.ResourceType),
			})
		}
	}

	if err := fetch.ContinueResponse(ev.RequestID).Do(ectx); err != nil {
		_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(ectx)
	}
	return storedBody
}

func headerValue(headers []*fetch.HeaderEntry, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
