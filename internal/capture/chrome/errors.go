package chrome

import (
	"context"
	"errors"
	"strings"

	"github.com/snapforge/engine/pkg/types"
)

// Capture errors - returned while driving a page
var (
	ErrTargetClosed        = errors.New("browser target closed")
	ErrNavigateTimeout     = errors.New("navigation timed out")
	ErrNavigateUnreachable = errors.New("navigation failed: target unreachable")
	ErrScreenshotFailed    = errors.New("screenshot capture failed")
	ErrInterceptorSetup    = errors.New("request interceptor setup failed")
)

// Pool errors - returned during browser lifecycle management
var (
	ErrPoolShutdown   = errors.New("browser pool is shutting down")
	ErrPoolExhausted  = errors.New("browser pool exhausted")
	ErrBrowserRetired = errors.New("browser is retired")
	ErrTabUnavailable = errors.New("no reusable tab available")
	ErrPageAcquire    = errors.New("page acquisition failed")
)

// targetClosedMarkers are the CDP error shapes Chrome produces when the
// target, session, or devtools connection dies underneath an in-flight
// command. Matching is case-insensitive substring because chromedp wraps
// these inconsistently across protocol layers.
var targetClosedMarkers = []string{
	"target closed",
	"browser closed",
	"session closed",
	"connection closed",
	"websocket: close",
	"detached from target",
	"no target found",
	"page closed",
	"context canceled by target",
}

// unreachableMarkers identify navigation failures caused by the remote
// host rather than by Chrome itself (DNS, refused connections, TLS).
var unreachableMarkers = []string{
	"net::err_name_not_resolved",
	"net::err_connection_refused",
	"net::err_connection_reset",
	"net::err_connection_timed_out",
	"net::err_address_unreachable",
	"net::err_internet_disconnected",
	"net::err_cert_",
	"net::err_ssl_",
	"net::err_empty_response",
	"net::err_aborted",
	"net::err_failed",
}

// IsTargetClosed reports whether err means the page or browser died
// mid-command. Callers treat this as retryable against a fresh browser.
func IsTargetClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTargetClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range targetClosedMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsUnreachable reports whether err is a network-level navigation failure.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNavigateUnreachable) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range unreachableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Classify maps a capture error to its error kind. Classification happens
// exactly once, at the layer where the failure is first observable; callers
// upstream carry the kind through unchanged.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrPoolShutdown), errors.Is(err, ErrPoolExhausted),
		errors.Is(err, ErrPageAcquire), errors.Is(err, ErrTabUnavailable):
		return types.KindAcquireFailed
	case IsTargetClosed(err):
		return types.KindTargetClosed
	case IsUnreachable(err):
		return types.KindNavigateUnreachable
	case errors.Is(err, ErrNavigateTimeout):
		return types.KindNavigateTimeout
	case errors.Is(err, ErrScreenshotFailed):
		return types.KindScreenshotFailed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return types.KindDeadlineExceeded
	default:
		return types.KindInternal
	}
}
