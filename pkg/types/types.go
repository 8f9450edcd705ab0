package types

import (
	"fmt"
	"net/url"
)

// Screenshot format constants
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
)

// Viewport limits for screenshot requests
const (
	MinViewportDim = 1
	MaxViewportDim = 4096
)

// Default viewport and format applied when a request omits them
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultFormat         = FormatPNG
)

// ValidFormat reports whether f is a supported screenshot format.
func ValidFormat(f string) bool {
	return f == FormatPNG || f == FormatJPEG || f == FormatWebP
}

// Error kind constants - request rejection
const (
	KindValidation   = "validation"
	KindOverloaded   = "overloaded"
	KindQueueTimeout = "queue_timeout"
	KindCircuitOpen  = "circuit_open"
)

// Error kind constants - capture failures
const (
	KindAcquireFailed       = "acquire_failed"
	KindNavigateTimeout     = "navigate_timeout"
	KindNavigateUnreachable = "navigate_unreachable"
	KindScreenshotFailed    = "screenshot_failed"
	KindDeadlineExceeded    = "deadline_exceeded"
	KindInternal            = "internal"

	// KindTargetClosed marks a capture that died because Chrome tore the
	// page or browser down mid-flight. It is retried against a fresh
	// browser and only reaches a client once the retry budget is spent.
	KindTargetClosed = "target_closed"
)

// ScreenshotRequest is the request body for POST /screenshot
type ScreenshotRequest struct {
	URL    string `json:"url"`
	Format string `json:"format,omitempty"` // png | jpeg | webp (default png)
	Width  int    `json:"width,omitempty"`  // viewport width, 1-4096 (default 1280)
	Height int    `json:"height,omitempty"` // viewport height, 1-4096 (default 720)
}

// ApplyDefaults fills zero-valued fields with service defaults.
func (r *ScreenshotRequest) ApplyDefaults() {
	if r.Format == "" {
		r.Format = DefaultFormat
	}
	if r.Width == 0 {
		r.Width = DefaultViewportWidth
	}
	if r.Height == 0 {
		r.Height = DefaultViewportHeight
	}
}

// Validate checks the request against viewport and format limits.
// The returned error message is safe to surface to clients.
func (r *ScreenshotRequest) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("url is not parseable")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	if !ValidFormat(r.Format) {
		return fmt.Errorf("format must be one of png, jpeg, webp, got %q", r.Format)
	}
	if r.Width < MinViewportDim || r.Width > MaxViewportDim {
		return fmt.Errorf("width must be between %d and %d, got %d", MinViewportDim, MaxViewportDim, r.Width)
	}
	if r.Height < MinViewportDim || r.Height > MaxViewportDim {
		return fmt.Errorf("height must be between %d and %d, got %d", MinViewportDim, MaxViewportDim, r.Height)
	}
	return nil
}

// ScreenshotResponse is the success body for POST /screenshot
type ScreenshotResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the error body for every capture-facing endpoint
type ErrorResponse struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// Compression algorithm constants for stored resource bodies
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

// Compression file extension constants
const (
	ExtSnappy = ".snappy"
	ExtLZ4    = ".lz4"
)

// CompressionMinSize is the minimum body size in bytes for compression to be
// applied. Smaller bodies are stored uncompressed.
const CompressionMinSize = 1024
