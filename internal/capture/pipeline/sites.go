package pipeline

import (
	"regexp"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/snapforge/engine/internal/capture/chrome"
	"github.com/snapforge/engine/internal/common/config"
)

// complexSitePatterns match pages that load content long after the
// document itself: heavy client-side rendering, login walls, infinite
// feeds. They get the longer navigation budget.
var complexSitePatterns = compileSitePatterns([]string{
	`linkedin\.com`,
	`youtube\.com`,
	`facebook\.com`,
	`twitter\.com`,
	`instagram\.com`,
	`snapchat\.com`,
	`tiktok\.com`,
	`viding\.co`,
	`harisenin\.com`,
})

// visualContentPatterns match pages that are meaningless without their
// images. Blocking is relaxed to media-only so the screenshot still
// shows what a visitor would see.
var visualContentPatterns = compileSitePatterns([]string{
	`viding\.co`,
	`harisenin\.com`,
	`instagram\.com`,
	`snapchat\.com`,
	`tiktok\.com`,
})

func compileSitePatterns(exprs []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		compiled = append(compiled, regexp.MustCompile(`(?i)`+expr))
	}
	return compiled
}

// siteProfile is what the pipeline decided about a URL before touching
// a browser: which timeout budget applies and how much to block.
type siteProfile struct {
	Complex bool
	Visual  bool
}

func classifySite(rawURL string) siteProfile {
	return siteProfile{
		Complex: anyPatternMatches(complexSitePatterns, rawURL),
		Visual:  anyPatternMatches(visualContentPatterns, rawURL),
	}
}

func anyPatternMatches(patterns []*regexp.Regexp, rawURL string) bool {
	for _, p := range patterns {
		if p.MatchString(rawURL) {
			return true
		}
	}
	return false
}

func (s siteProfile) navigationTimeout(cfg *config.CaptureConfig) time.Duration {
	if s.Complex {
		return cfg.NavigationTimeoutComplex
	}
	return cfg.NavigationTimeoutRegular
}

func (s siteProfile) blockMode() chrome.BlockMode {
	if s.Complex || s.Visual {
		return chrome.BlockMediaOnly
	}
	return chrome.BlockConfigured
}

// extraHeaders returns per-page request headers. Complex sites fingerprint
// bare automation clients, so they get the header set a desktop browser
// would send. Everything else gets an empty set, which also clears
// headers left behind on a reused tab.
func (s siteProfile) extraHeaders() network.Headers {
	if !s.Complex {
		return network.Headers{}
	}
	return network.Headers{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
		"Sec-Fetch-Site":  "none",
		"Sec-Fetch-Mode":  "navigate",
		"Sec-Fetch-User":  "?1",
		"Sec-Fetch-Dest":  "document",
	}
}
