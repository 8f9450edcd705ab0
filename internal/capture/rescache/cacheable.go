package rescache

import (
	"net/url"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Selective mode: cache only static asset types plus anything served from a
// priority CDN.
var cacheableExtensions = []string{
	".css", ".js", ".mjs",
	".woff", ".woff2", ".ttf", ".otf", ".eot",
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico",
	".mp4", ".webm", ".ogg", ".mp3", ".wav",
}

// Browser-reported resource types that are safe to cache in selective mode
// even when the URL carries no recognizable extension.
var cacheableResourceTypes = map[string]struct{}{
	"stylesheet": {},
	"script":     {},
	"font":       {},
	"image":      {},
}

// DefaultPriorityCDNHosts are always cached in selective mode regardless of
// extension. Overridable through PRIORITY_CDN_HOSTS.
var DefaultPriorityCDNHosts = []string{
	"cdnjs.cloudflare.com",
	"cdn.jsdelivr.net",
	"unpkg.com",
	"fonts.googleapis.com",
	"fonts.gstatic.com",
	"ajax.googleapis.com",
	"code.jquery.com",
	"stackpath.bootstrapcdn.com",
	"maxcdn.bootstrapcdn.com",
	"use.fontawesome.com",
}

// All-content mode: cache everything except paths that look like API or
// session traffic and URLs keyed by volatile query parameters.
var excludedPathFragments = []string{
	"/api/", "/graphql", "/webhook", "/callback",
	"/auth/", "/login", "/logout", "/session",
	"/ws/", "/websocket", "/sse/", "/stream",
	"/analytics", "/track", "/pixel", "/beacon",
	"/admin/", "/manage/", "/dashboard",
}

var volatileQueryKeys = []string{
	"timestamp", "time", "rand", "random", "nonce", "token", "session",
}

// policy decides cacheability. URL decisions are memoized by xxhash64 since
// pages re-request the same asset URLs constantly.
type policy struct {
	allContent    bool
	priorityHosts map[string]struct{}

	mu   sync.RWMutex
	memo map[uint64]bool
}

// memoLimit bounds the decision memo; the map is dropped wholesale when full.
const memoLimit = 8192

func newPolicy(allContent bool, priorityHosts []string) *policy {
	if len(priorityHosts) == 0 {
		priorityHosts = DefaultPriorityCDNHosts
	}

	hosts := make(map[string]struct{}, len(priorityHosts))
	for _, h := range priorityHosts {
		hosts[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}

	return &policy{
		allContent:    allContent,
		priorityHosts: hosts,
		memo:          make(map[uint64]bool),
	}
}

// cacheable reports whether a resource may enter the cache. resourceType is
// the browser's classification ("script", "image", ...) and may be empty.
func (p *policy) cacheable(rawURL, resourceType string) bool {
	key := xxhash.Sum64String(rawURL)

	p.mu.RLock()
	decision, ok := p.memo[key]
	p.mu.RUnlock()

	if !ok {
		decision = p.decideURL(rawURL)

		p.mu.Lock()
		if len(p.memo) >= memoLimit {
			p.memo = make(map[uint64]bool)
		}
		p.memo[key] = decision
		p.mu.Unlock()
	}

	if decision {
		return true
	}

	if !p.allContent && resourceType != "" {
		_, ok := cacheableResourceTypes[strings.ToLower(resourceType)]
		return ok
	}

	return false
}

func (p *policy) decideURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if p.allContent {
		return !p.excluded(u)
	}

	if _, ok := p.priorityHosts[strings.ToLower(u.Hostname())]; ok {
		return true
	}

	path := strings.ToLower(u.Path)
	for _, ext := range cacheableExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}

	return false
}

func (p *policy) excluded(u *url.URL) bool {
	path := strings.ToLower(u.Path)
	for _, fragment := range excludedPathFragments {
		if strings.Contains(path, fragment) {
			return true
		}
	}

	if u.RawQuery != "" {
		query := u.Query()
		for _, key := range volatileQueryKeys {
			if query.Has(key) {
				return true
			}
		}
	}

	return false
}
