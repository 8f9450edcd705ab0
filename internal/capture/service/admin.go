package service

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/common/httputil"
	"github.com/snapforge/engine/pkg/types"
)

// resourceCacheInfo is the body for GET /browser-cache/info: the
// effective configuration plus current directory usage.
type resourceCacheInfo struct {
	Enabled                bool    `json:"enabled"`
	Dir                    string  `json:"dir"`
	AllContent             bool    `json:"all_content"`
	Compression            string  `json:"compression"`
	MaxTotalBytes          int64   `json:"max_total_bytes"`
	MaxEntryBytes          int64   `json:"max_entry_bytes"`
	TTLSeconds             int     `json:"ttl_seconds"`
	CleanupIntervalSeconds int     `json:"cleanup_interval_seconds"`
	CachedItems            int     `json:"cached_items"`
	TotalSizeBytes         int64   `json:"total_size_bytes"`
	UsedFraction           float64 `json:"used_fraction"`
}

// resourceCachePerformance is the body for GET /browser-cache/performance.
// Saved bytes are an estimate: hits times the current mean entry size.
type resourceCachePerformance struct {
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	Stores              int64   `json:"stores"`
	HitRate             float64 `json:"hit_rate"`
	EstimatedSavedBytes int64   `json:"estimated_saved_bytes"`
	EstimatedSavedMB    float64 `json:"estimated_saved_mb"`
}

// cacheabilityResult is the body for GET /browser-cache/test.
type cacheabilityResult struct {
	URL          string `json:"url"`
	ResourceType string `json:"resource_type,omitempty"`
	Cacheable    bool   `json:"cacheable"`
}

type removalResult struct {
	Removed int `json:"removed"`
	Errors  int `json:"errors,omitempty"`
}

// handleResultCacheStats serves GET /cache/stats.
func (s *Server) handleResultCacheStats(ctx *fasthttp.RequestCtx) {
	httputil.JSONData(ctx, s.c.ResultCache.Stats(ctx), fasthttp.StatusOK)
}

// handleResultCacheClear serves DELETE /cache.
func (s *Server) handleResultCacheClear(ctx *fasthttp.RequestCtx) {
	removed := s.c.ResultCache.Clear(ctx)
	s.logger.Info("Result cache cleared via admin API", zap.Int("removed", removed))
	httputil.JSONData(ctx, removalResult{Removed: removed}, fasthttp.StatusOK)
}

// handleResultCacheInvalidateURL serves DELETE /cache/url?url=… and drops
// every cached capture of that page, whatever the dimensions or format.
func (s *Server) handleResultCacheInvalidateURL(ctx *fasthttp.RequestCtx) {
	url := string(ctx.QueryArgs().Peek("url"))
	if url == "" {
		httputil.JSONError(ctx, "url query parameter is required", fasthttp.StatusBadRequest)
		return
	}

	removed := s.c.ResultCache.InvalidateByURL(ctx, url)
	httputil.JSONData(ctx, removalResult{Removed: removed}, fasthttp.StatusOK)
}

// handleResourceCacheStats serves GET /browser-cache/stats.
func (s *Server) handleResourceCacheStats(ctx *fasthttp.RequestCtx) {
	httputil.JSONData(ctx, s.c.ResourceCache.Stats(), fasthttp.StatusOK)
}

// handleResourceCacheInfo serves GET /browser-cache/info.
func (s *Server) handleResourceCacheInfo(ctx *fasthttp.RequestCtx) {
	cfg := s.cfg.ResourceCache
	stats := s.c.ResourceCache.Stats()

	info := resourceCacheInfo{
		Enabled:                cfg.Enabled,
		Dir:                    cfg.Dir,
		AllContent:             cfg.AllContent,
		Compression:            cfg.Compression,
		MaxTotalBytes:          cfg.MaxTotalBytes,
		MaxEntryBytes:          cfg.MaxEntryBytes,
		TTLSeconds:             int(cfg.TTL.Seconds()),
		CleanupIntervalSeconds: int(cfg.CleanupInterval.Seconds()),
		CachedItems:            stats.CachedItems,
		TotalSizeBytes:         stats.TotalSize,
	}
	if cfg.MaxTotalBytes > 0 {
		info.UsedFraction = float64(stats.TotalSize) / float64(cfg.MaxTotalBytes)
	}

	httputil.JSONData(ctx, info, fasthttp.StatusOK)
}

// handleResourceCachePerformance serves GET /browser-cache/performance.
func (s *Server) handleResourceCachePerformance(ctx *fasthttp.RequestCtx) {
	stats := s.c.ResourceCache.Stats()

	perf := resourceCachePerformance{
		Hits:    stats.Hits,
		Misses:  stats.Misses,
		Stores:  stats.Stores,
		HitRate: stats.HitRate,
	}
	if stats.CachedItems > 0 {
		meanEntry := stats.TotalSize / int64(stats.CachedItems)
		perf.EstimatedSavedBytes = stats.Hits * meanEntry
		perf.EstimatedSavedMB = float64(perf.EstimatedSavedBytes) / (1024 * 1024)
	}

	httputil.JSONData(ctx, perf, fasthttp.StatusOK)
}

// handleResourceCacheTest serves GET /browser-cache/test?url=…&type=…,
// reporting whether the cache would store that resource.
func (s *Server) handleResourceCacheTest(ctx *fasthttp.RequestCtx) {
	url := string(ctx.QueryArgs().Peek("url"))
	if url == "" {
		httputil.JSONError(ctx, "url query parameter is required", fasthttp.StatusBadRequest)
		return
	}
	resourceType := string(ctx.QueryArgs().Peek("type"))

	httputil.JSONData(ctx, cacheabilityResult{
		URL:          url,
		ResourceType: resourceType,
		Cacheable:    s.c.ResourceCache.Cacheable(url, resourceType),
	}, fasthttp.StatusOK)
}

// handleResourceCacheCleanup serves POST /browser-cache/cleanup: one
// janitor pass (TTL purge plus evict-to-fit) right now.
func (s *Server) handleResourceCacheCleanup(ctx *fasthttp.RequestCtx) {
	removed, errs := s.c.ResourceCache.Cleanup()
	httputil.JSONData(ctx, removalResult{Removed: removed, Errors: errs}, fasthttp.StatusOK)
}

// handleResourceCacheClear serves DELETE /browser-cache/clear.
func (s *Server) handleResourceCacheClear(ctx *fasthttp.RequestCtx) {
	removed, errs := s.c.ResourceCache.Clear()
	s.logger.Info("Resource cache cleared via admin API",
		zap.Int("removed", removed),
		zap.Int("errors", errs))
	httputil.JSONData(ctx, removalResult{Removed: removed, Errors: errs}, fasthttp.StatusOK)
}

// handleRewriteRulesList serves GET /url-transformer/rules.
func (s *Server) handleRewriteRulesList(ctx *fasthttp.RequestCtx) {
	httputil.JSONData(ctx, s.c.Rewriter.Rules(), fasthttp.StatusOK)
}

// handleRewriteRuleUpsert serves POST /url-transformer/rules.
func (s *Server) handleRewriteRuleUpsert(ctx *fasthttp.RequestCtx) {
	var rule types.RewriteRule
	if err := json.Unmarshal(ctx.PostBody(), &rule); err != nil {
		httputil.JSONError(ctx, "invalid JSON body", fasthttp.StatusBadRequest)
		return
	}

	rule.Normalize()
	if err := s.c.Rewriter.Upsert(rule); err != nil {
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusBadRequest)
		return
	}

	httputil.JSONSuccess(ctx, fmt.Sprintf("rule for %q stored", rule.SourceHost), fasthttp.StatusOK)
}

// handleRewriteRuleRemove serves DELETE /url-transformer/rules/{host}.
func (s *Server) handleRewriteRuleRemove(ctx *fasthttp.RequestCtx, host string) {
	if host == "" {
		httputil.JSONError(ctx, "host path segment is required", fasthttp.StatusBadRequest)
		return
	}

	if !s.c.Rewriter.Remove(host) {
		httputil.JSONError(ctx, fmt.Sprintf("no rule for host %q", host), fasthttp.StatusNotFound)
		return
	}

	httputil.JSONSuccess(ctx, fmt.Sprintf("rule for %q removed", host), fasthttp.StatusOK)
}

// handleRewriteTransform serves POST /url-transformer/transform. The body
// shape is the public contract, so it is sent bare.
func (s *Server) handleRewriteTransform(ctx *fasthttp.RequestCtx) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil || body.URL == "" {
		httputil.JSONError(ctx, "body must be a JSON object with a url field", fasthttp.StatusBadRequest)
		return
	}

	httputil.WriteJSON(ctx, fasthttp.StatusOK, s.c.Rewriter.Rewrite(body.URL))
}

// handleRewriteCheck serves GET /url-transformer/check?url=….
func (s *Server) handleRewriteCheck(ctx *fasthttp.RequestCtx) {
	url := string(ctx.QueryArgs().Peek("url"))
	if url == "" {
		httputil.JSONError(ctx, "url query parameter is required", fasthttp.StatusBadRequest)
		return
	}

	httputil.WriteJSON(ctx, fasthttp.StatusOK, s.c.Rewriter.Check(url))
}
