package service

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/snapforge/engine/internal/capture/admission"
	"github.com/snapforge/engine/internal/capture/batch"
	"github.com/snapforge/engine/internal/capture/chrome"
	"github.com/snapforge/engine/internal/capture/health"
	"github.com/snapforge/engine/internal/capture/metrics"
	"github.com/snapforge/engine/internal/capture/rescache"
	"github.com/snapforge/engine/internal/capture/resultcache"
	"github.com/snapforge/engine/internal/capture/rewrite"
	"github.com/snapforge/engine/internal/common/config"
	"github.com/snapforge/engine/internal/common/httputil"
	"github.com/snapforge/engine/internal/common/redis"
	"github.com/snapforge/engine/internal/common/requestid"
	"github.com/snapforge/engine/pkg/types"
)

// headerRequestID carries the correlation ID in both directions.
const headerRequestID = "X-Request-ID"

// shutdownGrace is added to the request deadline to size the fasthttp
// read/write timeouts, so the server never cuts off a capture that is
// still within budget.
const shutdownGrace = 30 * time.Second

// Endpoint labels for per-route metrics. Parameterized paths share one
// label each to keep the cardinality bounded.
const (
	routeScreenshot       = "/screenshot"
	routeBatchSubmit      = "/batch/screenshots"
	routeBatchStatus      = "/batch/screenshots/{job_id}"
	routeBatchResults     = "/batch/screenshots/{job_id}/results"
	routeHealth           = "/health"
	routeMetrics          = "/metrics"
	routeCacheStats       = "/cache/stats"
	routeCacheClear       = "/cache"
	routeCacheURL         = "/cache/url"
	routeResCacheStats    = "/browser-cache/stats"
	routeResCacheInfo     = "/browser-cache/info"
	routeResCachePerf     = "/browser-cache/performance"
	routeResCacheTest     = "/browser-cache/test"
	routeResCacheCleanup  = "/browser-cache/cleanup"
	routeResCacheClear    = "/browser-cache/clear"
	routeRewriteRules     = "/url-transformer/rules"
	routeRewriteRuleHost  = "/url-transformer/rules/{host}"
	routeRewriteTransform = "/url-transformer/transform"
	routeRewriteCheck     = "/url-transformer/check"
	routeUnknown          = "unknown"
)

// BrowserPool is the slice of chrome.Pool the health endpoint reads.
type BrowserPool interface {
	Stats() chrome.Stats
}

// Components are the subsystems the server exposes over HTTP. All fields
// are required except Redis.
type Components struct {
	Engine        *Engine
	Pool          BrowserPool
	Admission     *admission.Controller
	Batch         *batch.Manager
	Prober        *health.Prober
	ResultCache   resultcache.Cache
	ResourceCache *rescache.Store
	Rewriter      *rewrite.Rewriter
	Collector     *metrics.Collector

	// Redis is set only when the result cache runs on the Redis backend;
	// GET /health reports its reachability.
	Redis *redis.Client
}

// Server is the public API listener: capture endpoints, batch endpoints,
// health, the JSON metrics snapshot, and the admin groups for the two
// caches and the URL rewriter.
type Server struct {
	cfg    *config.Config
	c      Components
	logger *zap.Logger

	// trustedProxies holds normalized TrustedProxyIPs for O(1) lookups.
	// Empty means every peer is trusted once TrustProxyHeaders is set.
	trustedProxies map[string]struct{}

	// artifacts serves the local publisher's directory under the artifact
	// URL prefix. Nil when no artifact dir is configured.
	artifacts      fasthttp.RequestHandler
	artifactPrefix string
	artifactRoute  string

	startedAt time.Time
	srv       *fasthttp.Server
}

// NewServer wires the routing table. Call ListenAndServe to start serving.
func NewServer(cfg *config.Config, c Components, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		c:         c,
		logger:    logger,
		startedAt: time.Now(),
	}

	if len(cfg.Server.TrustedProxyIPs) > 0 {
		s.trustedProxies = make(map[string]struct{}, len(cfg.Server.TrustedProxyIPs))
		for _, raw := range cfg.Server.TrustedProxyIPs {
			s.trustedProxies[normalizeIP(strings.TrimSpace(raw))] = struct{}{}
		}
	}

	if prefix := strings.TrimRight(cfg.Capture.ArtifactURLPrefix, "/"); prefix != "" && cfg.Capture.ArtifactDir != "" {
		fs := &fasthttp.FS{
			Root:            cfg.Capture.ArtifactDir,
			PathRewrite:     fasthttp.NewPathPrefixStripper(len(prefix)),
			AcceptByteRange: true,
			PathNotFound: func(ctx *fasthttp.RequestCtx) {
				httputil.JSONError(ctx, "not found", fasthttp.StatusNotFound)
			},
		}
		s.artifacts = fs.NewRequestHandler()
		s.artifactPrefix = prefix + "/"
		s.artifactRoute = prefix + "/{file}"
	}

	timeout := cfg.Capture.RequestDeadline + shutdownGrace
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "capture-service/" + cfg.Server.ID,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  timeout,
	}

	return s
}

// ListenAndServe blocks serving the API. The listener is capped at
// MaxConns concurrent connections so the admission layer, not the kernel
// backlog, is the gate under overload.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Listen, err)
	}

	s.logger.Info("API server listening",
		zap.String("listen", s.cfg.Server.Listen),
		zap.Int("max_conns", s.cfg.Server.MaxConns))

	return s.srv.Serve(netutil.LimitListener(ln, s.cfg.Server.MaxConns))
}

// Shutdown stops accepting connections and waits for in-flight handlers,
// bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// Handler builds the routing handler with the request middleware: request
// ID, panic recovery, per-endpoint metrics and access logging.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		requestID := requestid.Generate(string(ctx.Request.Header.Peek(headerRequestID)))
		ctx.Response.Header.Set(headerRequestID, requestID)

		path := string(ctx.Path())
		method := string(ctx.Method())
		endpoint := routeUnknown

		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Panic while handling request",
					zap.String("request_id", requestID),
					zap.String("method", method),
					zap.String("path", path),
					zap.Any("panic", r),
					zap.Stack("stack"))
				httputil.WriteErrorKind(ctx, types.KindInternal, "internal error")
			}

			status := ctx.Response.StatusCode()
			s.c.Collector.RecordHTTPRequest(endpoint, strconv.Itoa(status))
			s.logAccess(ctx, requestID, method, path, endpoint, status, time.Since(start))
		}()

		switch {
		case method == "POST" && path == "/screenshot":
			endpoint = routeScreenshot
			s.handleScreenshot(ctx, requestID)
		case method == "POST" && path == "/batch/screenshots":
			endpoint = routeBatchSubmit
			s.handleBatchSubmit(ctx)
		case method == "GET" && strings.HasPrefix(path, "/batch/screenshots/"):
			rest := strings.TrimPrefix(path, "/batch/screenshots/")
			if jobID, isResults := strings.CutSuffix(rest, "/results"); isResults {
				endpoint = routeBatchResults
				s.handleBatchResults(ctx, jobID)
			} else {
				endpoint = routeBatchStatus
				s.handleBatchStatus(ctx, rest)
			}
		case method == "GET" && path == "/health":
			endpoint = routeHealth
			s.handleHealth(ctx)
		case method == "GET" && path == "/metrics":
			endpoint = routeMetrics
			s.handleMetricsJSON(ctx)

		case method == "GET" && path == "/cache/stats":
			endpoint = routeCacheStats
			s.handleResultCacheStats(ctx)
		case method == "DELETE" && path == "/cache":
			endpoint = routeCacheClear
			s.handleResultCacheClear(ctx)
		case method == "DELETE" && path == "/cache/url":
			endpoint = routeCacheURL
			s.handleResultCacheInvalidateURL(ctx)

		case method == "GET" && path == "/browser-cache/stats":
			endpoint = routeResCacheStats
			s.handleResourceCacheStats(ctx)
		case method == "GET" && path == "/browser-cache/info":
			endpoint = routeResCacheInfo
			s.handleResourceCacheInfo(ctx)
		case method == "GET" && path == "/browser-cache/performance":
			endpoint = routeResCachePerf
			s.handleResourceCachePerformance(ctx)
		case method == "GET" && path == "/browser-cache/test":
			endpoint = routeResCacheTest
			s.handleResourceCacheTest(ctx)
		case method == "POST" && path == "/browser-cache/cleanup":
			endpoint = routeResCacheCleanup
			s.handleResourceCacheCleanup(ctx)
		case method == "DELETE" && path == "/browser-cache/clear":
			endpoint = routeResCacheClear
			s.handleResourceCacheClear(ctx)

		case method == "GET" && path == "/url-transformer/rules":
			endpoint = routeRewriteRules
			s.handleRewriteRulesList(ctx)
		case method == "POST" && path == "/url-transformer/rules":
			endpoint = routeRewriteRules
			s.handleRewriteRuleUpsert(ctx)
		case method == "DELETE" && strings.HasPrefix(path, "/url-transformer/rules/"):
			endpoint = routeRewriteRuleHost
			s.handleRewriteRuleRemove(ctx, strings.TrimPrefix(path, "/url-transformer/rules/"))
		case method == "POST" && path == "/url-transformer/transform":
			endpoint = routeRewriteTransform
			s.handleRewriteTransform(ctx)
		case method == "GET" && path == "/url-transformer/check":
			endpoint = routeRewriteCheck
			s.handleRewriteCheck(ctx)

		case method == "GET" && s.artifacts != nil && strings.HasPrefix(path, s.artifactPrefix):
			endpoint = s.artifactRoute
			s.artifacts(ctx)

		default:
			httputil.JSONError(ctx, "not found", fasthttp.StatusNotFound)
		}
	}
}

// logAccess writes one line per request. Health and metrics polls log at
// debug so steady-state scrapes do not drown the log.
func (s *Server) logAccess(ctx *fasthttp.RequestCtx, requestID, method, path, endpoint string, status int, duration time.Duration) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.String("client_ip", s.clientIP(ctx)),
	}

	if endpoint == routeHealth || endpoint == routeMetrics {
		s.logger.Debug("Request handled", fields...)
		return
	}
	s.logger.Info("Request handled", fields...)
}
