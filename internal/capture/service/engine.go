// Package service is the HTTP boundary of the capture service. The Engine
// drives one validated request through rewrite, result cache, admission and
// the capture pipeline; the Server routes the public and admin endpoints
// onto it and its sibling components.
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/capture/admission"
	"github.com/snapforge/engine/internal/capture/pipeline"
	"github.com/snapforge/engine/internal/capture/resultcache"
	"github.com/snapforge/engine/internal/capture/rewrite"
	"github.com/snapforge/engine/internal/common/config"
	"github.com/snapforge/engine/internal/common/requestid"
	"github.com/snapforge/engine/pkg/types"
)

// Engine executes one screenshot request end to end. Result-cache keys
// always use the URL the client sent; only navigation sees the rewritten
// one, so rewriting stays invisible to cache behavior.
//
// A cache hit never enters admission: it consumes no browser-adjacent
// resource, and routing hits through the circuit breaker would let a
// cached URL reset the failure streak while the origin is down.
type Engine struct {
	cfg       *config.CaptureConfig
	rewriter  *rewrite.Rewriter
	cache     resultcache.Cache
	admission *admission.Controller
	logger    *zap.Logger

	// capture is the pipeline entry point, swapped by tests.
	capture func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// NewEngine wires the request path. All collaborators are required.
func NewEngine(cfg *config.CaptureConfig, rewriter *rewrite.Rewriter, cache resultcache.Cache, ctrl *admission.Controller, pipe *pipeline.Pipeline, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		rewriter:  rewriter,
		cache:     cache,
		admission: ctrl,
		capture:   pipe.Capture,
		logger:    logger,
	}
}

// Capture serves one request and returns the artifact URL. The request must
// already be validated and defaulted. useCache=false skips both the cache
// read and the write. The signature doubles as the batch and health-probe
// capture function.
func (e *Engine) Capture(ctx context.Context, req types.ScreenshotRequest, useCache bool) (string, error) {
	requestID := requestid.FromContext(ctx)
	if requestID == "" {
		requestID = requestid.Generate("")
	}

	if e.cfg.RequestDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestDeadline)
		defer cancel()
	}

	if useCache {
		if artifactURL, ok := e.cache.Get(ctx, req.URL, req.Width, req.Height, req.Format); ok {
			e.logger.Debug("Result cache hit",
				zap.String("request_id", requestID),
				zap.String("url", req.URL))
			return artifactURL, nil
		}
	}

	target := e.rewriter.Rewrite(req.URL)

	var res *pipeline.Result
	err := e.admission.Do(ctx, func(ctx context.Context) error {
		var captureErr error
		res, captureErr = e.capture(ctx, pipeline.Request{
			RequestID: requestID,
			URL:       target.TransformedURL,
			Width:     req.Width,
			Height:    req.Height,
			Format:    req.Format,
		})
		return captureErr
	})
	if err != nil {
		return "", err
	}

	if useCache {
		e.cache.Put(ctx, req.URL, req.Width, req.Height, req.Format, res.ArtifactURL)
	}

	return res.ArtifactURL, nil
}
