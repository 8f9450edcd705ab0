package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/capture/admission"
	"github.com/snapforge/engine/internal/capture/batch"
	"github.com/snapforge/engine/internal/capture/chrome"
	"github.com/snapforge/engine/internal/capture/health"
	"github.com/snapforge/engine/internal/capture/metrics"
	"github.com/snapforge/engine/internal/common/httputil"
	"github.com/snapforge/engine/internal/common/requestid"
	"github.com/snapforge/engine/pkg/types"
)

// retryAfterOverloaded is the retry hint attached to load-shed and
// queue-timeout rejections. Circuit-open rejections hint the breaker's
// reset time instead.
const retryAfterOverloaded = time.Second

// redisHealthTimeout bounds the Redis ping inside GET /health so a hung
// cache backend cannot stall the probe.
const redisHealthTimeout = 2 * time.Second

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status        string                  `json:"status"` // ok | degraded
	UptimeSeconds float64                 `json:"uptime_seconds"`
	Pool          chrome.Stats            `json:"pool"`
	Admission     metrics.AdmissionGauges `json:"admission"`
	Prober        health.Status           `json:"prober"`
	Metrics       metrics.Snapshot        `json:"metrics"`
	Redis         *RedisHealth            `json:"redis,omitempty"`
}

// RedisHealth reports the result cache backend's reachability. Present
// only when the Redis backend is configured.
type RedisHealth struct {
	Status string `json:"status"` // ok | unreachable
	Error  string `json:"error,omitempty"`
}

// handleScreenshot serves POST /screenshot. The optional cache query
// parameter (default true) bypasses the result cache when false.
func (s *Server) handleScreenshot(ctx *fasthttp.RequestCtx, requestID string) {
	var req types.ScreenshotRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.c.Collector.RecordError(types.KindValidation, routeScreenshot, "invalid JSON body")
		httputil.WriteErrorKind(ctx, types.KindValidation, "invalid JSON body")
		return
	}

	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		s.c.Collector.RecordError(types.KindValidation, routeScreenshot, err.Error())
		httputil.WriteErrorKind(ctx, types.KindValidation, err.Error())
		return
	}

	useCache := true
	if b, err := strconv.ParseBool(string(ctx.QueryArgs().Peek("cache"))); err == nil {
		useCache = b
	}

	// The capture is deliberately not tied to the connection: fasthttp
	// offers no per-connection cancellation, and shutdown drains in-flight
	// work instead of cancelling it. The engine applies REQUEST_DEADLINE.
	captureCtx := requestid.NewContext(context.Background(), requestID)

	artifactURL, err := s.c.Engine.Capture(captureCtx, req, useCache)
	if err != nil {
		s.writeCaptureError(ctx, requestID, req.URL, err)
		return
	}

	httputil.WriteJSON(ctx, fasthttp.StatusOK, types.ScreenshotResponse{URL: artifactURL})
}

// writeCaptureError maps a capture failure onto the wire contract: the
// error kind picks the status code, back-pressure kinds carry a retry
// hint.
func (s *Server) writeCaptureError(ctx *fasthttp.RequestCtx, requestID, url string, err error) {
	kind := admission.Classify(err)
	message := err.Error()

	s.c.Collector.RecordError(kind, routeScreenshot, message)
	s.logger.Warn("Screenshot request failed",
		zap.String("request_id", requestID),
		zap.String("url", url),
		zap.String("kind", kind),
		zap.Error(err))

	switch kind {
	case types.KindCircuitOpen:
		httputil.WriteErrorKindRetry(ctx, kind, message, s.cfg.Admission.CircuitBreakerResetTime.Milliseconds())
	case types.KindOverloaded, types.KindQueueTimeout:
		httputil.WriteErrorKindRetry(ctx, kind, message, retryAfterOverloaded.Milliseconds())
	default:
		httputil.WriteErrorKind(ctx, kind, message)
	}
}

// handleBatchSubmit serves POST /batch/screenshots and answers 202 with
// the initial queued status.
func (s *Server) handleBatchSubmit(ctx *fasthttp.RequestCtx) {
	var req types.BatchRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.c.Collector.RecordError(types.KindValidation, routeBatchSubmit, "invalid JSON body")
		httputil.WriteErrorKind(ctx, types.KindValidation, "invalid JSON body")
		return
	}

	if err := req.Validate(); err != nil {
		s.c.Collector.RecordError(types.KindValidation, routeBatchSubmit, err.Error())
		httputil.WriteErrorKind(ctx, types.KindValidation, err.Error())
		return
	}

	job, err := s.c.Batch.Submit(&req)
	if err != nil {
		if errors.Is(err, batch.ErrShutdown) {
			httputil.WriteJSON(ctx, fasthttp.StatusServiceUnavailable, types.ErrorResponse{
				Kind:    types.KindOverloaded,
				Message: "service is shutting down",
			})
			return
		}
		s.c.Collector.RecordError(types.KindInternal, routeBatchSubmit, err.Error())
		s.logger.Error("Batch submission failed", zap.Error(err))
		httputil.WriteErrorKind(ctx, types.KindInternal, err.Error())
		return
	}

	httputil.WriteJSON(ctx, fasthttp.StatusAccepted, job.StatusResponse())
}

// handleBatchStatus serves GET /batch/screenshots/{job_id}.
func (s *Server) handleBatchStatus(ctx *fasthttp.RequestCtx, jobID string) {
	job, ok := s.c.Batch.Job(jobID)
	if !ok {
		s.writeJobNotFound(ctx, jobID)
		return
	}
	httputil.WriteJSON(ctx, fasthttp.StatusOK, job.StatusResponse())
}

// handleBatchResults serves GET /batch/screenshots/{job_id}/results. A
// job that is not yet terminal answers 409 with its live status, so
// pollers learn the progress without a second round trip.
func (s *Server) handleBatchResults(ctx *fasthttp.RequestCtx, jobID string) {
	job, ok := s.c.Batch.Job(jobID)
	if !ok {
		s.writeJobNotFound(ctx, jobID)
		return
	}

	if !job.Status.Terminal() {
		httputil.WriteJSON(ctx, fasthttp.StatusConflict, job.StatusResponse())
		return
	}

	httputil.WriteJSON(ctx, fasthttp.StatusOK, types.BatchResultsResponse{
		JobID:         job.JobID,
		Status:        job.Status,
		FailureReason: job.FailureReason,
		Items:         job.Items,
	})
}

func (s *Server) writeJobNotFound(ctx *fasthttp.RequestCtx, jobID string) {
	httputil.WriteJSON(ctx, fasthttp.StatusNotFound, types.ErrorResponse{
		Kind:    types.KindValidation,
		Message: fmt.Sprintf("unknown job %q", jobID),
	})
}

// handleHealth serves GET /health: pool, admission and prober state plus
// the metrics snapshot. Degraded (no browsers, or breaker open) answers
// 503 so load balancers rotate the instance out.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	pool := s.c.Pool.Stats()
	gauges := s.c.Admission.Gauges()

	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Pool:          pool,
		Admission:     gauges,
		Prober:        s.c.Prober.Status(),
		Metrics:       s.c.Collector.Snapshot(),
	}

	// A down Redis degrades the result cache to misses but never blocks
	// captures, so it is reported without flipping the overall status.
	if s.c.Redis != nil {
		rctx, cancel := context.WithTimeout(context.Background(), redisHealthTimeout)
		rh := &RedisHealth{Status: "ok"}
		if err := s.c.Redis.HealthCheck(rctx); err != nil {
			rh.Status = "unreachable"
			rh.Error = err.Error()
		}
		cancel()
		resp.Redis = rh
	}

	status := fasthttp.StatusOK
	if pool.Size == 0 || gauges.CircuitState == metrics.CircuitOpen {
		resp.Status = "degraded"
		status = fasthttp.StatusServiceUnavailable
	}

	httputil.WriteJSON(ctx, status, resp)
}

// handleMetricsJSON serves GET /metrics on the API listener. Prometheus
// exposition lives on the metrics listener.
func (s *Server) handleMetricsJSON(ctx *fasthttp.RequestCtx) {
	httputil.WriteJSON(ctx, fasthttp.StatusOK, s.c.Collector.Snapshot())
}
