package httputil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/snapforge/engine/pkg/types"
)

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind   string
		status int
	}{
		{types.KindValidation, fasthttp.StatusUnprocessableEntity},
		{types.KindOverloaded, fasthttp.StatusTooManyRequests},
		{types.KindQueueTimeout, fasthttp.StatusTooManyRequests},
		{types.KindCircuitOpen, fasthttp.StatusTooManyRequests},
		{types.KindAcquireFailed, fasthttp.StatusInternalServerError},
		{types.KindNavigateTimeout, fasthttp.StatusInternalServerError},
		{types.KindNavigateUnreachable, fasthttp.StatusInternalServerError},
		{types.KindScreenshotFailed, fasthttp.StatusInternalServerError},
		{types.KindDeadlineExceeded, fasthttp.StatusInternalServerError},
		{types.KindInternal, fasthttp.StatusInternalServerError},
		{"something-unknown", fasthttp.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			assert.Equal(t, tt.status, StatusForKind(tt.kind))
		})
	}
}

func TestWriteErrorKind(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteErrorKind(ctx, types.KindValidation, "width out of range")

	assert.Equal(t, fasthttp.StatusUnprocessableEntity, ctx.Response.StatusCode())
	assert.Equal(t, "application/json", string(ctx.Response.Header.ContentType()))

	var body types.ErrorResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, types.KindValidation, body.Kind)
	assert.Equal(t, "width out of range", body.Message)
	assert.Zero(t, body.RetryAfterMS)

	// retry_after_ms should be omitted entirely when unset
	assert.NotContains(t, string(ctx.Response.Body()), "retry_after_ms")
}

func TestWriteErrorKindRetry(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteErrorKindRetry(ctx, types.KindOverloaded, "capture capacity saturated", 1500)

	assert.Equal(t, fasthttp.StatusTooManyRequests, ctx.Response.StatusCode())

	var body types.ErrorResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, types.KindOverloaded, body.Kind)
	assert.EqualValues(t, 1500, body.RetryAfterMS)
}

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteJSON(ctx, fasthttp.StatusAccepted, map[string]string{"job_id": "batch-12ab34cd"})

	assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"job_id":"batch-12ab34cd"}`, string(ctx.Response.Body()))
}

func TestEnvelopeHelpers(t *testing.T) {
	t.Run("success with data", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		JSONData(ctx, map[string]int{"entries": 3}, fasthttp.StatusOK)

		var resp APIResponse
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
		assert.True(t, resp.Success)
	})

	t.Run("error", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		JSONError(ctx, "rule not found", fasthttp.StatusNotFound)

		assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

		var resp APIResponse
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, "rule not found", resp.Message)
	})
}
