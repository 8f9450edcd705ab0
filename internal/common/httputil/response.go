package httputil

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/snapforge/engine/pkg/types"
)

// APIResponse is the envelope used by administrative endpoints
// (cache management, rewrite rules, browser cache inspection).
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// JSONResponse sends an enveloped JSON response.
func JSONResponse(ctx *fasthttp.RequestCtx, success bool, message string, data interface{}, statusCode int) {
	resp := APIResponse{
		Success: success,
		Message: message,
		Data:    data,
	}
	body, _ := json.Marshal(resp)
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// JSONError is a convenience wrapper for enveloped error responses.
func JSONError(ctx *fasthttp.RequestCtx, message string, statusCode int) {
	JSONResponse(ctx, false, message, nil, statusCode)
}

// JSONSuccess is a convenience wrapper for enveloped success responses with no data.
func JSONSuccess(ctx *fasthttp.RequestCtx, message string, statusCode int) {
	JSONResponse(ctx, true, message, nil, statusCode)
}

// JSONData is a convenience wrapper for enveloped success responses with data.
func JSONData(ctx *fasthttp.RequestCtx, data interface{}, statusCode int) {
	JSONResponse(ctx, true, "", data, statusCode)
}

// WriteJSON sends a bare JSON body without the envelope. Capture endpoints
// use this: their response shapes are part of the public contract.
func WriteJSON(ctx *fasthttp.RequestCtx, statusCode int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"kind":"internal","message":"response encoding failed"}`)
		return
	}
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// WriteErrorKind sends a capture error body {kind, message, retry_after_ms?}
// with the status code implied by the kind.
func WriteErrorKind(ctx *fasthttp.RequestCtx, kind, message string) {
	WriteJSON(ctx, StatusForKind(kind), types.ErrorResponse{
		Kind:    kind,
		Message: message,
	})
}

// WriteErrorKindRetry is WriteErrorKind with a retry hint, used for
// back-pressure responses.
func WriteErrorKindRetry(ctx *fasthttp.RequestCtx, kind, message string, retryAfterMS int64) {
	WriteJSON(ctx, StatusForKind(kind), types.ErrorResponse{
		Kind:         kind,
		Message:      message,
		RetryAfterMS: retryAfterMS,
	})
}

// StatusForKind maps a capture error kind to its HTTP status code.
// Unknown kinds report as internal errors.
func StatusForKind(kind string) int {
	switch kind {
	case types.KindValidation:
		return fasthttp.StatusUnprocessableEntity
	case types.KindOverloaded, types.KindQueueTimeout, types.KindCircuitOpen:
		return fasthttp.StatusTooManyRequests
	default:
		return fasthttp.StatusInternalServerError
	}
}
