package service

import (
	"net"
	"strings"

	"github.com/valyala/fasthttp"
)

// proxyIPHeaders are consulted in order when proxy headers are trusted.
var proxyIPHeaders = []string{"X-Forwarded-For", "X-Real-IP"}

// clientIP resolves the caller's address for access logs. Proxy headers
// are honored only when TRUST_PROXY_HEADERS is set and the connecting
// peer is one of TRUSTED_PROXY_IPS (an empty list trusts every peer).
func (s *Server) clientIP(ctx *fasthttp.RequestCtx) string {
	remote := remoteIP(ctx)
	if !s.cfg.Server.TrustProxyHeaders || !s.trustedPeer(remote) {
		return remote
	}

	for _, header := range proxyIPHeaders {
		value := strings.TrimSpace(string(ctx.Request.Header.Peek(header)))
		if value == "" {
			continue
		}
		// X-Forwarded-For carries a hop chain; the first entry is the
		// original client.
		if idx := strings.IndexByte(value, ','); idx >= 0 {
			value = strings.TrimSpace(value[:idx])
		}
		if ip := normalizeIP(value); ip != "" {
			return ip
		}
	}

	return remote
}

func (s *Server) trustedPeer(remote string) bool {
	if s.trustedProxies == nil {
		return true
	}
	_, ok := s.trustedProxies[remote]
	return ok
}

func remoteIP(ctx *fasthttp.RequestCtx) string {
	host, _, err := net.SplitHostPort(ctx.RemoteAddr().String())
	if err != nil {
		return normalizeIP(ctx.RemoteAddr().String())
	}
	return normalizeIP(host)
}

// normalizeIP strips IPv6 brackets and zone identifiers and canonicalizes
// the textual form. Unparseable input passes through unchanged.
func normalizeIP(raw string) string {
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if idx := strings.IndexByte(raw, '%'); idx >= 0 {
		raw = raw[:idx]
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return raw
	}
	return ip.String()
}
