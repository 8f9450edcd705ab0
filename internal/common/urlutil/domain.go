package urlutil

import (
	"strings"
)

// ExtractHostname extracts the hostname from a host string, removing the port if present.
// Input is a host string (NOT a full URL), e.g., "example.com:8080" or "example.com".
// Handles IPv6 addresses correctly - does not strip the port portion of an IPv6 literal.
func ExtractHostname(host string) string {
	// Handle bracketed IPv6 addresses: [::1]:8080 or [::1]
	if strings.HasPrefix(host, "[") {
		if bracketIdx := strings.Index(host, "]"); bracketIdx != -1 {
			return host[:bracketIdx+1]
		}
		return host
	}
	// For non-bracketed hosts, only strip port if there's exactly one colon.
	// This handles example.com:8080 -> example.com but preserves bare IPv6.
	if idx := strings.LastIndex(host, ":"); idx != -1 && strings.Count(host, ":") == 1 {
		return host[:idx]
	}
	return host
}

// NormalizeHost lowercases a host and strips a leading "www." label.
// Rewrite rules and CDN host lists match on normalized hosts so that
// "WWW.Example.COM" and "example.com" compare equal.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimPrefix(host, "www.")
}

// IsSameOrigin returns true if hosts are the same domain or one is a subdomain of the other.
// Strips ports before comparison. Both hosts should already be lowercased.
func IsSameOrigin(baseHost, requestHost string) bool {
	if baseHost == "" || requestHost == "" {
		return false
	}

	base := ExtractHostname(baseHost)
	req := ExtractHostname(requestHost)

	if base == req {
		return true
	}
	if strings.HasSuffix(req, "."+base) {
		return true
	}
	if strings.HasSuffix(base, "."+req) {
		return true
	}
	return false
}
