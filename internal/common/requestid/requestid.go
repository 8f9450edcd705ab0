// Package requestid generates correlation IDs for capture requests.
// Callers may supply their own ID through the X-Request-ID header; it is
// sanitized and prefixed with random characters so two clients sending the
// same ID still produce distinct log trails.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxLength matches the canonical UUID string length.
	MaxLength = 36
	// PrefixLength is the length of the random hex prefix.
	PrefixLength = 5
	// MaxCustomLength bounds the sanitized caller-supplied portion:
	// 36 total - 5 prefix - 1 hyphen.
	MaxCustomLength = MaxLength - PrefixLength - 1
)

// Generate builds a request ID from an optional caller-supplied ID.
// The custom part keeps only [a-zA-Z0-9-], spaces become hyphens, and runs
// of hyphens collapse to one. An empty or fully-stripped custom ID falls
// back to a plain UUID.
func Generate(customID string) string {
	sanitized := sanitize(customID)
	if sanitized == "" {
		return uuid.New().String()
	}

	if len(sanitized) > MaxCustomLength {
		sanitized = sanitized[:MaxCustomLength]
		sanitized = strings.TrimSuffix(sanitized, "-")
	}

	return randomPrefix() + "-" + sanitized
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	pendingHyphen := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		case r == '-', r == ' ':
			pendingHyphen = true
		}
	}

	return b.String()
}

func randomPrefix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()[:PrefixLength]
	}
	return hex.EncodeToString(buf)[:PrefixLength]
}
