// Package pattern compiles the request-blocking rule forms the capture
// interceptor matches against outbound request URLs.
//
// A rule takes one of three forms, chosen by its prefix:
//
//   - Exact (no prefix): case-insensitive equality.
//     "https://cdn.example.com/app.js" matches only that URL.
//
//   - Wildcard (contains *): case-insensitive, * spans any run of
//     characters including none.
//     "*doubleclick.net*" matches any URL mentioning the host;
//     "*.mp4" matches any URL ending in .mp4.
//
//   - Regexp (~ prefix, ~* for case-insensitive): Go regexp syntax.
//     "~^https://ads\." anchors on the scheme;
//     "~*\.(mp4|webm)$" matches either case.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind discriminates the rule forms.
type Kind int

const (
	KindExact Kind = iota
	KindWildcard
	KindRegexp
)

// Pattern is one compiled blocking rule.
type Pattern struct {
	original string
	kind     Kind
	lowered  string         // exact/wildcard body, lowered at compile time
	re       *regexp.Regexp // regexp form only
}

// Compile parses and pre-compiles one rule. Exact and wildcard bodies are
// lowered here once so matching never re-lowers the pattern side.
func Compile(raw string) (*Pattern, error) {
	if raw == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	switch {
	case strings.HasPrefix(raw, "~*"):
		re, err := regexp.Compile("(?i)" + raw[2:])
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern %q: %w", raw, err)
		}
		return &Pattern{original: raw, kind: KindRegexp, re: re}, nil

	case strings.HasPrefix(raw, "~"):
		re, err := regexp.Compile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern %q: %w", raw, err)
		}
		return &Pattern{original: raw, kind: KindRegexp, re: re}, nil

	case strings.Contains(raw, "*"):
		return &Pattern{original: raw, kind: KindWildcard, lowered: strings.ToLower(raw)}, nil

	default:
		return &Pattern{original: raw, kind: KindExact, lowered: strings.ToLower(raw)}, nil
	}
}

// Kind returns the rule form.
func (p *Pattern) Kind() Kind { return p.kind }

// String returns the original rule text.
func (p *Pattern) String() string { return p.original }

// Match reports whether input matches this rule. Exact and wildcard forms
// compare case-insensitively.
func (p *Pattern) Match(input string) bool {
	if p == nil {
		return false
	}
	if p.kind == KindRegexp {
		return p.re.MatchString(input)
	}
	return p.matchLowered(strings.ToLower(input))
}

// matchLowered assumes input is already lowercase.
func (p *Pattern) matchLowered(input string) bool {
	switch p.kind {
	case KindExact:
		return input == p.lowered
	case KindWildcard:
		return matchWildcard(input, p.lowered)
	default:
		return false
	}
}

// List matches a request URL against every compiled rule.
type List []*Pattern

// Match reports whether any rule matches rawURL. The URL is lowered at
// most once and shared across the exact and wildcard rules; regexp rules
// see the original bytes so case-sensitive expressions keep their meaning.
func (l List) Match(rawURL string) bool {
	lowered := ""
	for _, p := range l {
		if p == nil {
			continue
		}
		if p.kind == KindRegexp {
			if p.re.MatchString(rawURL) {
				return true
			}
			continue
		}
		if lowered == "" {
			lowered = strings.ToLower(rawURL)
		}
		if p.matchLowered(lowered) {
			return true
		}
	}
	return false
}

// matchWildcard reports whether text matches pattern, where * spans any
// run of characters including none. Both arguments must already be
// lowercase. The pattern's literal segments must appear in order; a
// segment may sit anywhere between its neighbours, so "*a*b*" matches
// across path boundaries.
func matchWildcard(text, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return text == pattern
	}

	parts := strings.Split(pattern, "*")

	if !strings.HasPrefix(text, parts[0]) {
		return false
	}
	text = text[len(parts[0]):]

	last := parts[len(parts)-1]
	if !strings.HasSuffix(text, last) {
		return false
	}
	text = text[:len(text)-len(last)]

	for i := 1; i < len(parts)-1; i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(text, parts[i])
		if idx == -1 {
			return false
		}
		text = text[idx+len(parts[i]):]
	}
	return true
}
