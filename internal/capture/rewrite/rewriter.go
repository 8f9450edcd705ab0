// Package rewrite maps public hostnames to the internal hosts that serve
// them, so captures of a site under migration hit the staging origin while
// cache keys keep using the public URL.
package rewrite

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/common/urlutil"
	"github.com/snapforge/engine/pkg/types"
)

// Rewriter holds the rule table behind an atomic pointer. Lookups are
// lock-free; mutations build a fresh table and swap it in.
type Rewriter struct {
	table  atomic.Pointer[ruleTable]
	mu     sync.Mutex // serializes mutations only
	logger *zap.Logger
}

type ruleTable struct {
	// keyed by normalized source host (lowercase, no "www.")
	rules map[string]types.RewriteRule
}

func New(initial []types.RewriteRule, logger *zap.Logger) *Rewriter {
	r := &Rewriter{logger: logger}

	rules := make(map[string]types.RewriteRule, len(initial))
	for _, rule := range initial {
		rule.Normalize()
		rules[rule.SourceHost] = rule
	}
	r.table.Store(&ruleTable{rules: rules})

	if len(rules) > 0 {
		logger.Info("URL rewrite rules loaded", zap.Int("count", len(rules)))
	}

	return r
}

// Rewrite returns the navigation URL for rawURL. Unparseable input, URLs
// with userinfo, and hosts without a rule pass through unchanged. Path,
// query and fragment of the input are preserved byte for byte.
func (r *Rewriter) Rewrite(rawURL string) types.RewriteResult {
	result := types.RewriteResult{
		OriginalURL:    rawURL,
		TransformedURL: rawURL,
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || parsed.User != nil {
		return result
	}

	rule, ok := r.table.Load().rules[urlutil.NormalizeHost(parsed.Host)]
	if !ok {
		return result
	}

	rewritten, ok := spliceAuthority(rawURL, rule.Scheme, rule.TargetHost)
	if !ok {
		return result
	}

	result.TransformedURL = rewritten
	result.WasTransformed = true

	r.logger.Info("URL rewritten",
		zap.String("original", rawURL),
		zap.String("rewritten", rewritten))

	return result
}

// Check reports whether a rule would apply to rawURL.
func (r *Rewriter) Check(rawURL string) types.RewriteCheckResponse {
	resp := types.RewriteCheckResponse{URL: rawURL}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return resp
	}

	resp.OriginalDomain = strings.ToLower(parsed.Host)
	_, resp.Transformable = r.table.Load().rules[urlutil.NormalizeHost(parsed.Host)]
	return resp
}

// Rules returns a stable-ordered copy of the current table.
func (r *Rewriter) Rules() []types.RewriteRule {
	table := r.table.Load()

	out := make([]types.RewriteRule, 0, len(table.rules))
	for _, rule := range table.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceHost < out[j].SourceHost })
	return out
}

// Upsert adds or replaces the rule for its source host.
func (r *Rewriter) Upsert(rule types.RewriteRule) error {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.cloneLocked()
	next.rules[rule.SourceHost] = rule
	r.table.Store(next)

	r.logger.Info("URL rewrite rule added",
		zap.String("source", rule.SourceHost),
		zap.String("target", rule.Scheme+"://"+rule.TargetHost))

	return nil
}

// Remove deletes the rule for host. Returns false when no rule existed.
func (r *Rewriter) Remove(host string) bool {
	normalized := urlutil.NormalizeHost(host)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.table.Load().rules[normalized]; !ok {
		return false
	}

	next := r.cloneLocked()
	delete(next.rules, normalized)
	r.table.Store(next)

	r.logger.Info("URL rewrite rule removed", zap.String("source", normalized))
	return true
}

func (r *Rewriter) cloneLocked() *ruleTable {
	cur := r.table.Load()
	next := &ruleTable{rules: make(map[string]types.RewriteRule, len(cur.rules)+1)}
	for k, v := range cur.rules {
		next.rules[k] = v
	}
	return next
}

// spliceAuthority replaces the scheme and authority of rawURL textually,
// leaving everything after the authority untouched. This avoids a reparse
// round-trip that could re-encode the path or query.
func spliceAuthority(rawURL, scheme, host string) (string, bool) {
	sep := strings.Index(rawURL, "://")
	if sep < 0 {
		return "", false
	}

	rest := rawURL[sep+len("://"):]
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}

	return scheme + "://" + host + rest[end:], true
}
