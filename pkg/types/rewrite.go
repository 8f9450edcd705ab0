package types

import (
	"fmt"
	"strings"
)

// Rewrite scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// RewriteRule maps a public hostname to the internal host that actually
// serves it. Matching is by host only (case-insensitive, "www." stripped);
// path, query and fragment pass through untouched.
type RewriteRule struct {
	SourceHost string `yaml:"source_host" json:"source_host"`
	TargetHost string `yaml:"target_host" json:"target_host"`
	Scheme     string `yaml:"scheme,omitempty" json:"scheme,omitempty"` // http | https (default http)
}

// Normalize lowercases hosts, strips a leading "www." from the source and
// defaults the scheme.
func (r *RewriteRule) Normalize() {
	r.SourceHost = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(r.SourceHost)), "www.")
	r.TargetHost = strings.ToLower(strings.TrimSpace(r.TargetHost))
	if r.Scheme == "" {
		r.Scheme = SchemeHTTP
	} else {
		r.Scheme = strings.ToLower(r.Scheme)
	}
}

// Validate checks the rule after Normalize.
func (r *RewriteRule) Validate() error {
	if r.SourceHost == "" {
		return fmt.Errorf("source_host is required")
	}
	if r.TargetHost == "" {
		return fmt.Errorf("target_host is required")
	}
	if r.Scheme != SchemeHTTP && r.Scheme != SchemeHTTPS {
		return fmt.Errorf("scheme must be http or https, got %q", r.Scheme)
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler so rules loaded from the config
// file arrive normalized and validated.
func (r *RewriteRule) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type ruleAlias RewriteRule
	alias := (*ruleAlias)(r)
	if err := unmarshal(alias); err != nil {
		return err
	}
	r.Normalize()
	return r.Validate()
}

// RewriteCheckResponse is the body for GET /url-transformer/check
type RewriteCheckResponse struct {
	URL            string `json:"url"`
	Transformable  bool   `json:"transformable"`
	OriginalDomain string `json:"original_domain,omitempty"`
}

// RewriteResult is the body for POST /url-transformer/transform
type RewriteResult struct {
	OriginalURL    string `json:"original_url"`
	TransformedURL string `json:"transformed_url"`
	WasTransformed bool   `json:"was_transformed"`
}
