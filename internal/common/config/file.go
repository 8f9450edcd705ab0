package config

import (
	"fmt"
	"os"

	"github.com/snapforge/engine/internal/common/yamlutil"
	"github.com/snapforge/engine/pkg/types"
)

// fileOverlay is the CONFIG_FILE YAML shape. It carries the tabular pieces
// that are awkward as environment variables; scalar env keys always win.
type fileOverlay struct {
	RewriteRules      []types.RewriteRule `yaml:"rewrite_rules"`
	BlockedPatterns   []string            `yaml:"blocked_patterns"`
	PriorityCDNHosts  []string            `yaml:"priority_cdn_hosts"`
	TrustedProxyIPs   []string            `yaml:"trusted_proxy_ips"`
	HealthCheckURL    string              `yaml:"health_check_url"`
	ArtifactURLPrefix string              `yaml:"artifact_url_prefix"`
}

// loadFile overlays the CONFIG_FILE contents onto the config.
func (cfg *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var overlay fileOverlay
	if err := yamlutil.UnmarshalStrict(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.Rewrite.Rules = overlay.RewriteRules
	if len(overlay.BlockedPatterns) > 0 {
		cfg.Interceptor.ExtraBlockPatterns = overlay.BlockedPatterns
	}
	if len(overlay.PriorityCDNHosts) > 0 {
		cfg.ResourceCache.PriorityCDNHosts = overlay.PriorityCDNHosts
	}
	if len(overlay.TrustedProxyIPs) > 0 && len(cfg.Server.TrustedProxyIPs) == 0 {
		cfg.Server.TrustedProxyIPs = overlay.TrustedProxyIPs
	}
	if overlay.HealthCheckURL != "" && os.Getenv("HEALTH_CHECK_URL") == "" {
		cfg.Health.URL = overlay.HealthCheckURL
	}
	if overlay.ArtifactURLPrefix != "" && os.Getenv("ARTIFACT_URL_PREFIX") == "" {
		cfg.Capture.ArtifactURLPrefix = overlay.ArtifactURLPrefix
	}

	return nil
}
