package chrome

import (
	"net/url"
	"strings"

	"github.com/chromedp/cdproto/network"

	"github.com/snapforge/engine/internal/common/config"
	"github.com/snapforge/engine/internal/common/urlutil"
	"github.com/snapforge/engine/pkg/pattern"
)

// Hard-block pattern groups, matched against full request URLs. Blocked
// requests are aborted before Chrome ever opens a connection, so none of
// these can affect how the captured page renders beyond losing the
// widget itself.
var analyticsPatterns = []string{
	"*google-analytics.com*",
	"*analytics.google.com*",
	"*googletagmanager.com*",
	"*googletagservices.com*",
	"*hotjar.com*",
	"*clarity.ms*",
	"*static.cloudflareinsights.com*",
	"*convertexperiments.com*",
	"*listrakbi.com*",
	"*adobestats.com*",
}

var adPatterns = []string{
	"*doubleclick.net*",
	"*googleadservices.com*",
	"*googlesyndication.com*",
	"*2mdn.net*",
	"*adsappier.com*",
}

var socialPatterns = []string{
	"*connect.facebook.net*",
	"*platform.twitter.com*",
	"*platform.linkedin.com*",
	"*assets.pinterest.com*",
	"*chatra.io*",
}

// Blocklist decides which outbound page requests are aborted outright.
// URL patterns support exact, wildcard, and regexp forms; resource-type
// and third-party-script rules come from the interception toggles.
type Blocklist struct {
	patterns               pattern.List
	blockedTypes           map[network.ResourceType]struct{}
	blockThirdPartyScripts bool
}

// NewBlocklist assembles blocking rules from the interception toggles
// plus any operator-supplied extra patterns. Unparseable extra patterns
// are skipped.
func NewBlocklist(cfg *config.InterceptorConfig) *Blocklist {
	var pats []string
	if cfg.DisableAnalytics {
		pats = append(pats, analyticsPatterns...)
	}
	if cfg.DisableAds {
		pats = append(pats, adPatterns...)
	}
	if cfg.DisableSocialWidgets {
		pats = append(pats, socialPatterns...)
	}
	pats = append(pats, cfg.ExtraBlockPatterns...)

	bl := &Blocklist{
		patterns:               make(pattern.List, 0, len(pats)),
		blockedTypes:           make(map[network.ResourceType]struct{}),
		blockThirdPartyScripts: cfg.DisableThirdPartyScripts,
	}
	for _, pat := range pats {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		compiled, err := pattern.Compile(pat)
		if err != nil {
			continue
		}
		bl.patterns = append(bl.patterns, compiled)
	}

	if cfg.DisableFonts {
		bl.blockedTypes[network.ResourceTypeFont] = struct{}{}
	}
	if cfg.DisableMedia {
		bl.blockedTypes[network.ResourceTypeMedia] = struct{}{}
	}
	return bl
}

// ShouldBlock reports whether a page request must be aborted. pageHost
// is the host of the URL being captured, used for the third-party
// script rule. An empty or unparseable page host disables that rule
// rather than blocking every script.
func (bl *Blocklist) ShouldBlock(requestURL string, resourceType network.ResourceType, pageHost string) bool {
	if _, blocked := bl.blockedTypes[resourceType]; blocked {
		return true
	}
	if bl.blockThirdPartyScripts && resourceType == network.ResourceTypeScript {
		if page := urlutil.NormalizeHost(pageHost); page != "" {
			if h := normalizeHost(requestURL); h != "" && !urlutil.IsSameOrigin(page, h) {
				return true
			}
		}
	}
	return bl.patterns.Match(requestURL)
}

// normalizeHost extracts the lowercased hostname of a URL, without any
// leading www.
func normalizeHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
