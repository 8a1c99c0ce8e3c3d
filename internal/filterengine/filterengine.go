// Package filterengine computes per-request block/allow decisions for
// domains and URLs, merging global ad/tracking lists with per-hostname
// domain profile overlays.
package filterengine

import (
	"regexp"
	"strings"
	"sync"

	"github.com/revamp-proxy/revampd/internal/config"
)

// ReservedPathPrefix is never blocked: it routes to the portal's own
// endpoints regardless of filter configuration.
const ReservedPathPrefix = "/__revamp__/"

// RuleType enumerates the kinds of rule a domain profile may contain.
type RuleType string

const (
	RuleScriptPattern RuleType = "script-pattern"
	RuleCSSSelector   RuleType = "css-selector"
	RuleDomain        RuleType = "domain"
	RuleURLPattern    RuleType = "url-pattern"
)

// Action is the effect a matching rule has.
type Action string

const (
	ActionBlock Action = "block"
	ActionAllow Action = "allow"
)

// Rule is a single user-supplied pattern rule within a domain profile.
type Rule struct {
	Type    RuleType
	Pattern string
	Enabled bool
	Action  Action
}

// Profile is the optional per-hostname override record.
type Profile struct {
	Hostname string
	Rules    []Rule
}

// Engine evaluates block decisions. It caches compiled regexes across calls
// since profile rule sets are reused across many requests for the same
// hostname.
type Engine struct {
	regexCache sync.Map // map[string]*regexp.Regexp
}

// New creates an Engine.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) compile(pattern string) (*regexp.Regexp, bool) {
	if cached, ok := e.regexCache.Load(pattern); ok {
		re, ok := cached.(*regexp.Regexp)
		return re, ok && re != nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		// Invalid regexes are cached as a permanent non-match rather than
		// recompiled on every call.
		e.regexCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil, false
	}
	e.regexCache.Store(pattern, re)
	return re, true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// ShouldBlockDomain reports whether hostname should be blocked: a
// case-insensitive substring match against cfg.AdDomains (when
// cfg.RemoveAds) or cfg.TrackingDomains (when cfg.RemoveTracking), then
// domain-type rules from profile in order, first matching block wins, and
// allow short-circuits to false.
func (e *Engine) ShouldBlockDomain(hostname string, profile *Profile, cfg config.Snapshot) bool {
	hostname = strings.ToLower(hostname)

	if cfg.RemoveAds {
		for _, d := range cfg.AdDomains {
			if containsFold(hostname, d) {
				return true
			}
		}
	}
	if cfg.RemoveTracking {
		for _, d := range cfg.TrackingDomains {
			if containsFold(hostname, d) {
				return true
			}
		}
	}

	if profile == nil {
		return false
	}
	for _, r := range profile.Rules {
		if !r.Enabled || r.Type != RuleDomain {
			continue
		}
		if containsFold(hostname, r.Pattern) {
			switch r.Action {
			case ActionAllow:
				return false
			case ActionBlock:
				return true
			}
		}
	}
	return false
}

// ShouldBlockURL reports whether a URL should be blocked. Reserved-prefix
// paths are never blocked. Otherwise matches cfg.TrackingURLs by substring
// (when cfg.RemoveTracking) and the profile's url-pattern rules by regex;
// invalid regexes are silently skipped.
func (e *Engine) ShouldBlockURL(rawURL, path string, profile *Profile, cfg config.Snapshot) bool {
	if strings.HasPrefix(path, ReservedPathPrefix) {
		return false
	}

	if cfg.RemoveTracking {
		for _, u := range cfg.TrackingURLs {
			if containsFold(rawURL, u) {
				return true
			}
		}
	}

	if profile == nil {
		return false
	}
	for _, r := range profile.Rules {
		if !r.Enabled || r.Type != RuleURLPattern {
			continue
		}
		re, ok := e.compile(r.Pattern)
		if !ok {
			continue
		}
		if re.MatchString(rawURL) {
			switch r.Action {
			case ActionAllow:
				return false
			case ActionBlock:
				return true
			}
		}
	}
	return false
}

// PatternSet is the per-request resolved pair of script regex patterns and
// CSS selectors a transformer may use to strip ad/tracking content.
type PatternSet struct {
	ScriptPatterns []string
	CSSSelectors   []string
}

// defaultScriptPatterns and defaultCSSSelectors are the hardcoded baseline
// combined with profile contributions.
var (
	defaultScriptPatterns = []string{}
	defaultCSSSelectors   = []string{".ad", ".advertisement", "[id^=\"google_ads\"]"}
)

// ResolvePatterns combines the hardcoded default set with profile
// contributions of type script-pattern and css-selector with action block.
func (e *Engine) ResolvePatterns(profile *Profile) PatternSet {
	set := PatternSet{
		ScriptPatterns: append([]string(nil), defaultScriptPatterns...),
		CSSSelectors:   append([]string(nil), defaultCSSSelectors...),
	}
	if profile == nil {
		return set
	}
	for _, r := range profile.Rules {
		if !r.Enabled || r.Action != ActionBlock {
			continue
		}
		switch r.Type {
		case RuleScriptPattern:
			set.ScriptPatterns = append(set.ScriptPatterns, r.Pattern)
		case RuleCSSSelector:
			set.CSSSelectors = append(set.CSSSelectors, r.Pattern)
		}
	}
	return set
}
