package filterengine

import (
	"testing"

	"github.com/revamp-proxy/revampd/internal/config"
)

func TestShouldBlockDomain_AdDomains(t *testing.T) {
	e := New()
	cfg := config.Default()
	cfg.RemoveAds = true
	cfg.AdDomains = []string{"doubleclick.net"}

	if !e.ShouldBlockDomain("ad.doubleclick.net", nil, cfg) {
		t.Errorf("expected ad domain to be blocked")
	}
	if e.ShouldBlockDomain("example.com", nil, cfg) {
		t.Errorf("expected unrelated domain to pass")
	}
}

func TestShouldBlockDomain_DisabledFeatureNeverBlocks(t *testing.T) {
	e := New()
	cfg := config.Default()
	cfg.RemoveAds = false
	cfg.AdDomains = []string{"doubleclick.net"}

	if e.ShouldBlockDomain("ad.doubleclick.net", nil, cfg) {
		t.Errorf("expected removeAds=false to never block")
	}
}

func TestShouldBlockDomain_GlobalBlockPrecedesProfileAllow(t *testing.T) {
	e := New()
	cfg := config.Default()
	cfg.RemoveAds = true
	cfg.AdDomains = []string{"example.com"}

	profile := &Profile{
		Hostname: "example.com",
		Rules: []Rule{
			{Type: RuleDomain, Pattern: "example.com", Enabled: true, Action: ActionAllow},
		},
	}

	if !e.ShouldBlockDomain("example.com", profile, cfg) {
		t.Errorf("expected the global ad-domain block to apply before the profile allow rule")
	}
}

func TestShouldBlockDomain_DisabledRuleIgnored(t *testing.T) {
	e := New()
	cfg := config.Default()
	profile := &Profile{
		Rules: []Rule{
			{Type: RuleDomain, Pattern: "blocked.com", Enabled: false, Action: ActionBlock},
		},
	}
	if e.ShouldBlockDomain("blocked.com", profile, cfg) {
		t.Errorf("expected disabled rule to be ignored")
	}
}

func TestShouldBlockURL_ReservedPrefixNeverBlocked(t *testing.T) {
	e := New()
	cfg := config.Default()
	cfg.RemoveTracking = true
	cfg.TrackingURLs = []string{"__revamp__"}

	if e.ShouldBlockURL("http://proxy.local/__revamp__/config", "/__revamp__/config", nil, cfg) {
		t.Errorf("expected reserved path to never be blocked")
	}
}

func TestShouldBlockURL_TrackingURLSubstring(t *testing.T) {
	e := New()
	cfg := config.Default()
	cfg.RemoveTracking = true
	cfg.TrackingURLs = []string{"/collect?"}

	if !e.ShouldBlockURL("https://example.com/collect?id=1", "/collect", nil, cfg) {
		t.Errorf("expected tracking URL substring match to block")
	}
}

func TestShouldBlockURL_ProfileRegexPattern(t *testing.T) {
	e := New()
	cfg := config.Default()
	profile := &Profile{
		Rules: []Rule{
			{Type: RuleURLPattern, Pattern: `/ads/\d+`, Enabled: true, Action: ActionBlock},
		},
	}

	if !e.ShouldBlockURL("https://example.com/ads/42", "/ads/42", profile, cfg) {
		t.Errorf("expected regex pattern to match and block")
	}
	if e.ShouldBlockURL("https://example.com/content", "/content", profile, cfg) {
		t.Errorf("expected non-matching URL to pass")
	}
}

func TestShouldBlockURL_InvalidRegexSkipped(t *testing.T) {
	e := New()
	cfg := config.Default()
	profile := &Profile{
		Rules: []Rule{
			{Type: RuleURLPattern, Pattern: `(unclosed`, Enabled: true, Action: ActionBlock},
		},
	}

	if e.ShouldBlockURL("https://example.com/x", "/x", profile, cfg) {
		t.Errorf("expected invalid regex to be silently skipped, not block")
	}
}

func TestResolvePatterns_CombinesDefaultsAndProfile(t *testing.T) {
	e := New()
	profile := &Profile{
		Rules: []Rule{
			{Type: RuleScriptPattern, Pattern: "trackit\\(", Enabled: true, Action: ActionBlock},
			{Type: RuleCSSSelector, Pattern: ".sponsored", Enabled: true, Action: ActionBlock},
			{Type: RuleCSSSelector, Pattern: ".ignored", Enabled: false, Action: ActionBlock},
		},
	}

	set := e.ResolvePatterns(profile)
	if len(set.ScriptPatterns) != 1 || set.ScriptPatterns[0] != "trackit\\(" {
		t.Errorf("expected profile script pattern to be included, got %v", set.ScriptPatterns)
	}
	found := false
	for _, s := range set.CSSSelectors {
		if s == ".sponsored" {
			found = true
		}
		if s == ".ignored" {
			t.Errorf("expected disabled rule to be excluded")
		}
	}
	if !found {
		t.Errorf("expected enabled css selector to be included")
	}
}
