package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// fileSnapshot mirrors Snapshot but with TOML tags; a zero value for any
// field means "not set in the file" so the TOML decoder never clobbers a
// default with a Go zero value.
type fileSnapshot struct {
	SOCKSPort  int    `toml:"socks_port"`
	HTTPPort   int    `toml:"http_port"`
	PortalPort int    `toml:"portal_port"`
	BindAddr   string `toml:"bind_addr"`

	TransformJS           *bool `toml:"transform_js"`
	TransformCSS          *bool `toml:"transform_css"`
	TransformHTML         *bool `toml:"transform_html"`
	BundleESModules       *bool `toml:"bundle_es_modules"`
	RemoveAds             *bool `toml:"remove_ads"`
	RemoveTracking        *bool `toml:"remove_tracking"`
	InjectPolyfills       *bool `toml:"inject_polyfills"`
	SpoofUserAgent        *bool `toml:"spoof_user_agent"`
	SpoofUserAgentInJS    *bool `toml:"spoof_user_agent_in_js"`
	EmulateServiceWorkers *bool `toml:"emulate_service_workers"`
	RemoteServiceWorkers  *bool `toml:"remote_service_workers"`
	CacheEnabled          *bool `toml:"cache_enabled"`
	LogJSONRequests       *bool `toml:"log_json_requests"`

	CacheTTLSeconds  int `toml:"cache_ttl_seconds"`
	CompressionLevel int `toml:"compression_level"`

	CacheDir   string `toml:"cache_dir"`
	CertDir    string `toml:"cert_dir"`
	JSONLogDir string `toml:"json_log_dir"`

	AdDomains       []string `toml:"ad_domains"`
	TrackingDomains []string `toml:"tracking_domains"`
	TrackingURLs    []string `toml:"tracking_urls"`
	Whitelist       []string `toml:"whitelist"`
	Blacklist       []string `toml:"blacklist"`
	Targets         []string `toml:"targets"`
}

// FlagOverrides carries command-line flag values. A nil pointer means the
// flag was not set, so the default/file value underneath is left alone.
type FlagOverrides struct {
	SOCKSPort  *int
	HTTPPort   *int
	PortalPort *int
	BindAddr   *string

	TransformJS    *bool
	RemoveAds      *bool
	RemoveTracking *bool
	CacheEnabled   *bool

	CacheDir *string
	CertDir  *string
}

// LoaderOptions controls Load.
type LoaderOptions struct {
	ConfigPath string
	Overrides  FlagOverrides
	Logger     *slog.Logger
}

// Load resolves the effective global Snapshot with precedence:
// built-in defaults < TOML config file < CLI flag overrides.
//
// A ConfigPath that cannot be read or parsed is a fatal error; unknown keys
// in the file are logged as a warning but do not fail the load.
func Load(opts LoaderOptions) (Snapshot, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	snap := Default()

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return Snapshot{}, fmt.Errorf("read config file %s: %w", opts.ConfigPath, err)
		}
		var fc fileSnapshot
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return Snapshot{}, fmt.Errorf("parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", strings.Join(keys, ","))
		}
		overlayFile(&snap, &fc)
	}

	overlayFlags(&snap, opts.Overrides)

	if err := validate(snap); err != nil {
		return Snapshot{}, err
	}

	return snap, nil
}

func overlayFile(s *Snapshot, fc *fileSnapshot) {
	if fc.SOCKSPort != 0 {
		s.SOCKSPort = fc.SOCKSPort
	}
	if fc.HTTPPort != 0 {
		s.HTTPPort = fc.HTTPPort
	}
	if fc.PortalPort != 0 {
		s.PortalPort = fc.PortalPort
	}
	if fc.BindAddr != "" {
		s.BindAddr = fc.BindAddr
	}
	if fc.TransformJS != nil {
		s.TransformJS = *fc.TransformJS
	}
	if fc.TransformCSS != nil {
		s.TransformCSS = *fc.TransformCSS
	}
	if fc.TransformHTML != nil {
		s.TransformHTML = *fc.TransformHTML
	}
	if fc.BundleESModules != nil {
		s.BundleESModules = *fc.BundleESModules
	}
	if fc.RemoveAds != nil {
		s.RemoveAds = *fc.RemoveAds
	}
	if fc.RemoveTracking != nil {
		s.RemoveTracking = *fc.RemoveTracking
	}
	if fc.InjectPolyfills != nil {
		s.InjectPolyfills = *fc.InjectPolyfills
	}
	if fc.SpoofUserAgent != nil {
		s.SpoofUserAgent = *fc.SpoofUserAgent
	}
	if fc.SpoofUserAgentInJS != nil {
		s.SpoofUserAgentInJS = *fc.SpoofUserAgentInJS
	}
	if fc.EmulateServiceWorkers != nil {
		s.EmulateServiceWorkers = *fc.EmulateServiceWorkers
	}
	if fc.RemoteServiceWorkers != nil {
		s.RemoteServiceWorkers = *fc.RemoteServiceWorkers
	}
	if fc.CacheEnabled != nil {
		s.CacheEnabled = *fc.CacheEnabled
	}
	if fc.LogJSONRequests != nil {
		s.LogJSONRequests = *fc.LogJSONRequests
	}
	if fc.CacheTTLSeconds != 0 {
		s.CacheTTLSeconds = fc.CacheTTLSeconds
	}
	if fc.CompressionLevel != 0 {
		s.CompressionLevel = fc.CompressionLevel
	}
	if fc.CacheDir != "" {
		s.CacheDir = fc.CacheDir
	}
	if fc.CertDir != "" {
		s.CertDir = fc.CertDir
	}
	if fc.JSONLogDir != "" {
		s.JSONLogDir = fc.JSONLogDir
	}
	if fc.AdDomains != nil {
		s.AdDomains = fc.AdDomains
	}
	if fc.TrackingDomains != nil {
		s.TrackingDomains = fc.TrackingDomains
	}
	if fc.TrackingURLs != nil {
		s.TrackingURLs = fc.TrackingURLs
	}
	if fc.Whitelist != nil {
		s.Whitelist = fc.Whitelist
	}
	if fc.Blacklist != nil {
		s.Blacklist = fc.Blacklist
	}
	if fc.Targets != nil {
		s.Targets = fc.Targets
	}
}

func overlayFlags(s *Snapshot, f FlagOverrides) {
	if f.SOCKSPort != nil {
		s.SOCKSPort = *f.SOCKSPort
	}
	if f.HTTPPort != nil {
		s.HTTPPort = *f.HTTPPort
	}
	if f.PortalPort != nil {
		s.PortalPort = *f.PortalPort
	}
	if f.BindAddr != nil {
		s.BindAddr = *f.BindAddr
	}
	if f.TransformJS != nil {
		s.TransformJS = *f.TransformJS
	}
	if f.RemoveAds != nil {
		s.RemoveAds = *f.RemoveAds
	}
	if f.RemoveTracking != nil {
		s.RemoveTracking = *f.RemoveTracking
	}
	if f.CacheEnabled != nil {
		s.CacheEnabled = *f.CacheEnabled
	}
	if f.CacheDir != nil {
		s.CacheDir = *f.CacheDir
	}
	if f.CertDir != nil {
		s.CertDir = *f.CertDir
	}
}

func validate(s Snapshot) error {
	if s.SOCKSPort <= 0 || s.SOCKSPort > 65535 {
		return fmt.Errorf("invalid socks_port %d", s.SOCKSPort)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", s.HTTPPort)
	}
	if s.PortalPort <= 0 || s.PortalPort > 65535 {
		return fmt.Errorf("invalid portal_port %d", s.PortalPort)
	}
	if s.CacheTTLSeconds < 0 {
		return fmt.Errorf("cache_ttl_seconds must be >= 0, got %d", s.CacheTTLSeconds)
	}
	if s.CompressionLevel < 0 || s.CompressionLevel > 9 {
		return fmt.Errorf("compression_level must be 0-9, got %d", s.CompressionLevel)
	}
	return nil
}
