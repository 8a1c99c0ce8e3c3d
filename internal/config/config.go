// Package config holds the proxy's immutable global configuration and the
// per-client overlay map, and publishes point-in-time snapshots to callers.
package config

import (
	"strings"
	"sync"
)

// Snapshot is an immutable configuration record. Callers take their own
// snapshot at the start of each request; a later Store.Update never mutates
// a snapshot already handed out.
type Snapshot struct {
	// Ingress
	SOCKSPort  int
	HTTPPort   int
	PortalPort int
	BindAddr   string

	// Feature toggles
	TransformJS            bool
	TransformCSS            bool
	TransformHTML           bool
	BundleESModules         bool
	RemoveAds               bool
	RemoveTracking          bool
	InjectPolyfills         bool
	SpoofUserAgent          bool
	SpoofUserAgentInJS      bool
	EmulateServiceWorkers   bool
	RemoteServiceWorkers    bool
	CacheEnabled            bool
	LogJSONRequests         bool

	// Numerics
	CacheTTLSeconds   int
	CompressionLevel  int

	// Paths
	CacheDir   string
	CertDir    string
	JSONLogDir string

	// Lists
	AdDomains       []string
	TrackingDomains []string
	TrackingURLs    []string
	Whitelist       []string
	Blacklist       []string
	Targets         []string
}

// Default returns the built-in default configuration.
func Default() Snapshot {
	return Snapshot{
		SOCKSPort:        1080,
		HTTPPort:         8080,
		PortalPort:       8888,
		BindAddr:         "0.0.0.0",
		TransformJS:      true,
		TransformCSS:     true,
		TransformHTML:    true,
		BundleESModules:  false,
		RemoveAds:        false,
		RemoveTracking:   false,
		InjectPolyfills:  true,
		SpoofUserAgent:   false,
		SpoofUserAgentInJS: false,
		EmulateServiceWorkers: false,
		RemoteServiceWorkers:  false,
		CacheEnabled:     true,
		LogJSONRequests:  false,
		CacheTTLSeconds:  3600,
		CompressionLevel: 6,
		CacheDir:         "./data/cache",
		CertDir:          "./data/certs",
		JSONLogDir:       "./data/logs",
		AdDomains:        []string{},
		TrackingDomains:  []string{},
		TrackingURLs:     []string{},
		Whitelist:        []string{},
		Blacklist:        []string{},
		Targets:          []string{},
	}
}

// Overlay is a partial configuration a client address may override. Only
// non-nil fields participate in the shallow merge over the global snapshot.
type Overlay struct {
	TransformJS           *bool
	TransformCSS           *bool
	TransformHTML          *bool
	BundleESModules        *bool
	RemoveAds              *bool
	RemoveTracking         *bool
	InjectPolyfills        *bool
	SpoofUserAgent         *bool
	SpoofUserAgentInJS     *bool
	EmulateServiceWorkers  *bool
	RemoteServiceWorkers   *bool
	CacheEnabled           *bool
	CacheTTLSeconds        *int
	CompressionLevel       *int
}

// apply shallow-merges a non-nil overlay onto a base snapshot, returning a
// new snapshot. The base is never mutated.
func apply(base Snapshot, o *Overlay) Snapshot {
	if o == nil {
		return base
	}
	s := base
	if o.TransformJS != nil {
		s.TransformJS = *o.TransformJS
	}
	if o.TransformCSS != nil {
		s.TransformCSS = *o.TransformCSS
	}
	if o.TransformHTML != nil {
		s.TransformHTML = *o.TransformHTML
	}
	if o.BundleESModules != nil {
		s.BundleESModules = *o.BundleESModules
	}
	if o.RemoveAds != nil {
		s.RemoveAds = *o.RemoveAds
	}
	if o.RemoveTracking != nil {
		s.RemoveTracking = *o.RemoveTracking
	}
	if o.InjectPolyfills != nil {
		s.InjectPolyfills = *o.InjectPolyfills
	}
	if o.SpoofUserAgent != nil {
		s.SpoofUserAgent = *o.SpoofUserAgent
	}
	if o.SpoofUserAgentInJS != nil {
		s.SpoofUserAgentInJS = *o.SpoofUserAgentInJS
	}
	if o.EmulateServiceWorkers != nil {
		s.EmulateServiceWorkers = *o.EmulateServiceWorkers
	}
	if o.RemoteServiceWorkers != nil {
		s.RemoteServiceWorkers = *o.RemoteServiceWorkers
	}
	if o.CacheEnabled != nil {
		s.CacheEnabled = *o.CacheEnabled
	}
	if o.CacheTTLSeconds != nil {
		s.CacheTTLSeconds = *o.CacheTTLSeconds
	}
	if o.CompressionLevel != nil {
		s.CompressionLevel = *o.CompressionLevel
	}
	return s
}

// Store holds the immutable global snapshot plus a per-client overlay map.
// It is safe for concurrent use; readers never block writers and vice versa
// for longer than the copy itself takes.
type Store struct {
	mu       sync.RWMutex
	global   Snapshot
	overlays map[string]*Overlay
}

// NewStore creates a Store seeded with the given global snapshot.
func NewStore(global Snapshot) *Store {
	return &Store{
		global:   global,
		overlays: make(map[string]*Overlay),
	}
}

// Global returns a copy of the current global snapshot.
func (s *Store) Global() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global
}

// ReplaceGlobal atomically swaps the global snapshot.
func (s *Store) ReplaceGlobal(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = snap
}

// NormalizeClient maps loopback aliases to a single canonical address, per
// spec: "::1" and "::ffff:127.0.0.1" normalize to "127.0.0.1".
func NormalizeClient(addr string) string {
	switch addr {
	case "::1", "::ffff:127.0.0.1":
		return "127.0.0.1"
	default:
		return addr
	}
}

// Effective resolves the effective configuration for a client address:
// the global snapshot shallow-merged with the client's overlay, if any.
func (s *Store) Effective(clientAddr string) Snapshot {
	client := NormalizeClient(clientAddr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return apply(s.global, s.overlays[client])
}

// SetOverlay replaces the overlay for a client address.
func (s *Store) SetOverlay(clientAddr string, o *Overlay) {
	client := NormalizeClient(clientAddr)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays[client] = o
}

// ClearOverlay removes a client's overlay, reverting it to the global
// snapshot on the next Effective call.
func (s *Store) ClearOverlay(clientAddr string) {
	client := NormalizeClient(clientAddr)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overlays, client)
}

// Overlay returns the current overlay for a client, or nil if none is set.
func (s *Store) Overlay(clientAddr string) *Overlay {
	client := NormalizeClient(clientAddr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overlays[client]
}

// hasSuffixFold reports whether s ends with suffix, case-insensitively, and
// either matches exactly or is preceded by a '.' (so "apple.com" matches
// "store.apple.com" but not "notapple.com").
func hasSuffixFold(s, suffix string) bool {
	s = strings.ToLower(s)
	suffix = strings.ToLower(suffix)
	if s == suffix {
		return true
	}
	return strings.HasSuffix(s, "."+suffix)
}

// HasSuffixFold is the exported form of hasSuffixFold, for packages
// matching hostnames against configured lists.
func HasSuffixFold(s, suffix string) bool { return hasSuffixFold(s, suffix) }
