package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/revamp-proxy/revampd/internal/cache"
	"github.com/revamp-proxy/revampd/internal/config"
	"github.com/revamp-proxy/revampd/internal/metrics"
	"github.com/revamp-proxy/revampd/internal/reqres"
	"github.com/revamp-proxy/revampd/internal/safefetch"
)

// Permission is a capability a plugin must declare to use a sandbox
// operation.
type Permission string

const (
	PermRequestRead   Permission = "request:read"
	PermRequestModify Permission = "request:modify"
	PermConfigRead    Permission = "config:read"
	PermStorageRead   Permission = "storage:read"
	PermStorageWrite  Permission = "storage:write"
	PermCacheRead     Permission = "cache:read"
	PermCacheWrite    Permission = "cache:write"
	PermMetricsRead   Permission = "metrics:read"
	PermMetricsWrite  Permission = "metrics:write"
	PermNetworkFetch  Permission = "network:fetch"
	PermAPIRegister   Permission = "api:register"
)

// ErrPermissionDenied is returned by a sandbox operation whose required
// permission was not declared for the plugin.
var ErrPermissionDenied = errors.New("hooks: permission denied")

const (
	maxStorageKeys     = 100
	maxStorageValueSize = 1 << 20 // 1 MiB
)

var storageKeySanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizeKey strips any character outside [A-Za-z0-9_-] from a storage key.
func sanitizeKey(key string) string {
	return storageKeySanitizer.ReplaceAllString(key, "")
}

// MetricRecorder records named pipeline metrics on a plugin's behalf.
type MetricRecorder interface {
	RecordCustom(pluginID, name string, value float64)
}

// Endpoint is a plugin-registered HTTP handler exposed under
// /__revamp__/plugins/{pluginId}/{path}.
type Endpoint struct {
	PluginID string
	Path     string
	Handler  http.HandlerFunc
}

// EndpointRegistry collects plugin-registered portal endpoints.
type EndpointRegistry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint // key: pluginID + "/" + path
}

// NewEndpointRegistry creates an empty EndpointRegistry.
func NewEndpointRegistry() *EndpointRegistry {
	return &EndpointRegistry{endpoints: make(map[string]Endpoint)}
}

func endpointKey(pluginID, path string) string { return pluginID + "/" + path }

// Register adds a plugin endpoint, replacing any prior registration at the
// same (pluginID, path).
func (e *EndpointRegistry) Register(ep Endpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endpoints[endpointKey(ep.PluginID, ep.Path)] = ep
}

// Lookup finds the handler registered for a plugin's path.
func (e *EndpointRegistry) Lookup(pluginID, path string) (Endpoint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ep, ok := e.endpoints[endpointKey(pluginID, path)]
	return ep, ok
}

// storage is the per-plugin JSON file store: one file per (pluginID, key)
// under <dataDir>/plugins/<pluginID>/<sanitized-key>.json, written
// atomically via temp-file-then-rename.
type storage struct {
	dataDir string
	mu      sync.Mutex
}

func newStorage(dataDir string) *storage {
	return &storage{dataDir: dataDir}
}

func (s *storage) pluginDir(pluginID string) string {
	return filepath.Join(s.dataDir, "plugins", pluginID)
}

func (s *storage) keyPath(pluginID, key string) string {
	return filepath.Join(s.pluginDir(pluginID), sanitizeKey(key)+".json")
}

func (s *storage) get(pluginID, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.keyPath(pluginID, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *storage) set(pluginID, key string, value []byte) error {
	if len(value) > maxStorageValueSize {
		return fmt.Errorf("hooks: storage value for %q exceeds %d bytes", key, maxStorageValueSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.pluginDir(pluginID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("hooks: create plugin storage dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("hooks: list plugin storage dir: %w", err)
	}
	target := sanitizeKey(key) + ".json"
	exists := false
	for _, entry := range entries {
		if entry.Name() == target {
			exists = true
			break
		}
	}
	if !exists && len(entries) >= maxStorageKeys {
		return fmt.Errorf("hooks: plugin %q exceeds %d storage keys", pluginID, maxStorageKeys)
	}

	path := s.keyPath(pluginID, key)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, value, 0600); err != nil {
		return fmt.Errorf("hooks: write temp storage file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("hooks: rename storage file: %w", err)
	}
	return nil
}

// Context is the sandbox passed to a plugin handler. Every accessor checks
// the plugin's declared permission set and returns ErrPermissionDenied when
// absent, rather than terminating the plugin.
type Context struct {
	PluginID    string
	permissions map[Permission]bool

	configStore *config.Store
	clientAddr  string
	storage     *storage
	metrics     MetricRecorder
	fetchClient *safefetch.Client
	endpoints   *EndpointRegistry

	request      *reqres.Request
	cacheStore   *cache.Cache
	cacheEnabled bool
	configHash   string
	counters     *metrics.Counters
}

// WithRequest binds the in-flight request to the context, enabling the
// request:read/request:modify accessors for the hook that built it.
func (c *Context) WithRequest(req *reqres.Request) *Context {
	c.request = req
	return c
}

// WithCache binds the response cache to the context, enabling the
// cache:read/cache:write accessors.
func (c *Context) WithCache(store *cache.Cache, cacheEnabled bool, configHash string) *Context {
	c.cacheStore = store
	c.cacheEnabled = cacheEnabled
	c.configHash = configHash
	return c
}

// WithCounters binds the pipeline's metric counters, enabling the
// metrics:read accessor.
func (c *Context) WithCounters(counters *metrics.Counters) *Context {
	c.counters = counters
	return c
}

// NewContext builds a plugin sandbox scoped to a single plugin's declared
// permissions.
func NewContext(pluginID string, perms []Permission, cfgStore *config.Store, clientAddr string, dataDir string, metrics MetricRecorder, fetchClient *safefetch.Client, endpoints *EndpointRegistry) *Context {
	permSet := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		permSet[p] = true
	}
	return &Context{
		PluginID:    pluginID,
		permissions: permSet,
		configStore: cfgStore,
		clientAddr:  clientAddr,
		storage:     newStorage(dataDir),
		metrics:     metrics,
		fetchClient: fetchClient,
		endpoints:   endpoints,
	}
}

func (c *Context) has(p Permission) bool { return c.permissions[p] }

// Config returns the effective config snapshot for the sandbox's client,
// requiring config:read.
func (c *Context) Config() (config.Snapshot, error) {
	if !c.has(PermConfigRead) {
		return config.Snapshot{}, fmt.Errorf("%w: config:read", ErrPermissionDenied)
	}
	return c.configStore.Effective(c.clientAddr), nil
}

// StorageGet reads a JSON value previously stored under key, requiring
// storage:read. A missing key returns (nil, nil).
func (c *Context) StorageGet(key string, out any) error {
	if !c.has(PermStorageRead) {
		return fmt.Errorf("%w: storage:read", ErrPermissionDenied)
	}
	data, err := c.storage.get(c.PluginID, key)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// StorageSet writes a JSON value under key, requiring storage:write.
func (c *Context) StorageSet(key string, value any) error {
	if !c.has(PermStorageWrite) {
		return fmt.Errorf("%w: storage:write", ErrPermissionDenied)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("hooks: marshal storage value: %w", err)
	}
	return c.storage.set(c.PluginID, key, data)
}

// RecordMetric records a custom metric point, requiring metrics:write.
func (c *Context) RecordMetric(name string, value float64) error {
	if !c.has(PermMetricsWrite) {
		return fmt.Errorf("%w: metrics:write", ErrPermissionDenied)
	}
	if c.metrics != nil {
		c.metrics.RecordCustom(c.PluginID, name, value)
	}
	return nil
}

// Fetch performs an SSRF-safe outbound GET, requiring network:fetch.
func (c *Context) Fetch(ctx context.Context, url string) (*http.Response, error) {
	if !c.has(PermNetworkFetch) {
		return nil, fmt.Errorf("%w: network:fetch", ErrPermissionDenied)
	}
	return c.fetchClient.Fetch(ctx, url)
}

// RegisterEndpoint exposes a plugin HTTP handler under
// /__revamp__/plugins/{pluginId}/{path}, requiring api:register.
func (c *Context) RegisterEndpoint(path string, handler http.HandlerFunc) error {
	if !c.has(PermAPIRegister) {
		return fmt.Errorf("%w: api:register", ErrPermissionDenied)
	}
	c.endpoints.Register(Endpoint{PluginID: c.PluginID, Path: path, Handler: handler})
	return nil
}

// ErrNoRequestBound is returned by the request/cache accessors when the
// hook phase that invoked the handler has no in-flight request, for example
// a metrics:record or domain:lifecycle hook.
var ErrNoRequestBound = errors.New("hooks: no request bound to this context")

// RequestURL returns the in-flight request's reconstructed URL, requiring
// request:read.
func (c *Context) RequestURL() (string, error) {
	if !c.has(PermRequestRead) {
		return "", fmt.Errorf("%w: request:read", ErrPermissionDenied)
	}
	if c.request == nil {
		return "", ErrNoRequestBound
	}
	return c.request.URL(), nil
}

// RequestHeader returns a single header value off the in-flight request,
// requiring request:read.
func (c *Context) RequestHeader(key string) (string, error) {
	if !c.has(PermRequestRead) {
		return "", fmt.Errorf("%w: request:read", ErrPermissionDenied)
	}
	if c.request == nil {
		return "", ErrNoRequestBound
	}
	return c.request.Headers.Get(key), nil
}

// SetRequestHeader overwrites a header on the in-flight outgoing request,
// requiring request:modify.
func (c *Context) SetRequestHeader(key, value string) error {
	if !c.has(PermRequestModify) {
		return fmt.Errorf("%w: request:modify", ErrPermissionDenied)
	}
	if c.request == nil {
		return ErrNoRequestBound
	}
	c.request.Headers.Set(key, value)
	return nil
}

// CacheRead looks up a cached body for the in-flight request under
// contentType, requiring cache:read.
func (c *Context) CacheRead(contentType string) ([]byte, bool, error) {
	if !c.has(PermCacheRead) {
		return nil, false, fmt.Errorf("%w: cache:read", ErrPermissionDenied)
	}
	if c.request == nil || c.cacheStore == nil {
		return nil, false, ErrNoRequestBound
	}
	data, ok := c.cacheStore.GetCached(c.cacheEnabled, c.request.Host, c.request.Client, c.configHash, c.request.URL(), contentType)
	return data, ok, nil
}

// CacheWrite stores data for the in-flight request under contentType,
// requiring cache:write.
func (c *Context) CacheWrite(contentType string, data []byte) error {
	if !c.has(PermCacheWrite) {
		return fmt.Errorf("%w: cache:write", ErrPermissionDenied)
	}
	if c.request == nil || c.cacheStore == nil {
		return ErrNoRequestBound
	}
	c.cacheStore.SetCache(c.cacheEnabled, c.request.Host, c.request.Client, c.configHash, c.request.URL(), contentType, data)
	return nil
}

// MetricsSnapshot returns a point-in-time copy of the pipeline's counters,
// requiring metrics:read.
func (c *Context) MetricsSnapshot() (metrics.Snapshot, error) {
	if !c.has(PermMetricsRead) {
		return metrics.Snapshot{}, fmt.Errorf("%w: metrics:read", ErrPermissionDenied)
	}
	if c.counters == nil {
		return metrics.Snapshot{}, errors.New("hooks: no metrics counters bound to this context")
	}
	return c.counters.Snapshot(), nil
}

// SandboxDeps are the process-wide collaborators ConfigureSandbox wires
// into the Registry so runWithTimeout can build a *Context per handler
// invocation.
type SandboxDeps struct {
	ConfigStore *config.Store
	Cache       *cache.Cache
	Counters    *metrics.Counters
	DataDir     string
	FetchClient *safefetch.Client
	Endpoints   *EndpointRegistry
}

// buildContext constructs the Context a single handler invocation sees:
// scoped to reg's declared permissions, bound to the request/cache-config
// pair the pipeline stashed in value under the reserved "_request" and
// "_cacheEnabled"/"_configHash" keys.
func (d *SandboxDeps) buildContext(reg Registration, value Value) *Context {
	clientAddr := ""
	if req, ok := value["_request"].(*reqres.Request); ok && req != nil {
		clientAddr = req.Client
	}

	c := NewContext(reg.PluginID, reg.Permissions, d.ConfigStore, clientAddr, d.DataDir, d.Counters, d.FetchClient, d.Endpoints)
	c.WithCounters(d.Counters)

	if req, ok := value["_request"].(*reqres.Request); ok {
		c.WithRequest(req)
	}
	cacheEnabled, _ := value["_cacheEnabled"].(bool)
	configHash, _ := value["_configHash"].(string)
	c.WithCache(d.Cache, cacheEnabled, configHash)

	return c
}

type sandboxCtxKey struct{}

// WithContext stashes a plugin's sandbox Context on ctx so the handler it
// was built for can retrieve it with FromContext.
func WithContext(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, sandboxCtxKey{}, sc)
}

// FromContext retrieves the sandbox Context a running handler was invoked
// with, if the Registry was configured with ConfigureSandbox.
func FromContext(ctx context.Context) (*Context, bool) {
	sc, ok := ctx.Value(sandboxCtxKey{}).(*Context)
	return sc, ok
}
