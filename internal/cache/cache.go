// Package cache implements the two-tier content cache: an in-memory LRU
// tier bounded by total byte size, backed by a sharded file tier for
// durability across restarts.
package cache

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/revamp-proxy/revampd/internal/logutil"
)

// MaxMemorySize is the memory tier's hard cap, in bytes.
const MaxMemorySize = 100 * 1024 * 1024

// Entry is a single cached response body plus its descriptive fields.
type Entry struct {
	Data        []byte
	ContentType string
	Timestamp   time.Time
	URL         string
	Size        int
}

// entry is the memory tier's internal representation: the cached Entry plus
// its position in the LRU list.
type entry struct {
	Entry
	fingerprint string
	elem        *list.Element
}

// Stats reports the memory tier's current occupancy.
type Stats struct {
	MemoryEntries int
	MemorySize    int64
}

// Cache is the two-tier content cache. It is safe for concurrent use.
type Cache struct {
	mu            sync.Mutex
	items         map[string]*entry
	order         *list.List // front = most recently used
	currentSize   int64
	ttl           time.Duration
	fileTier      *fileTier
	redirects     map[string]struct{}
	redirectsMu   sync.RWMutex
	writeQueue    chan writeJob
	wg            sync.WaitGroup
	logger        *slog.Logger
	closed        chan struct{}
}

type writeJob struct {
	fingerprint string
	entry       Entry
}

// Config controls Cache construction.
type Config struct {
	CacheDir       string
	TTL            time.Duration
	WorkerPoolSize int
	Logger         *slog.Logger
}

// New creates a Cache backed by cacheDir for the file tier, with a bounded
// background worker pool for file writes.
func New(cfg Config) *Cache {
	logger := logutil.OrDefault(cfg.Logger)
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	c := &Cache{
		items:      make(map[string]*entry),
		order:      list.New(),
		ttl:        cfg.TTL,
		fileTier:   newFileTier(cfg.CacheDir),
		redirects:  make(map[string]struct{}),
		writeQueue: make(chan writeJob, 256),
		logger:     logger,
		closed:     make(chan struct{}),
	}

	for i := 0; i < poolSize; i++ {
		c.wg.Add(1)
		go c.writeWorker()
	}

	return c
}

// Close stops the background write workers, waiting for queued writes to
// drain.
func (c *Cache) Close() {
	close(c.writeQueue)
	c.wg.Wait()
}

func (c *Cache) writeWorker() {
	defer c.wg.Done()
	for job := range c.writeQueue {
		if err := c.fileTier.write(job.fingerprint, job.entry); err != nil {
			c.logger.Warn("cache file tier write failed", "fingerprint", job.fingerprint, "error", err)
		}
	}
}

// eligible reports whether url/host may be cached at all: caching must be
// enabled, the host must not be in the permanent no-cache set, and the URL
// must not be marked as a redirect target.
func (c *Cache) eligible(cacheEnabled bool, host, url string) bool {
	if !cacheEnabled {
		return false
	}
	if IsPermanentNoCacheHost(host) {
		return false
	}
	if c.isRedirect(url) {
		return false
	}
	return true
}

// GetCached returns the freshest valid copy of an entry across tiers, or
// (nil, false) if none exists or caching is disabled/ineligible.
func (c *Cache) GetCached(cacheEnabled bool, host, clientAddress, configHash, url, contentType string) ([]byte, bool) {
	if !c.eligible(cacheEnabled, host, url) {
		return nil, false
	}
	fp := Fingerprint(clientAddress, configHash, url, contentType)

	c.mu.Lock()
	if e, ok := c.items[fp]; ok {
		if time.Since(e.Timestamp) < c.ttl {
			c.order.MoveToFront(e.elem)
			data := append([]byte(nil), e.Data...)
			c.mu.Unlock()
			return data, true
		}
		c.evictLocked(fp)
	}
	c.mu.Unlock()

	fileEntry, ok := c.fileTier.read(fp)
	if !ok {
		return nil, false
	}
	if time.Since(fileEntry.Timestamp) >= c.ttl {
		c.fileTier.deleteAsync(fp)
		return nil, false
	}

	c.mu.Lock()
	c.insertLocked(fp, fileEntry)
	data := append([]byte(nil), fileEntry.Data...)
	c.mu.Unlock()

	return data, true
}

// SetCache stores an entry synchronously in memory and schedules a
// background file-tier write. It is a no-op when the URL/host is
// ineligible for caching.
func (c *Cache) SetCache(cacheEnabled bool, host, clientAddress, configHash, url, contentType string, data []byte) {
	if !c.eligible(cacheEnabled, host, url) {
		return
	}
	fp := Fingerprint(clientAddress, configHash, url, contentType)
	e := Entry{
		Data:        append([]byte(nil), data...),
		ContentType: contentType,
		Timestamp:   time.Now(),
		URL:         url,
		Size:        len(data),
	}

	c.mu.Lock()
	c.insertLocked(fp, e)
	c.mu.Unlock()

	select {
	case c.writeQueue <- writeJob{fingerprint: fp, entry: e}:
	default:
		c.logger.Warn("cache write queue full, dropping background write", "fingerprint", fp)
	}
}

// insertLocked inserts or replaces an entry, evicting LRU entries as needed
// to respect MaxMemorySize. Caller must hold c.mu.
func (c *Cache) insertLocked(fp string, data Entry) {
	if existing, ok := c.items[fp]; ok {
		c.currentSize -= int64(existing.Size)
		c.order.Remove(existing.elem)
		delete(c.items, fp)
	}

	for c.currentSize+int64(data.Size) > MaxMemorySize && c.order.Back() != nil {
		oldest := c.order.Back()
		c.evictLocked(oldest.Value.(string))
	}

	e := &entry{Entry: data, fingerprint: fp}
	e.elem = c.order.PushFront(fp)
	c.items[fp] = e
	c.currentSize += int64(data.Size)
}

// evictLocked removes a fingerprint from the memory tier. Caller must hold
// c.mu.
func (c *Cache) evictLocked(fp string) {
	e, ok := c.items[fp]
	if !ok {
		return
	}
	c.order.Remove(e.elem)
	delete(c.items, fp)
	c.currentSize -= int64(e.Size)
}

// ClearCache empties the memory tier immediately and schedules deletion of
// the entire file tier in the background.
func (c *Cache) ClearCache() {
	c.mu.Lock()
	c.items = make(map[string]*entry)
	c.order = list.New()
	c.currentSize = 0
	c.mu.Unlock()

	go c.fileTier.clearAll(c.logger)
}

// ClearMemoryTier empties only the memory tier, leaving the file tier
// intact.
func (c *Cache) ClearMemoryTier() {
	c.mu.Lock()
	c.items = make(map[string]*entry)
	c.order = list.New()
	c.currentSize = 0
	c.mu.Unlock()
}

// stripFragment drops a trailing "#..." so URLs differing only in fragment
// collide to the same redirect-set key.
func stripFragment(url string) string {
	if i := strings.IndexByte(url, '#'); i >= 0 {
		return url[:i]
	}
	return url
}

// MarkAsRedirect records a URL as a redirect target: it is permanently
// ineligible for caching. The operation is idempotent. The fragment is
// stripped first, so u and u+"#frag" share one redirect-set entry.
func (c *Cache) MarkAsRedirect(url string) {
	url = stripFragment(url)
	c.redirectsMu.Lock()
	defer c.redirectsMu.Unlock()
	c.redirects[url] = struct{}{}
}

func (c *Cache) isRedirect(url string) bool {
	url = stripFragment(url)
	c.redirectsMu.RLock()
	defer c.redirectsMu.RUnlock()
	_, ok := c.redirects[url]
	return ok
}

// GetCacheStats reports the memory tier's current entry count and byte size.
func (c *Cache) GetCacheStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		MemoryEntries: len(c.items),
		MemorySize:    c.currentSize,
	}
}
