package cache

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	c := New(Config{
		CacheDir: filepath.Join(t.TempDir(), "cache"),
		TTL:      ttl,
	})
	t.Cleanup(c.Close)
	return c
}

func TestCache_SetThenGet(t *testing.T) {
	c := newTestCache(t, time.Hour)
	c.SetCache(true, "example.com", "", "cfg1", "https://example.com/x", "text/html", []byte("<html>X</html>"))

	data, ok := c.GetCached(true, "example.com", "", "cfg1", "https://example.com/x", "text/html")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if string(data) != "<html>X</html>" {
		t.Errorf("got %q", data)
	}
}

func TestCache_CacheDisabled(t *testing.T) {
	c := newTestCache(t, time.Hour)
	c.SetCache(false, "example.com", "", "cfg1", "https://example.com/x", "text/html", []byte("data"))

	if _, ok := c.GetCached(false, "example.com", "", "cfg1", "https://example.com/x", "text/html"); ok {
		t.Errorf("expected no hit with caching disabled")
	}
}

func TestCache_PermanentNoCacheHost(t *testing.T) {
	c := newTestCache(t, time.Hour)
	c.SetCache(true, "www.icloud.com", "", "cfg1", "https://www.icloud.com/x", "text/html", []byte("data"))

	if _, ok := c.GetCached(true, "www.icloud.com", "", "cfg1", "https://www.icloud.com/x", "text/html"); ok {
		t.Errorf("expected icloud.com subdomain to never be cached")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newTestCache(t, 10*time.Millisecond)
	c.SetCache(true, "example.com", "", "cfg1", "https://example.com/x", "text/html", []byte("data"))

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.GetCached(true, "example.com", "", "cfg1", "https://example.com/x", "text/html"); ok {
		t.Errorf("expected expired entry to miss")
	}
}

func TestCache_ConfigHashPartitionsEntries(t *testing.T) {
	c := newTestCache(t, time.Hour)
	c.SetCache(true, "example.com", "", "cfg1", "https://example.com/x", "text/html", []byte("v1"))

	if _, ok := c.GetCached(true, "example.com", "", "cfg2", "https://example.com/x", "text/html"); ok {
		t.Errorf("expected different config hash to miss the cache")
	}
}

func TestCache_MarkAsRedirectPreventsCaching(t *testing.T) {
	c := newTestCache(t, time.Hour)
	c.MarkAsRedirect("https://example.com/moved")

	c.SetCache(true, "example.com", "", "cfg1", "https://example.com/moved", "text/html", []byte("data"))
	if _, ok := c.GetCached(true, "example.com", "", "cfg1", "https://example.com/moved", "text/html"); ok {
		t.Errorf("expected redirect-marked URL to never be cached")
	}
}

func TestCache_MarkAsRedirectIgnoresFragment(t *testing.T) {
	c := newTestCache(t, time.Hour)
	c.MarkAsRedirect("https://example.com/moved#a")

	c.SetCache(true, "example.com", "", "cfg1", "https://example.com/moved#b", "text/html", []byte("data"))
	if _, ok := c.GetCached(true, "example.com", "", "cfg1", "https://example.com/moved#b", "text/html"); ok {
		t.Errorf("expected fragment-differing URL to collide with the redirect-marked one")
	}
}

func TestCache_ClearMemoryTierFallsBackToFile(t *testing.T) {
	c := newTestCache(t, time.Hour)
	c.SetCache(true, "example.com", "", "cfg1", "https://example.com/x", "text/html", []byte("persisted"))

	// Give the background writer a moment to flush to the file tier.
	time.Sleep(50 * time.Millisecond)
	c.ClearMemoryTier()

	data, ok := c.GetCached(true, "example.com", "", "cfg1", "https://example.com/x", "text/html")
	if !ok {
		t.Fatalf("expected file tier hit after memory clear")
	}
	if string(data) != "persisted" {
		t.Errorf("got %q", data)
	}
}

func TestCache_StatsReflectMemorySize(t *testing.T) {
	c := newTestCache(t, time.Hour)
	c.SetCache(true, "a.com", "", "cfg1", "https://a.com/1", "text/html", []byte("hello"))
	c.SetCache(true, "b.com", "", "cfg1", "https://b.com/2", "text/html", []byte("world!"))

	stats := c.GetCacheStats()
	if stats.MemoryEntries != 2 {
		t.Errorf("expected 2 entries, got %d", stats.MemoryEntries)
	}
	if stats.MemorySize != int64(len("hello")+len("world!")) {
		t.Errorf("expected memory size to match sum of entry sizes, got %d", stats.MemorySize)
	}
}

func TestCache_EvictsLRUWhenOverBudget(t *testing.T) {
	c := newTestCache(t, time.Hour)
	big := make([]byte, MaxMemorySize-10)
	c.SetCache(true, "a.com", "", "cfg1", "https://a.com/big", "application/octet-stream", big)
	c.SetCache(true, "b.com", "", "cfg1", "https://b.com/small", "application/octet-stream", make([]byte, 20))

	stats := c.GetCacheStats()
	if stats.MemorySize > MaxMemorySize {
		t.Errorf("expected eviction to keep memory size under budget, got %d", stats.MemorySize)
	}
	if _, ok := c.GetCached(true, "a.com", "", "cfg1", "https://a.com/big", "application/octet-stream"); ok {
		t.Errorf("expected the larger, older entry to have been evicted")
	}
}

func TestIsPermanentNoCacheHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"apple.com", true},
		{"www.apple.com", true},
		{"icloud.com", true},
		{"p00-fmip.icloud.com", true},
		{"me.com", true},
		{"notapple.com", false},
		{"example.com", false},
	}
	for _, tt := range tests {
		if got := IsPermanentNoCacheHost(tt.host); got != tt.want {
			t.Errorf("IsPermanentNoCacheHost(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestFingerprint_StableAndDistinct(t *testing.T) {
	fp1 := Fingerprint("", "cfg1", "https://example.com/x", "text/html")
	fp2 := Fingerprint("", "cfg1", "https://example.com/x", "text/html")
	if fp1 != fp2 {
		t.Errorf("expected identical inputs to produce identical fingerprints")
	}

	fp3 := Fingerprint("", "cfg2", "https://example.com/x", "text/html")
	if fp1 == fp3 {
		t.Errorf("expected different config hash to change the fingerprint")
	}
}
