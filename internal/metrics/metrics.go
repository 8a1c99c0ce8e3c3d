// Package metrics implements the pipeline's counter update points.
// Dashboards and JSON rendering are out of scope; this package only owns
// the counters and a JSON snapshot for the portal to serve verbatim.
package metrics

import "sync"

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Requests    int64            `json:"requests"`
	Blocked     int64            `json:"blocked"`
	CacheHits   int64            `json:"cacheHits"`
	Transforms  int64            `json:"transforms"`
	BytesIn     int64            `json:"bytesIn"`
	BytesOut    int64            `json:"bytesOut"`
	Errors      int64            `json:"errors"`
	CustomByKey map[string]float64 `json:"custom,omitempty"`
}

// Counters holds the pipeline's metric counters. Safe for concurrent use.
type Counters struct {
	mu         sync.Mutex
	requests   int64
	blocked    int64
	cacheHits  int64
	transforms int64
	bytesIn    int64
	bytesOut   int64
	errors     int64
	custom     map[string]float64
}

// New creates an empty Counters.
func New() *Counters {
	return &Counters{custom: make(map[string]float64)}
}

// RecordRequest increments the request counter, called at pipeline entry.
func (c *Counters) RecordRequest() {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()
}

// RecordBlocked increments the blocked counter, called when the filter
// engine or a pre-request hook blocks a request.
func (c *Counters) RecordBlocked() {
	c.mu.Lock()
	c.blocked++
	c.mu.Unlock()
}

// RecordCacheHit increments the cache-hit counter.
func (c *Counters) RecordCacheHit() {
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
}

// RecordTransform increments the transform counter, called after a
// successful (non-"other") content transformation.
func (c *Counters) RecordTransform() {
	c.mu.Lock()
	c.transforms++
	c.mu.Unlock()
}

// RecordBandwidth adds to the byte counters, called when framing a response.
func (c *Counters) RecordBandwidth(in, out int64) {
	c.mu.Lock()
	c.bytesIn += in
	c.bytesOut += out
	c.mu.Unlock()
}

// RecordError increments the error counter, called on any terminal pipeline
// failure.
func (c *Counters) RecordError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// RecordCustom records a plugin-defined metric point under
// "<pluginID>.<name>", implementing hooks.MetricRecorder.
func (c *Counters) RecordCustom(pluginID, name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom[pluginID+"."+name] = value
}

// Snapshot returns a consistent point-in-time copy of every counter.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	custom := make(map[string]float64, len(c.custom))
	for k, v := range c.custom {
		custom[k] = v
	}
	return Snapshot{
		Requests:    c.requests,
		Blocked:     c.blocked,
		CacheHits:   c.cacheHits,
		Transforms:  c.transforms,
		BytesIn:     c.bytesIn,
		BytesOut:    c.bytesOut,
		Errors:      c.errors,
		CustomByKey: custom,
	}
}
