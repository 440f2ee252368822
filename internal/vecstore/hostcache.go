package vecstore

import (
	"sync"
	"time"
)

// hostCache caches control-plane host lookups keyed by index name.
// Entries expire after the TTL and are invalidated on explicit index switch.
type hostCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]hostEntry
	now     func() time.Time // injectable clock for tests
}

type hostEntry struct {
	host     string
	cachedAt time.Time
}

func newHostCache(ttl time.Duration) *hostCache {
	return &hostCache{
		ttl:     ttl,
		entries: make(map[string]hostEntry),
		now:     time.Now,
	}
}

// get returns the cached host for indexName if it is younger than the TTL.
func (c *hostCache) get(indexName string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[indexName]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.cachedAt) >= c.ttl {
		delete(c.entries, indexName)
		return "", false
	}
	return e.host, true
}

// put stores a freshly resolved host.
func (c *hostCache) put(indexName, host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[indexName] = hostEntry{host: host, cachedAt: c.now()}
}

// invalidate drops the entry for one index.
func (c *hostCache) invalidate(indexName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, indexName)
}
