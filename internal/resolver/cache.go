package resolver

import (
	"sync"
	"time"

	"github.com/sells-group/lead-scorer/internal/model"
)

type cacheEntry struct {
	snap    model.ReviewSnapshot
	expires time.Time
}

// snapshotCache is a TTL cache of resolved snapshots.
type snapshotCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

func newSnapshotCache(ttl time.Duration, now func() time.Time) *snapshotCache {
	return &snapshotCache{ttl: ttl, now: now, entries: make(map[string]cacheEntry)}
}

// cacheKey composes the listing URL, company and query into one key.
func cacheKey(mapsURL, company, query string) string {
	return normalizeURLKey(mapsURL) + "|" + normalizeKey(company) + "|" + normalizeKey(query)
}

// companyOnly reports whether a key carries nothing but the company name.
func companyOnly(mapsURL, query string) bool {
	return normalizeURLKey(mapsURL) == "" && normalizeKey(query) == ""
}

func (c *snapshotCache) get(key string) (model.ReviewSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return model.ReviewSnapshot{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return model.ReviewSnapshot{}, false
	}
	return e.snap, true
}

func (c *snapshotCache) put(key string, snap model.ReviewSnapshot) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{snap: snap, expires: c.now().Add(c.ttl)}
}

func (c *snapshotCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *snapshotCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
