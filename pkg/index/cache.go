package index

import (
	"container/list"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/xxh3"
)

// DefaultCacheTTL is the sliding lifetime of a cached query result.
const DefaultCacheTTL = 60 * time.Second

// DefaultCacheCapacity bounds the number of cached result sets per
// index.
const DefaultCacheCapacity = 500

// queryCache maps (op, value) to decoded query results. Entries
// expire on a sliding TTL; any index mutation clears the whole cache
// before the write lock is released, so readers never see stale
// results.
type queryCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[uint64]*cacheEntry
	lru      *list.List

	hits, misses int64
}

type cacheEntry struct {
	key     uint64
	results []QueryResult
	expires time.Time
	elem    *list.Element
}

func newQueryCache(ttl time.Duration, capacity int) *queryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &queryCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[uint64]*cacheEntry),
		lru:      list.New(),
	}
}

// cacheKey hashes an operator and its query value.
func cacheKey(op string, val any) uint64 {
	data, err := json.Marshal(val)
	if err != nil {
		data = []byte("?")
	}
	h := xxh3.New()
	_, _ = h.WriteString(op)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(data)
	return h.Sum64()
}

// Get returns the cached results for key, sliding its expiry.
func (c *queryCache) Get(key uint64) ([]QueryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(e.expires) {
		c.lru.Remove(e.elem)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	e.expires = time.Now().Add(c.ttl)
	c.lru.MoveToFront(e.elem)
	c.hits++
	return e.results, true
}

// Put stores results under key, evicting the least recently used
// entry when over capacity.
func (c *queryCache) Put(key uint64, results []QueryResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.results = results
		e.expires = time.Now().Add(c.ttl)
		c.lru.MoveToFront(e.elem)
		return
	}
	e := &cacheEntry{key: key, results: results, expires: time.Now().Add(c.ttl)}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	for len(c.entries) > c.capacity {
		last := c.lru.Back()
		evicted := last.Value.(*cacheEntry)
		c.lru.Remove(last)
		delete(c.entries, evicted.key)
	}
}

// Clear drops every entry. Called under the index write lock before
// it is released.
func (c *queryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*cacheEntry)
	c.lru.Init()
}

// Stats returns hit/miss counters.
func (c *queryCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
