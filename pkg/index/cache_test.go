package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCachePutGetClear(t *testing.T) {
	c := newQueryCache(time.Minute, 10)
	key := cacheKey("==", 1999)

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Put(key, []QueryResult{{Key: "s1", Path: "songs/s1"}})
	got, ok := c.Get(key)
	assert.True(t, ok)
	assert.Equal(t, "songs/s1", got[0].Path)

	c.Clear()
	_, ok = c.Get(key)
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}

func TestCacheKeyDistinguishesOpAndValue(t *testing.T) {
	assert.NotEqual(t, cacheKey("==", 1999), cacheKey("!=", 1999))
	assert.NotEqual(t, cacheKey("==", 1999), cacheKey("==", 2000))
	assert.Equal(t, cacheKey(">", []any{1, 2}), cacheKey(">", []any{1, 2}))
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newQueryCache(20*time.Millisecond, 10)
	key := cacheKey("==", "x")
	c.Put(key, []QueryResult{{Key: "a"}})

	_, ok := c.Get(key)
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get(key)
	assert.False(t, ok, "entry expired")
}

func TestCacheSlidingTTL(t *testing.T) {
	c := newQueryCache(60*time.Millisecond, 10)
	key := cacheKey("==", "x")
	c.Put(key, []QueryResult{{Key: "a"}})

	// Keep touching the entry; each read resets its expiry.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		_, ok := c.Get(key)
		assert.True(t, ok, "read %d keeps the entry alive", i)
	}
}

func TestCacheCapacityEviction(t *testing.T) {
	c := newQueryCache(time.Minute, 2)
	k1, k2, k3 := cacheKey("==", 1), cacheKey("==", 2), cacheKey("==", 3)
	c.Put(k1, nil)
	c.Put(k2, nil)
	_, _ = c.Get(k1) // k1 most recently used
	c.Put(k3, nil)   // evicts k2

	_, ok := c.Get(k1)
	assert.True(t, ok)
	_, ok = c.Get(k2)
	assert.False(t, ok)
	_, ok = c.Get(k3)
	assert.True(t, ok)
}
