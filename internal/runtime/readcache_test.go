package runtime

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCachePutGetRoundTrip(t *testing.T) {
	c := newReadCache(10, time.Minute)
	c.Put("/tmp/a.go", "package a")

	got, ok := c.Get("/tmp/a.go")
	require.True(t, ok)
	assert.Equal(t, "package a", got)
}

func TestReadCacheNormalizesPaths(t *testing.T) {
	c := newReadCache(10, time.Minute)
	c.Put("/tmp/./a.go", "content")

	_, ok := c.Get("/tmp/a.go")
	assert.True(t, ok, "Get must see through non-canonical path spellings")
}

func TestReadCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newReadCache(2, time.Minute)
	c.Put("/a", "1")
	c.Put("/b", "2")

	// Touch /a so /b becomes the eviction candidate.
	_, ok := c.Get("/a")
	require.True(t, ok)

	c.Put("/c", "3")

	_, ok = c.Get("/b")
	assert.False(t, ok)
	_, ok = c.Get("/a")
	assert.True(t, ok)
	_, ok = c.Get("/c")
	assert.True(t, ok)
}

func TestReadCacheExpiresAfterTTL(t *testing.T) {
	c := newReadCache(10, 10*time.Millisecond)
	c.Put("/a", "1")

	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("/a")
	assert.False(t, ok)
}

func TestReadCacheCapacityBound(t *testing.T) {
	c := newReadCache(10, time.Minute)
	for i := 0; i < 25; i++ {
		c.Put(fmt.Sprintf("/f%d", i), "x")
	}
	assert.Equal(t, 10, c.order.Len())
}
