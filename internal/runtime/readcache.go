package runtime

import (
	"container/list"
	"path/filepath"
	"sync"
	"time"
)

// readCache remembers the content of recently-Read files so the UI can
// later show a diff against the pre-write content.
// It is a small TTL+capacity LRU; eviction drops the least-recently-used
// entry once capacity is exceeded, and Get rejects entries older than
// the TTL.
type readCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type readCacheEntry struct {
	path    string
	content string
	at      time.Time
}

func newReadCache(capacity int, ttl time.Duration) *readCache {
	return &readCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Put records content read from path at the current time.
func (c *readCache) Put(path, content string) {
	key := filepath.Clean(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*readCacheEntry).content = content
		el.Value.(*readCacheEntry).at = time.Now()
		return
	}

	el := c.order.PushFront(&readCacheEntry{path: key, content: content, at: time.Now()})
	c.entries[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*readCacheEntry).path)
	}
}

// Get returns the cached pre-image for path, or ok=false if absent or
// expired.
func (c *readCache) Get(path string) (content string, ok bool) {
	key := filepath.Clean(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.entries[key]
	if !found {
		return "", false
	}
	entry := el.Value.(*readCacheEntry)
	if time.Since(entry.at) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return "", false
	}
	c.order.MoveToFront(el)
	return entry.content, true
}
