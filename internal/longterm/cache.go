package longterm

import (
	"container/list"
	"sync"
	"time"
)

// queryCache is a small LRU with TTL over recall results. Any write to
// long-term memory invalidates it wholesale: correctness over cleverness,
// recall traffic dwarfs writes.
type queryCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recent
	entries map[string]*list.Element
	clock   func() time.Time
}

type cacheEntry struct {
	key     string
	hits    []Result
	expires time.Time
}

func newQueryCache(maxSize int, ttl time.Duration) *queryCache {
	return &queryCache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		clock:   time.Now,
	}
}

func (c *queryCache) get(key string) ([]Result, bool) {
	if c == nil || c.maxSize <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.clock().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.hits, true
}

func (c *queryCache) put(key string, hits []Result) {
	if c == nil || c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).hits = hits
		el.Value.(*cacheEntry).expires = c.clock().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, hits: hits, expires: c.clock().Add(c.ttl)})
	c.entries[key] = el
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *queryCache) invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}
