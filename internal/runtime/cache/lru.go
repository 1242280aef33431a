package cache

import (
	"container/list"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultCapacity bounds the entry count when none is configured.
const DefaultCapacity = 250

// ResponseCache is a bounded LRU of responses keyed by true cache key. It is
// safe for concurrent use. Entries may also be reclaimed under memory
// pressure through Trim; a reclaimed entry reads as absent.
type ResponseCache struct {
	capacity     int
	maxEntrySize int

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element

	hits   atomic.Int64
	misses atomic.Int64
}

type item struct {
	key   string
	entry *Entry
}

// New creates a cache holding at most capacity entries. Entries with a body
// larger than maxEntrySize are never stored; zero disables the limit.
func New(capacity, maxEntrySize int) *ResponseCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxEntrySize < 0 {
		maxEntrySize = 0
	}
	return &ResponseCache{
		capacity:     capacity,
		maxEntrySize: maxEntrySize,
		ll:           list.New(),
		items:        make(map[string]*list.Element),
	}
}

func (c *ResponseCache) Capacity() int     { return c.capacity }
func (c *ResponseCache) MaxEntrySize() int { return c.maxEntrySize }

// Get returns the entry for key and marks it most recently used. Expired
// entries are returned too; callers decide what to do with them.
func (c *ResponseCache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*item).entry, true
}

// Peek returns the entry for key without touching its recency.
func (c *ResponseCache) Peek(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*item).entry, true
}

// Put stores entry under key, replacing any previous value and evicting the
// least recently used entry when full. It reports false when the entry was
// skipped for exceeding the size limit.
func (c *ResponseCache) Put(key string, entry *Entry) bool {
	if key == "" || entry == nil {
		return false
	}
	if c.maxEntrySize > 0 && entry.Size() > c.maxEntrySize {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*item).entry = entry
		c.ll.MoveToFront(el)
		return true
	}
	c.items[key] = c.ll.PushFront(&item{key: key, entry: entry})
	for c.ll.Len() > c.capacity {
		c.removeElement(c.ll.Back())
	}
	return true
}

// Remove deletes key and reports whether it was present.
func (c *ResponseCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// RemovePrefix deletes every key starting with prefix. An empty prefix
// clears the cache. It returns the number of removed entries.
func (c *ResponseCache) RemovePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(el)
			removed++
		}
	}
	return removed
}

// Trim reclaims the least recently used fraction of entries, rounding up,
// and returns how many were dropped.
func (c *ResponseCache) Trim(fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	if fraction > 1 {
		fraction = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := int(math.Ceil(float64(c.ll.Len()) * fraction))
	for i := 0; i < n; i++ {
		c.removeElement(c.ll.Back())
	}
	return n
}

func (c *ResponseCache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.items, el.Value.(*item).key)
}

// Len reports the number of stored entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Keys lists stored keys, most recently used first.
func (c *ResponseCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*item).key)
	}
	return keys
}

// Entries lists stored entries, most recently used first.
func (c *ResponseCache) Entries() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]*Entry, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(*item).entry)
	}
	return entries
}

// Bytes sums the body sizes of all stored entries.
func (c *ResponseCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for el := c.ll.Front(); el != nil; el = el.Next() {
		total += int64(el.Value.(*item).entry.Size())
	}
	return total
}

func (c *ResponseCache) RecordHit()    { c.hits.Add(1) }
func (c *ResponseCache) RecordMiss()   { c.misses.Add(1) }
func (c *ResponseCache) Hits() int64   { return c.hits.Load() }
func (c *ResponseCache) Misses() int64 { return c.misses.Load() }

// HitRate is hits / (hits + misses), or zero before any lookup.
func (c *ResponseCache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
