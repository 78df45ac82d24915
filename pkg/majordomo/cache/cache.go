// Package cache provides the bounded LRU+TTL cache shape shared by the
// orchestrator dedup stage and the bridge's dedup, quote, and outbound-self
// caches: timestamped entries, lazy expiry on access, and LRU eviction once
// size exceeds the cap.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a bounded LRU cache whose entries expire after a fixed TTL.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int

	entries map[string]*list.Element
	order   *list.List // front = most recent

	evictions int64
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// New creates a cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Put stores a value, evicting the least recently used entry when full.
func (c *Cache) Put(key string, value any) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}

	el := c.order.PushFront(&entry{key: key, value: value, expiresAt: now.Add(c.ttl)})
	c.entries[key] = el
}

// Get returns the value when present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*entry)
	if now.After(ent.expiresAt) {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

// Contains reports presence without refreshing recency.
func (c *Cache) Contains(key string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	if now.After(el.Value.(*entry).expiresAt) {
		c.removeLocked(el)
		return false
	}
	return true
}

// CheckAndPut returns true when the key was already cached (unexpired);
// otherwise records it and returns false. This is the dedup primitive.
func (c *Cache) CheckAndPut(key string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		if now.Before(el.Value.(*entry).expiresAt) {
			c.order.MoveToFront(el)
			return true
		}
		c.removeLocked(el)
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}
	el := c.order.PushFront(&entry{key: key, expiresAt: now.Add(c.ttl)})
	c.entries[key] = el
	return false
}

// Len returns the live entry count after sweeping expired entries.
func (c *Cache) Len() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry).expiresAt) {
			c.removeLocked(el)
		}
		el = prev
	}
	return len(c.entries)
}

// Evictions returns the number of LRU evictions so far.
func (c *Cache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

func (c *Cache) removeLocked(el *list.Element) {
	ent := el.Value.(*entry)
	delete(c.entries, ent.key)
	c.order.Remove(el)
}
