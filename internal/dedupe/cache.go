// ABOUTME: Thread-safe TTL cache remembering spent keys and why they were spent.
// ABOUTME: Used by the crypto gate so consumed or expired leases cannot be replayed.

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// cacheEntry stores the timestamp, tag and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	tag       string
	element   *list.Element
}

// Cache is a TTL-based, size-limited record of keys that have been seen.
// Each key carries a short tag (for leases: "consumed" or "expired").
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	clock   quartz.Clock
}

// New creates a cache with the specified TTL and maximum size. A nil clock
// selects the real clock. Expired entries are ignored on lookup; call
// RunCleanup to reclaim their memory periodically.
func New(clock quartz.Clock, ttl time.Duration, maxSize int) *Cache {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clock,
	}
}

// Check returns the tag of key if it has been seen and is not expired.
func (c *Cache) Check(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || c.expired(entry, c.clock.Now("dedupe", "check")) {
		return "", false
	}
	return entry.tag, true
}

// CheckAndMark atomically checks if a key has been seen and marks it with tag
// if not. Returns the existing tag and true if the key was already seen.
func (c *Cache) CheckAndMark(key, tag string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now("dedupe", "mark")
	if entry, ok := c.seen[key]; ok && !c.expired(entry, now) {
		return entry.tag, true
	}

	c.markLocked(key, tag, now)
	return "", false
}

// Mark records key with tag, refreshing its timestamp. If the cache is at
// capacity the oldest entry is evicted to make room.
func (c *Cache) Mark(key, tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key, tag, c.clock.Now("dedupe", "mark"))
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

func (c *Cache) expired(entry *cacheEntry, now time.Time) bool {
	return now.Sub(entry.timestamp) >= c.ttl
}

// markLocked is the internal mark implementation. Must be called with mu held.
func (c *Cache) markLocked(key, tag string, now time.Time) {
	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		entry.tag = tag
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		tag:       tag,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// RunCleanup removes expired entries every interval until ctx is done.
func (c *Cache) RunCleanup(ctx context.Context, every time.Duration) quartz.Waiter {
	return c.clock.TickerFunc(ctx, every, func() error {
		c.runCleanup()
		return nil
	}, "dedupe", "cleanup")
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now("dedupe", "cleanup")
	for key, entry := range c.seen {
		if c.expired(entry, now) {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}
