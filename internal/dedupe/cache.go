// ABOUTME: Thread-safe TTL cache for idempotent command handling
// ABOUTME: Remembers the outcome of a keyed request so retries replay it instead of re-executing

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Outcome is the result of claiming a key.
type Outcome int

const (
	// Claimed means the key was new; the caller must Complete or Release it.
	Claimed Outcome = iota
	// Pending means another caller holds the claim and has not finished.
	Pending
	// Done means the key already completed; the stored value is returned.
	Done
)

// cacheEntry stores the timestamp, list element and completed value for a key.
type cacheEntry[V any] struct {
	timestamp time.Time
	element   *list.Element
	value     V
	done      bool
}

// Cache is a TTL-based, size-limited map from request keys to results.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry[V]
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		seen:    make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Claim atomically looks up key. A missing or expired key is claimed for the
// caller and Claimed is returned. Otherwise Pending or Done tells the caller
// a request with the same key is in flight or finished; for Done the
// recorded value is returned.
func (c *Cache[V]) Claim(key string) (V, Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if entry, ok := c.seen[key]; ok && c.now().Sub(entry.timestamp) < c.ttl {
		if entry.done {
			return entry.value, Done
		}
		return zero, Pending
	}

	c.markLocked(key)
	return zero, Claimed
}

// Complete records v as the outcome for a claimed key.
func (c *Cache[V]) Complete(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok {
		c.markLocked(key)
		entry = c.seen[key]
	}
	entry.value = v
	entry.done = true
	entry.timestamp = c.now()
}

// Release drops a claim so a later retry can execute. Used when the
// claimed request failed.
func (c *Cache[V]) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && !entry.done {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate).
func (c *Cache[V]) CheckAndMark(key string) bool {
	var zero V
	_, outcome := c.Claim(key)
	if outcome != Claimed {
		return true
	}
	c.Complete(key, zero)
	return false
}

// Len returns the number of entries, expired ones included until cleanup.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked inserts or refreshes key as pending. Must be called with mu held.
func (c *Cache[V]) markLocked(key string) {
	now := c.now()

	if entry, exists := c.seen[key]; exists {
		var zero V
		entry.timestamp = now
		entry.value = zero
		entry.done = false
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry[V]{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
