// ABOUTME: Thread-safe TTL cache that suppresses repeated identical signals
// ABOUTME: Used to drop typing updates that restate what subscribers already know

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the last value for a key, when it was recorded and its list element.
type cacheEntry struct {
	value     string
	timestamp time.Time
	element   *list.Element
}

// Cache remembers the last value recorded for each key. A signal that repeats
// the last value within the TTL is a duplicate; a changed value or an expired
// entry is not. Size is bounded; the least recently recorded key is evicted first.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys, least recently recorded at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum number of keys.
// A background goroutine periodically removes expired entries until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	return newWithClock(ttl, maxSize, time.Now)
}

func newWithClock(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Repeat reports whether value repeats the last value recorded for key within
// the TTL. When it does not, value is recorded and the window restarts.
// Suppressed repeats do not extend the window.
func (c *Cache) Repeat(key, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok {
		if entry.value == value && now.Sub(entry.timestamp) < c.ttl {
			return true
		}
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{
		value:     value,
		timestamp: now,
		element:   c.order.PushBack(key),
	}
	return false
}

// Forget drops key so the next signal for it always passes.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest removes the least recently recorded entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	interval := c.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
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
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
