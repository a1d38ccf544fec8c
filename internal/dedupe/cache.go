// ABOUTME: TTL and size bounded seen-cache for inbound message ids
// ABOUTME: Stops a redelivered message from being routed twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// sweepInterval is how often the background sweep evicts expired entries.
const sweepInterval = time.Minute

// entry stores when a key was last marked and where it sits in the
// insertion-order list.
type entry struct {
	markedAt time.Time
	element  *list.Element
}

// Cache tracks message keys that have already been routed. Entries expire
// after a TTL and the cache never grows past its size cap; when full, the
// oldest key is evicted in O(1) via the insertion-order list.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*entry
	order   *list.List // oldest key at the front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweep goroutine. Callers own
// the cache's lifecycle and must Close it.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// CheckAndMark reports whether key was already seen, marking it in the same
// critical section. True means duplicate: the caller must not route the
// message again. Every sighting marks, so a key that keeps arriving keeps its
// entry fresh. Checking and marking atomically is what makes redelivery races
// safe.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	seen := ok && time.Since(e.markedAt) < c.ttl
	c.markLocked(key)
	return seen
}

// Seen reports whether key is present and unexpired, without marking it.
func (c *Cache) Seen(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.seen[key]
	return ok && time.Since(e.markedAt) < c.ttl
}

// Len returns the number of live entries, expired ones included until the
// next sweep.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// markLocked records key as seen. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := time.Now()

	// Re-marking refreshes the timestamp and moves the key to the back.
	if e, ok := c.seen[key]; ok {
		e.markedAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &entry{markedAt: now, element: elem}
}

// evictOldest drops the front of the insertion-order list. Must be called
// with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// sweep periodically removes expired entries until Close.
func (c *Cache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runSweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) runSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.seen {
		if now.Sub(e.markedAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
