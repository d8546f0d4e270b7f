// ABOUTME: Thread-safe, size-limited TTL cache keyed by any comparable type.
// ABOUTME: Used by the reaper to avoid a settings lookup per lease per sweep.

package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	value    V
	storedAt time.Time
	element  *list.Element
}

// Cache holds values for a fixed TTL. When full, the oldest entry is evicted.
// A background goroutine periodically drops expired entries until Close.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]*entry[K, V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*settings)

type settings struct {
	now             func() time.Time
	cleanupInterval time.Duration
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithCleanupInterval sets how often expired entries are swept. Zero disables
// the background sweep; expired entries are still never returned.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *settings) { s.cleanupInterval = d }
}

// New creates a cache with the given TTL and capacity.
func New[K comparable, V any](ttl time.Duration, maxSize int, opts ...Option) *Cache[K, V] {
	s := settings{now: time.Now, cleanupInterval: time.Minute}
	for _, opt := range opts {
		opt(&s)
	}
	if maxSize <= 0 {
		maxSize = 1
	}

	c := &Cache[K, V]{
		items:   make(map[K]*entry[K, V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     s.now,
		done:    make(chan struct{}),
	}
	if s.cleanupInterval > 0 {
		go c.cleanup(s.cleanupInterval)
	}
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, refreshing its age.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.items[key]; exists {
		e.value = value
		e.storedAt = c.now()
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	c.items[key] = &entry[K, V]{
		value:    value,
		storedAt: c.now(),
		element:  c.order.PushBack(key),
	}
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.order.Remove(e.element)
		delete(c.items, key)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	return c.now().Sub(e.storedAt) >= c.ttl
}

// evictOldest removes the front of the order list. Caller holds mu.
func (c *Cache[K, V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(K)
	c.order.Remove(front)
	delete(c.items, key)
}

func (c *Cache[K, V]) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purge()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[K, V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.items {
		if c.expired(e) {
			c.order.Remove(e.element)
			delete(c.items, key)
		}
	}
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache[K, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
