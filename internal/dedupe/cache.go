// ABOUTME: Bounded TTL set of recently seen call ids.
// ABOUTME: The dispatcher consults it before starting an HTTP call for an external_call frame.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when the configured values are not positive.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

type entry struct {
	key    string
	seenAt time.Time
}

// Cache is a bounded set of keys that expire after a TTL. Expired keys are
// pruned lazily from the oldest end, so no background goroutine is needed.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache with the given TTL and capacity.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndMark reports whether key was seen within the TTL. A key that was not
// seen is marked in the same critical section, so two concurrent deliveries of
// one id cannot both pass.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	if _, ok := c.index[key]; ok {
		return true
	}

	if c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Seen reports whether key was marked within the TTL without marking it.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	e, _ := el.Value.(*entry)
	return c.now().Sub(e.seenAt) < c.ttl
}

// Reset forgets every key.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.index)
	c.order.Init()
}

// Len returns the number of tracked keys, expired ones included until pruned.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// pruneLocked drops expired entries. Entries are ordered by seenAt, so it
// stops at the first live one.
func (c *Cache) pruneLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e, _ := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	e, _ := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.index, e.key)
}
