// Package modcache caches loaded module bytes keyed by their storage
// location, so repeated invocations of the same module do not re-read disk.
package modcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Supplier loads the raw bytes for a key on a cache miss.
type Supplier func(ctx context.Context, key string) ([]byte, error)

type entry struct {
	bytes      []byte
	lastAccess time.Time
}

// Cache is a sliding-TTL byte cache. Concurrent misses for the same key
// collapse into a single supplier call. An eviction sweep runs on a ticker
// at the TTL interval and drops entries idle for at least one TTL.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	group   singleflight.Group
	done    chan struct{}
	once    sync.Once
}

func New(ttl time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the cached bytes for key, refreshing its last-access time.
// On a miss it invokes supplier once, stores the result, and returns it.
// Callers must treat the returned slice as read-only; it is shared across
// every concurrent execution of the same module.
func (c *Cache) Get(ctx context.Context, key string, supplier Supplier) ([]byte, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		now := time.Now()
		// The sweep runs at TTL granularity, so an entry can linger past
		// its deadline; never serve one that has.
		if now.Sub(e.lastAccess) < c.ttl {
			e.lastAccess = now
			b := e.bytes
			c.mu.Unlock()
			return b, nil
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		b, err := supplier(ctx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = &entry{bytes: b, lastAccess: time.Now()}
		c.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Invalidate drops a single key, forcing the next Get to reload.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Close stops the eviction sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Cache) sweep() {
	t := time.NewTicker(c.ttl)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			c.mu.Lock()
			for k, e := range c.entries {
				if now.Sub(e.lastAccess) >= c.ttl {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}
