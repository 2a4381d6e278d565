// internal/cache/cache.go
package cache

import (
	"sync"
	"time"
)

// Cache is process-wide ephemeral keyed storage with TTL eviction.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	Close()
}

// Memory is an in-process Cache. Expired entries are invisible to Get and
// removed by a background sweep; Close stops the sweep.
type Memory struct {
	data    map[string]*entry
	mu      sync.RWMutex
	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type entry struct {
	value      any
	expiration time.Time
}

// NewMemory creates a cache swept every interval.
func NewMemory(interval time.Duration) *Memory {
	c := &Memory{
		data:    make(map[string]*entry),
		cleanup: time.NewTicker(interval),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go c.cleanupLoop()
	return c
}

func (c *Memory) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.data[key]
	if !ok || !c.now().Before(e.expiration) {
		return nil, false
	}
	return e.value, true
}

func (c *Memory) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = &entry{value: value, expiration: c.now().Add(ttl)}
}

func (c *Memory) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *Memory) Close() {
	c.once.Do(func() {
		c.cleanup.Stop()
		close(c.done)
	})
}

func (c *Memory) cleanupLoop() {
	for {
		select {
		case <-c.cleanup.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Memory) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.data {
		if !now.Before(e.expiration) {
			delete(c.data, key)
		}
	}
}
