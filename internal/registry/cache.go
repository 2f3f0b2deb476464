// Package registry serves trained models to the inference path: a thin
// service over the durable model catalog plus a TTL cache of loaded
// artifacts, so the hot path never touches disk or the database per request.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// cacheEntry holds one loaded model.
type cacheEntry struct {
	version    string
	model      []byte
	order      []string
	checksumOK bool
	loadedAt   time.Time
}

// modelCache maps model name to the loaded artifact with TTL expiry. A
// background sweep evicts stale entries; promotion invalidates explicitly.
type modelCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func newModelCache(ttl time.Duration) *modelCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &modelCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *modelCache) get(name string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok || time.Since(e.loadedAt) > c.ttl {
		delete(c.entries, name)
		return cacheEntry{}, false
	}
	return e, true
}

func (c *modelCache) put(name string, e cacheEntry) {
	e.loadedAt = time.Now()
	c.mu.Lock()
	c.entries[name] = e
	c.mu.Unlock()
}

func (c *modelCache) invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

func (c *modelCache) close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// sweep evicts expired entries on a fixed cadence so an idle model name does
// not pin stale bytes until its next read.
func (c *modelCache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			for name, e := range c.entries {
				if time.Since(e.loadedAt) > c.ttl {
					delete(c.entries, name)
					log.Debug().Str("model", name).Msg("Evicted stale cached model")
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// size reports the live entry count, for status reads.
func (c *modelCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
