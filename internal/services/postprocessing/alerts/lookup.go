package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	"camevents-worker-go/internal/services/kvstore"
)

type lookupEntry struct {
	value   []byte
	found   bool
	expires time.Time
}

// lookupCache is a read-through TTL cache in front of the KV store. Misses
// are cached too so unknown keys do not hit the store on every frame.
// Expired entries are dropped on access and swept once per TTL.
type lookupCache struct {
	kv  kvstore.Store
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]lookupEntry
	lastSweep time.Time
}

func newLookupCache(kv kvstore.Store, ttl time.Duration) *lookupCache {
	return &lookupCache{
		kv:      kv,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]lookupEntry),
	}
}

func (c *lookupCache) get(ctx context.Context, key string) ([]byte, bool, error) {
	now := c.now()

	c.mu.Lock()
	if now.Sub(c.lastSweep) >= c.ttl {
		c.sweepLocked(now)
	}
	if e, ok := c.entries[key]; ok {
		if now.Before(e.expires) {
			c.mu.Unlock()
			return e.value, e.found, nil
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if c.kv == nil {
		return nil, false, nil
	}

	value, err := c.kv.Get(ctx, key)
	found := true
	if errors.Is(err, kvstore.ErrNotFound) {
		found, err = false, nil
	}
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.entries[key] = lookupEntry{value: value, found: found, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return value, found, nil
}

func (c *lookupCache) sweepLocked(now time.Time) {
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
		}
	}
	c.lastSweep = now
}
