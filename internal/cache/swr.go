package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/smallbiznis/metergate/internal/clock"
)

// Loader fetches the authoritative value for a key. found=false is a
// confirmed absence and is cached as a negative entry, distinct from a
// cache miss.
type Loader[V any] func(ctx context.Context) (value V, found bool, err error)

type swrEntry[V any] struct {
	value     V
	negative  bool
	fetchedAt time.Time
}

// SWRCache serves reads past the fresh TTL but before the hard TTL
// from the stale entry while refreshing in the background; reads past
// the hard TTL (or misses) block on a synchronous refresh. At most one
// refresh per key is in flight at any time.
type SWRCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]swrEntry[V]

	group    singleflight.Group
	freshTTL time.Duration
	hardTTL  time.Duration
	clock    clock.Clock
}

func NewSWRCache[V any](freshTTL, hardTTL time.Duration, clk clock.Clock) *SWRCache[V] {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if hardTTL < freshTTL {
		hardTTL = freshTTL
	}
	return &SWRCache[V]{
		entries:  make(map[string]swrEntry[V]),
		freshTTL: freshTTL,
		hardTTL:  hardTTL,
		clock:    clk,
	}
}

// Get returns the cached value regardless of freshness. negative=true
// means a confirmed "does not exist" was cached for the key.
func (c *SWRCache[V]) Get(key string) (value V, negative bool, ok bool) {
	c.mu.RLock()
	entry, found := c.entries[key]
	c.mu.RUnlock()
	if !found || c.clock.Now().Sub(entry.fetchedAt) >= c.hardTTL {
		var zero V
		return zero, false, false
	}
	return entry.value, entry.negative, true
}

// SWR resolves key through the cache. Stale entries are returned
// immediately while one background refresh runs; misses and
// hard-expired entries load synchronously under the stampede guard.
func (c *SWRCache[V]) SWR(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	now := c.clock.Now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		age := now.Sub(entry.fetchedAt)
		if age < c.freshTTL {
			return entry.value, !entry.negative, nil
		}
		if age < c.hardTTL {
			go func() {
				_, _, _ = c.refresh(context.WithoutCancel(ctx), key, loader)
			}()
			return entry.value, !entry.negative, nil
		}
	}

	return c.refresh(ctx, key, loader)
}

func (c *SWRCache[V]) refresh(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	type result struct {
		value V
		found bool
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		value, found, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, value, !found)
		return result{value: value, found: found}, nil
	})
	if err != nil {
		// Last-known-good beats a failed refresh.
		c.mu.RLock()
		entry, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return entry.value, !entry.negative, nil
		}
		var zero V
		return zero, false, err
	}
	res := v.(result)
	return res.value, res.found, nil
}

func (c *SWRCache[V]) store(key string, value V, negative bool) {
	c.mu.Lock()
	c.entries[key] = swrEntry[V]{value: value, negative: negative, fetchedAt: c.clock.Now()}
	c.mu.Unlock()
}

// Set records a fresh positive value, e.g. after the actor returned an
// updated entitlement snapshot.
func (c *SWRCache[V]) Set(key string, value V) {
	c.store(key, value, false)
}

// SetNegative records a confirmed absence.
func (c *SWRCache[V]) SetNegative(key string) {
	var zero V
	c.store(key, zero, true)
}

// Remove drops one key, or every key under a prefix when the argument
// ends with '*'.
func (c *SWRCache[V]) Remove(keyOrPattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prefix, ok := strings.CutSuffix(keyOrPattern, "*"); ok {
		for key := range c.entries {
			if strings.HasPrefix(key, prefix) {
				delete(c.entries, key)
			}
		}
		return
	}
	delete(c.entries, keyOrPattern)
}
