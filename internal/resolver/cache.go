// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package resolver

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/wneessen/geohashd/internal/geohash"
	"github.com/wneessen/geohashd/internal/metrics"
)

const tierMemory = "memory"

type cacheEntry struct {
	Key    geohash.Key
	Result Result
	Expiry time.Time
}

// Cached is an in-process TTL cache in front of another Lookup. Found and missed results are
// kept for separate durations. At most maxEntries results are kept; when full, the least
// recently used entry is evicted.
type Cached struct {
	lookup     Lookup
	ttlHit     time.Duration
	ttlMiss    time.Duration
	maxEntries int

	mu    sync.Mutex
	order *list.List
	cache map[geohash.Key]*list.Element
}

// NewCached returns a cache in front of lookup. A maxEntries value below 1 is treated as 1.
func NewCached(lookup Lookup, ttlHit, ttlMiss time.Duration, maxEntries int) *Cached {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Cached{
		lookup:     lookup,
		ttlHit:     ttlHit,
		ttlMiss:    ttlMiss,
		maxEntries: maxEntries,
		order:      list.New(),
		cache:      make(map[geohash.Key]*list.Element),
	}
}

func (c *Cached) Name() string {
	return "resolution cache using " + c.lookup.Name()
}

func (c *Cached) Resolve(ctx context.Context, key geohash.Key) (Result, error) {
	if result, ok := c.get(key); ok {
		metrics.CacheHitsTotal.WithLabelValues(tierMemory).Inc()
		result.CacheHit = true
		return result, nil
	}
	metrics.CacheMissesTotal.WithLabelValues(tierMemory).Inc()

	result, err := c.lookup.Resolve(ctx, key)
	if err != nil {
		return result, err
	}

	ttl := c.ttlHit
	if !result.Found() {
		ttl = c.ttlMiss
	}
	stored := result
	stored.CacheHit = false
	c.set(key, stored, time.Now().Add(ttl))

	return result, nil
}

func (c *Cached) get(key geohash.Key) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[key]
	if !ok {
		return Result{}, false
	}
	entry := elem.Value.(cacheEntry)
	if !time.Now().Before(entry.Expiry) {
		c.order.Remove(elem)
		delete(c.cache, key)
		return Result{}, false
	}
	c.order.MoveToFront(elem)
	return entry.Result, true
}

func (c *Cached) set(key geohash.Key, result Result, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cacheEntry{Key: key, Result: result, Expiry: expiry}
	if elem, ok := c.cache[key]; ok {
		elem.Value = entry
		c.order.MoveToFront(elem)
		return
	}
	c.cache[key] = c.order.PushFront(entry)
	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.cache, oldest.Value.(cacheEntry).Key)
	}
}

// Purge removes all expired entries and returns the number of removed entries.
func (c *Cached) Purge() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.cache {
		if !now.Before(elem.Value.(cacheEntry).Expiry) {
			c.order.Remove(elem)
			delete(c.cache, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries, expired or not.
func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
