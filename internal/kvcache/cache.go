// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package kvcache holds the enrichment lookups the pipeline has
// already paid for. Entries live in fixed namespaces with per-namespace
// TTLs; expiry is checked lazily on read and swept periodically. A
// single-flight fetch path keeps concurrent misses for the same key
// from stampeding the upstream API.
package kvcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"golang.org/x/sync/singleflight"
)

// The cache namespaces. Each carries its own TTL: kill details are
// volatile, entity names close to immutable.
const (
	Killmails    = "killmails"
	Systems      = "systems"
	Characters   = "characters"
	Corporations = "corporations"
	Alliances    = "alliances"
	ShipTypes    = "ship_types"
	Groups       = "groups"
)

// activeListKey indexes the set of known system ids within the systems
// namespace.
const activeListKey = "active_list"

// DefaultTTLs returns the lifetime of entries in each namespace.
func DefaultTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		Killmails:    5 * time.Minute,
		Systems:      time.Hour,
		Characters:   24 * time.Hour,
		Corporations: 24 * time.Hour,
		Alliances:    24 * time.Hour,
		ShipTypes:    24 * time.Hour,
		Groups:       24 * time.Hour,
	}
}

// Stats is a point-in-time view of the cache, for the status
// aggregator.
type Stats struct {
	Size     int
	Hits     uint64
	Misses   uint64
	HitRatio float64
}

type entry struct {
	value   any
	expires time.Time
}

// Cache is a namespaced key-value store with TTL expiry.
type Cache struct {
	clock     clock.Clock
	ttls      map[string]time.Duration
	recentCap int

	mu      sync.RWMutex
	entries map[string]entry

	hits   atomic.Uint64
	misses atomic.Uint64

	group singleflight.Group
}

// New returns an empty cache. recentCap bounds the per-system recent
// killmail lists.
func New(clk clock.Clock, recentCap int) (*Cache, error) {
	if clk == nil {
		return nil, errors.NotValidf("missing clock")
	}
	if recentCap < 1 {
		return nil, errors.NotValidf("recent killmail cap %d", recentCap)
	}
	return &Cache{
		clock:     clk,
		ttls:      DefaultTTLs(),
		recentCap: recentCap,
		entries:   make(map[string]entry),
	}, nil
}

func cacheKey(ns, id string) string {
	return ns + "/" + id
}

// Get returns the live value stored under (ns, id). Expired and absent
// entries both read as NotFound.
func (c *Cache) Get(ns, id string) (any, error) {
	v, err := c.lookup(ns, id)
	if err != nil {
		c.misses.Add(1)
		return nil, errors.Trace(err)
	}
	c.hits.Add(1)
	return v, nil
}

// lookup reads without touching the hit counters.
func (c *Cache) lookup(ns, id string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(ns, id)]
	if !ok || c.expired(e) {
		return nil, errors.NotFoundf("%s/%s", ns, id)
	}
	return e.value, nil
}

// Put stores v under (ns, id) with the namespace's TTL.
func (c *Cache) Put(ns, id string, v any) error {
	ttl, ok := c.ttls[ns]
	if !ok {
		return errors.NotValidf("namespace %q", ns)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(ns, id)] = entry{
		value:   v,
		expires: c.clock.Now().Add(ttl),
	}
	return nil
}

// Delete removes the entry stored under (ns, id), if any.
func (c *Cache) Delete(ns, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(ns, id))
}

// Exists reports whether a live value is stored under (ns, id),
// without counting toward the hit ratio.
func (c *Cache) Exists(ns, id string) bool {
	_, err := c.lookup(ns, id)
	return err == nil
}

// GetOrFetch returns the cached value for (ns, id), fetching it on a
// miss. Concurrent callers for the same key share a single fetch; a
// fetch error reaches every waiter and nothing is cached. A caller
// whose context ends stops waiting, but the shared fetch carries on
// for the rest.
func (c *Cache) GetOrFetch(ctx context.Context, ns, id string, fetch func(context.Context) (any, error)) (any, error) {
	if v, err := c.Get(ns, id); err == nil {
		return v, nil
	}
	// The flight is shared with later waiters, so it must not die with
	// whichever caller happened to start it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(cacheKey(ns, id), func() (any, error) {
		// A racing flight may have landed the value between the miss
		// and this flight starting.
		if v, err := c.lookup(ns, id); err == nil {
			return v, nil
		}
		v, err := fetch(fetchCtx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := c.Put(ns, id, v); err != nil {
			return nil, errors.Trace(err)
		}
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, errors.Trace(res.Err)
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

// AddActiveSystem records a system id in the active list. The list
// rides in the systems namespace like any other entry, so a quiet
// cache eventually forgets it.
func (c *Cache) AddActiveSystem(systemID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := set.NewInts()
	if e, ok := c.entries[cacheKey(Systems, activeListKey)]; ok && !c.expired(e) {
		ids = e.value.(set.Ints)
	}
	ids.Add(int(systemID))
	c.putLocked(Systems, activeListKey, ids)
}

// ActiveSystems returns the known system ids in ascending order.
func (c *Cache) ActiveSystems() []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(Systems, activeListKey)]
	if !ok || c.expired(e) {
		return nil
	}
	sorted := e.value.(set.Ints).SortedValues()
	ids := make([]uint32, len(sorted))
	for i, id := range sorted {
		ids[i] = uint32(id)
	}
	return ids
}

// PushSystemKillmail prepends a killmail id to the system's recent
// list, dropping the oldest once the cap is reached.
func (c *Cache) PushSystemKillmail(systemID uint32, killmailID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := fmt.Sprintf("killmails:%d", systemID)
	var ids []uint64
	if e, ok := c.entries[cacheKey(Systems, id)]; ok && !c.expired(e) {
		ids = e.value.([]uint64)
	}
	ids = append([]uint64{killmailID}, ids...)
	if len(ids) > c.recentCap {
		ids = ids[:c.recentCap]
	}
	c.putLocked(Systems, id, ids)
}

// SystemKillmails returns the system's recent killmail ids, most
// recent first.
func (c *Cache) SystemKillmails(systemID uint32) []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(Systems, fmt.Sprintf("killmails:%d", systemID))]
	if !ok || c.expired(e) {
		return nil
	}
	ids := e.value.([]uint64)
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// Sweep removes every expired entry, returning how many went.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of cache occupancy and effectiveness.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	var size int
	for _, e := range c.entries {
		if !c.expired(e) {
			size++
		}
	}
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return Stats{
		Size:     size,
		Hits:     hits,
		Misses:   misses,
		HitRatio: ratio,
	}
}

func (c *Cache) expired(e entry) bool {
	return c.clock.Now().After(e.expires)
}

// putLocked stores under a namespace the caller has already validated.
func (c *Cache) putLocked(ns, id string, v any) {
	c.entries[cacheKey(ns, id)] = entry{
		value:   v,
		expires: c.clock.Now().Add(c.ttls[ns]),
	}
}
