// Package entitlement caches premium status per subject (user or guild).
package entitlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Source is the settings collaborator consulted on a cache miss.
type Source interface {
	IsPremium(ctx context.Context, subjectID string) (bool, error)
}

// Entry is a cached entitlement.
type Entry struct {
	SubjectID string
	Premium   bool
	FetchedAt time.Time
}

// Cache is a TTL cache of premium status. Concurrent misses for the same
// subject share a single Source call.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	// gen is bumped by Invalidate so that a refresh started before the
	// invalidation does not store its stale result.
	gen map[string]uint64
	// inflight counts running refreshes per subject; Sweep keeps their gen.
	inflight map[string]int

	source Source
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(source Source, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		gen:      make(map[string]uint64),
		inflight: make(map[string]int),
		source:   source,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the subject's premium status, refreshing it from the Source
// when the cached value is missing or older than the TTL.
func (c *Cache) Get(ctx context.Context, subjectID string) (bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[subjectID]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.FetchedAt) < c.ttl {
		return entry.Premium, nil
	}

	ch := c.group.DoChan(subjectID, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), subjectID)
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

func (c *Cache) refresh(ctx context.Context, subjectID string) (bool, error) {
	c.mu.Lock()
	gen := c.gen[subjectID]
	c.inflight[subjectID]++
	c.mu.Unlock()

	premium, err := c.source.IsPremium(ctx, subjectID)

	c.mu.Lock()
	if c.inflight[subjectID]--; c.inflight[subjectID] == 0 {
		delete(c.inflight, subjectID)
	}
	if err == nil && c.gen[subjectID] == gen {
		c.entries[subjectID] = Entry{SubjectID: subjectID, Premium: premium, FetchedAt: c.now()}
	}
	c.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("refresh entitlement for %s: %w", subjectID, err)
	}

	return premium, nil
}

// Invalidate drops the subject's entry regardless of its age.
func (c *Cache) Invalidate(subjectID string) {
	c.mu.Lock()
	delete(c.entries, subjectID)
	c.gen[subjectID]++
	c.mu.Unlock()
	c.group.Forget(subjectID)
}

// Sweep removes expired entries and returns how many were dropped.
// Generation counters of subjects with no entry and no refresh running are
// dropped too.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, entry := range c.entries {
		if now.Sub(entry.FetchedAt) >= c.ttl {
			delete(c.entries, id)
			removed++
		}
	}
	for id := range c.gen {
		if _, cached := c.entries[id]; cached {
			continue
		}
		if c.inflight[id] == 0 {
			delete(c.gen, id)
		}
	}
	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Flush empties the cache.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		c.gen[id]++
	}
	clear(c.entries)
}
