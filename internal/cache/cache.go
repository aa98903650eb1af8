// Package cache memoizes classifications per URL for a fixed time-to-live.
//
// Lookups and stores each hold the cache mutex; the computation that fills a
// miss runs outside it. Concurrent misses for the same URL share one
// computation, which runs detached from the cancellation of whichever caller
// started it. Entries past their TTL are never served and are removed by
// Sweep once they are older than a multiple of the TTL.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/linkguard/internal/clock/system"
	"github.com/JakeFAU/linkguard/internal/linkcheck"
)

// DefaultSweepFactor is the multiple of the TTL after which entries are dropped.
const DefaultSweepFactor = 3

// ComputeFunc produces a fresh classification. Returning false for store
// keeps the result out of the cache.
type ComputeFunc func(ctx context.Context) (result linkcheck.Classification, store bool)

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock injects the time source.
func WithClock(clock linkcheck.Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithSweepFactor sets how many TTLs an entry may age before Sweep drops it.
func WithSweepFactor(k int) Option {
	return func(c *Cache) {
		if k > 0 {
			c.sweepFactor = k
		}
	}
}

// WithLookupObserver registers a callback invoked for every lookup.
func WithLookupObserver(fn func(hit bool)) Option {
	return func(c *Cache) {
		c.onLookup = fn
	}
}

// WithEvictionObserver registers a callback invoked after each Sweep that
// removed entries.
func WithEvictionObserver(fn func(n int)) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

type entry struct {
	result     linkcheck.Classification
	observedAt time.Time
}

// Cache is a TTL memo keyed by the URL string verbatim.
type Cache struct {
	ttl         time.Duration
	sweepFactor int
	clock       linkcheck.Clock
	onLookup    func(hit bool)
	onEvict     func(n int)
	group       singleflight.Group

	mu        sync.Mutex
	entries   map[string]entry
	hits      uint64
	misses    uint64
	evictions uint64
}

// New constructs a Cache whose entries live for ttl.
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		ttl:         ttl,
		sweepFactor: DefaultSweepFactor,
		clock:       system.New(),
		entries:     make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL reports the configured time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached classification when it is younger than the TTL.
func (c *Cache) Get(url string) (linkcheck.Classification, bool) {
	c.mu.Lock()
	result, ok := c.lookupLocked(url)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if c.onLookup != nil {
		c.onLookup(ok)
	}
	return result, ok
}

// Store records a classification observed now. The last writer wins.
func (c *Cache) Store(url string, result linkcheck.Classification) {
	now := c.clock.Now()
	c.mu.Lock()
	c.entries[url] = entry{result: result, observedAt: now}
	c.mu.Unlock()
}

// GetOrCompute serves a fresh entry or runs compute once for all concurrent
// callers missing the same URL. The second return value reports a cache hit.
//
// compute receives a context that keeps ctx's values but not its
// cancellation: a caller that gives up only stops waiting, the other callers
// on the same URL still get the real result. compute must bound itself.
func (c *Cache) GetOrCompute(ctx context.Context, url string, compute ComputeFunc) (linkcheck.Classification, bool) {
	if result, ok := c.Get(url); ok {
		return result, true
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(url, func() (any, error) {
		c.mu.Lock()
		result, ok := c.lookupLocked(url)
		c.mu.Unlock()
		if ok {
			return result, nil
		}
		result, store := compute(flightCtx)
		if store {
			c.Store(url, result)
		}
		return result, nil
	})

	select {
	case <-ctx.Done():
		return linkcheck.ErrorClassification(url, "canceled"), false
	case res := <-ch:
		result, _ := res.Val.(linkcheck.Classification)
		return result, false
	}
}

// Sweep removes entries older than the sweep horizon and returns how many were dropped.
func (c *Cache) Sweep() int {
	horizon := c.ttl * time.Duration(c.sweepFactor)
	now := c.clock.Now()

	c.mu.Lock()
	removed := 0
	for url, e := range c.entries {
		if now.Sub(e.observedAt) >= horizon {
			delete(c.entries, url)
			removed++
		}
	}
	c.evictions += uint64(removed)
	c.mu.Unlock()

	if removed > 0 && c.onEvict != nil {
		c.onEvict(removed)
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats returns counters and the current entry count.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

func (c *Cache) lookupLocked(url string) (linkcheck.Classification, bool) {
	e, ok := c.entries[url]
	if !ok {
		return linkcheck.Classification{}, false
	}
	if c.clock.Now().Sub(e.observedAt) >= c.ttl {
		return linkcheck.Classification{}, false
	}
	return e.result, true
}
