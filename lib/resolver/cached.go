package resolver

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dProxy/lib/util"
)

// cacheEntry is one cached lookup result
type cacheEntry struct {
	address    string
	insertedAt time.Time
	expiry     time.Time
}

// cachedResolver answers lookups from a bounded cache and falls back to inner on miss or expiry
type cachedResolver struct {
	inner    IResolver
	size     int
	liveTime time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[uint32]cacheEntry
	order   *util.MapHeap[uint32] // priority = insertion sequence
	seq     uint64
}

// CacheOption configures a cached resolver
type CacheOption func(*cachedResolver)

// WithClock replaces time.Now, used by tests
func WithClock(now func() time.Time) CacheOption {
	return func(c *cachedResolver) {
		c.now = now
	}
}

// NewCached wraps inner with a cache of at most size entries, each valid for liveTime.
// A size <= 0 disables the count bound.
func NewCached(inner IResolver, size int, liveTime time.Duration, opts ...CacheOption) IResolver {
	c := &cachedResolver{
		inner:    inner,
		size:     size,
		liveTime: liveTime,
		now:      time.Now,
		entries:  make(map[uint32]cacheEntry),
		order:    util.NewMapHeap[uint32](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --------------------------------------------------------------------------
// Interface Methods (docu see resolver.IResolver)
// --------------------------------------------------------------------------

// AddNode writes through to the inner resolver, cached entries refresh on expiry
func (c *cachedResolver) AddNode(ident uint32, address string) {
	c.inner.AddNode(ident, address)
}

func (c *cachedResolver) GetNode(ident uint32) (string, bool) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[ident]; ok && now.Before(e.expiry) {
		c.mu.Unlock()
		return e.address, true
	}
	c.mu.Unlock()

	addr, ok := c.inner.GetNode(ident)
	if !ok {
		// misses are not cached, a node registered later is visible right away
		log.Debugf("cache miss for unknown node %#08x", ident)
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.entries[ident] = cacheEntry{
		address:    addr,
		insertedAt: now,
		expiry:     now.Add(c.liveTime),
	}
	c.order.Set(ident, c.seq)
	for c.size > 0 && c.order.Len() > c.size {
		evicted, _, _ := c.order.PopMin()
		delete(c.entries, evicted)
		log.Debugf("evicted node %#08x from cache", evicted)
	}
	return addr, true
}

func (c *cachedResolver) VisitNodes(idents []uint32, f func(Node)) {
	c.inner.VisitNodes(idents, f)
}

func (c *cachedResolver) VisitMaskedNodes(ident, mask uint32, f func(Node)) {
	c.inner.VisitMaskedNodes(ident, mask, f)
}
