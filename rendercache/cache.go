// Package rendercache memoizes the most recent render result per entity so
// repeated queries within one render tick skip re-interpolation.
package rendercache

import (
	"sync"
	"sync/atomic"

	"github.com/automoto/chrono/shared/snapshot"
	"github.com/automoto/chrono/timeline"
)

// Sampler computes a render state on a miss. *timeline.Buffer satisfies it.
type Sampler interface {
	Sample(id snapshot.EntityID, renderTime float64) (timeline.RenderState, error)
}

type entry struct {
	renderTime float64
	state      timeline.RenderState
}

type Stats struct {
	Hits          uint64
	Misses        uint64
	Invalidations uint64
	Entries       int
}

// Cache holds at most one entry per entity.
type Cache struct {
	mu      sync.Mutex
	entries map[snapshot.EntityID]entry
	// seq counts invalidating events; changed[id] is the seq of the last
	// one for id and cleared the seq of the last Clear. A sample started
	// before either is not stored.
	seq     uint64
	changed map[snapshot.EntityID]uint64
	cleared uint64

	hits, misses, invalidations atomic.Uint64
}

func New() *Cache {
	return &Cache{
		entries: make(map[snapshot.EntityID]entry),
		changed: make(map[snapshot.EntityID]uint64),
	}
}

// Get returns the cached state for (id, renderTime) or samples it and
// replaces whatever was cached for id. Errors are not cached.
//
// The returned Fields map is shared with the cache and must not be
// modified.
func (c *Cache) Get(id snapshot.EntityID, renderTime float64, sampler Sampler) (timeline.RenderState, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok && e.renderTime == renderTime {
		c.mu.Unlock()
		c.hits.Add(1)
		return e.state, nil
	}
	start := c.seq
	c.mu.Unlock()

	c.misses.Add(1)
	rs, err := sampler.Sample(id, renderTime)
	if err != nil {
		return timeline.RenderState{}, err
	}

	c.mu.Lock()
	if c.changed[id] <= start && c.cleared <= start {
		c.entries[id] = entry{renderTime: renderTime, state: rs}
	}
	c.mu.Unlock()
	return rs, nil
}

// NotifyInsert drops the entry for id if a snapshot at tick could change
// it: anything at or after the low source tick, or anything at all when the
// entry was clamped to the oldest snapshot.
func (c *Cache) NotifyInsert(id snapshot.EntityID, tick snapshot.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchLocked(id)
	e, ok := c.entries[id]
	if !ok {
		return
	}
	if tick >= e.state.SourceTicks.Low || e.state.Clamped {
		delete(c.entries, id)
		c.invalidations.Add(1)
	}
}

func (c *Cache) touchLocked(id snapshot.EntityID) {
	c.seq++
	c.changed[id] = c.seq
}

func (c *Cache) Remove(id snapshot.EntityID) {
	c.mu.Lock()
	c.touchLocked(id)
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.seq++
	c.cleared = c.seq
	c.entries = make(map[snapshot.EntityID]entry)
	c.changed = make(map[snapshot.EntityID]uint64)
	c.mu.Unlock()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
		Entries:       n,
	}
}
