// Package timeline implements the interpolation buffer: a bounded, tick
// ordered snapshot history per entity that can be sampled at any render
// time.
package timeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/automoto/chrono/shared/snapshot"
)

// MinCapacity is the smallest per-entity history that leaves room for a
// new snapshot next to the two protected bracket ticks.
const MinCapacity = 3

// Options configures a Buffer.
type Options struct {
	// Capacity is the maximum number of snapshots kept per entity.
	Capacity int
	// StaleTolerance is how many ticks older than the oldest retained
	// snapshot an arrival may be and still be inserted.
	StaleTolerance snapshot.Tick
	// MaxExtrapolation is how far past the newest snapshot, in seconds,
	// motion is projected before the state is frozen.
	MaxExtrapolation float64
	// Schemas supplies per-field blend settings. Optional.
	Schemas *snapshot.Schemas
	Logger  hclog.Logger
}

// Stats is a point-in-time copy of the buffer counters.
type Stats struct {
	Inserted     uint64
	Replaced     uint64
	Stale        uint64
	Malformed    uint64
	Evicted      uint64
	Samples      uint64
	Extrapolated uint64
	Clamped      uint64
	Entities     int
}

// Buffer holds one timeline per entity. Inserts and samples on the same
// entity are serialized; different entities proceed independently.
type Buffer struct {
	opts   Options
	logger hclog.Logger

	mu        sync.RWMutex
	timelines map[snapshot.EntityID]*entityTimeline

	inserted, replaced, stale, malformed, evicted atomic.Uint64
	samples, extrapolated, clamped                atomic.Uint64
}

// New validates opts and returns an empty buffer.
func New(opts Options) (*Buffer, error) {
	if opts.Capacity < MinCapacity {
		return nil, fmt.Errorf("timeline: capacity must be at least %d, got %d", MinCapacity, opts.Capacity)
	}
	if opts.MaxExtrapolation < 0 {
		return nil, fmt.Errorf("timeline: negative extrapolation window %v", opts.MaxExtrapolation)
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Buffer{
		opts:      opts,
		logger:    logger.Named("timeline"),
		timelines: make(map[snapshot.EntityID]*entityTimeline),
	}, nil
}

// Register creates an empty timeline for id. It reports false if one
// already exists.
func (b *Buffer) Register(id snapshot.EntityID, entityType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.timelines[id]; ok {
		return false
	}
	var schema *snapshot.Schema
	if b.opts.Schemas != nil {
		schema, _ = b.opts.Schemas.Lookup(entityType)
	}
	b.timelines[id] = newEntityTimeline(id, entityType, schema, b.opts.Capacity)
	b.logger.Debug("timeline created", "entity", id, "type", entityType)
	return true
}

// Remove drops the timeline for id.
func (b *Buffer) Remove(id snapshot.EntityID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.timelines[id]; !ok {
		return false
	}
	delete(b.timelines, id)
	b.logger.Debug("timeline removed", "entity", id)
	return true
}

// Has reports whether id has a timeline.
func (b *Buffer) Has(id snapshot.EntityID) bool {
	_, ok := b.get(id)
	return ok
}

// Entities lists registered entities ordered by id.
func (b *Buffer) Entities() []snapshot.EntityRef {
	b.mu.RLock()
	out := make([]snapshot.EntityRef, 0, len(b.timelines))
	for id, tl := range b.timelines {
		out = append(out, snapshot.EntityRef{ID: id, Type: tl.typ})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Insert adds s to its entity's timeline. Stale and inconsistent snapshots
// are dropped and counted; only an unregistered entity is an error.
func (b *Buffer) Insert(s *snapshot.Snapshot) (Outcome, error) {
	tl, ok := b.get(s.Entity())
	if !ok {
		return OutcomeStale, fmt.Errorf("insert %q: %w", s.Entity(), snapshot.ErrEntityUnknown)
	}
	if s.Removed() {
		b.malformed.Add(1)
		b.logger.Debug("removal marker reached buffer", "entity", s.Entity(), "tick", s.Tick())
		return OutcomeMalformed, nil
	}

	outcome, evicted := tl.insert(s, b.opts.Capacity, b.opts.StaleTolerance)
	switch outcome {
	case OutcomeInserted:
		b.inserted.Add(1)
	case OutcomeReplaced:
		b.replaced.Add(1)
	case OutcomeStale:
		b.stale.Add(1)
		b.logger.Trace("stale snapshot dropped", "entity", s.Entity(), "tick", s.Tick())
	case OutcomeMalformed:
		b.malformed.Add(1)
		b.logger.Debug("snapshot timestamp out of tick order", "entity", s.Entity(), "tick", s.Tick(), "timestamp", s.Timestamp())
	}
	if evicted > 0 {
		b.evicted.Add(uint64(evicted))
	}
	return outcome, nil
}

// Sample returns the state of id at renderTime, in server timestamp
// seconds.
func (b *Buffer) Sample(id snapshot.EntityID, renderTime float64) (RenderState, error) {
	tl, ok := b.get(id)
	if !ok {
		return RenderState{}, fmt.Errorf("sample %q: %w", id, snapshot.ErrEntityUnknown)
	}
	rs, err := tl.sample(renderTime, b.opts.MaxExtrapolation)
	if err != nil {
		return RenderState{}, err
	}
	b.samples.Add(1)
	if rs.Extrapolated {
		b.extrapolated.Add(1)
	}
	if rs.Clamped {
		b.clamped.Add(1)
	}
	return rs, nil
}

// Ticks returns the buffered ticks of id in order.
func (b *Buffer) Ticks(id snapshot.EntityID) []snapshot.Tick {
	tl, ok := b.get(id)
	if !ok {
		return nil
	}
	return tl.ticks()
}

// Len returns the number of buffered snapshots for id.
func (b *Buffer) Len(id snapshot.EntityID) int {
	return len(b.Ticks(id))
}

// Newest returns the newest buffered tick of id.
func (b *Buffer) Newest(id snapshot.EntityID) (snapshot.Tick, bool) {
	tl, ok := b.get(id)
	if !ok {
		return 0, false
	}
	return tl.newest()
}

// Stats returns a copy of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	entities := len(b.timelines)
	b.mu.RUnlock()
	return Stats{
		Inserted:     b.inserted.Load(),
		Replaced:     b.replaced.Load(),
		Stale:        b.stale.Load(),
		Malformed:    b.malformed.Load(),
		Evicted:      b.evicted.Load(),
		Samples:      b.samples.Load(),
		Extrapolated: b.extrapolated.Load(),
		Clamped:      b.clamped.Load(),
		Entities:     entities,
	}
}

func (b *Buffer) get(id snapshot.EntityID) (*entityTimeline, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tl, ok := b.timelines[id]
	return tl, ok
}

// IsUnknown reports whether err means the entity has no timeline.
func IsUnknown(err error) bool {
	return errors.Is(err, snapshot.ErrEntityUnknown)
}
