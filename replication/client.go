package replication

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/automoto/chrono/clocksync"
	"github.com/automoto/chrono/rendercache"
	"github.com/automoto/chrono/shared/protocol"
	"github.com/automoto/chrono/shared/snapshot"
	"github.com/automoto/chrono/timeline"
)

// Sink receives interpolated state on the client, usually the local
// registry.
type Sink interface {
	Apply(state timeline.RenderState)
}

// ClientOptions wires the client side pieces together. Buffer, Sync and
// Clock are required.
type ClientOptions struct {
	Buffer  *timeline.Buffer
	Sync    *clocksync.Synchronizer
	Clock   clocksync.Clock
	Cache   *rendercache.Cache
	Codec   *protocol.Codec
	Schemas *snapshot.Schemas
	Policy  *Policy
	// SilenceTimeout removes entities not heard from for this many
	// seconds. Zero disables it.
	SilenceTimeout float64
	Logger         hclog.Logger
}

type tombstone struct {
	ref  snapshot.EntityRef
	tick snapshot.Tick
	at   float64
}

// Client ingests frames for one connection and answers render queries.
type Client struct {
	opts   ClientOptions
	logger hclog.Logger

	mu         sync.Mutex
	lastHeard  map[snapshot.EntityID]float64
	tombstones map[snapshot.EntityID]tombstone
	onRemove   []func(snapshot.EntityRef)
	welcome    protocol.Welcome

	frames, ingested, malformed, buried, removed, expired, reconnects atomic.Uint64
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Buffer == nil || opts.Sync == nil || opts.Clock == nil {
		return nil, errors.New("replication: client needs a buffer, a synchronizer and a clock")
	}
	if opts.Cache == nil {
		opts.Cache = rendercache.New()
	}
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec()
	}
	if opts.Policy == nil {
		opts.Policy = NewPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{
		opts:       opts,
		logger:     logger.Named("replication"),
		lastHeard:  make(map[snapshot.EntityID]float64),
		tombstones: make(map[snapshot.EntityID]tombstone),
	}, nil
}

func (c *Client) Policy() *Policy { return c.opts.Policy }

// OnRemove registers fn to run whenever an entity's timeline is torn down,
// by removal marker or silence timeout.
func (c *Client) OnRemove(fn func(snapshot.EntityRef)) {
	c.mu.Lock()
	c.onRemove = append(c.onRemove, fn)
	c.mu.Unlock()
}

// OnSnapshotBytesReceived is the transport entry point. It accepts any
// frame kind; undecodable payloads are dropped and reported.
func (c *Client) OnSnapshotBytesReceived(b []byte) error {
	arrival := c.opts.Clock.Now()
	kind, err := c.opts.Codec.Kind(b)
	if err != nil {
		c.malformed.Add(1)
		return err
	}
	switch kind {
	case protocol.KindWelcome:
		w, err := c.opts.Codec.DecodeWelcome(b)
		if err != nil {
			c.malformed.Add(1)
			return err
		}
		c.Welcome(w)
		return nil
	default:
		frame, err := c.opts.Codec.DecodeFrame(b)
		if err != nil {
			c.malformed.Add(1)
			return err
		}
		return c.Ingest(frame, arrival)
	}
}

// Welcome starts a new connection: every timeline, cache entry and clock
// estimate from the previous one is dropped.
func (c *Client) Welcome(w protocol.Welcome) {
	c.mu.Lock()
	prev := c.welcome
	c.welcome = w
	ids := make([]snapshot.EntityID, 0, len(c.lastHeard))
	for id := range c.lastHeard {
		ids = append(ids, id)
	}
	c.lastHeard = make(map[snapshot.EntityID]float64)
	c.tombstones = make(map[snapshot.EntityID]tombstone)
	c.mu.Unlock()

	for _, ref := range c.opts.Buffer.Entities() {
		c.opts.Buffer.Remove(ref.ID)
		c.fireRemove(ref)
	}
	c.opts.Cache.Clear()
	c.opts.Sync.Reset()

	if prev.ConnectionID != "" {
		c.reconnects.Add(1)
	}
	c.logger.Info("connected", "server", w.ServerName, "connection", w.ConnectionID,
		"tick_rate", w.TickRate, "dropped_entities", len(ids))
}

// Server returns the greeting of the current connection.
func (c *Client) Server() protocol.Welcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

// Ingest routes one decoded frame. Snapshots failing validation are dropped
// without touching existing state; the returned error reports how many.
func (c *Client) Ingest(frame protocol.Frame, arrival float64) error {
	c.frames.Add(1)
	c.opts.Sync.Observe(frame.Timestamp, arrival)
	c.opts.Policy.Observe(frame.Tick)

	var bad int
	var firstErr error
	for _, s := range frame.Snapshots {
		if err := c.validate(s); err != nil {
			bad++
			if firstErr == nil {
				firstErr = err
			}
			c.logger.Debug("malformed snapshot dropped", "entity", s.Entity(), "tick", s.Tick(), "error", err)
			continue
		}
		if s.Removed() {
			c.remove(snapshot.EntityRef{ID: s.Entity(), Type: s.Type()}, s.Tick(), arrival)
			continue
		}
		c.insert(s, arrival)
	}
	if bad > 0 {
		c.malformed.Add(uint64(bad))
		return fmt.Errorf("frame %d: dropped %d snapshots: %w", frame.Tick, bad, firstErr)
	}
	return nil
}

func (c *Client) validate(s *snapshot.Snapshot) error {
	if c.opts.Schemas == nil {
		return nil
	}
	return c.opts.Schemas.Validate(s)
}

func (c *Client) insert(s *snapshot.Snapshot, arrival float64) {
	id := s.Entity()

	c.mu.Lock()
	if ts, ok := c.tombstones[id]; ok {
		if s.Tick() <= ts.tick {
			c.mu.Unlock()
			c.buried.Add(1)
			c.logger.Trace("snapshot for removed entity dropped", "entity", id, "tick", s.Tick())
			return
		}
		delete(c.tombstones, id)
	}
	c.mu.Unlock()

	s = c.opts.Policy.Filter(s)
	if c.opts.Buffer.Register(id, s.Type()) {
		c.logger.Debug("entity discovered", "entity", id, "type", s.Type(), "tick", s.Tick())
	}
	outcome, err := c.opts.Buffer.Insert(s)
	if err != nil {
		// removed concurrently by Sweep; the next snapshot registers it again
		c.logger.Debug("insert failed", "entity", id, "error", err)
		return
	}
	if !outcome.Accepted() {
		return
	}
	c.ingested.Add(1)
	c.opts.Cache.NotifyInsert(id, s.Tick())

	c.mu.Lock()
	c.lastHeard[id] = arrival
	c.mu.Unlock()
}

func (c *Client) remove(ref snapshot.EntityRef, tick snapshot.Tick, now float64) {
	c.mu.Lock()
	if ts, ok := c.tombstones[ref.ID]; !ok || tick > ts.tick {
		c.tombstones[ref.ID] = tombstone{ref: ref, tick: tick, at: now}
	}
	delete(c.lastHeard, ref.ID)
	c.mu.Unlock()

	c.opts.Cache.Remove(ref.ID)
	if !c.opts.Buffer.Remove(ref.ID) {
		return
	}
	c.removed.Add(1)
	c.logger.Debug("entity removed", "entity", ref.ID, "tick", tick)
	c.fireRemove(ref)
}

func (c *Client) fireRemove(ref snapshot.EntityRef) {
	c.mu.Lock()
	fns := append([]func(snapshot.EntityRef){}, c.onRemove...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ref)
	}
}

// Sweep tears down entities silent for longer than the silence timeout and
// forgets tombstones of the same age. It returns the removed entities.
func (c *Client) Sweep(localNow float64) []snapshot.EntityRef {
	timeout := c.opts.SilenceTimeout
	if timeout <= 0 {
		return nil
	}

	var silent []snapshot.EntityID
	c.mu.Lock()
	for id, at := range c.lastHeard {
		if localNow-at > timeout {
			silent = append(silent, id)
			delete(c.lastHeard, id)
		}
	}
	for id, ts := range c.tombstones {
		if localNow-ts.at > timeout {
			delete(c.tombstones, id)
		}
	}
	c.mu.Unlock()

	sort.Slice(silent, func(i, j int) bool { return silent[i] < silent[j] })
	types := make(map[snapshot.EntityID]string)
	for _, ref := range c.opts.Buffer.Entities() {
		types[ref.ID] = ref.Type
	}

	out := make([]snapshot.EntityRef, 0, len(silent))
	for _, id := range silent {
		ref := snapshot.EntityRef{ID: id, Type: types[id]}
		c.opts.Cache.Remove(id)
		if !c.opts.Buffer.Remove(id) {
			continue
		}
		c.expired.Add(1)
		c.logger.Debug("entity expired", "entity", id, "timeout", timeout)
		c.fireRemove(ref)
		out = append(out, ref)
	}
	return out
}

// RenderTime is the server timestamp rendered at localNow.
func (c *Client) RenderTime(localNow float64) float64 {
	return c.opts.Sync.RenderTime(localNow)
}

// Query returns the interpolated state of id at localNow. Repeated calls in
// the same render tick are served from the cache.
func (c *Client) Query(id snapshot.EntityID, localNow float64) (timeline.RenderState, error) {
	return c.opts.Cache.Get(id, c.opts.Sync.RenderTime(localNow), c.opts.Buffer)
}

// ApplyAll queries every known entity at localNow and hands the results to
// sink in id order. Entities without buffered snapshots are skipped.
func (c *Client) ApplyAll(localNow float64, sink Sink) int {
	rt := c.opts.Sync.RenderTime(localNow)
	n := 0
	for _, ref := range c.opts.Buffer.Entities() {
		rs, err := c.opts.Cache.Get(ref.ID, rt, c.opts.Buffer)
		if err != nil {
			continue
		}
		sink.Apply(rs)
		n++
	}
	return n
}

type ClientStats struct {
	Frames     uint64
	Ingested   uint64
	Malformed  uint64
	Buried     uint64
	Removed    uint64
	Expired    uint64
	Reconnects uint64
}

func (c *Client) Stats() ClientStats {
	return ClientStats{
		Frames:     c.frames.Load(),
		Ingested:   c.ingested.Load(),
		Malformed:  c.malformed.Load(),
		Buried:     c.buried.Load(),
		Removed:    c.removed.Load(),
		Expired:    c.expired.Load(),
		Reconnects: c.reconnects.Load(),
	}
}
