package replication

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automoto/chrono/clocksync"
	"github.com/automoto/chrono/shared/protocol"
	"github.com/automoto/chrono/shared/snapshot"
	"github.com/automoto/chrono/timeline"
)

const tickDt = 0.1

// world is a Source backed by plain maps.
type world struct {
	schemas *snapshot.Schemas
	types   map[snapshot.EntityID]string
	values  map[snapshot.EntityID]map[string]snapshot.Value
}

func newWorld(t *testing.T) *world {
	schemas, err := protocol.RegisterSchemas()
	require.NoError(t, err)
	return &world{
		schemas: schemas,
		types:   map[snapshot.EntityID]string{},
		values:  map[snapshot.EntityID]map[string]snapshot.Value{},
	}
}

func (w *world) set(id snapshot.EntityID, typ string, fields map[string]snapshot.Value) {
	w.types[id] = typ
	w.values[id] = fields
}

func (w *world) Entities() []snapshot.EntityRef {
	out := make([]snapshot.EntityRef, 0, len(w.types))
	for id, typ := range w.types {
		out = append(out, snapshot.EntityRef{ID: id, Type: typ})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w *world) Schema(entityType string) (*snapshot.Schema, bool) {
	return w.schemas.Lookup(entityType)
}

func (w *world) ReadField(id snapshot.EntityID, field string) (snapshot.Value, bool) {
	v, ok := w.values[id][field]
	return v, ok
}

type pipeline struct {
	world  *world
	server *Server
	client *Client
	clock  *clocksync.ManualClock
	codec  *protocol.Codec
	tick   snapshot.Tick
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	w := newWorld(t)
	buf, err := timeline.New(timeline.Options{Capacity: 32, StaleTolerance: 2, MaxExtrapolation: 0.25, Schemas: w.schemas})
	require.NoError(t, err)
	sync, err := clocksync.New(clocksync.DefaultOptions())
	require.NoError(t, err)
	clock := clocksync.NewManualClock(0)
	client, err := NewClient(ClientOptions{
		Buffer:         buf,
		Sync:           sync,
		Clock:          clock,
		Schemas:        w.schemas,
		SilenceTimeout: 1,
	})
	require.NoError(t, err)
	return &pipeline{
		world:  w,
		server: NewServer(w, nil, nil),
		client: client,
		clock:  clock,
		codec:  protocol.NewCodec(),
	}
}

// step captures the next tick, ships it through the codec and delivers it
// 50ms after it was stamped.
func (p *pipeline) step(t *testing.T) {
	t.Helper()
	p.tick++
	ts := float64(p.tick) * tickDt
	b, err := p.codec.EncodeFrame(protocol.Frame{Tick: p.tick, Timestamp: ts, Snapshots: p.server.Capture(p.tick, ts)})
	require.NoError(t, err)
	p.clock.Set(ts + 0.05)
	require.NoError(t, p.client.OnSnapshotBytesReceived(b))
}

func npc(tick snapshot.Tick) map[string]snapshot.Value {
	return map[string]snapshot.Value{
		protocol.FieldPosition: snapshot.Vec3(float64(tick), 0, 0),
		protocol.FieldHealth:   snapshot.Scalar(100 - 10*float64(tick)),
		protocol.FieldState:    snapshot.Discrete(int64(tick % 3)),
	}
}

// localFor returns the local time whose render time is rt once the clock
// estimate has settled on a 50ms offset and a 200ms delay.
func localFor(rt float64) float64 { return rt + 0.05 + 2*tickDt }

func TestPolicyAppliesFromNextTick(t *testing.T) {
	p := NewPolicy()
	p.Observe(10)
	p.SetFieldReplicated("npc", "health", false)

	assert.True(t, p.Replicated("npc", "health", 10))
	assert.False(t, p.Replicated("npc", "health", 11))
	assert.True(t, p.Replicated("npc", "position", 11))
	assert.True(t, p.Replicated("player", "health", 11))

	// flipping twice before the next tick keeps the old setting for tick 10
	p.SetFieldReplicated("npc", "health", true)
	p.SetFieldReplicated("npc", "health", false)
	assert.True(t, p.Replicated("npc", "health", 10))

	p.Observe(20)
	p.SetFieldReplicated("npc", "health", true)
	assert.False(t, p.Replicated("npc", "health", 20))
	assert.True(t, p.Replicated("npc", "health", 21))
}

func TestPolicyFilter(t *testing.T) {
	p := NewPolicy()
	p.SetFieldReplicated("npc", "health", false)

	s := snapshot.New(1, 0.1, "a", "npc", npc(1))
	got := p.Filter(s)
	_, ok := got.Field("health")
	assert.False(t, ok)
	assert.Equal(t, 2, got.Len())

	marker := snapshot.NewRemoval(1, 0.1, "a", "npc")
	assert.Same(t, marker, p.Filter(marker))
}

func TestPolicyDisableFields(t *testing.T) {
	p := NewPolicy()
	p.DisableFields(map[string][]string{"npc": {"health", "state"}, "player": {"heading"}})

	assert.False(t, p.Replicated("npc", "health", 1))
	assert.False(t, p.Replicated("npc", "state", 1))
	assert.False(t, p.Replicated("player", "heading", 1))
	assert.True(t, p.Replicated("npc", "position", 1))
}

func TestCaptureOmitsDisabledFields(t *testing.T) {
	w := newWorld(t)
	w.set("a", protocol.TypeNPC, npc(1))
	s := NewServer(w, nil, nil)

	snaps := s.Capture(1, 0.1)
	require.Len(t, snaps, 1)
	_, ok := snaps[0].Field(protocol.FieldHealth)
	assert.True(t, ok)

	s.Policy().SetFieldReplicated(protocol.TypeNPC, protocol.FieldHealth, false)
	snaps = s.Capture(2, 0.2)
	require.Len(t, snaps, 1)
	_, ok = snaps[0].Field(protocol.FieldHealth)
	assert.False(t, ok)
	_, ok = snaps[0].Field(protocol.FieldPosition)
	assert.True(t, ok)
}

func TestCaptureEmitsRemovalMarkers(t *testing.T) {
	w := newWorld(t)
	w.set("a", protocol.TypeNPC, npc(1))
	w.set("b", protocol.TypeNPC, npc(1))
	s := NewServer(w, nil, nil)

	s.EntityRemoved(snapshot.EntityRef{ID: "b", Type: protocol.TypeNPC})
	snaps := s.Capture(5, 0.5)
	require.Len(t, snaps, 2)
	assert.Equal(t, snapshot.EntityID("a"), snaps[0].Entity())
	assert.True(t, snaps[1].Removed())
	assert.Equal(t, snapshot.EntityID("b"), snaps[1].Entity())

	assert.Len(t, s.Capture(6, 0.6), 2)
	assert.Equal(t, uint64(1), s.Stats().Removals)
}

func TestRemovalMarkerRepeatsForWindow(t *testing.T) {
	w := newWorld(t)
	w.set("a", protocol.TypeNPC, npc(1))
	s := NewServer(w, nil, nil)
	s.SetMarkerTicks(3)

	delete(w.types, "a")
	s.EntityRemoved(snapshot.EntityRef{ID: "a", Type: protocol.TypeNPC})
	for tick := snapshot.Tick(1); tick <= 3; tick++ {
		snaps := s.Capture(tick, float64(tick)*tickDt)
		require.Len(t, snaps, 1, "tick %d", tick)
		assert.True(t, snaps[0].Removed())
		assert.Equal(t, tick, snaps[0].Tick())
	}
	assert.Empty(t, s.Capture(4, 0.4))
	assert.Equal(t, uint64(3), s.Stats().Removals)
}

func TestRespawnEndsMarkerRepeats(t *testing.T) {
	w := newWorld(t)
	s := NewServer(w, nil, nil)

	s.EntityRemoved(snapshot.EntityRef{ID: "a", Type: protocol.TypeNPC})
	snaps := s.Capture(1, 0.1)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Removed())

	w.set("a", protocol.TypeNPC, npc(2))
	snaps = s.Capture(2, 0.2)
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].Removed())
}

func TestRepeatedMarkersAreHarmless(t *testing.T) {
	p := newPipeline(t)
	var removed int
	p.client.OnRemove(func(snapshot.EntityRef) { removed++ })

	p.world.set("a", protocol.TypeNPC, npc(1))
	p.world.set("b", protocol.TypeNPC, npc(1))
	p.step(t)
	delete(p.world.types, "a")
	p.server.EntityRemoved(snapshot.EntityRef{ID: "a", Type: protocol.TypeNPC})
	for i := 0; i < 5; i++ {
		p.step(t)
	}

	assert.Equal(t, 1, removed)
	assert.False(t, p.client.opts.Buffer.Has("a"))
	assert.True(t, p.client.opts.Buffer.Has("b"))
}

func TestRegistrationOnFirstSight(t *testing.T) {
	p := newPipeline(t)
	p.world.set("a", protocol.TypeNPC, npc(1))
	p.step(t)

	assert.True(t, p.client.opts.Buffer.Has("a"))
	assert.Equal(t, uint64(1), p.client.Stats().Ingested)
}

func TestMidSessionOptOutRetainsLastValue(t *testing.T) {
	p := newPipeline(t)
	for i := 0; i < 5; i++ {
		p.world.set("a", protocol.TypeNPC, npc(p.tick+1))
		p.step(t)
	}

	rs, err := p.client.Query("a", localFor(0.45))
	require.NoError(t, err)
	hp, ok := rs.Field(protocol.FieldHealth)
	require.True(t, ok)
	assert.InDelta(t, 55, hp.Float(), 1e-6)

	p.server.Policy().SetFieldReplicated(protocol.TypeNPC, protocol.FieldHealth, false)
	for i := 0; i < 5; i++ {
		p.world.set("a", protocol.TypeNPC, npc(p.tick+1))
		p.step(t)
	}
	assert.Equal(t, []snapshot.Tick{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, p.client.opts.Buffer.Ticks("a"))

	rs, err = p.client.Query("a", localFor(0.85))
	require.NoError(t, err)
	assert.Equal(t, timeline.TickRange{Low: 8, High: 9}, rs.SourceTicks)
	pos, _ := rs.Field(protocol.FieldPosition)
	assert.Greater(t, pos.Float(), 8.0)
	assert.Less(t, pos.Float(), 9.0)

	hp, ok = rs.Field(protocol.FieldHealth)
	require.True(t, ok)
	assert.InDelta(t, 55, hp.Float(), 1e-6)
}

func TestQueryIsIdempotent(t *testing.T) {
	p := newPipeline(t)
	for i := 0; i < 4; i++ {
		p.world.set("a", protocol.TypeNPC, npc(p.tick+1))
		p.step(t)
	}
	first, err := p.client.Query("a", localFor(0.23))
	require.NoError(t, err)
	second, err := p.client.Query("a", localFor(0.23))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, uint64(1), p.client.opts.Cache.Stats().Hits)
}

func TestRemovalMarkerTearsDownAndBuries(t *testing.T) {
	p := newPipeline(t)
	var removed []snapshot.EntityRef
	p.client.OnRemove(func(ref snapshot.EntityRef) { removed = append(removed, ref) })

	p.world.set("a", protocol.TypeNPC, npc(1))
	p.step(t)
	p.step(t)

	delete(p.world.types, "a")
	p.server.EntityRemoved(snapshot.EntityRef{ID: "a", Type: protocol.TypeNPC})
	p.step(t)

	require.Len(t, removed, 1)
	assert.Equal(t, snapshot.EntityID("a"), removed[0].ID)
	_, err := p.client.Query("a", localFor(0.2))
	assert.ErrorIs(t, err, snapshot.ErrEntityUnknown)

	// a late snapshot from before the removal must not resurrect it
	late := protocol.Frame{Tick: 2, Timestamp: 0.2, Snapshots: []*snapshot.Snapshot{
		snapshot.New(2, 0.2, "a", protocol.TypeNPC, npc(2)),
	}}
	require.NoError(t, p.client.Ingest(late, 0.4))
	assert.False(t, p.client.opts.Buffer.Has("a"))
	assert.Equal(t, uint64(1), p.client.Stats().Buried)

	// a newer one is a respawn
	p.world.set("a", protocol.TypeNPC, npc(4))
	p.step(t)
	assert.True(t, p.client.opts.Buffer.Has("a"))
}

func TestMalformedSnapshotDoesNotDisturbOthers(t *testing.T) {
	p := newPipeline(t)
	p.world.set("a", protocol.TypeNPC, npc(1))
	p.step(t)

	frame := protocol.Frame{Tick: 2, Timestamp: 0.2, Snapshots: []*snapshot.Snapshot{
		snapshot.New(2, 0.2, "a", protocol.TypeNPC, map[string]snapshot.Value{
			protocol.FieldPosition: snapshot.Scalar(1), // wrong kind
		}),
		snapshot.New(2, 0.2, "b", protocol.TypeNPC, npc(2)),
	}}
	err := p.client.Ingest(frame, 0.25)
	assert.ErrorIs(t, err, snapshot.ErrMalformedSnapshot)
	assert.Equal(t, []snapshot.Tick{1}, p.client.opts.Buffer.Ticks("a"))
	assert.True(t, p.client.opts.Buffer.Has("b"))
	assert.Equal(t, uint64(1), p.client.Stats().Malformed)

	assert.Error(t, p.client.OnSnapshotBytesReceived([]byte{9, 9, 9}))
}

func TestSweepExpiresSilentEntities(t *testing.T) {
	p := newPipeline(t)
	var removed []snapshot.EntityID
	p.client.OnRemove(func(ref snapshot.EntityRef) { removed = append(removed, ref.ID) })

	p.world.set("a", protocol.TypeNPC, npc(1))
	p.world.set("b", protocol.TypeNPC, npc(1))
	p.step(t)
	delete(p.world.types, "b")
	for i := 0; i < 15; i++ {
		p.step(t)
	}

	gone := p.client.Sweep(p.clock.Now())
	require.Len(t, gone, 1)
	assert.Equal(t, snapshot.EntityID("b"), gone[0].ID)
	assert.Equal(t, protocol.TypeNPC, gone[0].Type)
	assert.Equal(t, []snapshot.EntityID{"b"}, removed)
	assert.True(t, p.client.opts.Buffer.Has("a"))
}

func TestWelcomeResetsConnectionState(t *testing.T) {
	p := newPipeline(t)
	p.world.set("a", protocol.TypeNPC, npc(1))
	p.step(t)
	p.step(t)
	require.True(t, p.client.opts.Sync.Ready())

	b, err := p.codec.EncodeWelcome(protocol.Welcome{ConnectionID: "c2", ServerName: "s", TickRate: 10})
	require.NoError(t, err)
	require.NoError(t, p.client.OnSnapshotBytesReceived(b))

	assert.False(t, p.client.opts.Buffer.Has("a"))
	assert.False(t, p.client.opts.Sync.Ready())
	assert.Equal(t, "c2", p.client.Server().ConnectionID)
}

type collect map[snapshot.EntityID]timeline.RenderState

func (c collect) Apply(rs timeline.RenderState) { c[rs.Entity] = rs }

func TestApplyAll(t *testing.T) {
	p := newPipeline(t)
	p.world.set("a", protocol.TypeNPC, npc(1))
	p.world.set("b", protocol.TypeNPC, npc(1))
	for i := 0; i < 4; i++ {
		p.step(t)
	}

	out := collect{}
	assert.Equal(t, 2, p.client.ApplyAll(localFor(0.25), out))
	assert.Contains(t, out, snapshot.EntityID("a"))
	assert.Contains(t, out, snapshot.EntityID("b"))
}
