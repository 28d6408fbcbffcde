package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automoto/chrono/replication"
	"github.com/automoto/chrono/shared/protocol"
	"github.com/automoto/chrono/shared/snapshot"
	"github.com/automoto/chrono/timeline"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	schemas, err := protocol.RegisterSchemas()
	require.NoError(t, err)
	return New(schemas, nil)
}

func TestSpawnSetRead(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Spawn("n1", protocol.TypeNPC, map[string]snapshot.Value{
		protocol.FieldPosition: snapshot.Vec3(1, 2, 3),
	}))

	v, ok := r.ReadField("n1", protocol.FieldPosition)
	require.True(t, ok)
	assert.Equal(t, snapshot.Vec3(1, 2, 3), v)

	require.NoError(t, r.Set("n1", protocol.FieldHealth, snapshot.Scalar(40)))
	v, _ = r.ReadField("n1", protocol.FieldHealth)
	assert.Equal(t, 40.0, v.Float())

	assert.Error(t, r.Set("n1", protocol.FieldHealth, snapshot.Discrete(1)))
	assert.Error(t, r.Set("n1", "mana", snapshot.Scalar(1)))
	assert.ErrorIs(t, r.Set("ghost", protocol.FieldHealth, snapshot.Scalar(1)), snapshot.ErrEntityUnknown)
}

func TestSpawnRejects(t *testing.T) {
	r := newRegistry(t)
	assert.ErrorIs(t, r.Spawn("x", "dragon", nil), snapshot.ErrMalformedSnapshot)
	assert.Error(t, r.Spawn("x", protocol.TypeNPC, map[string]snapshot.Value{
		protocol.FieldPosition: snapshot.Scalar(1),
	}))

	require.NoError(t, r.Spawn("x", protocol.TypeNPC, nil))
	assert.Error(t, r.Spawn("x", protocol.TypeNPC, nil))
}

func TestEntitiesSorted(t *testing.T) {
	r := newRegistry(t)
	for _, id := range []snapshot.EntityID{"c", "a", "b"} {
		require.NoError(t, r.Spawn(id, protocol.TypeNPC, nil))
	}
	assert.Equal(t, []snapshot.EntityRef{
		{ID: "a", Type: protocol.TypeNPC},
		{ID: "b", Type: protocol.TypeNPC},
		{ID: "c", Type: protocol.TypeNPC},
	}, r.Entities())
	assert.Equal(t, 3, r.Len())
}

func TestDespawnReachesCoordinator(t *testing.T) {
	r := newRegistry(t)
	server := replication.NewServer(r, nil, nil)
	r.OnRemove(server.EntityRemoved)

	require.NoError(t, r.Spawn("a", protocol.TypeNPC, map[string]snapshot.Value{
		protocol.FieldPosition: snapshot.Vec3(0, 0, 0),
	}))
	require.NoError(t, r.Spawn("b", protocol.TypeNPC, nil))

	snaps := server.Capture(1, 0.05)
	require.Len(t, snaps, 2)
	_, ok := snaps[0].Field(protocol.FieldPosition)
	assert.True(t, ok)

	assert.True(t, r.Despawn("b"))
	assert.False(t, r.Despawn("b"))

	snaps = server.Capture(2, 0.1)
	require.Len(t, snaps, 2)
	assert.Equal(t, snapshot.EntityID("a"), snaps[0].Entity())
	assert.True(t, snaps[1].Removed())
	assert.Equal(t, protocol.TypeNPC, snaps[1].Type())
}

func TestApplyKeepsUncarriedFields(t *testing.T) {
	r := newRegistry(t)
	r.Apply(timeline.RenderState{
		Entity: "n1",
		Type:   protocol.TypeNPC,
		Fields: map[string]snapshot.Value{protocol.FieldHealth: snapshot.Scalar(70)},
	})
	require.Equal(t, 1, r.Len())

	r.Apply(timeline.RenderState{
		Entity: "n1",
		Type:   protocol.TypeNPC,
		Fields: map[string]snapshot.Value{protocol.FieldPosition: snapshot.Vec3(5, 0, 0)},
	})
	hp, ok := r.ReadField("n1", protocol.FieldHealth)
	require.True(t, ok)
	assert.Equal(t, 70.0, hp.Float())

	r.Forget(snapshot.EntityRef{ID: "n1"})
	assert.Zero(t, r.Len())
}
