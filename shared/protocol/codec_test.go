package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automoto/chrono/shared/snapshot"
)

func TestFrameRoundTripPreservesKindsAndRemoval(t *testing.T) {
	c := NewCodec()
	frame := Frame{
		Tick:      42,
		Timestamp: 2.1,
		Snapshots: []*snapshot.Snapshot{
			snapshot.New(42, 2.1, "npc-1", TypeNPC, map[string]snapshot.Value{
				FieldPosition: snapshot.Vec3(1, 2, 3),
				FieldRotation: snapshot.Quat(0, 0, 0.6, 0.8),
				FieldState:    snapshot.Discrete(3),
				FieldHealth:   snapshot.Scalar(87.5),
			}),
			snapshot.NewRemoval(42, 2.1, "npc-2", TypeNPC),
		},
	}

	b, err := c.EncodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, Version, b[0])
	assert.Equal(t, byte(KindSnapshots), b[1])

	got, err := c.DecodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, frame.Tick, got.Tick)
	assert.Equal(t, frame.Timestamp, got.Timestamp)
	require.Len(t, got.Snapshots, 2)
	assert.Equal(t, frame.Snapshots[0].Fields(), got.Snapshots[0].Fields())
	assert.True(t, got.Snapshots[1].Removed())
	assert.Equal(t, snapshot.EntityID("npc-2"), got.Snapshots[1].Entity())
}

func TestWelcome(t *testing.T) {
	c := NewCodec()
	b, err := c.EncodeWelcome(Welcome{ConnectionID: "c1", ServerName: "test", TickRate: 20, ServerTime: 9.5})
	require.NoError(t, err)

	kind, err := c.Kind(b)
	require.NoError(t, err)
	assert.Equal(t, KindWelcome, kind)

	w, err := c.DecodeWelcome(b)
	require.NoError(t, err)
	assert.Equal(t, 20, w.TickRate)
	assert.Equal(t, "c1", w.ConnectionID)

	_, err = c.DecodeFrame(b)
	assert.ErrorIs(t, err, snapshot.ErrMalformedSnapshot)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	c := NewCodec()
	for name, b := range map[string][]byte{
		"empty":       nil,
		"bad version": {99, byte(KindSnapshots), 0x80},
		"bad kind":    {Version, 77},
		"bad body":    {Version, byte(KindSnapshots), 0xc1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.DecodeFrame(b)
			assert.ErrorIs(t, err, snapshot.ErrMalformedSnapshot)
		})
	}
}

func TestDecodeRejectsWrongComponentCount(t *testing.T) {
	c := NewCodec()
	wf := wireFrame{Snapshots: []wireSnapshot{{
		Entity: "a",
		Type:   TypeNPC,
		Fields: []wireField{{Name: FieldPosition, Kind: uint8(snapshot.KindVector), V: []float64{1}}},
	}}}
	b, err := c.encode(KindSnapshots, wf)
	require.NoError(t, err)

	_, err = c.DecodeFrame(b)
	assert.ErrorIs(t, err, snapshot.ErrMalformedSnapshot)
}

func TestDecodeRejectsRepeatedField(t *testing.T) {
	c := NewCodec()
	wf := wireFrame{Snapshots: []wireSnapshot{{
		Entity: "a",
		Type:   TypeNPC,
		Fields: []wireField{
			{Name: FieldHealth, Kind: uint8(snapshot.KindScalar), V: []float64{1}},
			{Name: FieldHealth, Kind: uint8(snapshot.KindScalar), V: []float64{2}},
		},
	}}}
	b, err := c.encode(KindSnapshots, wf)
	require.NoError(t, err)

	_, err = c.DecodeFrame(b)
	assert.ErrorIs(t, err, snapshot.ErrMalformedSnapshot)
}

func TestFrameRoundTripKeepsEveryFieldDistinct(t *testing.T) {
	c := NewCodec()
	player := map[string]snapshot.Value{
		FieldPosition: snapshot.Vec3(10, 20, 30),
		FieldVelocity: snapshot.Vec3(1, 2, 3),
		FieldHeading:  snapshot.Angle(0.5),
		FieldState:    snapshot.Discrete(7),
	}
	npc := map[string]snapshot.Value{
		FieldPosition: snapshot.Vec3(-4, 5, -6),
		FieldVelocity: snapshot.Vec3(0.25, 0, -0.5),
		FieldRotation: snapshot.Quat(0, 0, 0.6, 0.8),
		FieldState:    snapshot.Discrete(2),
		FieldHealth:   snapshot.Scalar(12.5),
	}
	frame := Frame{Tick: 9, Timestamp: 0.45, Snapshots: []*snapshot.Snapshot{
		snapshot.New(9, 0.45, "p1", TypePlayer, player),
		snapshot.New(9, 0.45, "n1", TypeNPC, npc),
	}}

	b, err := c.EncodeFrame(frame)
	require.NoError(t, err)
	got, err := c.DecodeFrame(b)
	require.NoError(t, err)
	require.Len(t, got.Snapshots, 2)
	assert.Equal(t, player, got.Snapshots[0].Fields())
	assert.Equal(t, npc, got.Snapshots[1].Fields())
}

func TestRegisterSchemas(t *testing.T) {
	schemas, err := RegisterSchemas()
	require.NoError(t, err)

	npc, ok := schemas.Lookup(TypeNPC)
	require.True(t, ok)
	spec, ok := npc.Field(FieldRotation)
	require.True(t, ok)
	assert.Equal(t, snapshot.KindRotation, spec.Kind)

	_, ok = schemas.Lookup(TypePlayer)
	assert.True(t, ok)
}
