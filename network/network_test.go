package network

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automoto/chrono/registry"
	"github.com/automoto/chrono/replication"
	"github.com/automoto/chrono/shared/protocol"
	"github.com/automoto/chrono/shared/snapshot"
)

type recorder struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (r *recorder) handle(b []byte) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, append([]byte(nil), b...))
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.msgs...)
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(func(id string) ([]byte, error) { return []byte("welcome:" + id), nil }, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientReceivesWelcomeThenFrames(t *testing.T) {
	hub, url := startHub(t)
	rec := &recorder{}
	client := NewClient(url, rec.handle, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool { return hub.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, client.State())

	hub.SendSnapshotBytes([]byte("frame-1"))
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 10*time.Millisecond)

	msgs := rec.all()
	assert.True(t, strings.HasPrefix(string(msgs[0]), "welcome:"))
	assert.Equal(t, "welcome:"+hub.Peers()[0], string(msgs[0]))
	assert.Equal(t, "frame-1", string(msgs[1]))

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, client.State())
	require.Eventually(t, func() bool { return hub.PeerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientReconnects(t *testing.T) {
	hub, url := startHub(t)
	rec := &recorder{}
	client := NewClient(url, rec.handle, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool { return client.Connects() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Close()
	require.Eventually(t, func() bool { return client.Connects() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestDialFailureIsReported(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/ws", func([]byte) error { return nil }, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool { return client.State() == StateError }, 2*time.Second, 10*time.Millisecond)
	assert.Error(t, client.LastError())
	cancel()
}

func TestSendWithoutPeersIsNoop(t *testing.T) {
	hub := NewHub(nil, nil)
	hub.SendSnapshotBytes([]byte("x"))
	assert.Equal(t, HubStats{}, hub.Stats())
}

// stalledPeer joins hub without a write loop, so every frame after the
// first replaces the one still queued.
func stalledPeer(hub *Hub) *peer {
	p := &peer{id: "stalled", out: make(chan []byte, 1)}
	hub.mu.Lock()
	hub.peers[p.id] = p
	hub.mu.Unlock()
	return p
}

func TestRemovalSurvivesStalledWriter(t *testing.T) {
	for name, tc := range map[string]struct {
		markerTicks int
		delivered   bool
	}{
		"repeated marker": {markerTicks: replication.DefaultMarkerTicks, delivered: true},
		"single marker":   {markerTicks: 1, delivered: false},
	} {
		t.Run(name, func(t *testing.T) {
			schemas, err := protocol.RegisterSchemas()
			require.NoError(t, err)
			world := registry.New(schemas, nil)
			coord := replication.NewServer(world, nil, nil)
			coord.SetMarkerTicks(tc.markerTicks)
			world.OnRemove(coord.EntityRemoved)
			require.NoError(t, world.Spawn("a", protocol.TypeNPC, nil))
			require.NoError(t, world.Spawn("b", protocol.TypeNPC, nil))

			hub := NewHub(nil, nil)
			p := stalledPeer(hub)
			codec := protocol.NewCodec()
			send := func(tick snapshot.Tick) {
				b, err := codec.EncodeFrame(protocol.Frame{Tick: tick, Timestamp: float64(tick) / 20, Snapshots: coord.Capture(tick, float64(tick)/20)})
				require.NoError(t, err)
				hub.SendSnapshotBytes(b)
			}

			send(1)
			world.Despawn("b")
			for tick := snapshot.Tick(2); tick <= 6; tick++ {
				send(tick)
			}
			assert.Equal(t, uint64(5), hub.Stats().Dropped)

			// the writer catches up and sends whatever is queued now
			frame, err := codec.DecodeFrame(<-p.out)
			require.NoError(t, err)
			assert.Equal(t, snapshot.Tick(6), frame.Tick)
			var removed bool
			for _, s := range frame.Snapshots {
				if s.Removed() && s.Entity() == "b" {
					removed = true
				}
			}
			assert.Equal(t, tc.delivered, removed)
		})
	}
}
