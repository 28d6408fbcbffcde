// Package network carries snapshot frames over WebSockets. The server side
// fans each tick out to every peer; the client side hands raw payloads to
// the replication layer.
package network

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

const (
	readLimit    = 4 << 20
	writeTimeout = 5 * time.Second
)

// WelcomeFunc builds the first message sent to a new peer.
type WelcomeFunc func(connectionID string) ([]byte, error)

type peer struct {
	id   string
	conn *websocket.Conn
	out  chan []byte // size-1 buffered; latest wins
}

// Hub accepts WebSocket peers and broadcasts snapshot frames to them.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*peer

	welcome WelcomeFunc
	logger  hclog.Logger

	sent, dropped atomic.Uint64
}

func NewHub(welcome WelcomeFunc, logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{
		peers:   make(map[string]*peer),
		welcome: welcome,
		logger:  logger.Named("hub"),
	}
}

// ServeHTTP upgrades the request and serves the peer until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()

	p := &peer{id: uuid.NewString(), conn: conn, out: make(chan []byte, 1)}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if h.welcome != nil {
		payload, err := h.welcome(p.id)
		if err != nil {
			h.logger.Error("could not build welcome", "peer", p.id, "error", err)
			return
		}
		if err := write(ctx, conn, payload); err != nil {
			h.logger.Debug("welcome failed", "peer", p.id, "error", err)
			return
		}
	}

	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()
	h.logger.Info("peer connected", "peer", p.id, "remote", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.peers, p.id)
		h.mu.Unlock()
		h.logger.Info("peer disconnected", "peer", p.id)
	}()

	go h.writeLoop(ctx, cancel, p)

	// peers send nothing we act on; reading drives close and ping handling
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, cancel context.CancelFunc, p *peer) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.out:
			if err := write(ctx, p.conn, payload); err != nil {
				h.logger.Debug("write failed", "peer", p.id, "error", err)
				return
			}
			h.sent.Add(1)
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, payload)
}

// SendSnapshotBytes queues payload for every peer. A peer still writing
// the previous frame has it replaced; frames are never queued behind each
// other. Removal markers survive a replaced frame because the server
// repeats them in later frames.
func (h *Hub) SendSnapshotBytes(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		select { // drain stale, push latest
		case <-p.out:
			h.dropped.Add(1)
		default:
		}
		select {
		case p.out <- payload:
		default:
			h.dropped.Add(1)
		}
	}
}

// Peers returns the connected peer ids in order.
func (h *Hub) Peers() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.peers))
	for _, p := range h.peers {
		conns = append(conns, p.conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

type HubStats struct {
	Sent    uint64
	Dropped uint64
	Peers   int
}

func (h *Hub) Stats() HubStats {
	return HubStats{Sent: h.sent.Load(), Dropped: h.dropped.Load(), Peers: h.PeerCount()}
}
