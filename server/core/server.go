// Package core runs the authoritative side: it advances the world at a
// fixed tick rate and broadcasts one snapshot frame per tick.
package core

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/automoto/chrono/clocksync"
	"github.com/automoto/chrono/registry"
	"github.com/automoto/chrono/replication"
	"github.com/automoto/chrono/shared/protocol"
	"github.com/automoto/chrono/shared/snapshot"
)

// Sender receives the encoded frame of every tick.
type Sender interface {
	SendSnapshotBytes(payload []byte)
}

// System advances the world by one tick before it is captured.
type System func(tick snapshot.Tick, dt float64)

type Options struct {
	Name     string
	TickRate int
	Registry *registry.Registry
	Policy   *replication.Policy
	Sender   Sender
	Codec    *protocol.Codec
	Clock    clocksync.Clock
	Logger   hclog.Logger

	// MarkerTicks is how many frames repeat each removal marker. Zero
	// keeps the replication default.
	MarkerTicks int
}

// Server manages the world and the capture loop.
type Server struct {
	opts   Options
	coord  *replication.Server
	loop   *GameLoop
	logger hclog.Logger

	mu      sync.Mutex
	tick    snapshot.Tick
	systems []System

	bytesSent atomic.Uint64
}

func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil || opts.Sender == nil {
		return nil, errors.New("server: registry and sender are required")
	}
	if opts.TickRate <= 0 {
		return nil, fmt.Errorf("server: tick rate must be positive, got %d", opts.TickRate)
	}
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec()
	}
	if opts.Clock == nil {
		opts.Clock = clocksync.NewSystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	s := &Server{
		opts:   opts,
		coord:  replication.NewServer(opts.Registry, opts.Policy, opts.Logger),
		logger: opts.Logger.Named("server"),
	}
	if opts.MarkerTicks > 0 {
		s.coord.SetMarkerTicks(opts.MarkerTicks)
	}
	opts.Registry.OnRemove(s.coord.EntityRemoved)
	s.loop = NewGameLoop(s.Step, opts.TickRate, s.logger)
	return s, nil
}

// AddSystem registers fn to run at the start of every tick.
func (s *Server) AddSystem(fn System) {
	s.mu.Lock()
	s.systems = append(s.systems, fn)
	s.mu.Unlock()
}

// Step runs one tick: systems, capture, encode, send.
func (s *Server) Step() error {
	s.mu.Lock()
	s.tick++
	tick := s.tick
	systems := s.systems
	s.mu.Unlock()

	dt := 1 / float64(s.opts.TickRate)
	for _, sys := range systems {
		sys(tick, dt)
	}

	now := s.opts.Clock.Now()
	snaps := s.coord.Capture(tick, now)
	payload, err := s.opts.Codec.EncodeFrame(protocol.Frame{Tick: tick, Timestamp: now, Snapshots: snaps})
	if err != nil {
		return fmt.Errorf("encode tick %d: %w", tick, err)
	}
	s.opts.Sender.SendSnapshotBytes(payload)
	s.bytesSent.Add(uint64(len(payload)))
	if tick%snapshot.Tick(s.opts.TickRate*10) == 0 {
		s.logger.Debug("tick", "tick", tick, "entities", len(snaps), "bytes", len(payload))
	}
	return nil
}

// Welcome encodes the greeting for a new connection.
func (s *Server) Welcome(connectionID string) ([]byte, error) {
	return s.opts.Codec.EncodeWelcome(protocol.Welcome{
		ConnectionID: connectionID,
		ServerName:   s.opts.Name,
		TickRate:     s.opts.TickRate,
		ServerTime:   s.opts.Clock.Now(),
	})
}

// Loop returns the fixed-rate loop driving Step.
func (s *Server) Loop() *GameLoop { return s.loop }

func (s *Server) Coordinator() *replication.Server { return s.coord }

func (s *Server) Policy() *replication.Policy { return s.coord.Policy() }

func (s *Server) Tick() snapshot.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// BytesSent is the total size of every frame handed to the sender.
func (s *Server) BytesSent() uint64 { return s.bytesSent.Load() }
