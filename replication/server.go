// Package replication decides what goes into each snapshot on the server
// and routes received snapshots into the client's timelines.
package replication

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/automoto/chrono/shared/snapshot"
)

// Source is the server's read view of the entity registry.
type Source interface {
	Entities() []snapshot.EntityRef
	Schema(entityType string) (*snapshot.Schema, bool)
	ReadField(id snapshot.EntityID, field string) (snapshot.Value, bool)
}

// DefaultMarkerTicks is how many consecutive frames repeat a removal
// marker. Transports that replace an unsent frame with a newer one can
// still deliver the removal as long as they catch up within this window.
const DefaultMarkerTicks = 20

type pendingRemoval struct {
	ref  snapshot.EntityRef
	left int
}

// Server captures one snapshot per registered entity per tick.
type Server struct {
	source Source
	policy *Policy
	logger hclog.Logger

	mu          sync.Mutex
	removed     []snapshot.EntityRef
	pending     []*pendingRemoval
	markerTicks int

	captures, snapshots, markers atomic.Uint64
}

func NewServer(source Source, policy *Policy, logger hclog.Logger) *Server {
	if policy == nil {
		policy = NewPolicy()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		source:      source,
		policy:      policy,
		logger:      logger.Named("replication"),
		markerTicks: DefaultMarkerTicks,
	}
}

func (s *Server) Policy() *Policy { return s.policy }

// SetMarkerTicks sets how many captures repeat each removal marker.
// Values below 1 are treated as 1.
func (s *Server) SetMarkerTicks(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.markerTicks = n
	s.mu.Unlock()
}

// EntityRemoved queues a removal marker for the next capture. Registries
// call it when an entity is despawned.
func (s *Server) EntityRemoved(ref snapshot.EntityRef) {
	s.mu.Lock()
	s.removed = append(s.removed, ref)
	s.mu.Unlock()
}

// Capture reads every registered entity and returns its snapshot for tick,
// omitting fields switched off by the policy, followed by removal markers.
// A marker is repeated for the configured number of captures, and dropped
// early once the entity is registered again.
func (s *Server) Capture(tick snapshot.Tick, timestamp float64) []*snapshot.Snapshot {
	s.policy.Observe(tick)
	refs := s.source.Entities()

	present := make(map[snapshot.EntityID]bool, len(refs))
	for _, ref := range refs {
		present[ref.ID] = true
	}

	s.mu.Lock()
	fresh := make(map[snapshot.EntityID]bool, len(s.removed))
	for _, ref := range s.removed {
		fresh[ref.ID] = true
	}
	kept := s.pending[:0]
	for _, p := range s.pending {
		// superseded by a newer removal, or respawned since
		if fresh[p.ref.ID] || present[p.ref.ID] {
			continue
		}
		kept = append(kept, p)
	}
	for _, ref := range s.removed {
		kept = append(kept, &pendingRemoval{ref: ref, left: s.markerTicks})
	}
	s.pending = kept
	s.removed = nil

	markers := make([]*snapshot.Snapshot, 0, len(s.pending))
	kept = s.pending[:0]
	for _, p := range s.pending {
		markers = append(markers, snapshot.NewRemoval(tick, timestamp, p.ref.ID, p.ref.Type))
		if p.left--; p.left > 0 {
			kept = append(kept, p)
		}
	}
	s.pending = kept
	s.mu.Unlock()

	out := make([]*snapshot.Snapshot, 0, len(refs)+len(markers))
	for _, ref := range refs {
		// despawned and respawned within one tick: the marker goes first
		if fresh[ref.ID] {
			continue
		}
		schema, ok := s.source.Schema(ref.Type)
		if !ok {
			s.logger.Warn("entity type has no schema", "entity", ref.ID, "type", ref.Type)
			continue
		}
		fields := make(map[string]snapshot.Value, len(schema.Names()))
		for _, name := range schema.Names() {
			if !s.policy.Replicated(ref.Type, name, tick) {
				continue
			}
			if v, ok := s.source.ReadField(ref.ID, name); ok {
				fields[name] = v
			}
		}
		out = append(out, snapshot.New(tick, timestamp, ref.ID, ref.Type, fields))
	}
	out = append(out, markers...)

	s.captures.Add(1)
	s.snapshots.Add(uint64(len(out)))
	s.markers.Add(uint64(len(markers)))
	return out
}

type ServerStats struct {
	Captures  uint64
	Snapshots uint64
	Removals  uint64
}

func (s *Server) Stats() ServerStats {
	return ServerStats{
		Captures:  s.captures.Load(),
		Snapshots: s.snapshots.Load(),
		Removals:  s.markers.Load(),
	}
}
