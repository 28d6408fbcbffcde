// Package snapshot defines the immutable replicated state records exchanged
// between server and clients, their field values and validation.
package snapshot

import (
	"math"
	"sort"
)

// EntityID is an opaque entity identifier.
type EntityID string

// Tick is a monotonic server tick number.
type Tick uint64

const (
	reservedPrefix = "$"

	// RemovedField is the reserved field carried by removal markers.
	RemovedField = reservedPrefix + "removed"
)

// Snapshot is one entity's replicated state at one server tick. It is
// immutable once constructed.
type Snapshot struct {
	tick       Tick
	timestamp  float64
	entity     EntityID
	entityType string
	fields     map[string]Value
}

// New builds a snapshot. The field map is copied.
func New(tick Tick, timestamp float64, id EntityID, entityType string, fields map[string]Value) *Snapshot {
	s := &Snapshot{
		tick:       tick,
		timestamp:  timestamp,
		entity:     id,
		entityType: entityType,
		fields:     make(map[string]Value, len(fields)),
	}
	for k, v := range fields {
		s.fields[k] = v
	}
	return s
}

// NewRemoval builds a removal marker for id.
func NewRemoval(tick Tick, timestamp float64, id EntityID, entityType string) *Snapshot {
	return &Snapshot{
		tick:       tick,
		timestamp:  timestamp,
		entity:     id,
		entityType: entityType,
		fields:     map[string]Value{RemovedField: Discrete(1)},
	}
}

func (s *Snapshot) Tick() Tick         { return s.tick }
func (s *Snapshot) Timestamp() float64 { return s.timestamp }
func (s *Snapshot) Entity() EntityID   { return s.entity }
func (s *Snapshot) Type() string       { return s.entityType }

// Removed reports whether s is a removal marker.
func (s *Snapshot) Removed() bool {
	_, ok := s.fields[RemovedField]
	return ok
}

// Field returns the value of name.
func (s *Snapshot) Field(name string) (Value, bool) {
	v, ok := s.fields[name]
	return v, ok
}

// Len returns the number of fields.
func (s *Snapshot) Len() int { return len(s.fields) }

// Names returns the field names in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.fields))
	for k := range s.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Fields returns a copy of the field map.
func (s *Snapshot) Fields() map[string]Value {
	out := make(map[string]Value, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

// Each calls fn for every field. Iteration order is unspecified.
func (s *Snapshot) Each(fn func(name string, v Value)) {
	for k, v := range s.fields {
		fn(k, v)
	}
}

// Filter returns a snapshot holding only the fields keep accepts. It returns
// s itself when nothing is dropped.
func (s *Snapshot) Filter(keep func(name string) bool) *Snapshot {
	dropped := false
	for k := range s.fields {
		if !keep(k) {
			dropped = true
			break
		}
	}
	if !dropped {
		return s
	}
	out := &Snapshot{
		tick:       s.tick,
		timestamp:  s.timestamp,
		entity:     s.entity,
		entityType: s.entityType,
		fields:     make(map[string]Value, len(s.fields)),
	}
	for k, v := range s.fields {
		if keep(k) {
			out.fields[k] = v
		}
	}
	return out
}

func (s *Snapshot) validateEnvelope() error {
	if s.entity == "" {
		return malformed(s.entity, "", "empty entity id")
	}
	if s.entityType == "" {
		return malformed(s.entity, "", "empty entity type")
	}
	if math.IsNaN(s.timestamp) || math.IsInf(s.timestamp, 0) || s.timestamp < 0 {
		return malformed(s.entity, "", "invalid timestamp")
	}
	if s.Removed() && len(s.fields) != 1 {
		return malformed(s.entity, RemovedField, "removal marker carries state fields")
	}
	return nil
}

// EntityRef names an entity and its type.
type EntityRef struct {
	ID   EntityID
	Type string
}
