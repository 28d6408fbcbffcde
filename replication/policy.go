package replication

import (
	"sync"

	"github.com/automoto/chrono/shared/snapshot"
)

// rule is one field override. Ticks up to and including after keep the
// previous setting, later ticks use the new one.
type rule struct {
	after   snapshot.Tick
	before  bool
	enabled bool
}

func (r rule) at(tick snapshot.Tick) bool {
	if tick > r.after {
		return r.enabled
	}
	return r.before
}

// Policy is the per field replication overlay on top of the fixed schemas.
// Every field replicates unless switched off.
type Policy struct {
	mu     sync.RWMutex
	rules  map[string]map[string]rule
	latest snapshot.Tick
}

func NewPolicy() *Policy {
	return &Policy{rules: make(map[string]map[string]rule)}
}

// SetFieldReplicated switches a field on or off for an entity type. The
// change applies from the tick after the latest one observed, so snapshots
// already captured or received are never rewritten.
func (p *Policy) SetFieldReplicated(entityType, field string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fields, ok := p.rules[entityType]
	if !ok {
		fields = make(map[string]rule)
		p.rules[entityType] = fields
	}
	before := true
	if r, ok := fields[field]; ok {
		before = r.at(p.latest)
	}
	fields[field] = rule{after: p.latest, before: before, enabled: enabled}
}

// Replicated reports whether field is carried for ticks of entityType.
func (p *Policy) Replicated(entityType, field string, tick snapshot.Tick) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.rules[entityType][field]
	if !ok {
		return true
	}
	return r.at(tick)
}

// Observe records that tick has been captured or received.
func (p *Policy) Observe(tick snapshot.Tick) {
	p.mu.Lock()
	if tick > p.latest {
		p.latest = tick
	}
	p.mu.Unlock()
}

func (p *Policy) Latest() snapshot.Tick {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Filter drops the fields of s that are switched off at its tick. Removal
// markers pass through untouched.
func (p *Policy) Filter(s *snapshot.Snapshot) *snapshot.Snapshot {
	if s.Removed() {
		return s
	}
	return s.Filter(func(name string) bool {
		return p.Replicated(s.Type(), name, s.Tick())
	})
}

// DisableFields switches off every listed field, keyed by entity type.
// Used at startup with the configured opt-outs.
func (p *Policy) DisableFields(disabled map[string][]string) {
	for entityType, fields := range disabled {
		for _, field := range fields {
			p.SetFieldReplicated(entityType, field, false)
		}
	}
}
