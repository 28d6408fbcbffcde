package timeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/automoto/chrono/shared/interp"
	"github.com/automoto/chrono/shared/snapshot"
)

// entityTimeline is the ordered snapshot history of one entity. All access
// goes through mu; timelines never lock each other.
type entityTimeline struct {
	mu      sync.Mutex
	id      snapshot.EntityID
	typ     string
	schema  *snapshot.Schema
	entries []*snapshot.Snapshot // strictly increasing by tick

	// bracket of the last served render time, protected from eviction
	served    TickRange
	hasServed bool

	// last value served per field, used for fields that stop arriving
	retained map[string]snapshot.Value
}

func newEntityTimeline(id snapshot.EntityID, typ string, schema *snapshot.Schema, capacity int) *entityTimeline {
	return &entityTimeline{
		id:       id,
		typ:      typ,
		schema:   schema,
		entries:  make([]*snapshot.Snapshot, 0, capacity+1),
		retained: make(map[string]snapshot.Value),
	}
}

// insert places s in tick order and returns the outcome and the number of
// entries evicted to stay within capacity.
func (tl *entityTimeline) insert(s *snapshot.Snapshot, capacity int, tolerance snapshot.Tick) (Outcome, int) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	n := len(tl.entries)
	if n > 0 && s.Tick()+tolerance < tl.entries[0].Tick() {
		return OutcomeStale, 0
	}

	i := sort.Search(n, func(i int) bool { return tl.entries[i].Tick() >= s.Tick() })
	if i < n && tl.entries[i].Tick() == s.Tick() {
		if !tl.fits(s, i-1, i+1) {
			return OutcomeMalformed, 0
		}
		tl.entries[i] = s
		return OutcomeReplaced, 0
	}
	if !tl.fits(s, i-1, i) {
		return OutcomeMalformed, 0
	}

	tl.entries = append(tl.entries, nil)
	copy(tl.entries[i+1:], tl.entries[i:])
	tl.entries[i] = s

	return OutcomeInserted, tl.evict(capacity)
}

// fits reports whether s's timestamp lies strictly between the entries at
// before and after, so tick order and time order agree.
func (tl *entityTimeline) fits(s *snapshot.Snapshot, before, after int) bool {
	if before >= 0 && tl.entries[before].Timestamp() >= s.Timestamp() {
		return false
	}
	if after < len(tl.entries) && tl.entries[after].Timestamp() <= s.Timestamp() {
		return false
	}
	return true
}

func (tl *entityTimeline) evict(capacity int) int {
	evicted := 0
	for len(tl.entries) > capacity {
		victim := 0
		for j, e := range tl.entries {
			if tl.hasServed && (e.Tick() == tl.served.Low || e.Tick() == tl.served.High) {
				continue
			}
			victim = j
			break
		}
		tl.entries = append(tl.entries[:victim], tl.entries[victim+1:]...)
		evicted++
	}
	return evicted
}

func (tl *entityTimeline) sample(renderTime, maxExtrapolation float64) (RenderState, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	n := len(tl.entries)
	if n == 0 {
		return RenderState{}, fmt.Errorf("%w: %q has no buffered snapshots", snapshot.ErrEntityUnknown, tl.id)
	}

	first, last := tl.entries[0], tl.entries[n-1]
	var rs RenderState

	switch {
	case renderTime <= first.Timestamp():
		rs = tl.hold(first)
		rs.Clamped = renderTime < first.Timestamp()

	case renderTime >= last.Timestamp():
		ahead := renderTime - last.Timestamp()
		if ahead == 0 || n == 1 || ahead > maxExtrapolation {
			rs = tl.hold(last)
		} else {
			rs = tl.extrapolate(tl.entries[n-2], last, ahead)
		}
		rs.Extrapolated = ahead > 0

	default:
		hi := sort.Search(n, func(i int) bool { return tl.entries[i].Timestamp() > renderTime })
		lo := tl.entries[hi-1]
		if lo.Timestamp() == renderTime {
			rs = tl.hold(lo)
		} else {
			rs = tl.blend(lo, tl.entries[hi], renderTime)
		}
	}

	rs.Entity = tl.id
	rs.Type = tl.typ
	tl.served = rs.SourceTicks
	tl.hasServed = true
	for k, v := range rs.Fields {
		tl.retained[k] = v
	}
	return rs, nil
}

func (tl *entityTimeline) hold(s *snapshot.Snapshot) RenderState {
	fields := make(map[string]snapshot.Value, s.Len()+len(tl.retained))
	for k, v := range tl.retained {
		fields[k] = v
	}
	s.Each(func(name string, v snapshot.Value) {
		fields[name] = v
	})
	return RenderState{
		Fields:      fields,
		SourceTicks: TickRange{Low: s.Tick(), High: s.Tick()},
	}
}

func (tl *entityTimeline) blend(lo, hi *snapshot.Snapshot, renderTime float64) RenderState {
	t := (renderTime - lo.Timestamp()) / (hi.Timestamp() - lo.Timestamp())
	fields := tl.carry(lo, hi)
	lo.Each(func(name string, from snapshot.Value) {
		to, ok := hi.Field(name)
		if !ok {
			return
		}
		spec, ok := tl.spec(name, from, to)
		if !ok {
			fields[name] = from
			return
		}
		fields[name] = interp.Blend(spec, from, to, t)
	})
	return RenderState{
		Fields:      fields,
		SourceTicks: TickRange{Low: lo.Tick(), High: hi.Tick()},
	}
}

func (tl *entityTimeline) extrapolate(prev, last *snapshot.Snapshot, ahead float64) RenderState {
	span := last.Timestamp() - prev.Timestamp()
	fields := tl.carry(prev, last)
	prev.Each(func(name string, from snapshot.Value) {
		to, ok := last.Field(name)
		if !ok {
			return
		}
		spec, ok := tl.spec(name, from, to)
		if !ok {
			fields[name] = to
			return
		}
		fields[name] = interp.Extrapolate(spec, from, to, span, ahead)
	})
	return RenderState{
		Fields:      fields,
		SourceTicks: TickRange{Low: prev.Tick(), High: last.Tick()},
	}
}

// carry seeds a result with every field that only one side of the pair
// carries. Such fields keep the value last served when there is one.
func (tl *entityTimeline) carry(a, b *snapshot.Snapshot) map[string]snapshot.Value {
	fields := make(map[string]snapshot.Value, a.Len()+len(tl.retained))
	for k, v := range tl.retained {
		fields[k] = v
	}
	one := func(s, other *snapshot.Snapshot) {
		s.Each(func(name string, v snapshot.Value) {
			if _, both := other.Field(name); both {
				return
			}
			if _, kept := tl.retained[name]; !kept {
				fields[name] = v
			}
		})
	}
	one(a, b)
	one(b, a)
	return fields
}

// spec resolves how name blends. Fields whose kind changed between the two
// snapshots are not blended.
func (tl *entityTimeline) spec(name string, from, to snapshot.Value) (snapshot.FieldSpec, bool) {
	if from.Kind != to.Kind {
		return snapshot.FieldSpec{}, false
	}
	if tl.schema != nil {
		if spec, ok := tl.schema.Field(name); ok && spec.Kind == from.Kind {
			return spec, true
		}
	}
	return snapshot.FieldSpec{Name: name, Kind: from.Kind}, true
}

func (tl *entityTimeline) ticks() []snapshot.Tick {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	out := make([]snapshot.Tick, len(tl.entries))
	for i, e := range tl.entries {
		out[i] = e.Tick()
	}
	return out
}

func (tl *entityTimeline) newest() (snapshot.Tick, bool) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if len(tl.entries) == 0 {
		return 0, false
	}
	return tl.entries[len(tl.entries)-1].Tick(), true
}
