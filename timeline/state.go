package timeline

import "github.com/automoto/chrono/shared/snapshot"

// TickRange is the pair of buffered ticks a render result was derived from.
// Low == High when a single snapshot was used.
type TickRange struct {
	Low, High snapshot.Tick
}

// RenderState is the interpolated state of one entity at one render time.
type RenderState struct {
	Entity      snapshot.EntityID
	Type        string
	Fields      map[string]snapshot.Value
	SourceTicks TickRange
	// Extrapolated is set when render time is past the newest snapshot,
	// whether the result was projected or held.
	Extrapolated bool
	// Clamped is set when render time is before the oldest snapshot.
	Clamped bool
}

// Field returns the value of name.
func (r RenderState) Field(name string) (snapshot.Value, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Outcome reports what Insert did with a snapshot.
type Outcome int

const (
	OutcomeInserted Outcome = iota
	OutcomeReplaced
	OutcomeStale
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeStale:
		return "stale"
	case OutcomeMalformed:
		return "malformed"
	}
	return "unknown"
}

// Accepted reports whether the snapshot entered the timeline.
func (o Outcome) Accepted() bool {
	return o == OutcomeInserted || o == OutcomeReplaced
}
