// Package interp blends replicated field values between two snapshots and
// projects them past the newest one.
package interp

import (
	"math"

	"github.com/automoto/chrono/shared/snapshot"
)

// Lerp interpolates between a and b.
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Blend interpolates one field from -> to at factor t in [0, 1]. t == 0
// returns from and t == 1 returns to exactly.
func Blend(spec snapshot.FieldSpec, from, to snapshot.Value, t float64) snapshot.Value {
	if t <= 0 {
		return from
	}
	if t >= 1 {
		return to
	}
	switch spec.Kind {
	case snapshot.KindScalar, snapshot.KindVector:
		return lerpValue(from, to, shape(spec, t))
	case snapshot.KindAngle:
		return snapshot.Angle(from.V[0] + angleDelta(from.V[0], to.V[0])*t)
	case snapshot.KindRotation:
		return Slerp(from, to, t)
	default:
		// discrete: hold the nearest previous tick
		return from
	}
}

// Extrapolate projects last forward by ahead seconds using the rate of
// change between prev and last, which are span seconds apart.
func Extrapolate(spec snapshot.FieldSpec, prev, last snapshot.Value, span, ahead float64) snapshot.Value {
	if span <= 0 || ahead <= 0 {
		return last
	}
	k := ahead / span
	switch spec.Kind {
	case snapshot.KindScalar, snapshot.KindVector:
		out := last
		for i := range out.V {
			out.V[i] = last.V[i] + (last.V[i]-prev.V[i])*k
		}
		return out
	case snapshot.KindAngle:
		return snapshot.Angle(last.V[0] + angleDelta(prev.V[0], last.V[0])*k)
	case snapshot.KindRotation:
		return Slerp(prev, last, 1+k)
	default:
		return last
	}
}

func lerpValue(from, to snapshot.Value, t float64) snapshot.Value {
	out := from
	for i := range out.V {
		out.V[i] = Lerp(from.V[i], to.V[i], t)
	}
	return out
}

func shape(spec snapshot.FieldSpec, t float64) float64 {
	if spec.Ease == nil {
		return t
	}
	return float64(spec.Ease(float32(t), 0, 1, 1))
}

// angleDelta returns b-a wrapped into (-pi, pi].
func angleDelta(a, b float64) float64 {
	d := math.Mod(b-a, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	} else if d <= -math.Pi {
		d += 2 * math.Pi
	}
	return d
}
