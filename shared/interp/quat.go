package interp

import (
	"math"

	"github.com/automoto/chrono/shared/snapshot"
)

// nlerpThreshold is the dot product above which slerp degrades to a
// normalized lerp to avoid dividing by a vanishing sine.
const nlerpThreshold = 0.9995

// Slerp spherically interpolates two rotations along the shortest arc. t
// outside [0, 1] continues along the same great circle.
func Slerp(a, b snapshot.Value, t float64) snapshot.Value {
	a = normalize(a)
	b = normalize(b)

	dot := a.V[0]*b.V[0] + a.V[1]*b.V[1] + a.V[2]*b.V[2] + a.V[3]*b.V[3]
	if dot < 0 {
		for i := range b.V {
			b.V[i] = -b.V[i]
		}
		dot = -dot
	}

	var out snapshot.Value
	out.Kind = snapshot.KindRotation
	if dot > nlerpThreshold {
		for i := range out.V {
			out.V[i] = Lerp(a.V[i], b.V[i], t)
		}
		return normalize(out)
	}

	theta0 := math.Acos(dot)
	theta := theta0 * t
	sin0 := math.Sin(theta0)
	s0 := math.Cos(theta) - dot*math.Sin(theta)/sin0
	s1 := math.Sin(theta) / sin0
	for i := range out.V {
		out.V[i] = s0*a.V[i] + s1*b.V[i]
	}
	return normalize(out)
}

func normalize(q snapshot.Value) snapshot.Value {
	n := math.Sqrt(q.V[0]*q.V[0] + q.V[1]*q.V[1] + q.V[2]*q.V[2] + q.V[3]*q.V[3])
	if n == 0 {
		return snapshot.Identity()
	}
	for i := range q.V {
		q.V[i] /= n
	}
	return q
}
