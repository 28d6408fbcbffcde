package snapshot

import (
	"fmt"
	"math"
)

// Kind selects how a field is blended between two snapshots.
type Kind uint8

const (
	KindScalar   Kind = iota // linear
	KindVector               // per-component linear, up to 3 components
	KindAngle                // radians, shortest arc
	KindRotation             // unit quaternion (x, y, z, w), spherical
	KindDiscrete             // enumerated state, nearest previous tick
)

var kindNames = map[Kind]string{
	KindScalar:   "scalar",
	KindVector:   "vector",
	KindAngle:    "angle",
	KindRotation: "rotation",
	KindDiscrete: "discrete",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Value is a fixed-size replicated field value. It is comparable so render
// results can be checked for bit-identity.
type Value struct {
	Kind Kind
	V    [4]float64
}

func Scalar(f float64) Value { return Value{Kind: KindScalar, V: [4]float64{f}} }

func Vec2(x, y float64) Value { return Value{Kind: KindVector, V: [4]float64{x, y}} }

func Vec3(x, y, z float64) Value { return Value{Kind: KindVector, V: [4]float64{x, y, z}} }

func Angle(rad float64) Value { return Value{Kind: KindAngle, V: [4]float64{rad}} }

// Quat builds a rotation value. Callers are expected to pass a unit
// quaternion; Validate rejects zero-length ones.
func Quat(x, y, z, w float64) Value { return Value{Kind: KindRotation, V: [4]float64{x, y, z, w}} }

// Identity is the identity rotation.
func Identity() Value { return Quat(0, 0, 0, 1) }

func Discrete(n int64) Value { return Value{Kind: KindDiscrete, V: [4]float64{float64(n)}} }

// Float returns the scalar or angle component.
func (v Value) Float() float64 { return v.V[0] }

// Int returns the discrete component.
func (v Value) Int() int64 { return int64(v.V[0]) }

// XYZ returns the vector components.
func (v Value) XYZ() (x, y, z float64) { return v.V[0], v.V[1], v.V[2] }

func (v Value) String() string {
	switch v.Kind {
	case KindScalar:
		return fmt.Sprintf("%g", v.V[0])
	case KindAngle:
		return fmt.Sprintf("%grad", v.V[0])
	case KindDiscrete:
		return fmt.Sprintf("#%d", v.Int())
	case KindVector:
		return fmt.Sprintf("(%g, %g, %g)", v.V[0], v.V[1], v.V[2])
	case KindRotation:
		return fmt.Sprintf("quat(%g, %g, %g, %g)", v.V[0], v.V[1], v.V[2], v.V[3])
	}
	return "?"
}

func (v Value) finite() bool {
	for _, c := range v.V {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func (v Value) norm() float64 {
	return math.Sqrt(v.V[0]*v.V[0] + v.V[1]*v.V[1] + v.V[2]*v.V[2] + v.V[3]*v.V[3])
}
