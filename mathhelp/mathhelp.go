package mathhelp

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Tolerance relative to a tile index under which a fractional index is
// treated as lying exactly on a tile edge.
const Tolerance = 1e-9

func BetweenInc[T constraints.Ordered](f, p, q T) bool {
	if p <= q {
		return p <= f && f <= q
	}
	return q <= f && f <= p
}

func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SnapFloor floors f, unless f is within Tolerance of the next integer.
func SnapFloor(f float64) float64 {
	r := math.Round(f)
	if math.Abs(f-r) < Tolerance*math.Max(1, math.Abs(f)) {
		return r
	}
	return math.Floor(f)
}

// SnapCeil ceils f, unless f is within Tolerance of the previous integer.
func SnapCeil(f float64) float64 {
	r := math.Round(f)
	if math.Abs(f-r) < Tolerance*math.Max(1, math.Abs(f)) {
		return r
	}
	return math.Ceil(f)
}
