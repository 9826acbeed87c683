package features

import "math"

// Value is the outcome of one derivation: a number, or unavailable when the
// inputs were missing or malformed. It is resolved to the feature's
// documented default when the vector is built.
type Value struct {
	v  float64
	ok bool
}

// Known wraps a computed number.
func Known(v float64) Value { return Value{v: v, ok: true} }

// Unavailable marks a derivation that could not be computed.
func Unavailable() Value { return Value{} }

// Flag converts a boolean to 1 or 0.
func Flag(b bool) Value {
	if b {
		return Known(1)
	}
	return Known(0)
}

// OK reports whether the value was computed and is finite.
func (v Value) OK() bool {
	return v.ok && !math.IsNaN(v.v) && !math.IsInf(v.v, 0)
}

// Or returns the value, or def when it is unavailable or not finite.
func (v Value) Or(def float64) float64 {
	if !v.OK() {
		return def
	}
	return v.v
}

// defaults hold the value each feature takes when its derivation is
// unavailable. Everything not listed defaults to 0.
var defaults = func() [Count]float64 {
	var d [Count]float64
	d[Age] = -1
	d[Hour] = -1
	d[DayOfWeek] = -1
	d[TimeSinceLast] = neverSeconds
	d[TimeSinceLastMerchant] = neverSeconds
	return d
}()

// Default returns the fallback value of feature i.
func Default(i int) float64 {
	if i < 0 || i >= Count {
		return 0
	}
	return defaults[i]
}
