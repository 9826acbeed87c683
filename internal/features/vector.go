package features

import (
	"encoding/json"
)

// Vector is one assembled feature vector. It is built fresh per event and
// passed by value; the zero Vector is not meaningful.
type Vector struct {
	Entity string
	AsOf   int64

	values    [Count]float64
	degraded  uint32 // bit i set when feature i fell back to its default
	assembled bool
}

// Assembled reports whether v was produced by the assembler.
func (v Vector) Assembled() bool { return v.assembled }

// Values returns a copy of the values in schema order.
func (v Vector) Values() []float64 {
	out := make([]float64, Count)
	copy(out, v.values[:])
	return out
}

// At returns feature i. It panics when i is out of range.
func (v Vector) At(i int) float64 { return v.values[i] }

// Get returns a feature by name.
func (v Vector) Get(name string) (float64, bool) {
	i, ok := index[name]
	if !ok {
		return 0, false
	}
	return v.values[i], true
}

// Map returns the vector keyed by feature name.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, Count)
	for i, n := range names {
		m[n] = v.values[i]
	}
	return m
}

// Degraded lists, in schema order, the features that took their default
// because the input was missing or malformed.
func (v Vector) Degraded() []string {
	var out []string
	for i := 0; i < Count; i++ {
		if v.degraded&(1<<i) != 0 {
			out = append(out, names[i])
		}
	}
	return out
}

// Equal reports whether two vectors describe the same evaluation.
func (v Vector) Equal(o Vector) bool {
	return v.Entity == o.Entity && v.AsOf == o.AsOf && v.values == o.values
}

func (v *Vector) set(i int, val Value) {
	if !val.OK() {
		v.values[i] = defaults[i]
		v.degraded |= 1 << i
		return
	}
	v.values[i] = val.v
}

type vectorJSON struct {
	Entity   string             `json:"entity"`
	AsOf     int64              `json:"as_of"`
	Features map[string]float64 `json:"features"`
	Order    []float64          `json:"vector"`
	Degraded []string           `json:"degraded,omitempty"`
}

// MarshalJSON renders the vector both keyed by name and in schema order.
func (v Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(vectorJSON{
		Entity:   v.Entity,
		AsOf:     v.AsOf,
		Features: v.Map(),
		Order:    v.Values(),
		Degraded: v.Degraded(),
	})
}
