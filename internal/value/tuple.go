package value

import (
	"sort"
	"strings"
)

// Tuple is an ordered, fixed-arity sequence of Values.
type Tuple []Value

// Arity returns the number of columns in the tuple.
func (t Tuple) Arity() int { return len(t) }

// Project returns a new tuple containing only the given column indices, in order.
func (t Tuple) Project(indices []int) Tuple {
	out := make(Tuple, len(indices))
	for i, idx := range indices {
		out[i] = t[idx]
	}
	return out
}

// Concat returns a new tuple that is t followed by o.
func (t Tuple) Concat(o Tuple) Tuple {
	out := make(Tuple, 0, len(t)+len(o))
	out = append(out, t...)
	out = append(out, o...)
	return out
}

// Exclude returns a new tuple with the given column indices removed.
func (t Tuple) Exclude(indices []int) Tuple {
	excluded := make(map[int]bool, len(indices))
	for _, idx := range indices {
		excluded[idx] = true
	}
	out := make(Tuple, 0, len(t)-len(indices))
	for i, v := range t {
		if !excluded[i] {
			out = append(out, v)
		}
	}
	return out
}

// Equal reports whether two tuples have the same arity and equal values
// column-by-column.
func (t Tuple) Equal(o Tuple) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if !t[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Compare implements lexicographic tuple order using Value.Compare per column.
func (t Tuple) Compare(o Tuple) int {
	for i := 0; i < len(t) && i < len(o); i++ {
		if c := t[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	return len(t) - len(o)
}

// Hash returns a 64-bit hash over the whole tuple, consistent with Equal.
func (t Tuple) Hash() uint64 {
	const offset = 14695981039346656037
	const prime = 1099511628211
	h := uint64(offset)
	for _, v := range t {
		h = (h ^ v.Hash()) * prime
	}
	return h
}

// Key returns a comparable representation of the tuple suitable for use as
// a Go map key (Tuple itself, being a slice, is not comparable).
func (t Tuple) Key() TupleKey {
	var sb strings.Builder
	for _, v := range t {
		sb.WriteByte(byte(v.kind))
		sb.WriteByte(0)
		sb.WriteString(v.String())
		sb.WriteByte(0)
	}
	return TupleKey(sb.String())
}

// TupleKey is a hashable, comparable stand-in for a Tuple, usable as a map key.
type TupleKey string

// PrimitivePair is the legacy loosely-typed (name, value) view of a single
// tuple column, for round-tripping a tuple through a primitive
// binary-relation form.
type PrimitivePair struct {
	Name  string
	Value Value
}

// ToPrimitivePairs converts a tuple to its primitive-pair form using the
// given schema for column names.
func ToPrimitivePairs(t Tuple, s *Schema) []PrimitivePair {
	out := make([]PrimitivePair, len(t))
	for i, v := range t {
		name := ""
		if s != nil && i < len(s.Columns) {
			name = s.Columns[i].Name
		}
		out[i] = PrimitivePair{Name: name, Value: v}
	}
	return out
}

// FromPrimitivePairs reconstructs a tuple from its primitive-pair form,
// discarding names (positions are assumed already ordered).
func FromPrimitivePairs(pairs []PrimitivePair) Tuple {
	out := make(Tuple, len(pairs))
	for i, p := range pairs {
		out[i] = p.Value
	}
	return out
}

// SortTuples sorts a slice of tuples in-place using the lexicographic Tuple order.
func SortTuples(tuples []Tuple) {
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].Compare(tuples[j]) < 0 })
}
