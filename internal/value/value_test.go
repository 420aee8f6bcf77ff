package value

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueEqualityAndOrder(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		eq   bool
	}{
		{"null equals null", Null(), Null(), true},
		{"int32 equal", Int32(3), Int32(3), true},
		{"int32 not equal", Int32(3), Int32(4), false},
		{"float nan equals nan", Float64(nan()), Float64(nan()), true},
		{"string equal", String("a"), String("a"), true},
		{"cross kind not equal", Int32(1), Int64(1), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.eq, tc.a.Equal(tc.b))
		})
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestKindRankOrder(t *testing.T) {
	values := []Value{
		String("x"),
		Null(),
		Bool(true),
		Int64(1),
		Int32(1),
		Float64(1),
		Timestamp(time.Now()),
		Vector([]float32{1}, 1),
		VectorInt8([]int8{1}, 1),
	}
	for i := range values {
		for j := range values {
			got := values[i].Compare(values[j])
			if values[i].Kind() == values[j].Kind() {
				continue
			}
			wantSign := sign(values[i].Kind().rank() - values[j].Kind().rank())
			require.Equal(t, wantSign, sign(got), "%s vs %s", values[i].Kind(), values[j].Kind())
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

func TestTupleHashConsistentWithEqual(t *testing.T) {
	a := Tuple{Int32(1), String("x")}
	b := Tuple{Int32(1), String("x")}
	c := Tuple{Int32(2), String("x")}

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestTupleProjectConcatExclude(t *testing.T) {
	tup := Tuple{Int32(1), Int32(2), Int32(3)}

	assert.Equal(t, Tuple{Int32(1), Int32(3)}, tup.Project([]int{0, 2}))
	assert.Equal(t, Tuple{Int32(1), Int32(2), Int32(3), Int32(4)}, tup.Concat(Tuple{Int32(4)}))
	assert.Equal(t, Tuple{Int32(1), Int32(3)}, tup.Exclude([]int{1}))
}

func TestSchemaValidateArityAndType(t *testing.T) {
	dim := 2
	schema := NewSchema([]Column{
		{Name: "id", Type: TypeInt},
		{Name: "emb", Type: TypeVector, Dimension: &dim},
	})

	ok := Tuple{Int32(1), Vector([]float32{0.1, 0.2}, 2)}
	violations := schema.Validate(0, ok)
	assert.Empty(t, violations)

	badArity := Tuple{Int32(1)}
	violations = schema.Validate(0, badArity)
	require.Len(t, violations, 1)
	assert.Equal(t, -1, violations[0].Column)

	badDim := Tuple{Int32(1), Vector([]float32{0.1, 0.2, 0.3}, 3)}
	violations = schema.Validate(0, badDim)
	require.Len(t, violations, 1)
	assert.Equal(t, 1, violations[0].Column)
}

func TestSchemaValidateBatchAllOrNothing(t *testing.T) {
	schema := NewSchema([]Column{{Name: "id", Type: TypeInt}})
	tuples := []Tuple{
		{Int32(1)},
		{String("oops")},
		{Int32(3)},
	}
	err := schema.ValidateBatch("rel", tuples)
	require.Error(t, err)
}
