package hashindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/lattice/internal/value"
)

func TestProbeFindsMatchingTuples(t *testing.T) {
	tuples := []value.Tuple{
		{value.Int32(1), value.String("a")},
		{value.Int32(1), value.String("b")},
		{value.Int32(2), value.String("c")},
	}
	idx := Build(tuples, []int{0})

	matches := idx.Probe(value.Tuple{value.Int32(1)})
	require.Len(t, matches, 2)

	none := idx.Probe(value.Tuple{value.Int32(99)})
	assert.Empty(t, none)
}

func TestInsertUpdatesIndex(t *testing.T) {
	idx := Build(nil, []int{0})
	idx.Insert(value.Tuple{value.Int32(5), value.String("x")})
	matches := idx.Probe(value.Tuple{value.Int32(5)})
	require.Len(t, matches, 1)
}
