package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/lattice/internal/value"
)

func tuple(a, b int64) value.Tuple {
	return value.Tuple{value.Int64(a), value.Int64(b)}
}

func TestAnalyzeComputesCardinalityAndNDV(t *testing.T) {
	m := New(DefaultConfig())
	tuples := []value.Tuple{tuple(1, 10), tuple(2, 20), tuple(1, 30)}
	m.Analyze("r", tuples, 2)

	s := m.Get("r")
	require.NotNil(t, s)
	assert.Equal(t, 3, s.Cardinality)
	assert.Equal(t, 2, s.Columns[0].DistinctCount)
	assert.Equal(t, 3, s.Columns[1].DistinctCount)
}

func TestEstimateJoinSelectivityFallsBackWithoutStats(t *testing.T) {
	m := New(DefaultConfig())
	sel := m.EstimateJoinSelectivity("unknown_a", []int{0}, "unknown_b", []int{0})
	assert.Equal(t, 0.1, sel)
}

func TestEstimateJoinSelectivityUsesNDV(t *testing.T) {
	m := New(DefaultConfig())
	left := make([]value.Tuple, 0, 10)
	for i := int64(0); i < 10; i++ {
		left = append(left, tuple(i%5, 0))
	}
	m.Analyze("left", left, 2)
	m.Analyze("right", left, 2)

	sel := m.EstimateJoinSelectivity("left", []int{0}, "right", []int{0})
	assert.InDelta(t, 0.2, sel, 1e-9)
}

func TestEstimateFilterSelectivityPrefersMCV(t *testing.T) {
	m := New(DefaultConfig())
	tuples := []value.Tuple{tuple(1, 0), tuple(1, 0), tuple(1, 0), tuple(2, 0)}
	m.Analyze("r", tuples, 2)

	sel := m.EstimateFilterSelectivity("r", 0, value.Int64(1), OpEqual)
	assert.InDelta(t, 0.75, sel, 1e-9)
}

func TestRecordChangeTripsThreshold(t *testing.T) {
	m := New(Config{MCVCount: 10, HistogramBuckets: 10, AutoUpdateThreshold: 3})
	assert.False(t, m.RecordChange("r"))
	assert.False(t, m.RecordChange("r"))
	assert.True(t, m.RecordChange("r"))
}
