package vectorindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gridVectors(n int) ([]int64, [][]float32) {
	ids := make([]int64, n)
	vecs := make([][]float32, n)
	for i := 0; i < n; i++ {
		ids[i] = int64(i)
		vecs[i] = []float32{float32(i), float32(i) * 2}
	}
	return ids, vecs
}

func TestSearchFindsExactMatch(t *testing.T) {
	idx := New(DefaultConfig(MetricEuclidean))
	ids, vecs := gridVectors(200)
	require.NoError(t, idx.InsertBatch(ids, vecs))

	results, err := idx.Search([]float32{50, 100}, 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(50), results[0].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
}

func TestDimensionFixedAtFirstInsert(t *testing.T) {
	idx := New(DefaultConfig(MetricEuclidean))
	require.NoError(t, idx.Insert(1, []float32{1, 2, 3}))
	err := idx.Insert(2, []float32{1, 2})
	require.Error(t, err)
}

func TestDeleteTombstonesUntilRebuild(t *testing.T) {
	idx := New(DefaultConfig(MetricEuclidean))
	ids, vecs := gridVectors(50)
	require.NoError(t, idx.InsertBatch(ids, vecs))

	idx.Delete(10)
	assert.Equal(t, 49, idx.Len())
	assert.Equal(t, 1, idx.TombstoneCount())

	results, err := idx.Search([]float32{10, 20}, 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotEqual(t, int64(10), results[0].ID)

	remainingIDs := make([]int64, 0, 49)
	remainingVecs := make([][]float32, 0, 49)
	for i, id := range ids {
		if id == 10 {
			continue
		}
		remainingIDs = append(remainingIDs, id)
		remainingVecs = append(remainingVecs, vecs[i])
	}
	require.NoError(t, idx.Rebuild(remainingIDs, remainingVecs))
	assert.Equal(t, 49, idx.Len())
	assert.Equal(t, 0, idx.TombstoneCount())
}

func TestSaveLoadRoundTripsSearchResults(t *testing.T) {
	idx := New(DefaultConfig(MetricCosine))
	ids, vecs := gridVectors(100)
	require.NoError(t, idx.InsertBatch(ids, vecs))

	before, err := idx.Search([]float32{40, 80}, 5, 0)
	require.NoError(t, err)

	data, err := idx.Save()
	require.NoError(t, err)

	loaded, err := Load(data)
	require.NoError(t, err)

	after, err := loaded.Search([]float32{40, 80}, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReadOnlyAdapterRejectsMutation(t *testing.T) {
	idx := New(DefaultConfig(MetricEuclidean))
	require.NoError(t, idx.Insert(1, []float32{1, 2}))

	ro := NewReadOnly(idx)
	assert.ErrorIs(t, ro.Insert(2, []float32{3, 4}), ErrReadOnly)
	assert.ErrorIs(t, ro.Rebuild(nil, nil), ErrReadOnly)
	assert.Equal(t, 1, ro.Len())
}

func TestMetricDotIsNegatedDotProduct(t *testing.T) {
	a := normalize([]float32{1, 0})
	b := normalize([]float32{1, 0})
	assert.InDelta(t, -1.0, distance(MetricDot, a, b), 1e-6)
}
