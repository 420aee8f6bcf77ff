package indexmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/lattice/internal/vectorindex"
)

func TestRegisterAndMaterialize(t *testing.T) {
	m := New()
	reg := Registration{Name: "doc_idx", Relation: "doc", Column: 1, Config: vectorindex.DefaultConfig(vectorindex.MetricCosine)}
	require.NoError(t, m.Register(reg))

	idx := vectorindex.New(reg.Config)
	require.NoError(t, idx.Insert(1, []float32{1, 0, 0}))
	require.NoError(t, m.SetMaterialized("doc_idx", idx))

	got, ok := m.ForRelationColumn("doc", 1)
	require.True(t, ok)
	assert.Equal(t, 1, got.Len())
}

func TestRegisterDuplicateFails(t *testing.T) {
	m := New()
	reg := Registration{Name: "doc_idx", Relation: "doc", Column: 1}
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg))
}

func TestNotifyBaseUpdateInvalidates(t *testing.T) {
	m := New()
	reg := Registration{Name: "doc_idx", Relation: "doc", Column: 1, Config: vectorindex.DefaultConfig(vectorindex.MetricEuclidean)}
	require.NoError(t, m.Register(reg))
	require.NoError(t, m.SetMaterialized("doc_idx", vectorindex.New(reg.Config)))

	affected := m.NotifyBaseUpdate("doc")
	assert.Equal(t, []string{"doc_idx"}, affected)

	_, ok := m.GetMaterialized("doc_idx")
	assert.False(t, ok)
}

func TestUpdateIndexAppliesDeltas(t *testing.T) {
	m := New()
	reg := Registration{Name: "doc_idx", Relation: "doc", Column: 1, Config: vectorindex.DefaultConfig(vectorindex.MetricEuclidean)}
	require.NoError(t, m.Register(reg))
	require.NoError(t, m.SetMaterialized("doc_idx", vectorindex.New(reg.Config)))

	n, err := m.UpdateIndex("doc_idx", []int64{1, 2}, [][]float32{{0, 0}, {1, 1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = m.UpdateIndex("doc_idx", nil, nil, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSaveLoadRegistrationsRoundTrip(t *testing.T) {
	m := New()
	reg := Registration{Name: "doc_idx", Relation: "doc", Column: 1, Config: vectorindex.DefaultConfig(vectorindex.MetricCosine)}
	require.NoError(t, m.Register(reg))

	data, err := m.SaveRegistrations()
	require.NoError(t, err)

	loaded := New()
	require.NoError(t, loaded.LoadRegistrations(data))
	got, ok := loaded.Get("doc_idx")
	require.True(t, ok)
	assert.Equal(t, reg, got)
}
