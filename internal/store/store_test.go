package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/lattice/internal/errs"
	"github.com/lattice-kg/lattice/internal/kg"
	"github.com/lattice-kg/lattice/internal/session"
)

func newTestStore(t *testing.T) *Store {
	s := New(kg.DefaultConfig(), session.Config{})
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestNewSeedsDefaultKG(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, []string{DefaultName}, s.List())
	assert.Equal(t, DefaultName, s.Current())

	k, err := s.Get(DefaultName)
	require.NoError(t, err)
	assert.NotNil(t, k)
}

func TestCreateAndList(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("staging"))
	require.NoError(t, s.Create("archive"))

	assert.Equal(t, []string{DefaultName, "archive", "staging"}, s.List())
}

func TestCreateDuplicateFails(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("staging"))

	err := s.Create("staging")
	require.Error(t, err)
	var exists *errs.KnowledgeGraphExists
	assert.ErrorAs(t, err, &exists)
	assert.Equal(t, "staging", exists.Name)
}

func TestEnsureIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Ensure("scratch")
	require.NoError(t, err)
	second, err := s.Ensure("scratch")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestUseAndCurrent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("staging"))
	require.NoError(t, s.Use("staging"))
	assert.Equal(t, "staging", s.Current())

	err := s.Use("nonexistent")
	require.Error(t, err)
	var notFound *errs.KnowledgeGraphNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestDropRejectsDefault(t *testing.T) {
	s := newTestStore(t)
	err := s.Drop(DefaultName)
	assert.ErrorIs(t, err, errs.ErrCannotDropDefault)
}

func TestDropRejectsCurrent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("staging"))
	require.NoError(t, s.Use("staging"))

	err := s.Drop("staging")
	assert.ErrorIs(t, err, errs.ErrCannotDropCurrentKnowledgeGraph)
}

func TestDropClosesSessions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("staging"))

	sess := s.Sessions().Create("staging")
	require.NoError(t, s.Drop("staging"))

	_, ok := s.Sessions().Get(sess.ID)
	assert.False(t, ok)

	_, err := s.Get("staging")
	var notFound *errs.KnowledgeGraphNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestGetCurrentMatchesCurrent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("staging"))
	require.NoError(t, s.Use("staging"))

	k, err := s.GetCurrent()
	require.NoError(t, err)
	want, err := s.Get("staging")
	require.NoError(t, err)
	assert.Same(t, want, k)
}
