package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/lattice/internal/value"
)

func TestInsertEphemeralDeduplicates(t *testing.T) {
	m := New(Config{})
	s := m.Create("default")

	n, err := m.InsertEphemeral(s.ID, "edge", []value.Tuple{
		{value.Int64(1), value.Int64(2)},
		{value.Int64(1), value.Int64(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.EphemeralCount())

	n, err = m.InsertEphemeral(s.ID, "edge", []value.Tuple{{value.Int64(1), value.Int64(2)}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInsertEphemeralEnforcesLimit(t *testing.T) {
	m := New(Config{MaxEphemeralFacts: 1})
	s := m.Create("default")

	_, err := m.InsertEphemeral(s.ID, "edge", []value.Tuple{{value.Int64(1)}})
	require.NoError(t, err)

	_, err = m.InsertEphemeral(s.ID, "edge", []value.Tuple{{value.Int64(2)}})
	assert.Error(t, err)
}

func TestRetractEphemeralEmptiesRelation(t *testing.T) {
	m := New(Config{})
	s := m.Create("default")
	_, err := m.InsertEphemeral(s.ID, "edge", []value.Tuple{{value.Int64(1)}})
	require.NoError(t, err)

	n, err := m.RetractEphemeral(s.ID, "edge", []value.Tuple{{value.Int64(1)}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, s.EphemeralTuples("edge"))
}

func TestSessionFactsDeterministicOrder(t *testing.T) {
	m := New(Config{})
	s := m.Create("default")
	_, err := m.InsertEphemeral(s.ID, "b", []value.Tuple{{value.Int64(1)}})
	require.NoError(t, err)
	_, err = m.InsertEphemeral(s.ID, "a", []value.Tuple{{value.Int64(2)}, {value.Int64(3)}})
	require.NoError(t, err)

	facts, err := m.SessionFacts(s.ID)
	require.NoError(t, err)
	require.Len(t, facts, 3)
	assert.Equal(t, "a", facts[0].Relation)
	assert.Equal(t, "a", facts[1].Relation)
	assert.Equal(t, "b", facts[2].Relation)
}

func TestComputeProvenance(t *testing.T) {
	withEphemeral := []value.Tuple{
		{value.Int64(1), value.Int64(2)},
		{value.Int64(2), value.Int64(3)},
		{value.Int64(1), value.Int64(3)},
	}
	persistentOnly := []value.Tuple{{value.Int64(1), value.Int64(2)}}

	prov := ComputeProvenance(withEphemeral, persistentOnly)
	assert.Equal(t, Persistent, prov[withEphemeral[0].Key()])
	assert.Equal(t, Ephemeral, prov[withEphemeral[1].Key()])
	assert.Equal(t, Ephemeral, prov[withEphemeral[2].Key()])
}

func TestSwitchKGClearsOverlay(t *testing.T) {
	m := New(Config{})
	s := m.Create("a")
	_, err := m.InsertEphemeral(s.ID, "edge", []value.Tuple{{value.Int64(1)}})
	require.NoError(t, err)

	require.NoError(t, m.SwitchKG(s.ID, "b"))
	assert.Equal(t, "b", s.KGName)
	assert.Equal(t, 0, s.EphemeralCount())
}

func TestAuditLogDrainsOldestHalf(t *testing.T) {
	log := NewAuditLog(4)
	for i := 0; i < 6; i++ {
		log.Record(Event{Kind: EventSessionCreated})
	}
	events, err := log.EventsSince(0)
	assert.Error(t, err)

	events, err = log.EventsSince(log.offsetForTest())
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func (a *AuditLog) offsetForTest() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.offset
}
