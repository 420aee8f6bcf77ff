package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/lattice/internal/kg"
	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/session"
	"github.com/lattice-kg/lattice/internal/value"
)

func execAll(t *testing.T, k *kg.KG, src string) {
	t.Helper()
	prog, err := parser.Parse(src)
	require.NoError(t, err)
	_, err = k.ExecProgram(prog, "")
	require.NoError(t, err)
}

func TestReopenReplaysDeltaLog(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, kg.DefaultConfig(), session.Config{})
	require.NoError(t, err)
	k, err := s.Get(DefaultName)
	require.NoError(t, err)
	execAll(t, k, `+edge(1, 2).
+edge(2, 3).
+edge(3, 4).
-edge(2, 3).`)
	require.NoError(t, s.Shutdown())

	s2, err := Open(dir, kg.DefaultConfig(), session.Config{})
	require.NoError(t, err)
	defer func() { _ = s2.Shutdown() }()
	k2, err := s2.Get(DefaultName)
	require.NoError(t, err)

	tuples := k2.Snapshot().Lookup("edge")
	require.Len(t, tuples, 2)
	assert.True(t, tuples[0].Equal(value.Tuple{value.Int64(1), value.Int64(2)}))
	assert.True(t, tuples[1].Equal(value.Tuple{value.Int64(3), value.Int64(4)}))
}

func TestReopenRestoresRulesAndAnswersQueries(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, kg.DefaultConfig(), session.Config{})
	require.NoError(t, err)
	k, err := s.Get(DefaultName)
	require.NoError(t, err)
	execAll(t, k, `+edge(1, 2).
+edge(2, 3).
reach(X, Y) :- edge(X, Y).
reach(X, Z) :- reach(X, Y), edge(Y, Z).`)
	require.NoError(t, s.Shutdown())

	s2, err := Open(dir, kg.DefaultConfig(), session.Config{})
	require.NoError(t, err)
	defer func() { _ = s2.Shutdown() }()
	k2, err := s2.Get(DefaultName)
	require.NoError(t, err)

	prog, err := parser.Parse(`?reach(1, Y).`)
	require.NoError(t, err)
	res, err := k2.Exec(prog.Statements[0], "")
	require.NoError(t, err)
	require.Len(t, res.Tuples, 2)
	assert.Equal(t, int64(2), res.Tuples[0][0].AsInt64())
	assert.Equal(t, int64(3), res.Tuples[1][0].AsInt64())
}

func TestReopenRestoresManifestAndCurrent(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, kg.DefaultConfig(), session.Config{})
	require.NoError(t, err)
	require.NoError(t, s.Create("analytics"))
	require.NoError(t, s.Use("analytics"))
	require.NoError(t, s.Shutdown())

	s2, err := Open(dir, kg.DefaultConfig(), session.Config{})
	require.NoError(t, err)
	defer func() { _ = s2.Shutdown() }()
	assert.Equal(t, []string{DefaultName, "analytics"}, s2.List())
	assert.Equal(t, "analytics", s2.Current())
}

func TestReopenRestoresSchemasAndStillValidates(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, kg.DefaultConfig(), session.Config{})
	require.NoError(t, err)
	k, err := s.Get(DefaultName)
	require.NoError(t, err)
	execAll(t, k, `+person(name: string(not_empty), age: int(range(0, 150))).`)
	require.NoError(t, s.Shutdown())

	s2, err := Open(dir, kg.DefaultConfig(), session.Config{})
	require.NoError(t, err)
	defer func() { _ = s2.Shutdown() }()
	k2, err := s2.Get(DefaultName)
	require.NoError(t, err)

	prog, err := parser.Parse(`+person("ada", 200).`)
	require.NoError(t, err)
	_, err = k2.Exec(prog.Statements[0], "")
	assert.Error(t, err)
}
