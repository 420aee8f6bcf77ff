package persist

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/value"
)

func TestReplayYieldsAppendedDeltas(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.AppendDeltas("edge", 1, []TupleDiff{
		{Tuple: value.Tuple{value.Int64(1), value.Int64(2)}, Diff: 1},
		{Tuple: value.Tuple{value.Int64(2), value.Int64(3)}, Diff: 1},
	}))
	require.NoError(t, d.AppendDeltas("edge", 2, []TupleDiff{
		{Tuple: value.Tuple{value.Int64(1), value.Int64(2)}, Diff: -1},
	}))

	type seen struct {
		relation string
		tuple    value.Tuple
		time     int64
		diff     int
	}
	var got []seen
	require.NoError(t, d.ReplayDeltas(func(relation string, tuple value.Tuple, time int64, diff int) error {
		got = append(got, seen{relation, tuple, time, diff})
		return nil
	}))

	require.Len(t, got, 3)
	assert.Equal(t, "edge", got[0].relation)
	assert.Equal(t, int64(1), got[0].time)
	assert.Equal(t, 1, got[0].diff)
	assert.True(t, got[0].tuple.Equal(value.Tuple{value.Int64(1), value.Int64(2)}))
	assert.Equal(t, -1, got[2].diff)
}

func TestDeltaCodecRoundTripsEveryKind(t *testing.T) {
	tuple := value.Tuple{
		value.Null(),
		value.Bool(true),
		value.Int32(-7),
		value.Int64(1 << 40),
		value.Float64(math.NaN()),
		value.TimestampMillis(1700000000000),
		value.String("a\nb"),
		value.Vector([]float32{0.5, -1.25}, 2),
		value.VectorInt8([]int8{-128, 127}, 2),
	}
	decoded, err := decodeTuple(encodeTuple(tuple))
	require.NoError(t, err)
	// Bit-pattern equality: NaN survives the round trip.
	assert.True(t, tuple.Equal(decoded))
}

func TestRulesRoundTripThroughRenderedText(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	prog, err := parser.Parse(`reach(X, Y) :- edge(X, Y).
reach(X, Z) :- reach(X, Y), edge(Y, Z).`)
	require.NoError(t, err)
	byHead := map[string][]parser.Statement{"reach": prog.Statements}

	require.NoError(t, d.SaveRules(byHead))
	loaded, err := d.LoadRules()
	require.NoError(t, err)
	require.Len(t, loaded["reach"], 2)
	assert.Equal(t, prog.Statements, loaded["reach"])
}

func TestSchemasRoundTrip(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	prog, err := parser.Parse(`+doc(id: int(primary), emb: vector(3)).`)
	require.NoError(t, err)

	require.NoError(t, d.SaveSchemas(prog.Statements))
	loaded, err := d.LoadSchemas()
	require.NoError(t, err)
	assert.Equal(t, prog.Statements, loaded)
}

func TestLoadMissingCatalogsIsEmptyNotError(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	rules, err := d.LoadRules()
	require.NoError(t, err)
	assert.Empty(t, rules)

	schemas, err := d.LoadSchemas()
	require.NoError(t, err)
	assert.Empty(t, schemas)

	_, ok, err := d.LoadIndexRegistrations()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIndexStateRoundTrip(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.SaveIndexState("doc_emb", []byte{1, 2, 3}))
	data, ok, err := d.LoadIndexState("doc_emb")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, data)

	require.NoError(t, d.RemoveIndexState("doc_emb"))
	_, ok, err = d.LoadIndexState("doc_emb")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManifestRoundTrip(t *testing.T) {
	root := t.TempDir()

	_, ok, err := LoadManifest(root)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SaveManifest(root, Manifest{Current: "prod", KnowledgeGraphs: []string{"prod", "default"}}))
	m, ok, err := LoadManifest(root)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "prod", m.Current)
	assert.Equal(t, []string{"default", "prod"}, m.KnowledgeGraphs)
}
