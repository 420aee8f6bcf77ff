package kg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/session"
	"github.com/lattice-kg/lattice/internal/vectorindex"
)

func newTestKG(t *testing.T) *KG {
	sessions := session.New(session.Config{})
	k := New("test", DefaultConfig(), sessions)
	t.Cleanup(func() { _ = k.Shutdown() })
	return k
}

func execProgram(t *testing.T, k *KG, src, sessionID string) []*ExecResult {
	t.Helper()
	prog, err := parser.Parse(src)
	require.NoError(t, err)
	results, err := k.ExecProgram(prog, sessionID)
	require.NoError(t, err)
	return results
}

func TestQueryDirectRelation(t *testing.T) {
	k := newTestKG(t)
	execProgram(t, k, `edge(1,2).
edge(2,3).`, "")

	results := execProgram(t, k, `?edge(X, Y).`, "")
	require.Len(t, results, 1)
	assert.Len(t, results[0].Tuples, 2)
}

func TestQueryRecursiveRule(t *testing.T) {
	k := newTestKG(t)
	execProgram(t, k, `edge(1,2).
edge(2,3).
edge(3,4).
reach(X,Y) :- edge(X,Y).
reach(X,Z) :- reach(X,Y), edge(Y,Z).`, "")

	results := execProgram(t, k, `?reach(1, Y).`, "")
	require.Len(t, results, 1)
	assert.Len(t, results[0].Tuples, 3)
}

func TestQueryWithLimitAndSort(t *testing.T) {
	k := newTestKG(t)
	execProgram(t, k, `point(3).
point(1).
point(2).`, "")

	results := execProgram(t, k, `?point(X:desc), limit(2).`, "")
	require.Len(t, results, 1)
	require.Len(t, results[0].Tuples, 2)
	assert.Equal(t, int64(3), results[0].Tuples[0][0].AsInt64())
	assert.Equal(t, int64(2), results[0].Tuples[1][0].AsInt64())
}

func TestQuerySessionOverlayProvenance(t *testing.T) {
	k := newTestKG(t)
	execProgram(t, k, `edge(1,2).`, "")

	s := k.sessions.Create("test")
	ephemeralInsert := parser.Statement{
		Kind: parser.StmtFact,
		Head: &parser.Atom{Relation: "edge", Args: []parser.Term{
			{Kind: parser.TermConst, Const: parser.Literal{Kind: parser.LitInt, Int: 2}},
			{Kind: parser.TermConst, Const: parser.Literal{Kind: parser.LitInt, Int: 3}},
		}},
		Session: true,
	}
	_, err := k.Exec(ephemeralInsert, s.ID)
	require.NoError(t, err)

	results := execProgram(t, k, `?edge(X, Y).`, s.ID)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Tuples, 2)
	assert.Len(t, results[0].Provenance, 2)

	withoutSession := execProgram(t, k, `?edge(X, Y).`, "")
	require.Len(t, withoutSession, 1)
	assert.Len(t, withoutSession[0].Tuples, 1)
}

func TestQueryVectorTopKWithIndex(t *testing.T) {
	k := newTestKG(t)
	execProgram(t, k, `doc(1, [1.0, 0.0]).
doc(2, [0.0, 1.0]).
doc(3, [0.9, 0.1]).
nearest(Id, top_k<2, Dist>) :- doc(Id, E), Q = [1.0, 0.0], Dist = cosine(E, Q).`, "")

	require.NoError(t, k.RegisterIndex("doc_idx", "doc", 1, vectorindex.DefaultConfig(vectorindex.MetricCosine)))

	results := execProgram(t, k, `?nearest(Id, Dist).`, "")
	require.Len(t, results, 1)
	require.Len(t, results[0].Tuples, 2)
	assert.Equal(t, int64(1), results[0].Tuples[0][0].AsInt64())
	assert.Equal(t, int64(3), results[0].Tuples[1][0].AsInt64())
}

func TestAtomicUpdateAppliesAsOneCascade(t *testing.T) {
	k := newTestKG(t)
	execProgram(t, k, `staged(1).
old(1).`, "")

	execProgram(t, k, `-old(X), +newv(X) <- staged(X).`, "")

	results := execProgram(t, k, `?newv(X).`, "")
	require.Len(t, results, 1)
	assert.Len(t, results[0].Tuples, 1)

	oldResults := execProgram(t, k, `?old(X).`, "")
	require.Len(t, oldResults, 1)
	assert.Empty(t, oldResults[0].Tuples)
}

func TestSessionRuleOvershadowsPersistent(t *testing.T) {
	k := newTestKG(t)
	execProgram(t, k, `edge(1,2).
conn(X, Y) :- edge(X, Y).`, "")

	s := k.sessions.Create("test")
	prog, err := parser.Parse(`conn(X, Y) :- edge(Y, X).`)
	require.NoError(t, err)
	shadow := prog.Statements[0]
	shadow.Session = true
	_, err = k.Exec(shadow, s.ID)
	require.NoError(t, err)

	// The session observes its own version of conn, not the union.
	results := execProgram(t, k, `?conn(X, Y).`, s.ID)
	require.Len(t, results, 1)
	require.Len(t, results[0].Tuples, 1)
	assert.Equal(t, int64(2), results[0].Tuples[0][0].AsInt64())
	assert.Equal(t, int64(1), results[0].Tuples[0][1].AsInt64())

	// Without the session the persistent rule still answers.
	persistent := execProgram(t, k, `?conn(X, Y).`, "")
	require.Len(t, persistent[0].Tuples, 1)
	assert.Equal(t, int64(1), persistent[0].Tuples[0][0].AsInt64())
}
