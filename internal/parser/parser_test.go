package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFactAndRule(t *testing.T) {
	prog, err := Parse(`edge(1,2).
reach(X,Y) :- edge(X,Y).
reach(X,Z) :- reach(X,Y), edge(Y,Z).`)
	require.NoError(t, err)
	require.Len(t, prog.Statements, 3)

	assert.Equal(t, StmtFact, prog.Statements[0].Kind)
	assert.Equal(t, "edge", prog.Statements[0].Head.Relation)

	rule := prog.Statements[1]
	assert.Equal(t, StmtRule, rule.Kind)
	assert.Equal(t, "reach", rule.Head.Relation)
	require.Len(t, rule.Body, 1)
	assert.Equal(t, "edge", rule.Body[0].Atom.Relation)

	recursive := prog.Statements[2]
	require.Len(t, recursive.Body, 2)
	assert.Equal(t, "reach", recursive.Body[0].Atom.Relation)
	assert.Equal(t, "edge", recursive.Body[1].Atom.Relation)
}

func TestParseQueryWithLimitAndSort(t *testing.T) {
	prog, err := Parse(`?reach(1, Y:desc), limit(10, 5).`)
	require.NoError(t, err)
	require.Len(t, prog.Statements, 1)

	q := prog.Statements[0]
	assert.Equal(t, StmtQuery, q.Kind)
	assert.Equal(t, 10, q.Limit)
	assert.Equal(t, 5, q.Offset)
	require.Len(t, q.Outputs, 1)
	assert.Equal(t, "Y", q.Outputs[0].Var)
	assert.Equal(t, SortDesc, q.Outputs[0].Sort)
}

func TestParseBulkInsertAndDelete(t *testing.T) {
	prog, err := Parse(`+point[(1, 2), (3, 4)].
-point[(1, 2)].`)
	require.NoError(t, err)
	require.Len(t, prog.Statements, 2)
	assert.Equal(t, StmtBulkInsert, prog.Statements[0].Kind)
	assert.Len(t, prog.Statements[0].Tuples, 2)
	assert.Equal(t, StmtBulkDelete, prog.Statements[1].Kind)
}

func TestParseAtomicUpdate(t *testing.T) {
	prog, err := Parse(`-old(X), +new(X) <- staged(X).`)
	require.NoError(t, err)
	require.Len(t, prog.Statements, 1)

	u := prog.Statements[0]
	assert.Equal(t, StmtAtomicUpdate, u.Kind)
	require.Len(t, u.Deletes, 1)
	require.Len(t, u.Inserts, 1)
	assert.Equal(t, "old", u.Deletes[0].Relation)
	assert.Equal(t, "new", u.Inserts[0].Relation)
	require.Len(t, u.Body, 1)
	assert.Equal(t, "staged", u.Body[0].Atom.Relation)
}

func TestParseSchemaWithRefinements(t *testing.T) {
	prog, err := Parse(`+person(name: string(not_empty), age: int(range(0, 150))).`)
	require.NoError(t, err)
	require.Len(t, prog.Statements, 1)

	s := prog.Statements[0]
	assert.Equal(t, StmtSchema, s.Kind)
	assert.Equal(t, "person", s.Relation)
	assert.True(t, s.Persistent)
	require.Len(t, s.Columns, 2)
	assert.True(t, s.Columns[0].NotEmpty)
	require.NotNil(t, s.Columns[1].Range)
	assert.Equal(t, [2]float64{0, 150}, *s.Columns[1].Range)
}

func TestParseAggregatesInHead(t *testing.T) {
	prog, err := Parse(`summary(G, count<X>) :- item(G, X).`)
	require.NoError(t, err)
	head := prog.Statements[0].Head
	require.Len(t, head.Args, 2)
	assert.Equal(t, TermCall, head.Args[1].Kind)
	assert.Equal(t, "__aggregate__", head.Args[1].Func)
}

func TestParseArithmeticPrecedence(t *testing.T) {
	prog, err := Parse(`?r(X), X = 1 + 2 * 3.`)
	require.NoError(t, err)
	cmp := prog.Statements[0].Goals[1].Comparison
	require.NotNil(t, cmp)
	right := cmp.Right
	assert.Equal(t, TermBinary, right.Kind)
	assert.Equal(t, "+", right.Op)
	assert.Equal(t, TermBinary, right.Right.Kind)
	assert.Equal(t, "*", right.Right.Op)
}

func TestParseRejectsBareLowercaseIdentInValuePosition(t *testing.T) {
	_, err := Parse(`?r(foo).`)
	assert.Error(t, err)
}

func TestParseNestedBlockComment(t *testing.T) {
	prog, err := Parse(`/* outer /* inner "*/ " */ still comment */ edge(1,2).`)
	require.NoError(t, err)
	require.Len(t, prog.Statements, 1)
	assert.Equal(t, "edge", prog.Statements[0].Head.Relation)
}

func TestParseVectorLiteralAndNegation(t *testing.T) {
	prog, err := Parse(`?near([1.0, -2.5, 3], X), not excluded(X).`)
	require.NoError(t, err)
	q := prog.Statements[0]
	require.Len(t, q.Goals, 2)
	assert.True(t, q.Goals[1].Atom.Negated)
	vecArg := q.Goals[0].Atom.Args[0]
	require.Equal(t, LitVector, vecArg.Const.Kind)
	assert.Equal(t, []float64{1.0, -2.5, 3}, vecArg.Const.Vector)
}
