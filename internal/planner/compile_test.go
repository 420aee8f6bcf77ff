package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/lattice/internal/parser"
)

func parseRules(t *testing.T, src string) []parser.Statement {
	t.Helper()
	prog, err := parser.Parse(src)
	require.NoError(t, err)
	return prog.Statements
}

func TestCompileHeadRecordsRecursionAndBaseDeps(t *testing.T) {
	rules := parseRules(t, `reach(X, Y) :- edge(X, Y).
reach(X, Z) :- reach(X, Y), edge(Y, Z).`)

	cr, err := CompileHead("reach", rules, map[string]bool{"edge": true}, map[string]bool{"reach": true}, nil, DefaultPlannerOptions())
	require.NoError(t, err)

	assert.True(t, cr.IsRecursive)
	assert.Equal(t, []string{"X", "Y"}, cr.OutputVars)
	assert.True(t, cr.BaseDeps["edge"])
	assert.False(t, cr.BaseDeps["reach"])
	require.Len(t, cr.Clauses, 2)
	assert.Equal(t, []string{"edge"}, cr.Clauses[0].ScannedRelations)
	assert.ElementsMatch(t, []string{"reach", "edge"}, cr.Clauses[1].ScannedRelations)
}

func TestCompileHeadNamesAggregateOutputColumn(t *testing.T) {
	rules := parseRules(t, `nearest(Id, top_k<2, Dist>) :- scored(Id, Dist).`)
	cr, err := CompileHead("nearest", rules, map[string]bool{"scored": true}, nil, nil, DefaultPlannerOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"Id", "Dist"}, cr.OutputVars)
}

func TestNegatedAtomBecomesAntiJoin(t *testing.T) {
	rules := parseRules(t, `safe(X) :- node(X), not bad(X).`)
	cr, err := CompileHead("safe", rules, map[string]bool{"node": true, "bad": true}, nil, nil, DefaultPlannerOptions())
	require.NoError(t, err)

	root := cr.Clauses[0].Plan.Root
	require.Equal(t, OpAntiJoin, root.Kind)
	assert.Equal(t, "bad", root.Right.Relation)
	assert.Equal(t, [][]string{{"X"}, {"X"}}, [][]string{root.JoinKeys[0], root.JoinKeys[1]})
}

func TestSIPAttachesBloomProbeOnlyWhenEnabled(t *testing.T) {
	rules := parseRules(t, `joined(X, Z) :- left(X, Y), right(Y, Z).`)

	on := DefaultPlannerOptions()
	cr, err := CompileHead("joined", rules, map[string]bool{"left": true, "right": true}, nil, nil, on)
	require.NoError(t, err)
	root := cr.Clauses[0].Plan.Root
	require.Equal(t, OpJoin, root.Kind)
	probed := findBloomProbe(root)
	require.NotNil(t, probed)
	assert.Equal(t, on.SIPTargetFPR, probed.BloomProbe.FPR)

	off := DefaultPlannerOptions()
	off.EnableSIPRewriting = false
	cr, err = CompileHead("joined", rules, map[string]bool{"left": true, "right": true}, nil, nil, off)
	require.NoError(t, err)
	assert.Nil(t, findBloomProbe(cr.Clauses[0].Plan.Root))
}

func findBloomProbe(n *Node) *Node {
	if n == nil {
		return nil
	}
	if n.Kind == OpScan && n.BloomProbe != nil {
		return n
	}
	for _, c := range childrenOf(n) {
		if p := findBloomProbe(c); p != nil {
			return p
		}
	}
	return nil
}

func TestSubplanSharingCollapsesIdenticalScans(t *testing.T) {
	rules := parseRules(t, `twice(X, Y) :- edge(X, Y), edge(X, Y).`)
	opts := DefaultPlannerOptions()
	opts.EnableSIPRewriting = false
	cr, err := CompileHead("twice", rules, map[string]bool{"edge": true}, nil, nil, opts)
	require.NoError(t, err)

	root := cr.Clauses[0].Plan.Root
	require.Equal(t, OpJoin, root.Kind)
	assert.Same(t, root.Left, root.Right)
}

func TestCompileQueryCarriesOutputOrder(t *testing.T) {
	prog, err := parser.Parse(`?edge(X, Y), Y > 1.`)
	require.NoError(t, err)

	plan, scanned, err := CompileQuery(prog.Statements[0], nil, DefaultPlannerOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"edge"}, scanned)
	assert.Equal(t, []string{"X", "Y"}, plan.Outputs)
	assert.Equal(t, OpFilter, plan.Root.Kind)
}
