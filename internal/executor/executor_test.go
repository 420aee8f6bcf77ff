package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/planner"
	"github.com/lattice-kg/lattice/internal/value"
)

// compileHead parses src (rule clauses sharing one head) and compiles
// them the way internal/kg does before handing them to the executor.
func compileHead(t *testing.T, name, src string, base map[string]bool, recursive map[string]bool) map[string]*planner.CompiledRule {
	t.Helper()
	prog, err := parser.Parse(src)
	require.NoError(t, err)
	cr, err := planner.CompileHead(name, prog.Statements, base, recursive, nil, planner.DefaultPlannerOptions())
	require.NoError(t, err)
	return map[string]*planner.CompiledRule{name: cr}
}

func intPair(a, b int64) value.Tuple { return value.Tuple{value.Int64(a), value.Int64(b)} }

func TestFixpointTransitiveClosure(t *testing.T) {
	rules := compileHead(t, "reach", `reach(X, Y) :- edge(X, Y).
reach(X, Z) :- reach(X, Y), edge(Y, Z).`,
		map[string]bool{"edge": true}, map[string]bool{"reach": true})

	edges := []value.Tuple{intPair(1, 2), intPair(2, 3), intPair(3, 4)}
	outside := func(relation string) []value.Tuple {
		if relation == "edge" {
			return edges
		}
		return nil
	}

	e := NewEngine(0)
	result, err := e.EvaluateComponent([]string{"reach"}, rules, outside)
	require.NoError(t, err)

	got := result["reach"]
	require.Len(t, got, 6)
	want := []value.Tuple{
		intPair(1, 2), intPair(1, 3), intPair(1, 4),
		intPair(2, 3), intPair(2, 4), intPair(3, 4),
	}
	value.SortTuples(got)
	for i := range want {
		assert.True(t, got[i].Equal(want[i]), "tuple %d: got %v", i, got[i])
	}
}

// Non-linear transitive closure scans the recursive relation twice in
// one body; semi-naive differentiation must pair each side's delta with
// the other side's accumulated set or tuples like (1,4) (delta round 2
// joined against delta round 1) never appear.
func TestFixpointNonlinearTransitiveClosure(t *testing.T) {
	rules := compileHead(t, "tc", `tc(X, Y) :- edge(X, Y).
tc(X, Z) :- tc(X, Y), tc(Y, Z).`,
		map[string]bool{"edge": true}, map[string]bool{"tc": true})

	edges := []value.Tuple{intPair(1, 2), intPair(2, 3), intPair(3, 4), intPair(4, 5)}
	outside := func(relation string) []value.Tuple {
		if relation == "edge" {
			return edges
		}
		return nil
	}

	e := NewEngine(0)
	result, err := e.EvaluateComponent([]string{"tc"}, rules, outside)
	require.NoError(t, err)

	got := result["tc"]
	value.SortTuples(got)
	var want []value.Tuple
	for a := int64(1); a <= 5; a++ {
		for b := a + 1; b <= 5; b++ {
			want = append(want, intPair(a, b))
		}
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, got[i].Equal(want[i]), "tuple %d: got %v, want %v", i, got[i], want[i])
	}
}

func TestFixpointConvergesOnCycle(t *testing.T) {
	rules := compileHead(t, "reach", `reach(X, Y) :- edge(X, Y).
reach(X, Z) :- reach(X, Y), edge(Y, Z).`,
		map[string]bool{"edge": true}, map[string]bool{"reach": true})

	edges := []value.Tuple{intPair(1, 2), intPair(2, 1)}
	outside := func(relation string) []value.Tuple {
		if relation == "edge" {
			return edges
		}
		return nil
	}

	e := NewEngine(0)
	result, err := e.EvaluateComponent([]string{"reach"}, rules, outside)
	require.NoError(t, err)
	// 1 and 2 each reach both nodes.
	assert.Len(t, result["reach"], 4)
}

func TestNegationFiltersViaAntiJoin(t *testing.T) {
	rules := compileHead(t, "safe", `safe(X) :- node(X), not bad(X).`,
		map[string]bool{"node": true, "bad": true}, map[string]bool{})

	outside := func(relation string) []value.Tuple {
		switch relation {
		case "node":
			return []value.Tuple{{value.Int64(1)}, {value.Int64(2)}, {value.Int64(3)}}
		case "bad":
			return []value.Tuple{{value.Int64(2)}}
		}
		return nil
	}

	e := NewEngine(0)
	result, err := e.EvaluateComponent([]string{"safe"}, rules, outside)
	require.NoError(t, err)

	got := result["safe"]
	value.SortTuples(got)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0][0].AsInt64())
	assert.Equal(t, int64(3), got[1][0].AsInt64())
}

func TestHeadCountAggregateGroups(t *testing.T) {
	rules := compileHead(t, "total", `total(G, count<X>) :- item(G, X).`,
		map[string]bool{"item": true}, map[string]bool{})

	outside := func(relation string) []value.Tuple {
		if relation == "item" {
			return []value.Tuple{
				{value.String("a"), value.Int64(1)},
				{value.String("a"), value.Int64(2)},
				{value.String("b"), value.Int64(9)},
			}
		}
		return nil
	}

	e := NewEngine(0)
	result, err := e.EvaluateComponent([]string{"total"}, rules, outside)
	require.NoError(t, err)

	got := result["total"]
	value.SortTuples(got)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0][0].AsString())
	assert.Equal(t, int64(2), got[0][1].AsInt64())
	assert.Equal(t, "b", got[1][0].AsString())
	assert.Equal(t, int64(1), got[1][1].AsInt64())
}

func TestHeadTopKOrdersAscendingWithTieBreak(t *testing.T) {
	rules := compileHead(t, "nearest", `nearest(Id, top_k<2, Dist>) :- scored(Id, Dist).`,
		map[string]bool{"scored": true}, map[string]bool{})

	outside := func(relation string) []value.Tuple {
		if relation == "scored" {
			return []value.Tuple{
				{value.Int64(3), value.Float64(0.5)},
				{value.Int64(1), value.Float64(0.5)},
				{value.Int64(2), value.Float64(0.1)},
			}
		}
		return nil
	}

	e := NewEngine(0)
	result, err := e.EvaluateComponent([]string{"nearest"}, rules, outside)
	require.NoError(t, err)

	got := result["nearest"]
	require.Len(t, got, 2)
	// Smallest distance first; equal distances tie-break by ascending id.
	assert.Equal(t, int64(2), got[0][0].AsInt64())
	assert.Equal(t, int64(1), got[1][0].AsInt64())
}

func TestQueryAppliesSortAndLimit(t *testing.T) {
	prog, err := parser.Parse(`?point(X:desc), limit(2).`)
	require.NoError(t, err)
	stmt := prog.Statements[0]

	plan, _, err := planner.CompileQuery(stmt, nil, planner.DefaultPlannerOptions())
	require.NoError(t, err)

	lookup := func(relation string) []value.Tuple {
		return []value.Tuple{{value.Int64(1)}, {value.Int64(3)}, {value.Int64(2)}}
	}
	e := NewEngine(0)
	tuples, err := e.Query(plan, lookup, stmt.Outputs, stmt.Limit, stmt.HasLimit, stmt.Offset)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, int64(3), tuples[0][0].AsInt64())
	assert.Equal(t, int64(2), tuples[1][0].AsInt64())
}

func TestBooleanWitnessReportsWhetherAnyRowExists(t *testing.T) {
	prog, err := parser.Parse(`?flag(1).`)
	require.NoError(t, err)
	stmt := prog.Statements[0]

	plan, _, err := planner.CompileQuery(stmt, nil, planner.DefaultPlannerOptions())
	require.NoError(t, err)

	e := NewEngine(0)
	found, err := e.BooleanWitness(plan, func(string) []value.Tuple {
		return []value.Tuple{{value.Int64(1)}}
	})
	require.NoError(t, err)
	assert.True(t, found)

	found, err = e.BooleanWitness(plan, func(string) []value.Tuple { return nil })
	require.NoError(t, err)
	assert.False(t, found)
}
