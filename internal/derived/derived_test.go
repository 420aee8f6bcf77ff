package derived

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/planner"
	"github.com/lattice-kg/lattice/internal/value"
)

func rulesByHead(t *testing.T, src string) map[string][]parser.Statement {
	t.Helper()
	prog, err := parser.Parse(src)
	require.NoError(t, err)
	out := make(map[string][]parser.Statement)
	for _, stmt := range prog.Statements {
		if stmt.Kind == parser.StmtRule && stmt.Head != nil {
			out[stmt.Head.Relation] = append(out[stmt.Head.Relation], stmt)
		}
	}
	return out
}

func newTestManager() *Manager {
	return New(nil, planner.DefaultPlannerOptions())
}

// TestCascadeInvalidation exercises scenario S3: a chain a:-base, b:-a,
// c:-b, all materialized, then a base update must invalidate all three
// and report exactly that set.
func TestCascadeInvalidation(t *testing.T) {
	m := newTestManager()
	byHead := rulesByHead(t, `a(X) :- base(X).
b(X) :- a(X).
c(X) :- b(X).`)

	for _, head := range []string{"a", "b", "c"} {
		_, err := m.Register(head, byHead[head])
		require.NoError(t, err)
	}

	m.SetMaterialized("a", []value.Tuple{{value.Int64(1)}})
	m.SetMaterialized("b", []value.Tuple{{value.Int64(1)}})
	m.SetMaterialized("c", []value.Tuple{{value.Int64(1)}})

	affected := m.NotifyBaseUpdate("base")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, affected)

	for _, head := range []string{"a", "b", "c"} {
		_, ok := m.GetMaterialized(head)
		assert.False(t, ok, "%s should be invalid after cascade", head)
	}
}

func TestExecutionOrderRespectsStrata(t *testing.T) {
	m := newTestManager()
	byHead := rulesByHead(t, `a(X) :- base(X).
b(X) :- a(X).
c(X) :- b(X).`)
	for _, head := range []string{"c", "a", "b"} {
		_, err := m.Register(head, byHead[head])
		require.NoError(t, err)
	}

	order := m.ExecutionOrder()
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
}

func TestTransitiveBaseDependency(t *testing.T) {
	m := newTestManager()
	byHead := rulesByHead(t, `a(X) :- base(X).
b(X) :- a(X).
c(X) :- b(X).`)
	for _, head := range []string{"a", "b", "c"} {
		_, err := m.Register(head, byHead[head])
		require.NoError(t, err)
	}

	cr, ok := m.CompiledRule("c")
	require.True(t, ok)
	assert.True(t, cr.BaseDeps["base"], "c's transitive base dependency must include base even though only b is scanned directly")
}

func TestRemoveDropsDependentMaterialization(t *testing.T) {
	m := newTestManager()
	byHead := rulesByHead(t, `a(X) :- base(X).
b(X) :- a(X).`)
	for _, head := range []string{"a", "b"} {
		_, err := m.Register(head, byHead[head])
		require.NoError(t, err)
	}
	m.SetMaterialized("a", []value.Tuple{{value.Int64(1)}})

	require.NoError(t, m.Remove("a"))
	_, ok := m.GetMaterialized("a")
	assert.False(t, ok)
	_, ok = m.CompiledRule("a")
	assert.False(t, ok)
}

func TestGetMaterializedCheckedRejectsStaleBaseVersion(t *testing.T) {
	m := newTestManager()
	byHead := rulesByHead(t, `a(X) :- base(X).`)
	_, err := m.Register("a", byHead["a"])
	require.NoError(t, err)

	m.SetMaterialized("a", []value.Tuple{{value.Int64(1)}})
	mr, ok := m.GetMaterializedChecked("a", map[string]int{"base": 0})
	require.True(t, ok)
	assert.Equal(t, 1, mr.Version)

	m.NotifyBaseUpdate("base")
	_, ok = m.GetMaterializedChecked("a", map[string]int{"base": m.BaseVersion("base")})
	assert.False(t, ok, "NotifyBaseUpdate already marks the entry invalid directly")
}
