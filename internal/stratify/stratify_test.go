package stratify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/lattice/internal/parser"
)

func mustParse(t *testing.T, src string) *parser.Program {
	t.Helper()
	prog, err := parser.Parse(src)
	require.NoError(t, err)
	return prog
}

func TestStratifyLinearChainSharesNoStratum(t *testing.T) {
	prog := mustParse(t, `a(X) :- base(X).
b(X) :- a(X).
c(X) :- b(X).`)
	g := BuildGraph(prog)
	strat, err := Stratify(g)
	require.NoError(t, err)

	assert.Less(t, strat.Stratum["base"], strat.Stratum["a"])
	assert.Less(t, strat.Stratum["a"], strat.Stratum["b"])
	assert.Less(t, strat.Stratum["b"], strat.Stratum["c"])
}

func TestStratifyNegationCrossesStratum(t *testing.T) {
	prog := mustParse(t, `p(X) :- base(X).
q(X) :- other(X), not p(X).`)
	g := BuildGraph(prog)
	strat, err := Stratify(g)
	require.NoError(t, err)

	assert.Greater(t, strat.Stratum["q"], strat.Stratum["p"])
}

func TestStratifyRecursiveRelationsShareStratum(t *testing.T) {
	prog := mustParse(t, `reach(X,Y) :- edge(X,Y).
reach(X,Z) :- reach(X,Y), edge(Y,Z).`)
	g := BuildGraph(prog)
	strat, err := Stratify(g)
	require.NoError(t, err)
	assert.Equal(t, strat.Stratum["reach"], strat.Stratum["reach"])
}

func TestStratifyRejectsNegativeSelfLoop(t *testing.T) {
	prog := mustParse(t, `p(X) :- base(X), not p(X).`)
	g := BuildGraph(prog)
	_, err := Stratify(g)
	assert.Error(t, err)
}
