package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Parse, render, and parse again: the second AST must equal the first.
func TestParseRenderParseRoundTrip(t *testing.T) {
	sources := []string{
		`edge(1, 2).`,
		`reach(X, Y) :- edge(X, Y).`,
		`reach(X, Z) :- reach(X, Y), edge(Y, Z).`,
		`adult(X) :- person(X, Age), Age >= 18, not banned(X).`,
		`summary(G, count<X>) :- item(G, X).`,
		`nearest(Id, top_k<2, Dist, desc>) :- doc(Id, E), Dist = cosine(E, [1, 0]).`,
		`close_by(Id, within_radius<Dist, 0.5>) :- doc(Id, E), Dist = euclidean(E, [0.5, 0.5]).`,
		`+point[(1, 2), (3, 4)].`,
		`-point(1, 2).`,
		`-old(X), +new(X) <- staged(X).`,
		`+person(name: string(not_empty), age: int(range(0, 150))).`,
		`+doc(id: int(primary), emb: vector(3)).`,
		`?reach(1, Y:desc), limit(10, 5).`,
		`?scored(X, S), S = (1 + 2) * 3.`,
	}
	for _, src := range sources {
		first, err := Parse(src)
		require.NoError(t, err, src)
		rendered := first.Render()
		second, err := Parse(rendered)
		require.NoError(t, err, rendered)
		assert.Equal(t, first, second, "round trip changed AST for %q (rendered %q)", src, rendered)
	}
}

func TestRenderIsStable(t *testing.T) {
	prog, err := Parse(`nearest(Id, top_k<2, Dist>) :- doc(Id, E), Dist = cosine(E, [0.1, 0.9]).`)
	require.NoError(t, err)
	once := prog.Render()
	again, err := Parse(once)
	require.NoError(t, err)
	assert.Equal(t, once, again.Render())
}
