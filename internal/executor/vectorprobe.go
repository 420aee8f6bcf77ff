package executor

import (
	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/planner"
	"github.com/lattice-kg/lattice/internal/value"
	"github.com/lattice-kg/lattice/internal/vectorindex"
)

// TryVectorProbe recognizes the narrow shape spec section 4.8 names
// explicitly — a single-atom rule body whose top_k/top_k_threshold/
// within_radius aggregate is fed by a distance-function comparison over
// an HNSW-indexed relation column — and, when it matches and an index is
// registered, substitutes an index probe for the full scan-and-sort path.
// Returns ok=false whenever the shape doesn't match or no index applies,
// so the caller can fall through to the general plan evaluator.
func (e *Engine) TryVectorProbe(cr *planner.CompiledRule, outside Lookup) ([]value.Tuple, bool, error) {
	if e.Indexes == nil || len(cr.Clauses) != 1 {
		return nil, false, nil
	}
	clause := cr.Clauses[0]
	agg, _, hasAgg := headAggregate(clause.Source.Head)
	if !hasAgg || (agg.Kind != parser.AggTopK && agg.Kind != parser.AggTopKThreshold && agg.Kind != parser.AggWithinRadius) {
		return nil, false, nil
	}

	scan := singleScan(clause.Plan.Root)
	if scan == nil {
		return nil, false, nil
	}

	preRow, distCmp, embedVar, queryTerm, metric, ok := findDistanceComparison(clause.Source.Body, agg.Var, scan.Atom)
	if !ok {
		return nil, false, nil
	}
	_ = distCmp

	queryVal, err := evalTerm(queryTerm, preRow)
	if err != nil {
		return nil, false, nil
	}
	queryVec := asFloat32s(queryVal)
	if queryVec == nil {
		return nil, false, nil
	}

	embedCol := -1
	for i, arg := range scan.Atom.Args {
		if arg.Kind == parser.TermVar && arg.Var == embedVar {
			embedCol = i
			break
		}
	}
	if embedCol < 0 {
		return nil, false, nil
	}

	idx, found := e.Indexes(scan.Relation, embedCol)
	if !found || idx.Metric() != metric {
		return nil, false, nil
	}

	k := agg.K
	if agg.Kind == parser.AggWithinRadius || k <= 0 {
		k = idx.Len()
	}
	results, err := idx.Search(queryVec, k, 0)
	if err != nil {
		return nil, false, err
	}

	tuples := outside(scan.Relation)
	byID := make(map[int64]value.Tuple, len(tuples))
	for _, t := range tuples {
		if len(t) == 0 {
			continue
		}
		id, ok := idFromValue(t[0])
		if ok {
			byID[id] = t
		}
	}

	var rows []Row
	for _, r := range results {
		t, found := byID[r.ID]
		if !found {
			continue
		}
		row, ok := bindAtom(Row{}, scan.Atom, t)
		if !ok {
			continue
		}
		row[agg.Var] = value.Float64(r.Distance)
		if agg.Kind != parser.AggTopK {
			n, _ := value.Float64(r.Distance).AsNumeric()
			if n > agg.Threshold {
				continue
			}
		}
		rows = append(rows, row)
	}

	out := dedupRows(rows, cr.OutputVars)
	return out, true, nil
}

func idFromValue(v value.Value) (int64, bool) {
	switch v.Kind() {
	case value.KindInt32:
		return int64(v.AsInt32()), true
	case value.KindInt64:
		return v.AsInt64(), true
	default:
		return 0, false
	}
}

func singleScan(n *planner.Node) *planner.Node {
	for n != nil {
		switch n.Kind {
		case planner.OpScan:
			return n
		case planner.OpFilter:
			n = n.Input
		default:
			return nil
		}
	}
	return nil
}

// findDistanceComparison scans a rule body for `distVar = distfunc(a, b)`
// (or the symmetric form), returning a binding row pre-populated from any
// constant-only comparisons (so the query-vector operand can be resolved
// without a live atom binding), the embedding-side variable name, the
// query-side term, and the metric the function name implies.
func findDistanceComparison(body []parser.BodyGoal, distVar string, scanAtom *parser.Atom) (Row, *parser.Comparison, string, parser.Term, vectorindex.Metric, bool) {
	scanVars := make(map[string]bool)
	for _, arg := range scanAtom.Args {
		if arg.Kind == parser.TermVar {
			scanVars[arg.Var] = true
		}
	}

	preRow := Row{}
	changed := true
	for changed {
		changed = false
		for _, goal := range body {
			c := goal.Comparison
			if c == nil || c.Op != "=" || c.Left.Kind != parser.TermVar {
				continue
			}
			if _, bound := preRow[c.Left.Var]; bound {
				continue
			}
			if scanVars[c.Left.Var] {
				continue
			}
			if v, err := evalTerm(c.Right, preRow); err == nil {
				preRow[c.Left.Var] = v
				changed = true
			}
		}
	}

	for i := range body {
		c := body[i].Comparison
		if c == nil || c.Op != "=" {
			continue
		}
		var callTerm, target parser.Term
		switch {
		case c.Left.Kind == parser.TermVar && c.Left.Var == distVar && c.Right.Kind == parser.TermCall:
			callTerm, target = c.Right, c.Left
		case c.Right.Kind == parser.TermVar && c.Right.Var == distVar && c.Left.Kind == parser.TermCall:
			callTerm, target = c.Left, c.Right
		default:
			continue
		}
		_ = target
		if len(callTerm.Args) != 2 {
			continue
		}
		metric, ok := metricForFunc(callTerm.Func)
		if !ok {
			continue
		}
		a, b := callTerm.Args[0], callTerm.Args[1]
		if a.Kind == parser.TermVar && scanVars[a.Var] {
			return preRow, body[i].Comparison, a.Var, b, metric, true
		}
		if b.Kind == parser.TermVar && scanVars[b.Var] {
			return preRow, body[i].Comparison, b.Var, a, metric, true
		}
	}
	return nil, nil, "", parser.Term{}, 0, false
}

func metricForFunc(fn string) (vectorindex.Metric, bool) {
	switch fn {
	case "euclidean", "l2":
		return vectorindex.MetricEuclidean, true
	case "cosine":
		return vectorindex.MetricCosine, true
	case "dot":
		return vectorindex.MetricDot, true
	case "manhattan":
		return vectorindex.MetricManhattan, true
	default:
		return 0, false
	}
}
