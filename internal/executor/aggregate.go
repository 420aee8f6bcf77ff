package executor

import (
	"fmt"
	"sort"

	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/value"
)

// headAggregate, if head carries exactly one `__aggregate__` call term
// among its arguments, decodes it back into a parser.Aggregate plus the
// position it occupies; aggregateAsTerms in the parser is the inverse of
// this decode.
func headAggregate(head *parser.Atom) (parser.Aggregate, int, bool) {
	for i, arg := range head.Args {
		if arg.Kind == parser.TermCall && arg.Func == "__aggregate__" {
			a := arg.Args
			kind := parser.AggStandard
			switch a[0].Const.Str {
			case "top_k":
				kind = parser.AggTopK
			case "top_k_threshold":
				kind = parser.AggTopKThreshold
			case "within_radius":
				kind = parser.AggWithinRadius
			}
			return parser.Aggregate{
				Kind:      kind,
				Func:      a[0].Const.Str,
				Var:       a[1].Var,
				K:         int(a[2].Const.Int),
				Threshold: a[3].Const.Float,
				Desc:      a[4].Const.Bool,
			}, i, true
		}
	}
	return parser.Aggregate{}, -1, false
}

// groupKey builds a stable map key from every head variable that is not
// the aggregate's own input variable (the group-by columns).
func groupKey(row Row, groupVars []string) string {
	var sb []byte
	for _, v := range groupVars {
		val, ok := row[v]
		if ok {
			sb = append(sb, []byte(val.String())...)
		}
		sb = append(sb, 0)
	}
	return string(sb)
}

// applyAggregate groups rows by every head variable except the aggregated
// one and reduces each group per the aggregate function, per spec section
// 4.8 ("aggregation happens at stratum end on the stabilized result").
func applyAggregate(rows []Row, agg parser.Aggregate, groupVars []string) ([]Row, error) {
	type group struct {
		key  string
		base Row
		vals []value.Value
	}
	order := make([]string, 0)
	groups := make(map[string]*group)
	for _, row := range rows {
		v, ok := row[agg.Var]
		if !ok {
			continue
		}
		k := groupKey(row, groupVars)
		g, exists := groups[k]
		if !exists {
			base := make(Row, len(groupVars))
			for _, gv := range groupVars {
				if val, ok := row[gv]; ok {
					base[gv] = val
				}
			}
			g = &group{key: k, base: base}
			groups[k] = g
			order = append(order, k)
		}
		g.vals = append(g.vals, v)
	}

	out := make([]Row, 0, len(order))
	for _, k := range order {
		g := groups[k]
		reduced, err := reduce(agg.Func, g.vals)
		if err != nil {
			return nil, err
		}
		row := g.base.clone()
		row[agg.Var] = reduced
		out = append(out, row)
	}
	return out, nil
}

func reduce(fn string, vals []value.Value) (value.Value, error) {
	switch fn {
	case "count":
		return value.Int64(int64(len(vals))), nil
	case "count_distinct":
		seen := make(map[string]bool)
		for _, v := range vals {
			seen[v.String()] = true
		}
		return value.Int64(int64(len(seen))), nil
	case "sum":
		var sum float64
		for _, v := range vals {
			n, _ := v.AsNumeric()
			sum += n
		}
		return value.Float64(sum), nil
	case "avg":
		if len(vals) == 0 {
			return value.Float64(0), nil
		}
		var sum float64
		for _, v := range vals {
			n, _ := v.AsNumeric()
			sum += n
		}
		return value.Float64(sum / float64(len(vals))), nil
	case "min":
		best := vals[0]
		for _, v := range vals[1:] {
			if v.Compare(best) < 0 {
				best = v
			}
		}
		return best, nil
	case "max":
		best := vals[0]
		for _, v := range vals[1:] {
			if v.Compare(best) > 0 {
				best = v
			}
		}
		return best, nil
	default:
		return value.Null(), fmt.Errorf("executor: unknown aggregate function %q", fn)
	}
}

// applyTopK sorts rows by the aggregate variable (ascending distance by
// default, reversed when Desc is set — only the comparator direction
// flips, per spec section 4.8) and keeps the first K, tie-broken by every
// remaining output variable in lexicographic order for determinism.
func applyTopK(rows []Row, agg parser.Aggregate, tieBreakVars []string) []Row {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		vi, iok := sorted[i][agg.Var]
		vj, jok := sorted[j][agg.Var]
		if iok && jok {
			c := vi.Compare(vj)
			if agg.Desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		for _, v := range tieBreakVars {
			a, aok := sorted[i][v]
			b, bok := sorted[j][v]
			if aok && bok {
				if c := a.Compare(b); c != 0 {
					return c < 0
				}
			}
		}
		return false
	})
	if agg.Kind == parser.AggTopK && agg.K > 0 && len(sorted) > agg.K {
		sorted = sorted[:agg.K]
	}
	return sorted
}

// applyTopKThreshold keeps rows within Threshold of the aggregate
// variable, then applies the same top-K cut as applyTopK.
func applyTopKThreshold(rows []Row, agg parser.Aggregate, tieBreakVars []string) []Row {
	var within []Row
	for _, row := range rows {
		v, ok := row[agg.Var]
		if !ok {
			continue
		}
		n, numeric := v.AsNumeric()
		if numeric && n <= agg.Threshold {
			within = append(within, row)
		}
	}
	return applyTopK(within, parser.Aggregate{Kind: parser.AggTopK, Var: agg.Var, K: agg.K, Desc: agg.Desc}, tieBreakVars)
}

// applyWithinRadius keeps every row whose aggregate variable is within
// Threshold, sorted ascending by that variable (no K cutoff).
func applyWithinRadius(rows []Row, agg parser.Aggregate) []Row {
	var within []Row
	for _, row := range rows {
		v, ok := row[agg.Var]
		if !ok {
			continue
		}
		n, numeric := v.AsNumeric()
		if numeric && n <= agg.Threshold {
			within = append(within, row)
		}
	}
	sort.SliceStable(within, func(i, j int) bool {
		a, _ := within[i][agg.Var].AsNumeric()
		b, _ := within[j][agg.Var].AsNumeric()
		return a < b
	})
	return within
}
