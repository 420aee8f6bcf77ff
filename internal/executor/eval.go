package executor

import (
	"fmt"

	"github.com/lattice-kg/lattice/internal/bloom"
	"github.com/lattice-kg/lattice/internal/planner"
	"github.com/lattice-kg/lattice/internal/value"
)

// Lookup resolves a relation name to its current tuple contents during one
// evaluation pass. The incremental engine / semi-naive loop swaps in
// different Lookup implementations (delta vs. fully-accumulated) across
// iterations without the plan-walking code needing to know the
// difference, per spec section 4.8.
type Lookup func(relation string) []value.Tuple

// evalEnv resolves relation scans during one plan walk. overrides remap
// individual scan nodes to explicit tuple sets (the semi-naive
// differentiation in executor.go pins one occurrence of a recursive
// relation to the delta and the rest to the accumulated full set);
// every scan without an override falls through to lookup by name.
type evalEnv struct {
	lookup    Lookup
	overrides map[*planner.Node][]value.Tuple
}

func (env evalEnv) scan(n *planner.Node) []value.Tuple {
	if t, ok := env.overrides[n]; ok {
		return t
	}
	return env.lookup(n.Relation)
}

// evalPlan walks a compiled plan tree bottom-up, producing the rows it
// denotes under the given relation lookup.
func evalPlan(n *planner.Node, lookup Lookup) ([]Row, error) {
	return evalPlanEnv(n, evalEnv{lookup: lookup})
}

func evalPlanEnv(n *planner.Node, env evalEnv) ([]Row, error) {
	if n == nil {
		return nil, nil
	}
	switch n.Kind {
	case planner.OpScan:
		return evalScan(n, env)
	case planner.OpJoin:
		return evalJoin(n, env)
	case planner.OpSemiJoin:
		return evalSemiJoin(n, env, true)
	case planner.OpAntiJoin:
		return evalSemiJoin(n, env, false)
	case planner.OpFilter:
		return evalFilter(n, env)
	case planner.OpProject:
		return evalPlanEnv(n.Input, env)
	case planner.OpUnion:
		var out []Row
		for _, in := range n.Inputs {
			rows, err := evalPlanEnv(in, env)
			if err != nil {
				return nil, err
			}
			out = append(out, rows...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("executor: unsupported plan node kind %v in eval", n.Kind)
	}
}

func evalScan(n *planner.Node, env evalEnv) ([]Row, error) {
	tuples := env.scan(n)
	rows := make([]Row, 0, len(tuples))
	for _, t := range tuples {
		row, ok := bindAtom(Row{}, n.Atom, t)
		if ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func evalFilter(n *planner.Node, env evalEnv) ([]Row, error) {
	in, err := evalPlanEnv(n.Input, env)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, row := range in {
		cur := row
		keep := true
		for _, cmp := range n.Comparisons {
			var ok bool
			cur, ok, err = evalComparison(cmp, cur)
			if err != nil {
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, cur)
		}
	}
	return out, nil
}

func evalJoin(n *planner.Node, env evalEnv) ([]Row, error) {
	left, err := evalPlanEnv(n.Left, env)
	if err != nil {
		return nil, err
	}
	right, err := evalPlanEnv(n.Right, env)
	if err != nil {
		return nil, err
	}

	keys := n.JoinKeys
	if len(keys[0]) == 0 {
		// cross join
		out := make([]Row, 0, len(left)*len(right))
		for _, l := range left {
			for _, r := range right {
				merged, ok := mergeRows(l, r)
				if ok {
					out = append(out, merged)
				}
			}
		}
		return out, nil
	}

	// Sideways information passing: when the planner attached a bloom
	// pre-filter to this join's larger side, build the filter from the
	// smaller side's join keys and drop non-matching rows before they
	// reach the hash table. False positives only admit rows the exact
	// join below rejects anyway.
	if probe := sipProbeFor(n.Right); probe != nil {
		right = bloomFilterRows(right, keys[1], left, keys[0], probe.FPR)
	} else if probe := sipProbeFor(n.Left); probe != nil {
		left = bloomFilterRows(left, keys[0], right, keys[1], probe.FPR)
	}

	index := make(map[string][]Row, len(right))
	for _, r := range right {
		index[rowKey(r, keys[1])] = append(index[rowKey(r, keys[1])], r)
	}

	var out []Row
	for _, l := range left {
		k := rowKey(l, keys[0])
		for _, r := range index[k] {
			merged, ok := mergeRows(l, r)
			if ok {
				out = append(out, merged)
			}
		}
	}
	return out, nil
}

// sipProbeFor returns the SIP annotation attached to the scan feeding
// this join operand, if the optimizer's SIP pass placed one there.
func sipProbeFor(n *planner.Node) *planner.SIPFilter {
	for n != nil {
		if n.Kind == planner.OpScan {
			return n.BloomProbe
		}
		n = n.Input
	}
	return nil
}

// bloomFilterRows builds a bloom filter over source's join keys and
// keeps only target rows whose own key might be present.
func bloomFilterRows(target []Row, targetKeys []string, source []Row, sourceKeys []string, fpr float64) []Row {
	if len(source) == 0 || len(target) == 0 {
		return target
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}
	f := bloom.New(len(source), fpr)
	for _, s := range source {
		f.Add([]byte(rowKey(s, sourceKeys)))
	}
	out := make([]Row, 0, len(target))
	for _, t := range target {
		if f.MightContain([]byte(rowKey(t, targetKeys))) {
			out = append(out, t)
		}
	}
	return out
}

// evalSemiJoin evaluates a SemiJoin (keep=true) or AntiJoin (keep=false):
// left rows are kept iff a matching right row exists (SemiJoin) or does
// not exist (AntiJoin), matching spec section 4.6's negation-as-filter
// shape.
func evalSemiJoin(n *planner.Node, env evalEnv, keepOnMatch bool) ([]Row, error) {
	left, err := evalPlanEnv(n.Left, env)
	if err != nil {
		return nil, err
	}
	right, err := evalPlanEnv(n.Right, env)
	if err != nil {
		return nil, err
	}

	keys := n.JoinKeys
	present := make(map[string]bool, len(right))
	for _, r := range right {
		present[rowKey(r, keys[1])] = true
	}

	var out []Row
	for _, l := range left {
		matched := present[rowKey(l, keys[0])]
		if matched == keepOnMatch {
			out = append(out, l)
		}
	}
	return out, nil
}

func rowKey(r Row, vars []string) string {
	var b []byte
	for _, v := range vars {
		val, ok := r[v]
		if ok {
			b = append(b, []byte(val.String())...)
		}
		b = append(b, 0)
	}
	return string(b)
}

// mergeRows combines two rows sharing zero or more variables; returns
// ok=false if they disagree on a shared variable's value (should not
// happen for properly hash-joined rows, but guards cross joins too).
func mergeRows(a, b Row) (Row, bool) {
	out := a.clone()
	for k, v := range b {
		if existing, ok := out[k]; ok {
			if !existing.Equal(v) {
				return nil, false
			}
			continue
		}
		out[k] = v
	}
	return out, true
}

func dedupRows(rows []Row, vars []string) []value.Tuple {
	seen := make(map[value.TupleKey]bool, len(rows))
	var out []value.Tuple
	for _, row := range rows {
		t, err := RowToTuple(row, vars)
		if err != nil {
			continue
		}
		k := t.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
	}
	return out
}
