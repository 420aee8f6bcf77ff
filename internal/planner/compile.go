package planner

import (
	"fmt"
	"sort"

	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/stats"
	"github.com/lattice-kg/lattice/internal/value"
)

// Clause is one compiled body (one rule definition) contributing to a
// head relation's output; several clauses union together when more than
// one rule shares the same head (e.g. same-generation's base and
// recursive cases).
type Clause struct {
	Plan             *Plan
	Source           parser.Statement
	ScannedRelations []string // relations directly scanned by this clause's body
}

// CompiledRule is a rule with everything the executor needs to evaluate
// its head relation, per spec section 3's CompiledRule type.
type CompiledRule struct {
	Name         string
	Clauses      []Clause
	BaseDeps     map[string]bool // transitive base-relation dependencies
	IsRecursive  bool
	OutputVars   []string // head argument variable names, in column order
	Stratum      int
}

// CompileHead compiles every rule statement in rules (all must share the
// same head relation) into a single CompiledRule. baseRelations names
// every relation known to be an EDB (fed from outside); recursive marks
// relations participating in a dependency cycle (from stratify.SCCs).
func CompileHead(name string, rules []parser.Statement, baseRelations map[string]bool, recursive map[string]bool, statsMgr *stats.Manager, opts PlannerOptions) (*CompiledRule, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("planner: no rules for head %q", name)
	}

	cr := &CompiledRule{
		Name:        name,
		BaseDeps:    make(map[string]bool),
		IsRecursive: recursive[name],
	}

	for _, rule := range rules {
		if rule.Head == nil || rule.Head.Relation != name {
			return nil, fmt.Errorf("planner: rule head mismatch for %q", name)
		}
		plan, scanned, err := compileBody(rule, statsMgr, opts)
		if err != nil {
			return nil, fmt.Errorf("planner: compiling rule for %q: %w", name, err)
		}
		cr.Clauses = append(cr.Clauses, Clause{Plan: plan, Source: rule, ScannedRelations: scanned})
		for _, r := range scanned {
			if baseRelations[r] {
				cr.BaseDeps[r] = true
			}
		}
	}

	cr.OutputVars = headVars(rules[0].Head)
	return cr, nil
}

func headVars(head *parser.Atom) []string {
	vars := make([]string, len(head.Args))
	for i, arg := range head.Args {
		switch {
		case arg.Kind == parser.TermVar:
			vars[i] = arg.Var
		case arg.Kind == parser.TermCall && arg.Func == "__aggregate__" && len(arg.Args) > 1:
			// The aggregate wrapper's own output column is the variable it
			// reduces (or ranks) over, e.g. Dist in top_k<2, Dist, asc> —
			// use that name so the fixpoint loop's Row-to-Tuple conversion
			// can find it among the body's bound variables.
			vars[i] = arg.Args[1].Var
		default:
			vars[i] = fmt.Sprintf("$col%d", i)
		}
	}
	return vars
}

// compileBody builds a logical plan for one rule body: positive atoms join
// (join-planning pass orders them by estimated cardinality), negated atoms
// become AntiJoin filters, comparisons become Filter nodes, and the SIP
// pass attaches bloom pre-filters to joins when enabled.
func compileBody(rule parser.Statement, statsMgr *stats.Manager, opts PlannerOptions) (*Plan, []string, error) {
	var positive []*parser.Atom
	var negative []*parser.Atom
	var comparisons []parser.Comparison

	for i := range rule.Body {
		goal := rule.Body[i]
		switch {
		case goal.Atom != nil && !goal.Atom.Negated:
			positive = append(positive, goal.Atom)
		case goal.Atom != nil && goal.Atom.Negated:
			negative = append(negative, goal.Atom)
		case goal.Comparison != nil:
			comparisons = append(comparisons, *goal.Comparison)
		}
	}

	if len(positive) == 0 {
		return nil, nil, fmt.Errorf("rule body has no positive atoms")
	}

	scanned := make([]string, 0, len(positive)+len(negative))
	for _, a := range positive {
		scanned = append(scanned, a.Relation)
	}
	for _, a := range negative {
		scanned = append(scanned, a.Relation)
	}

	order := positive
	if opts.EnableJoinPlanning {
		order = orderByCardinality(positive, statsMgr, opts)
	}

	root := scanNode(order[0])
	for _, atom := range order[1:] {
		right := scanNode(atom)
		root = joinNodes(root, right, opts)
	}

	for _, atom := range negative {
		root = &Node{Kind: OpAntiJoin, Vars: root.Vars, Left: root, Right: scanNode(atom), JoinKeys: sharedKeys(root.Vars, varsOf(atom))}
	}

	// Most selective filters first, so later filters see fewer rows.
	if opts.EnableJoinPlanning && statsMgr != nil && len(comparisons) > 1 {
		sort.SliceStable(comparisons, func(i, j int) bool {
			return filterSelectivity(comparisons[i], positive, statsMgr) < filterSelectivity(comparisons[j], positive, statsMgr)
		})
	}
	for _, cmp := range comparisons {
		root = &Node{Kind: OpFilter, Vars: root.Vars, Input: root, Comparisons: []parser.Comparison{cmp}}
	}

	if opts.EnableSIPRewriting {
		applySIP(root, opts)
	}
	if opts.EnableSubplanSharing {
		root = shareSubplans(root)
	}

	plan := &Plan{Root: root, Outputs: headVars(rule.Head)}
	if opts.EnableBooleanSpecialization {
		specializeBoolean(plan, rule)
	}
	return plan, scanned, nil
}

// CompileQuery compiles an ad-hoc StmtQuery's goal list into a Plan whose
// Outputs are the query's requested output variables, in order. Unlike a
// rule body, a query carries no head atom to drive join planning or
// boolean specialization off of — those passes are instead driven
// directly from the query's own Outputs.
func CompileQuery(stmt parser.Statement, statsMgr *stats.Manager, opts PlannerOptions) (*Plan, []string, error) {
	outVars := make([]string, len(stmt.Outputs))
	for i, o := range stmt.Outputs {
		outVars[i] = o.Var
	}
	synthetic := parser.Statement{
		Kind: parser.StmtRule,
		Head: &parser.Atom{Relation: "$query", Args: varTerms(outVars)},
		Body: stmt.Goals,
	}
	plan, scanned, err := compileBody(synthetic, statsMgr, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("planner: compiling query: %w", err)
	}
	if len(outVars) == 0 {
		plan.Root.Vars = append(Vars{}, plan.Root.Vars...)
	}
	return plan, scanned, nil
}

func varTerms(names []string) []parser.Term {
	out := make([]parser.Term, len(names))
	for i, n := range names {
		out[i] = parser.Term{Kind: parser.TermVar, Var: n}
	}
	return out
}

func scanNode(atom *parser.Atom) *Node {
	return &Node{Kind: OpScan, Vars: varsOf(atom), Relation: atom.Relation, Atom: atom}
}

func varsOf(atom *parser.Atom) Vars {
	seen := make(map[string]bool)
	var out Vars
	for _, arg := range atom.Args {
		if arg.Kind == parser.TermVar && arg.Var != "_" && !seen[arg.Var] {
			seen[arg.Var] = true
			out = append(out, arg.Var)
		}
	}
	return out
}

func sharedKeys(a, b Vars) [2][]string {
	bSet := make(map[string]bool, len(b))
	for _, v := range b {
		bSet[v] = true
	}
	var left, right []string
	for _, v := range a {
		if bSet[v] {
			left = append(left, v)
			right = append(right, v)
		}
	}
	return [2][]string{left, right}
}

// orderByCardinality implements the join-planning pass: greedily pick the
// next atom whose estimated join with the accumulated plan yields the
// smallest output, tie-breaking by lexicographic relation name for
// determinism, per spec section 4.7.
func orderByCardinality(atoms []*parser.Atom, statsMgr *stats.Manager, opts PlannerOptions) []*parser.Atom {
	remaining := append([]*parser.Atom(nil), atoms...)
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].Relation < remaining[j].Relation })

	ordered := []*parser.Atom{remaining[0]}
	remaining = remaining[1:]

	for len(remaining) > 0 {
		bestIdx := 0
		bestCard := -1
		for i, cand := range remaining {
			card := estimateCardinality(ordered, cand, statsMgr, opts)
			if bestCard < 0 || card < bestCard || (card == bestCard && cand.Relation < remaining[bestIdx].Relation) {
				bestCard = card
				bestIdx = i
			}
		}
		ordered = append(ordered, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return ordered
}

// estimateCardinality estimates the candidate's contribution to the
// accumulated join as |A⋈B| ≈ |A|·|B| / max(NDV_A, NDV_B) on the join
// key, taking the smallest estimate against any already-ordered atom
// sharing a variable; a candidate with no stats costs the default-
// selectivity constant, and one joining nothing costs its own
// cardinality.
func estimateCardinality(ordered []*parser.Atom, cand *parser.Atom, statsMgr *stats.Manager, opts PlannerOptions) int {
	if statsMgr == nil {
		return 1
	}
	rs := statsMgr.Get(cand.Relation)
	if rs == nil {
		return int(opts.DefaultSelectivity * 1000)
	}
	best := rs.Cardinality
	for _, prev := range ordered {
		pk, ck := sharedColumnIndices(prev, cand)
		if len(pk) == 0 {
			continue
		}
		if est := statsMgr.EstimateJoinCardinality(prev.Relation, pk, cand.Relation, ck); est < best {
			best = est
		}
	}
	return best
}

// filterSelectivity estimates the fraction of rows a `Var op const`
// comparison keeps, resolving Var to the first scanned column binding
// it. Comparisons that aren't in that shape estimate as 1 (no
// reordering preference).
func filterSelectivity(cmp parser.Comparison, atoms []*parser.Atom, m *stats.Manager) float64 {
	varSide, constSide := cmp.Left, cmp.Right
	op, ok := filterOpFor(cmp.Op, false)
	if varSide.Kind != parser.TermVar || constSide.Kind != parser.TermConst {
		varSide, constSide = cmp.Right, cmp.Left
		op, ok = filterOpFor(cmp.Op, true)
	}
	if !ok || varSide.Kind != parser.TermVar || constSide.Kind != parser.TermConst {
		return 1
	}
	for _, a := range atoms {
		for i, arg := range a.Args {
			if arg.Kind == parser.TermVar && arg.Var == varSide.Var {
				return m.EstimateFilterSelectivity(a.Relation, i, constTermValue(constSide), op)
			}
		}
	}
	return 1
}

// filterOpFor maps a comparison operator to its stats.FilterOp, mirrored
// when the variable sits on the right-hand side.
func filterOpFor(op string, mirrored bool) (stats.FilterOp, bool) {
	if mirrored {
		switch op {
		case "<":
			op = ">"
		case ">":
			op = "<"
		case "<=":
			op = ">="
		case ">=":
			op = "<="
		}
	}
	switch op {
	case "=", "==":
		return stats.OpEqual, true
	case "!=":
		return stats.OpNotEqual, true
	case "<":
		return stats.OpLess, true
	case "<=":
		return stats.OpLessEqual, true
	case ">":
		return stats.OpGreater, true
	case ">=":
		return stats.OpGreaterEqual, true
	default:
		return 0, false
	}
}

func constTermValue(t parser.Term) value.Value {
	switch t.Const.Kind {
	case parser.LitInt:
		return value.Int64(t.Const.Int)
	case parser.LitFloat:
		return value.Float64(t.Const.Float)
	case parser.LitString:
		return value.String(t.Const.Str)
	case parser.LitBool:
		return value.Bool(t.Const.Bool)
	default:
		return value.Null()
	}
}

// sharedColumnIndices pairs up the column positions at which both atoms
// bind the same variable, the join key the NDV estimate runs over.
func sharedColumnIndices(a, b *parser.Atom) ([]int, []int) {
	pos := make(map[string]int)
	for i, arg := range a.Args {
		if arg.Kind == parser.TermVar && arg.Var != "_" {
			if _, ok := pos[arg.Var]; !ok {
				pos[arg.Var] = i
			}
		}
	}
	var ak, bk []int
	for i, arg := range b.Args {
		if arg.Kind == parser.TermVar && arg.Var != "_" {
			if j, ok := pos[arg.Var]; ok {
				ak = append(ak, j)
				bk = append(bk, i)
			}
		}
	}
	return ak, bk
}

// joinNodes builds an equi-join (or cross join, if no shared variables)
// between left and right, merging their output variable lists with
// duplicates (the join key) collapsed to a single column.
func joinNodes(left, right *Node, opts PlannerOptions) *Node {
	keys := sharedKeys(left.Vars, right.Vars)
	outVars := append(Vars{}, left.Vars...)
	rightSet := make(map[string]bool, len(keys[1]))
	for _, k := range keys[1] {
		rightSet[k] = true
	}
	for _, v := range right.Vars {
		if !rightSet[v] {
			outVars = append(outVars, v)
		}
	}
	return &Node{Kind: OpJoin, Vars: outVars, Left: left, Right: right, JoinKeys: keys}
}

// applySIP walks the join tree and attaches a bloom pre-filter built from
// the side with fewer output variables (a cheap cardinality proxy used in
// place of re-querying stats at this point in the pipeline) onto the
// larger side's scan, per spec section 4.7.
func applySIP(n *Node, opts PlannerOptions) {
	if n == nil {
		return
	}
	if n.Kind == OpJoin && len(n.JoinKeys[0]) > 0 {
		small, large := n.Left, n.Right
		if len(small.Vars) > len(large.Vars) {
			small, large = large, small
		}
		if scan := findScan(large); scan != nil {
			scan.BloomProbe = &SIPFilter{SourceVars: n.JoinKeys[0], TargetRel: scan.Relation, FPR: opts.SIPTargetFPR}
		}
	}
	applySIP(n.Left, opts)
	applySIP(n.Right, opts)
	applySIP(n.Input, opts)
}

func findScan(n *Node) *Node {
	if n == nil {
		return nil
	}
	if n.Kind == OpScan {
		return n
	}
	if s := findScan(n.Left); s != nil {
		return s
	}
	if s := findScan(n.Right); s != nil {
		return s
	}
	return findScan(n.Input)
}

// shareSubplans hash-conses structurally identical subtrees (equality up
// to renaming of outputs unused downstream is approximated here as exact
// Vars+Kind+Relation+atom-argument structural equality, which covers the
// common case of the same atom scanned twice in one body).
func shareSubplans(root *Node) *Node {
	seen := make(map[string]*Node)
	var walk func(n *Node) *Node
	walk = func(n *Node) *Node {
		if n == nil {
			return nil
		}
		n.Left = walk(n.Left)
		n.Right = walk(n.Right)
		n.Input = walk(n.Input)
		key := structuralKey(n)
		if canon, ok := seen[key]; ok {
			return canon
		}
		seen[key] = n
		return n
	}
	return walk(root)
}

func structuralKey(n *Node) string {
	if n.Kind == OpScan {
		args := make([]string, len(n.Atom.Args))
		for i, a := range n.Atom.Args {
			args[i] = a.String()
		}
		return fmt.Sprintf("scan:%s:%v:%v", n.Relation, n.Vars, args)
	}
	return fmt.Sprintf("%p", n)
}

// specializeBoolean runs when the rule/query's outputs carry no variables
// (a pure existence check) and gives the root its own copy of its Vars
// slice. It does not rewrite the plan's shape: evaluating a specialized
// plan still computes every satisfying row.
func specializeBoolean(p *Plan, rule parser.Statement) {
	if len(p.Outputs) == 0 {
		p.Root.Vars = append(Vars{}, p.Root.Vars...)
	}
}
