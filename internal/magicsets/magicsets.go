// Package magicsets rewrites recursive rules so that bottom-up
// evaluation is restricted to tuples demanded by a query's constant
// bindings, per spec section 4.5.
package magicsets

import (
	"fmt"
	"sort"

	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/stratify"
	"github.com/lattice-kg/lattice/internal/value"
)

// QueryRelationName is the synthetic head relation a caller should use
// when wrapping a query's goals as a rule before calling Rewrite, the
// same role `__query__` plays in the reference design.
const QueryRelationName = "__query__"

// Adornment records, per argument position, whether that position
// carries a bound (demanded) constant.
type Adornment struct {
	Positions []bool
}

// Suffix renders the adornment as the "bf"/"bb"/"fb" style name suffix.
func (a Adornment) Suffix() string {
	b := make([]byte, len(a.Positions))
	for i, bound := range a.Positions {
		if bound {
			b[i] = 'b'
		} else {
			b[i] = 'f'
		}
	}
	return string(b)
}

// HasBound reports whether any position is bound.
func (a Adornment) HasBound() bool {
	for _, b := range a.Positions {
		if b {
			return true
		}
	}
	return false
}

// BoundIndices returns the argument positions marked bound.
func (a Adornment) BoundIndices() []int {
	var out []int
	for i, b := range a.Positions {
		if b {
			out = append(out, i)
		}
	}
	return out
}

// queryBinding is a detected demand pattern on a recursive relation.
type queryBinding struct {
	adornment      Adornment
	boundConstants []boundConstant
}

type boundConstant struct {
	index int
	term  parser.Term
}

// AdornedName returns "rel_bf"-style name for the relation under the
// given adornment.
func AdornedName(relation string, a Adornment) string {
	return fmt.Sprintf("%s_%s", relation, a.Suffix())
}

// MagicName returns "magic_rel_bf"-style name for the relation under
// the given adornment.
func MagicName(relation string, a Adornment) string {
	return fmt.Sprintf("magic_%s_%s", relation, a.Suffix())
}

// FindRecursiveRelations returns the set of relations participating in
// recursion: every relation in a multi-member SCC, plus any singleton
// SCC with a direct self-edge.
func FindRecursiveRelations(prog *parser.Program) map[string]bool {
	g := stratify.BuildGraph(prog)
	sccs := g.SCCs()
	out := make(map[string]bool)
	for _, scc := range sccs {
		if len(scc) > 1 {
			for _, r := range scc {
				out[r] = true
			}
			continue
		}
		// singleton: check for a direct self-edge
		r := scc[0]
		for _, stmt := range prog.Statements {
			if stmt.Kind != parser.StmtRule || stmt.Head == nil || stmt.Head.Relation != r {
				continue
			}
			for _, goal := range stmt.Body {
				if goal.Atom != nil && goal.Atom.Relation == r {
					out[r] = true
				}
			}
		}
	}
	return out
}

// computeInvariantPositions finds, for each recursive relation, the
// set of head argument positions that use the same variable as every
// recursive body atom referencing that relation, across every rule
// defining it.
func computeInvariantPositions(prog *parser.Program, recursive map[string]bool) map[string]map[int]bool {
	result := make(map[string]map[int]bool)

	for rel := range recursive {
		var rules []parser.Statement
		for _, stmt := range prog.Statements {
			if stmt.Kind == parser.StmtRule && stmt.Head != nil && stmt.Head.Relation == rel {
				rules = append(rules, stmt)
			}
		}
		if len(rules) == 0 {
			continue
		}

		arity := len(rules[0].Head.Args)
		invariant := make(map[int]bool, arity)
		for i := 0; i < arity; i++ {
			invariant[i] = true
		}

		for _, rule := range rules {
			for _, goal := range rule.Body {
				if goal.Atom == nil || goal.Atom.Relation != rel {
					continue
				}
				atom := goal.Atom
				for pos := 0; pos < arity; pos++ {
					if pos >= len(atom.Args) {
						delete(invariant, pos)
						continue
					}
					head := rule.Head.Args[pos]
					body := atom.Args[pos]
					if head.Kind == parser.TermVar && body.Kind == parser.TermVar && head.Var == body.Var {
						continue
					}
					delete(invariant, pos)
				}
			}
		}
		result[rel] = invariant
	}
	return result
}

func isGround(t parser.Term) bool {
	return t.Kind == parser.TermConst
}

// detectQueryBindings scans every `__query__` rule for equality
// constraints and computes the adornment they induce on each
// recursive body atom, marking a position bound only when it is
// invariant across recursion.
func detectQueryBindings(prog *parser.Program, recursive map[string]bool) map[string]queryBinding {
	invariants := computeInvariantPositions(prog, recursive)
	result := make(map[string]queryBinding)

	for _, rule := range prog.Statements {
		if rule.Kind != parser.StmtRule || rule.Head == nil || rule.Head.Relation != QueryRelationName {
			continue
		}

		varToConstant := make(map[string]parser.Term)
		for _, goal := range rule.Body {
			c := goal.Comparison
			if c == nil || c.Op != "=" {
				continue
			}
			if c.Left.Kind == parser.TermVar && isGround(c.Right) {
				varToConstant[c.Left.Var] = c.Right
			} else if c.Right.Kind == parser.TermVar && isGround(c.Left) {
				varToConstant[c.Right.Var] = c.Left
			}
		}
		if len(varToConstant) == 0 {
			continue
		}

		for _, goal := range rule.Body {
			if goal.Atom == nil || goal.Atom.Negated || !recursive[goal.Atom.Relation] {
				continue
			}
			atom := goal.Atom
			inv := invariants[atom.Relation]

			var positions []bool
			var constants []boundConstant
			for i, arg := range atom.Args {
				bound := false
				if arg.Kind == parser.TermVar {
					if c, ok := varToConstant[arg.Var]; ok && inv[i] {
						bound = true
						constants = append(constants, boundConstant{index: i, term: c})
					}
				}
				positions = append(positions, bound)
			}

			adornment := Adornment{Positions: positions}
			if adornment.HasBound() {
				result[atom.Relation] = queryBinding{adornment: adornment, boundConstants: constants}
			}
		}
	}
	return result
}

// Result is the outcome of a magic-sets rewrite: the rewritten program
// and the seed tuples to inject as facts of each magic relation.
type Result struct {
	Program *parser.Program
	Seeds   map[string][]value.Tuple
}

// Rewrite detects query bindings in prog (which must already contain a
// synthesized `__query__` rule for the query being answered) and, if
// any recursive relation has a demand pattern, rewrites the program's
// rules accordingly. If no recursive relation has a query binding, the
// original program is returned unchanged and Seeds is empty — this is
// the S2 "not adorned" case (e.g. same-generation, where the bound
// position is not invariant across recursion).
func Rewrite(prog *parser.Program) (*Result, error) {
	recursive := FindRecursiveRelations(prog)
	bindings := detectQueryBindings(prog, recursive)
	if len(bindings) == 0 {
		return &Result{Program: prog, Seeds: map[string][]value.Tuple{}}, nil
	}

	var newStatements []parser.Statement
	seeds := make(map[string][]value.Tuple)

	for _, rule := range prog.Statements {
		if rule.Kind != parser.StmtRule || rule.Head == nil {
			newStatements = append(newStatements, rule)
			continue
		}

		if binding, ok := bindings[rule.Head.Relation]; ok {
			adornedName := AdornedName(rule.Head.Relation, binding.adornment)
			magicName := MagicName(rule.Head.Relation, binding.adornment)

			newStatements = append(newStatements, adornRule(rule, adornedName, magicName, binding, bindings))

			if prop, ok := generatePropagationRule(rule, magicName, binding, bindings); ok {
				newStatements = append(newStatements, prop)
			}

			if _, seeded := seeds[magicName]; !seeded {
				seeds[magicName] = []value.Tuple{buildSeedTuple(binding.boundConstants)}
			}
			continue
		}

		newStatements = append(newStatements, rewriteReferences(rule, bindings))
	}

	return &Result{Program: &parser.Program{Statements: newStatements}, Seeds: seeds}, nil
}

func adornRule(rule parser.Statement, adornedName, magicName string, binding queryBinding, bindings map[string]queryBinding) parser.Statement {
	var magicArgs []parser.Term
	for _, i := range binding.adornment.BoundIndices() {
		magicArgs = append(magicArgs, rule.Head.Args[i])
	}
	magicAtom := parser.Atom{Relation: magicName, Args: magicArgs}

	adornedHead := &parser.Atom{Relation: adornedName, Args: rule.Head.Args}

	body := []parser.BodyGoal{{Atom: &magicAtom}}
	for _, goal := range rule.Body {
		if goal.Atom != nil {
			if b, ok := bindings[goal.Atom.Relation]; ok {
				renamed := *goal.Atom
				renamed.Relation = AdornedName(goal.Atom.Relation, b.adornment)
				body = append(body, parser.BodyGoal{Atom: &renamed})
				continue
			}
		}
		body = append(body, goal)
	}

	return parser.Statement{Kind: parser.StmtRule, Head: adornedHead, Body: body}
}

// generatePropagationRule emits `magic_rel(rec_bound_args) <-
// magic_rel(head_bound_args), <non-recursive body>` when a recursive
// body atom binds different variables at the bound positions than the
// head does (e.g. same-generation's X -> Xp).
func generatePropagationRule(rule parser.Statement, magicName string, binding queryBinding, bindings map[string]queryBinding) (parser.Statement, bool) {
	var recursiveAtoms []*parser.Atom
	for _, goal := range rule.Body {
		if goal.Atom != nil && goal.Atom.Relation == rule.Head.Relation {
			if _, ok := bindings[goal.Atom.Relation]; ok {
				recursiveAtoms = append(recursiveAtoms, goal.Atom)
			}
		}
	}
	if len(recursiveAtoms) == 0 {
		return parser.Statement{}, false
	}

	boundIdx := binding.adornment.BoundIndices()

	for _, recAtom := range recursiveAtoms {
		needsPropagation := false
		for _, idx := range boundIdx {
			if idx < len(rule.Head.Args) && idx < len(recAtom.Args) {
				if !termsEqual(rule.Head.Args[idx], recAtom.Args[idx]) {
					needsPropagation = true
					break
				}
			}
		}
		if !needsPropagation {
			continue
		}

		var headMagicArgs, recMagicArgs []parser.Term
		for _, i := range boundIdx {
			headMagicArgs = append(headMagicArgs, rule.Head.Args[i])
			recMagicArgs = append(recMagicArgs, recAtom.Args[i])
		}
		headMagic := parser.Atom{Relation: magicName, Args: headMagicArgs}
		propHead := &parser.Atom{Relation: magicName, Args: recMagicArgs}

		body := []parser.BodyGoal{{Atom: &headMagic}}
		for _, goal := range rule.Body {
			if goal.Atom != nil {
				if _, adorned := bindings[goal.Atom.Relation]; adorned {
					continue
				}
				body = append(body, goal)
				continue
			}
			if goal.Comparison != nil {
				body = append(body, goal)
			}
		}
		return parser.Statement{Kind: parser.StmtRule, Head: propHead, Body: body}, true
	}
	return parser.Statement{}, false
}

func termsEqual(a, b parser.Term) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case parser.TermVar:
		return a.Var == b.Var
	case parser.TermConst:
		return termToValue(a).Equal(termToValue(b))
	default:
		return false
	}
}

func termToValue(t parser.Term) value.Value {
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

func buildSeedTuple(constants []boundConstant) value.Tuple {
	sorted := make([]boundConstant, len(constants))
	copy(sorted, constants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].index < sorted[j].index })

	tup := make(value.Tuple, len(sorted))
	for i, c := range sorted {
		tup[i] = termToValue(c.term)
	}
	return tup
}

// rewriteReferences renames any body atom (positive or negated) that
// references an adorned relation to its adorned name, leaving
// everything else untouched. Used both for the rewritten `__query__`
// rule and for any other non-adorned rule whose body mentions an
// adorned relation.
func rewriteReferences(rule parser.Statement, bindings map[string]queryBinding) parser.Statement {
	hasRef := false
	for _, goal := range rule.Body {
		if goal.Atom != nil {
			if _, ok := bindings[goal.Atom.Relation]; ok {
				hasRef = true
				break
			}
		}
	}
	if !hasRef {
		return rule
	}

	newBody := make([]parser.BodyGoal, len(rule.Body))
	for i, goal := range rule.Body {
		if goal.Atom != nil {
			if b, ok := bindings[goal.Atom.Relation]; ok {
				renamed := *goal.Atom
				renamed.Relation = AdornedName(goal.Atom.Relation, b.adornment)
				newBody[i] = parser.BodyGoal{Atom: &renamed}
				continue
			}
		}
		newBody[i] = goal
	}
	rule.Body = newBody
	return rule
}
