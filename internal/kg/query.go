package kg

import (
	"fmt"
	"sort"

	"github.com/lattice-kg/lattice/internal/magicsets"
	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/planner"
	"github.com/lattice-kg/lattice/internal/session"
	"github.com/lattice-kg/lattice/internal/stratify"
	"github.com/lattice-kg/lattice/internal/value"
)

// execQuery answers a StmtQuery against this KG's persistent rules,
// layering sessionID's ephemeral facts and rules on top when one is
// supplied, per spec section 4.11. Magic-sets rewriting (section 4.5) is
// always attempted first; Rewrite itself is a no-op whenever no
// recursive relation carries a usable demand pattern (the S2
// same-generation case).
func (k *KG) execQuery(stmt parser.Statement, sessionID string) (*ExecResult, error) {
	outVars := make([]string, len(stmt.Outputs))
	for i, o := range stmt.Outputs {
		outVars[i] = o.Var
	}
	tuples, provenance, err := k.evalGoals(stmt.Goals, outVars, sessionID)
	if err != nil {
		return nil, err
	}
	tuples = sortAndPage(tuples, stmt.Outputs, stmt.Limit, stmt.HasLimit, stmt.Offset)
	return &ExecResult{Tuples: tuples, Outputs: outVars, Provenance: provenance}, nil
}

// evalGoals evaluates an arbitrary body (a query's goal list, or an
// atomic update's shared body) against persistent rules plus sessionID's
// overlay, returning rows positionally aligned with outVars. A nil
// provenance map means the caller asked for no session overlay, or the
// session was not found; a session with nothing ephemeral gets every row
// marked Persistent.
func (k *KG) evalGoals(goals []parser.BodyGoal, outVars []string, sessionID string) ([]value.Tuple, map[value.TupleKey]session.Provenance, error) {
	withEphemeral, err := k.evaluateProgram(goals, outVars, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sessionID == "" {
		return withEphemeral, nil, nil
	}
	s, ok := k.sessions.Get(sessionID)
	if !ok {
		return withEphemeral, nil, nil
	}
	if s.EphemeralCount() == 0 && len(s.EphemeralRules()) == 0 {
		provenance := make(map[value.TupleKey]session.Provenance, len(withEphemeral))
		for _, t := range withEphemeral {
			provenance[t.Key()] = session.Persistent
		}
		return withEphemeral, provenance, nil
	}

	persistentOnly, err := k.evaluateProgram(goals, outVars, "")
	if err != nil {
		return nil, nil, err
	}
	provenance := session.ComputeProvenance(withEphemeral, persistentOnly)
	k.recordEphemeralTouches(goals, sessionID, s)
	return withEphemeral, provenance, nil
}

// recordEphemeralTouches logs a QueryWithEphemeral audit event for every
// relation goals scans that sessionID currently overlays with ephemeral
// facts, per spec section 4.11's audit log.
func (k *KG) recordEphemeralTouches(goals []parser.BodyGoal, sessionID string, s *session.Session) {
	seen := make(map[string]bool)
	for _, g := range goals {
		if g.Atom == nil {
			continue
		}
		rel := g.Atom.Relation
		if seen[rel] {
			continue
		}
		if len(s.EphemeralTuples(rel)) > 0 {
			seen[rel] = true
			k.sessions.RecordQueryWithEphemeral(sessionID, rel)
		}
	}
}

// evaluateProgram compiles and runs persistent rules, plus sessionID's
// ephemeral rules when supplied, plus a synthetic __query__ rule wrapping
// goals, as one stratified bottom-up fixpoint evaluation, per spec
// sections 4.6/4.8. Base relations (including magic seed relations) are
// resolved through readBaseRelation so sessionID's ephemeral facts
// overlay every base scan reached transitively by the query — the
// mechanism S4's session-overlay recursive query relies on.
func (k *KG) evaluateProgram(goals []parser.BodyGoal, outVars []string, sessionID string) ([]value.Tuple, error) {
	combined := append([]parser.Statement{}, k.rules.All()...)
	if sessionID != "" {
		if s, ok := k.sessions.Get(sessionID); ok {
			if eph := s.EphemeralRules(); len(eph) > 0 {
				// A session rule overshadows a persistent rule sharing its
				// head: the query observes the session's version, not the
				// union of both clause sets.
				persistentHeads := make(map[string]bool)
				for _, n := range k.rules.Names() {
					persistentHeads[n] = true
				}
				shadowed, _ := k.sessions.OvershadowDetection(sessionID, persistentHeads)
				if len(shadowed) > 0 {
					drop := make(map[string]bool, len(shadowed))
					for _, h := range shadowed {
						drop[h] = true
					}
					kept := combined[:0]
					for _, stmt := range combined {
						if !drop[stmt.Head.Relation] {
							kept = append(kept, stmt)
						}
					}
					combined = kept
				}
				combined = append(combined, eph...)
			}
		}
	}
	combined = append(combined, parser.Statement{
		Kind: parser.StmtRule,
		Head: &parser.Atom{Relation: magicsets.QueryRelationName, Args: varTerms(outVars)},
		Body: goals,
	})

	rewritten, err := magicsets.Rewrite(&parser.Program{Statements: combined})
	if err != nil {
		return nil, err
	}

	byHead := make(map[string][]parser.Statement)
	var order []string
	for _, stmt := range rewritten.Program.Statements {
		name := stmt.Head.Relation
		if _, seen := byHead[name]; !seen {
			order = append(order, name)
		}
		byHead[name] = append(byHead[name], stmt)
	}

	// Fold magic seed tuples into the evaluation: a magic relation with
	// no propagation rule stays a pure seeded base relation (the common
	// S1 shape); one with a propagation-generated head instead gets a
	// synthetic union clause scanning a seed-only base relation, so its
	// own fixpoint sees the seeds as its base case.
	seeds := make(map[string][]value.Tuple, len(rewritten.Seeds))
	for name, tuples := range rewritten.Seeds {
		seeds[name] = tuples
	}
	for magicName, seedTuples := range rewritten.Seeds {
		if _, hasRule := byHead[magicName]; !hasRule || len(seedTuples) == 0 {
			continue
		}
		arity := len(seedTuples[0])
		argTerms := make([]parser.Term, arity)
		for i := range argTerms {
			argTerms[i] = parser.Term{Kind: parser.TermVar, Var: fmt.Sprintf("$seed%d", i)}
		}
		seedRelName := magicName + "$seed"
		byHead[magicName] = append(byHead[magicName], parser.Statement{
			Kind: parser.StmtRule,
			Head: &parser.Atom{Relation: magicName, Args: argTerms},
			Body: []parser.BodyGoal{{Atom: &parser.Atom{Relation: seedRelName, Args: argTerms}}},
		})
		seeds[seedRelName] = seedTuples
		delete(seeds, magicName)
	}

	g := &stratify.Graph{}
	for head, clauses := range byHead {
		for _, rule := range clauses {
			for _, goal := range rule.Body {
				if goal.Atom == nil {
					continue
				}
				g.AddEdge(head, goal.Atom.Relation, goal.Atom.Negated)
			}
		}
	}
	strat, err := stratify.Stratify(g)
	if err != nil {
		return nil, err
	}

	derivedSet := make(map[string]bool, len(byHead))
	for head := range byHead {
		derivedSet[head] = true
	}
	recursive := make(map[string]bool, len(strat.Components))
	for _, scc := range strat.Components {
		if len(scc) > 1 {
			for _, n := range scc {
				recursive[n] = true
			}
			continue
		}
		n := scc[0]
		for _, clause := range byHead[n] {
			for _, goal := range clause.Body {
				if goal.Atom != nil && goal.Atom.Relation == n {
					recursive[n] = true
				}
			}
		}
	}

	baseRelations := make(map[string]bool)
	for _, clauses := range byHead {
		for _, rule := range clauses {
			for _, goal := range rule.Body {
				if goal.Atom != nil && !derivedSet[goal.Atom.Relation] {
					baseRelations[goal.Atom.Relation] = true
				}
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		si, sj := strat.Stratum[order[i]], strat.Stratum[order[j]]
		if si != sj {
			return si < sj
		}
		return order[i] < order[j]
	})

	compiled := make(map[string]*planner.CompiledRule, len(order))
	for _, head := range order {
		cr, err := planner.CompileHead(head, byHead[head], baseRelations, recursive, k.statsMgr, k.cfg.PlannerOptions)
		if err != nil {
			return nil, fmt.Errorf("kg: compiling query component %q: %w", head, err)
		}
		cr.Stratum = strat.Stratum[head]
		compiled[head] = cr
	}

	byStratum := make(map[int][]string)
	var strataOrder []int
	seenStratum := make(map[int]bool)
	for _, head := range order {
		st := strat.Stratum[head]
		if !seenStratum[st] {
			seenStratum[st] = true
			strataOrder = append(strataOrder, st)
		}
		byStratum[st] = append(byStratum[st], head)
	}
	sort.Ints(strataOrder)

	computed := make(map[string][]value.Tuple)
	outside := func(relation string) []value.Tuple {
		if tuples, ok := computed[relation]; ok {
			return tuples
		}
		if tuples, ok := seeds[relation]; ok {
			return tuples
		}
		return k.readBaseRelation(relation, sessionID)
	}

	for _, st := range strataOrder {
		members := byStratum[st]
		results, err := k.engine.Executor().EvaluateComponent(members, compiled, outside)
		if err != nil {
			return nil, fmt.Errorf("kg: evaluating query stratum %v: %w", members, err)
		}
		for name, tuples := range results {
			computed[name] = tuples
		}
	}

	return computed[magicsets.QueryRelationName], nil
}

func varTerms(names []string) []parser.Term {
	out := make([]parser.Term, len(names))
	for i, n := range names {
		out[i] = parser.Term{Kind: parser.TermVar, Var: n}
	}
	return out
}

// sortAndPage applies a query's :asc/:desc output annotations (falling
// back to the engine's canonical total order when none are present),
// then limit/offset, per spec section 4.8.
func sortAndPage(tuples []value.Tuple, outputs []parser.OutputVar, limit int, hasLimit bool, offset int) []value.Tuple {
	hasSort := false
	for _, o := range outputs {
		if o.Sort != parser.SortNone {
			hasSort = true
			break
		}
	}
	if hasSort {
		sort.SliceStable(tuples, func(i, j int) bool {
			for col, o := range outputs {
				if o.Sort == parser.SortNone {
					continue
				}
				c := tuples[i][col].Compare(tuples[j][col])
				if o.Sort == parser.SortDesc {
					c = -c
				}
				if c != 0 {
					return c < 0
				}
			}
			return false
		})
	} else {
		value.SortTuples(tuples)
	}

	if offset > 0 {
		if offset >= len(tuples) {
			return nil
		}
		tuples = tuples[offset:]
	}
	if hasLimit && limit >= 0 && limit < len(tuples) {
		tuples = tuples[:limit]
	}
	return tuples
}
