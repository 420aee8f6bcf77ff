package executor

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/planner"
	"github.com/lattice-kg/lattice/internal/value"
	"github.com/lattice-kg/lattice/internal/vectorindex"
)

// execTracer is the OTel tracer for fixpoint-evaluation spans. It uses the
// global provider, a no-op until a host wires in a real one — same
// delegating-provider convention as the teacher's storage/dolt package.
var execTracer = otel.Tracer("github.com/lattice-kg/lattice/internal/executor")

var execMetrics struct {
	iterations metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/lattice-kg/lattice/internal/executor")
	execMetrics.iterations, _ = m.Int64Counter("lattice.executor.fixpoint_iterations",
		metric.WithDescription("Semi-naive fixpoint iterations run per evaluated component"),
		metric.WithUnit("{iteration}"),
	)
}

// endSpan records an error (if any) and ends the span, mirroring the
// teacher's own endSpan helper in internal/storage/dolt/store.go.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IndexLookup resolves the vector index registered over (relation,
// column), if any, letting the executor substitute an index probe for a
// materialized-vector scan when a query's aggregate permits it, per spec
// section 4.8.
type IndexLookup func(relation string, column int) (vectorindex.VectorIndex, bool)

// Engine evaluates compiled rules and ad-hoc queries against a Lookup of
// current relation contents. One Engine is shared by a KG's incremental
// worker for all stratum evaluation it performs.
type Engine struct {
	// Workers bounds the fixed-size goroutine pool used to evaluate the
	// member relations of one component concurrently (a member's clauses
	// run one after another inside its goroutine); 0 means
	// runtime.GOMAXPROCS(0), matching spec section 5's "worker count
	// configurable; 0 means default".
	Workers int
	Indexes IndexLookup
}

// NewEngine constructs an Engine with the given worker-pool size hint.
func NewEngine(workers int) *Engine {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{Workers: workers}
}

// maxFixpointIterations bounds the semi-naive loop as a safety net against
// a pathological or buggy rule set that never converges.
const maxFixpointIterations = 100000

// EvaluateComponent runs the semi-naive fixpoint loop (spec section 4.8)
// for one stratification component: a set of mutually (or trivially)
// recursive relations evaluated together until no member's delta grows.
// outside resolves any relation not itself a member (base relations and
// already-materialized relations from earlier components).
func (e *Engine) EvaluateComponent(members []string, rules map[string]*planner.CompiledRule, outside Lookup) (result map[string][]value.Tuple, err error) {
	_, span := execTracer.Start(context.Background(), "executor.evaluate_component",
		trace.WithAttributes(attribute.Int("lattice.component.size", len(members))),
	)
	defer func() { endSpan(span, err) }()

	full := make(map[string][]value.Tuple, len(members))
	delta := make(map[string][]value.Tuple, len(members))
	memberSet := make(map[string]bool, len(members))
	for _, m := range members {
		memberSet[m] = true
		full[m] = nil
		delta[m] = nil
	}

	if len(members) == 1 {
		if cr := rules[members[0]]; cr != nil && !cr.IsRecursive {
			if tuples, ok, err := e.TryVectorProbe(cr, outside); err != nil {
				return nil, fmt.Errorf("executor: vector probe for %q: %w", cr.Name, err)
			} else if ok {
				return map[string][]value.Tuple{cr.Name: tuples}, nil
			}
		}
	}

	iter := 0
	for ; iter < maxFixpointIterations; iter++ {
		results := e.evaluateMembers(members, rules, memberSet, delta, full, outside)

		anyGrowth := false
		for _, res := range results {
			if res.err != nil {
				return nil, fmt.Errorf("executor: evaluating %q: %w", res.name, res.err)
			}
			cr := rules[res.name]
			var outVars []string
			if cr != nil {
				outVars = cr.OutputVars
			}
			existing := make(map[value.TupleKey]bool, len(full[res.name]))
			for _, t := range full[res.name] {
				existing[t.Key()] = true
			}
			var grown []value.Tuple
			for _, t := range dedupRows(res.rows, outVars) {
				if !existing[t.Key()] {
					grown = append(grown, t)
					existing[t.Key()] = true
				}
			}
			delta[res.name] = grown
			if len(grown) > 0 {
				anyGrowth = true
				full[res.name] = append(full[res.name], grown...)
			}
		}
		if !anyGrowth {
			break
		}
	}
	execMetrics.iterations.Add(context.Background(), int64(iter+1),
		metric.WithAttributes(attribute.Int("lattice.component.size", len(members))))

	out := make(map[string][]value.Tuple, len(members))
	for _, m := range members {
		cr := rules[m]
		if cr == nil {
			out[m] = full[m]
			continue
		}
		if agg, _, ok := headAggregate(cr.Clauses[0].Source.Head); ok {
			rows, err := e.rowsFor(full[m], cr.OutputVars)
			if err != nil {
				return nil, err
			}
			grouped, err := applyHeadAggregate(rows, agg, cr.OutputVars)
			if err != nil {
				return nil, fmt.Errorf("executor: aggregating %q: %w", m, err)
			}
			out[m] = dedupRows(grouped, cr.OutputVars)
			continue
		}
		out[m] = full[m]
	}
	return out, nil
}

// rowsFor re-expands materialized tuples back into Rows keyed by outVars,
// used when a post-fixpoint aggregate needs named-variable grouping.
func (e *Engine) rowsFor(tuples []value.Tuple, outVars []string) ([]Row, error) {
	rows := make([]Row, len(tuples))
	for i, t := range tuples {
		row := make(Row, len(outVars))
		for j, v := range outVars {
			if j < len(t) {
				row[v] = t[j]
			}
		}
		rows[i] = row
	}
	return rows, nil
}

// applyHeadAggregate dispatches to the standard grouping reducer or one of
// the vector aggregates (top_k / top_k_threshold / within_radius),
// grouping by every head variable other than the aggregate's own.
func applyHeadAggregate(rows []Row, agg parser.Aggregate, outVars []string) ([]Row, error) {
	var groupVars []string
	for _, v := range outVars {
		if v != agg.Var {
			groupVars = append(groupVars, v)
		}
	}
	switch agg.Kind {
	case parser.AggStandard:
		return applyAggregate(rows, agg, groupVars)
	case parser.AggTopK:
		return applyTopK(rows, agg, groupVars), nil
	case parser.AggTopKThreshold:
		return applyTopKThreshold(rows, agg, groupVars), nil
	case parser.AggWithinRadius:
		return applyWithinRadius(rows, agg), nil
	default:
		return nil, fmt.Errorf("executor: unknown aggregate kind %d", agg.Kind)
	}
}

// memberResult is one member relation's evaluation outcome for a single
// semi-naive iteration.
type memberResult struct {
	name string
	rows []Row
	err  error
}

// evaluateMembers evaluates every member relation's clauses concurrently
// using a bounded semaphore, preserving input order in the result slice —
// grounded on the teacher's bounded-semaphore-plus-waitgroup concurrency
// idiom (sem := make(chan struct{}, n)). delta and full are only written
// between iterations by the fixpoint loop, so the goroutines read them
// without locking.
func (e *Engine) evaluateMembers(members []string, rules map[string]*planner.CompiledRule, memberSet map[string]bool, delta, full map[string][]value.Tuple, outside Lookup) []memberResult {
	lookup := func(name string) []value.Tuple {
		if memberSet[name] {
			return delta[name]
		}
		return outside(name)
	}

	results := make([]memberResult, len(members))
	sem := make(chan struct{}, max(e.Workers, 1))
	var wg sync.WaitGroup
	for i, name := range members {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, name string) {
			defer wg.Done()
			defer func() { <-sem }()
			cr := rules[name]
			if cr == nil {
				results[i] = memberResult{name: name}
				return
			}
			var rows []Row
			for _, clause := range cr.Clauses {
				r, err := e.evalClause(clause, memberSet, delta, full, lookup)
				if err != nil {
					results[i] = memberResult{name: name, err: err}
					return
				}
				// Each clause names its head columns with its own variables
				// (reach(X, Z) vs reach(X, Y)); rename them by position to
				// cr.OutputVars, which the fixpoint loop projects on.
				for _, row := range r {
					aligned := make(Row, len(cr.OutputVars))
					for j, v := range cr.OutputVars {
						if j < len(clause.Plan.Outputs) {
							if val, ok := row[clause.Plan.Outputs[j]]; ok {
								aligned[v] = val
							}
						}
					}
					rows = append(rows, aligned)
				}
			}
			results[i] = memberResult{name: name, rows: rows}
		}(i, name)
	}
	wg.Wait()
	return results
}

// evalClause evaluates one rule clause under semi-naive differentiation:
// a body with k occurrences of component-member relations is the union
// of k variants in which exactly one occurrence reads the delta and the
// rest read the accumulated full set, so R^{i+1} = R^i ∪ Rule(ΔR^i, R^i)
// holds even when the same recursive relation is scanned more than once
// (e.g. tc(X,Z) :- tc(X,Y), tc(Y,Z)). full contains delta, so every
// combination touching at least one delta tuple is covered.
func (e *Engine) evalClause(clause planner.Clause, memberSet map[string]bool, delta, full map[string][]value.Tuple, lookup Lookup) ([]Row, error) {
	scans := memberScanNodes(clause.Plan.Root, memberSet)
	if len(scans) <= 1 {
		return evalPlan(clause.Plan.Root, lookup)
	}

	var rows []Row
	for i := range scans {
		overrides := make(map[*planner.Node][]value.Tuple, len(scans))
		for j, s := range scans {
			if j == i {
				overrides[s] = delta[s.Relation]
			} else {
				overrides[s] = full[s.Relation]
			}
		}
		r, err := evalPlanEnv(clause.Plan.Root, evalEnv{lookup: lookup, overrides: overrides})
		if err != nil {
			return nil, err
		}
		rows = append(rows, r...)
	}
	return rows, nil
}

// memberScanNodes collects the distinct scan nodes over component-member
// relations in a clause plan. A pointer appears once even when subplan
// sharing aliased two occurrences — such occurrences carry identical
// binding constraints, so pinning them to the delta together loses
// nothing.
func memberScanNodes(n *planner.Node, members map[string]bool) []*planner.Node {
	var out []*planner.Node
	seen := make(map[*planner.Node]bool)
	var walk func(n *planner.Node)
	walk = func(n *planner.Node) {
		if n == nil || seen[n] {
			return
		}
		seen[n] = true
		if n.Kind == planner.OpScan && members[n.Relation] {
			out = append(out, n)
		}
		walk(n.Left)
		walk(n.Right)
		walk(n.Input)
		walk(n.Recursive)
		walk(n.BaseCase)
		for _, c := range n.Inputs {
			walk(c)
		}
	}
	walk(n)
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Query evaluates a single ad-hoc goal list (already compiled into a
// Plan) and applies the query's :asc/:desc sort annotations and
// limit/offset, per spec section 4.8.
func (e *Engine) Query(plan *planner.Plan, lookup Lookup, outputs []parser.OutputVar, limit int, hasLimit bool, offset int) ([]value.Tuple, error) {
	rows, err := evalPlan(plan.Root, lookup)
	if err != nil {
		return nil, err
	}
	vars := make([]string, len(outputs))
	for i, o := range outputs {
		vars[i] = o.Var
	}
	tuples := dedupRows(rows, vars)

	hasSort := false
	for _, o := range outputs {
		if o.Sort != parser.SortNone {
			hasSort = true
			break
		}
	}
	if hasSort {
		sort.SliceStable(tuples, func(i, j int) bool {
			for k, o := range outputs {
				if o.Sort == parser.SortNone {
					continue
				}
				c := tuples[i][k].Compare(tuples[j][k])
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
			return nil, nil
		}
		tuples = tuples[offset:]
	}
	if hasLimit && limit >= 0 && limit < len(tuples) {
		tuples = tuples[:limit]
	}
	return tuples, nil
}

// BooleanWitness reports whether the plan has at least one satisfying row.
// It evaluates the whole plan and then checks for a row; the walk does not
// stop at the first witness.
func (e *Engine) BooleanWitness(plan *planner.Plan, lookup Lookup) (bool, error) {
	rows, err := evalPlan(plan.Root, lookup)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}
