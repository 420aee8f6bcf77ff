// Package derived owns the rule registry and materialization cache for a
// knowledge graph's derived relations: compiling rule sets via
// internal/planner, tracking base/derived dependency closures, and
// cascade-invalidating materializations when a base relation changes,
// per spec section 4.9.
package derived

import (
	"sort"
	"sync"
	"time"

	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/planner"
	"github.com/lattice-kg/lattice/internal/stats"
	"github.com/lattice-kg/lattice/internal/stratify"
	"github.com/lattice-kg/lattice/internal/value"
)

// MaterializedRelation is a derived relation's cached evaluation result,
// per spec section 3's Materialization type.
type MaterializedRelation struct {
	Tuples              []value.Tuple
	Version             int
	BaseVersionsAtBuild map[string]int
	Valid               bool
	BuiltAt             time.Time
}

// Manager maintains compiled rules, their materializations, and the
// base/derived dependency graph used for cascade invalidation. One
// Manager belongs to exactly one KG.
type Manager struct {
	mu sync.RWMutex

	statsMgr *stats.Manager
	opts     planner.PlannerOptions

	rules    map[string][]parser.Statement
	compiled map[string]*planner.CompiledRule

	materialized map[string]*MaterializedRelation

	// baseToDerived/derivedToBase are the same transitive relationship
	// viewed from each direction, matching spec section 4.9's "forward
	// deps" / "reverse deps" naming.
	baseToDerived    map[string]map[string]bool
	derivedToBase    map[string]map[string]bool
	derivedToDerived map[string]map[string]bool

	baseVersions   map[string]int
	executionOrder []string
}

// New constructs an empty derived-relations manager.
func New(statsMgr *stats.Manager, opts planner.PlannerOptions) *Manager {
	return &Manager{
		statsMgr:         statsMgr,
		opts:             opts,
		rules:            make(map[string][]parser.Statement),
		compiled:         make(map[string]*planner.CompiledRule),
		materialized:     make(map[string]*MaterializedRelation),
		baseToDerived:    make(map[string]map[string]bool),
		derivedToBase:    make(map[string]map[string]bool),
		derivedToDerived: make(map[string]map[string]bool),
		baseVersions:     make(map[string]int),
	}
}

// Register adds or replaces every rule clause sharing head relation name,
// recompiles the whole rule set (a new rule can change another relation's
// stratum or recursiveness), and recomputes execution order. Returns the
// freshly compiled rule for name.
func (m *Manager) Register(name string, clauses []parser.Statement) (*planner.CompiledRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules[name] = clauses
	if err := m.rebuildLocked(); err != nil {
		return nil, err
	}
	return m.compiled[name], nil
}

// Remove drops a rule's clauses, compiled form, materialization, and
// dependency entries, then recompiles the remaining rule set.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rules, name)
	delete(m.compiled, name)
	delete(m.materialized, name)
	delete(m.derivedToBase, name)
	delete(m.derivedToDerived, name)
	for base, set := range m.baseToDerived {
		delete(set, name)
		if len(set) == 0 {
			delete(m.baseToDerived, base)
		}
	}
	return m.rebuildLocked()
}

// rebuildLocked recompiles every registered rule set: builds the
// dependency graph, stratifies it, compiles each head via
// planner.CompileHead, and derives the transitive base/derived dependency
// maps and execution order. Caller must hold m.mu.
func (m *Manager) rebuildLocked() error {
	g := &stratify.Graph{}
	derivedSet := make(map[string]bool, len(m.rules))
	for head := range m.rules {
		derivedSet[head] = true
	}
	for head, clauses := range m.rules {
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
		return err
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
		for _, clauses := range m.rules[n] {
			for _, goal := range clauses.Body {
				if goal.Atom != nil && goal.Atom.Relation == n {
					recursive[n] = true
				}
			}
		}
	}

	baseRelations := make(map[string]bool)
	order := make([]string, 0, len(m.rules))
	for head := range m.rules {
		order = append(order, head)
	}
	sort.Slice(order, func(i, j int) bool {
		si, sj := strat.Stratum[order[i]], strat.Stratum[order[j]]
		if si != sj {
			return si < sj
		}
		return order[i] < order[j]
	})

	compiled := make(map[string]*planner.CompiledRule, len(order))
	derivedToBase := make(map[string]map[string]bool, len(order))
	derivedToDerived := make(map[string]map[string]bool, len(order))

	for _, head := range order {
		for _, rule := range m.rules[head] {
			for _, goal := range rule.Body {
				if goal.Atom != nil && !derivedSet[goal.Atom.Relation] {
					baseRelations[goal.Atom.Relation] = true
				}
			}
		}
	}

	for _, head := range order {
		cr, err := planner.CompileHead(head, m.rules[head], baseRelations, recursive, m.statsMgr, m.opts)
		if err != nil {
			return err
		}
		cr.Stratum = strat.Stratum[head]

		baseDeps := make(map[string]bool, len(cr.BaseDeps))
		for b := range cr.BaseDeps {
			baseDeps[b] = true
		}
		derDeps := make(map[string]bool)
		for _, clause := range cr.Clauses {
			for _, rel := range clause.ScannedRelations {
				if !derivedSet[rel] || rel == head {
					continue
				}
				derDeps[rel] = true
				for b := range derivedToBase[rel] {
					baseDeps[b] = true
				}
				for d := range derivedToDerived[rel] {
					derDeps[d] = true
				}
			}
		}
		cr.BaseDeps = baseDeps
		compiled[head] = cr
		derivedToBase[head] = baseDeps
		derivedToDerived[head] = derDeps
	}

	baseToDerived := make(map[string]map[string]bool)
	for d, bases := range derivedToBase {
		for b := range bases {
			if baseToDerived[b] == nil {
				baseToDerived[b] = make(map[string]bool)
			}
			baseToDerived[b][d] = true
		}
	}

	m.compiled = compiled
	m.derivedToBase = derivedToBase
	m.derivedToDerived = derivedToDerived
	m.baseToDerived = baseToDerived
	m.executionOrder = order

	for head := range m.materialized {
		if _, stillExists := m.rules[head]; !stillExists {
			delete(m.materialized, head)
		}
	}
	return nil
}

// CompiledRule returns the compiled form of a registered head relation.
func (m *Manager) CompiledRule(name string) (*planner.CompiledRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cr, ok := m.compiled[name]
	return cr, ok
}

// ExecutionOrder returns derived relation names ordered by ascending
// stratum, ties broken lexicographically.
func (m *Manager) ExecutionOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.executionOrder))
	copy(out, m.executionOrder)
	return out
}

// BaseVersion returns the current version counter for a base relation.
func (m *Manager) BaseVersion(base string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseVersions[base]
}

// NotifyBaseUpdate atomically increments base's version and invalidates
// every currently-valid materialized derived relation whose dependency
// closure contains base, returning the (sorted) set invalidated, per
// spec section 4.9.
func (m *Manager) NotifyBaseUpdate(base string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected []string
	for d := range m.baseToDerived[base] {
		mr, ok := m.materialized[d]
		if ok && mr.Valid {
			mr.Valid = false
			affected = append(affected, d)
		}
	}
	m.baseVersions[base]++
	sort.Strings(affected)
	return affected
}

// SetMaterialized records tuples as the current materialization of name,
// stamping it with the base-relation versions observed at this moment,
// per spec section 4.9.
func (m *Manager) SetMaterialized(name string, tuples []value.Tuple) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]int, len(m.derivedToBase[name]))
	for b := range m.derivedToBase[name] {
		snapshot[b] = m.baseVersions[b]
	}
	version := 1
	if prev, ok := m.materialized[name]; ok {
		version = prev.Version + 1
	}
	m.materialized[name] = &MaterializedRelation{
		Tuples:              tuples,
		Version:             version,
		BaseVersionsAtBuild: snapshot,
		Valid:               true,
		BuiltAt:             time.Now(),
	}
}

// GetMaterialized returns the cached materialization of name, or
// ok=false if it's missing or was invalidated.
func (m *Manager) GetMaterialized(name string) (*MaterializedRelation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mr, ok := m.materialized[name]
	if !ok || !mr.Valid {
		return nil, false
	}
	return mr, true
}

// RelationStats summarizes one derived relation's materialization state,
// for GetDerivedStats introspection.
type RelationStats struct {
	Name      string
	Stratum   int
	Recursive bool
	Valid     bool
	TupleCount int
	Version   int
	BuiltAt   time.Time
}

// Stats returns one RelationStats per registered derived relation, in
// execution order.
func (m *Manager) Stats() []RelationStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RelationStats, 0, len(m.executionOrder))
	for _, name := range m.executionOrder {
		cr := m.compiled[name]
		rs := RelationStats{Name: name}
		if cr != nil {
			rs.Stratum = cr.Stratum
			rs.Recursive = cr.IsRecursive
		}
		if mr, ok := m.materialized[name]; ok {
			rs.Valid = mr.Valid
			rs.TupleCount = len(mr.Tuples)
			rs.Version = mr.Version
			rs.BuiltAt = mr.BuiltAt
		}
		out = append(out, rs)
	}
	return out
}

// GetMaterializedChecked is the stronger validity variant: in addition to
// the Valid flag, every base dependency's version recorded at build time
// must still be at or ahead of currentVersions, matching spec section
// 3's "current_version ≤ recorded_version" validity rule.
func (m *Manager) GetMaterializedChecked(name string, currentVersions map[string]int) (*MaterializedRelation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mr, ok := m.materialized[name]
	if !ok || !mr.Valid {
		return nil, false
	}
	for base, recorded := range mr.BaseVersionsAtBuild {
		if currentVersions[base] > recorded {
			return nil, false
		}
	}
	return mr, true
}
