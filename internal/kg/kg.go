// Package kg ties the engine's per-KG building blocks — the incremental
// worker, rule and schema catalogs, session overlays, and vector indexes —
// into the multi-knowledge-graph orchestration layer described in spec
// section 4.13. Grounded on the teacher's root-level beads.go facade shape
// for the public surface, and on internal/daemon's single-writer,
// many-reader dispatch discipline for KG's own concurrency: every mutation
// is serialized through the KG's incremental.Engine, while reads go
// through a published Snapshot (internal/kg/snapshot.go) so they never
// block on it.
package kg

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lattice-kg/lattice/internal/errs"
	"github.com/lattice-kg/lattice/internal/incremental"
	"github.com/lattice-kg/lattice/internal/indexmgr"
	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/persist"
	"github.com/lattice-kg/lattice/internal/planner"
	"github.com/lattice-kg/lattice/internal/session"
	"github.com/lattice-kg/lattice/internal/stats"
	"github.com/lattice-kg/lattice/internal/value"
	"github.com/lattice-kg/lattice/internal/vectorindex"
)

// Config bounds one KG's statistics, planning, and execution parameters.
type Config struct {
	StatsConfig     stats.Config
	PlannerOptions  planner.PlannerOptions
	ExecutorWorkers int // 0 lets internal/executor pick a default
}

// DefaultConfig returns the engine's out-of-the-box tuning, matching
// internal/stats and internal/planner's own defaults.
func DefaultConfig() Config {
	return Config{
		StatsConfig:    stats.DefaultConfig(),
		PlannerOptions: planner.DefaultPlannerOptions(),
	}
}

// ExecResult is the outcome of one non-query Exec call, or the tuple
// result of a query dispatch.
type ExecResult struct {
	Tuples     []value.Tuple
	Outputs    []string
	Provenance map[value.TupleKey]session.Provenance
	Inserted   int
	Deleted    int
}

// KG is one knowledge graph: its own incremental engine, schema and rule
// catalogs, and a lock-free snapshot for readers. Sessions are owned by
// the enclosing Store and shared across every KG in the process, per spec
// section 4.11 (a session binds to one KG by name but the manager itself
// is KG-agnostic).
type KG struct {
	Name string

	cfg      Config
	engine   *incremental.Engine
	schemas  *SchemaCatalog
	rules    *RuleCatalog
	sessions *session.Manager
	statsMgr *stats.Manager

	baseMu   sync.RWMutex
	baseRels map[string]bool

	// Durability; nil for an in-memory KG. replaying suppresses
	// write-through while recover() is replaying the log it would
	// otherwise append to. schemaStmts keeps the raw persistent schema
	// declarations for schema.json (the catalog holds only the compiled
	// form).
	files        *persist.Dir
	replaying    bool
	schemaStmtMu sync.Mutex
	schemaStmts  []parser.Statement

	version  atomic.Int64
	snapshot atomic.Pointer[Snapshot]
}

// New constructs a KG named name, sharing sessions with every other KG in
// the same process (spec section 4.11: "the manager itself is
// KG-agnostic"). Its incremental worker starts immediately; callers must
// eventually call Shutdown.
func New(name string, cfg Config, sessions *session.Manager) *KG {
	return newKG(name, cfg, sessions)
}

func newKG(name string, cfg Config, sessions *session.Manager) *KG {
	statsMgr := stats.New(cfg.StatsConfig)
	k := &KG{
		Name:     name,
		cfg:      cfg,
		engine:   incremental.NewEngine(statsMgr, cfg.PlannerOptions, cfg.ExecutorWorkers),
		schemas:  NewSchemaCatalog(),
		rules:    NewRuleCatalog(),
		sessions: sessions,
		statsMgr: statsMgr,
		baseRels: make(map[string]bool),
	}
	k.publishSnapshot()
	return k
}

// Shutdown stops this KG's incremental worker, per spec section 4.12's
// bounded destructor-path wait.
func (k *KG) Shutdown() error { return k.engine.Shutdown() }

// Snapshot returns the most recently published lock-free view of this KG.
func (k *KG) Snapshot() *Snapshot { return k.snapshot.Load() }

// RuleNames returns every persistent rule head registered on this KG,
// sorted.
func (k *KG) RuleNames() []string { return k.rules.Names() }

func (k *KG) markBase(name string) {
	k.baseMu.Lock()
	k.baseRels[name] = true
	k.baseMu.Unlock()
}

func (k *KG) isBase(name string) bool {
	k.baseMu.RLock()
	defer k.baseMu.RUnlock()
	return k.baseRels[name]
}

// publishSnapshot rebuilds and atomically installs a fresh read-only view:
// every known base relation's current contents plus every persistent
// derived relation's current materialization, per spec section 5's
// reader/writer split via atomic pointer swap.
func (k *KG) publishSnapshot() {
	version := k.version.Add(1)
	relations := make(map[string][]value.Tuple)

	k.baseMu.RLock()
	baseNames := make([]string, 0, len(k.baseRels))
	for name := range k.baseRels {
		baseNames = append(baseNames, name)
	}
	k.baseMu.RUnlock()

	for _, name := range baseNames {
		tuples, err := k.engine.ReadRelation(name)
		if err != nil {
			log.Printf("kg: publishSnapshot reading base relation %q: %v", name, err)
			continue
		}
		relations[name] = tuples
	}
	ruleNames := k.rules.Names()
	materialized := make(map[string]bool, len(ruleNames))
	for _, name := range ruleNames {
		tuples, err := k.engine.ReadDerivedRelation(name)
		if err == nil {
			relations[name] = tuples
			materialized[name] = true
		}
	}

	k.snapshot.Store(&Snapshot{
		Version:         version,
		Relations:       relations,
		Materialized:    materialized,
		PersistentRules: len(ruleNames),
		Workers:         k.cfg.ExecutorWorkers,
	})
}

// readBaseRelation reads relation's persistent contents, unioned with
// sessionID's ephemeral overlay for that relation when one is supplied.
func (k *KG) readBaseRelation(relation, sessionID string) []value.Tuple {
	tuples, err := k.engine.ReadRelation(relation)
	if err != nil {
		tuples = nil
	}
	if sessionID == "" {
		return tuples
	}
	s, ok := k.sessions.Get(sessionID)
	if !ok {
		return tuples
	}
	eph := s.EphemeralTuples(relation)
	if len(eph) == 0 {
		return tuples
	}
	seen := make(map[value.TupleKey]bool, len(tuples))
	out := make([]value.Tuple, 0, len(tuples)+len(eph))
	for _, t := range tuples {
		seen[t.Key()] = true
		out = append(out, t)
	}
	for _, t := range eph {
		if !seen[t.Key()] {
			out = append(out, t)
		}
	}
	return out
}

// RecomputeDerived re-evaluates every invalid derived relation, stratum
// by ascending stratum, via internal/executor.EvaluateComponent, and
// installs the fresh results via SetMaterialized. Grouping at stratum
// granularity (rather than exact SCC membership) is a deliberate
// simplification recorded in DESIGN.md: it never changes correctness,
// only occasionally batches together same-stratum relations that don't
// actually depend on each other.
func (k *KG) RecomputeDerived() error {
	order := k.engine.Derived().ExecutionOrder()
	if len(order) == 0 {
		return nil
	}

	compiled := make(map[string]*planner.CompiledRule, len(order))
	stratumOf := make(map[string]int, len(order))
	for _, name := range order {
		cr, ok := k.engine.Derived().CompiledRule(name)
		if !ok {
			continue
		}
		compiled[name] = cr
		stratumOf[name] = cr.Stratum
	}

	byStratum := make(map[int][]string)
	var strata []int
	for _, name := range order {
		s, ok := stratumOf[name]
		if !ok {
			continue
		}
		if _, seen := byStratum[s]; !seen {
			strata = append(strata, s)
		}
		byStratum[s] = append(byStratum[s], name)
	}
	sort.Ints(strata)

	computed := make(map[string][]value.Tuple)
	outside := func(relation string) []value.Tuple {
		if tuples, ok := computed[relation]; ok {
			return tuples
		}
		tuples, err := k.engine.ReadRelation(relation)
		if err != nil {
			return nil
		}
		return tuples
	}

	for _, s := range strata {
		members := byStratum[s]
		anyInvalid := false
		for _, m := range members {
			if _, ok := k.engine.Derived().GetMaterialized(m); !ok {
				anyInvalid = true
				break
			}
		}
		if !anyInvalid {
			for _, m := range members {
				if mr, ok := k.engine.Derived().GetMaterialized(m); ok {
					computed[m] = mr.Tuples
				}
			}
			continue
		}

		results, err := k.engine.Executor().EvaluateComponent(members, compiled, outside)
		if err != nil {
			return fmt.Errorf("kg: recomputing derived relations %v: %w", members, err)
		}
		for name, tuples := range results {
			computed[name] = tuples
			if err := k.engine.SetMaterialized(name, tuples); err != nil {
				return fmt.Errorf("kg: materializing %q: %w", name, err)
			}
		}
	}
	return nil
}

// RegisterIndex builds a new vector index over relation's column from its
// current contents and installs it, per spec section 4.10. The indexed
// relation's tuples must carry an int32/int64 identifier in column 0 —
// internal/executor's vector-probe fast path (and this package's own
// incremental index maintenance) keys index entries by that identifier,
// not by tuple content.
func (k *KG) RegisterIndex(name, relation string, column int, cfg vectorindex.Config) error {
	if err := k.engine.RegisterIndex(indexmgr.Registration{Name: name, Relation: relation, Column: column, Config: cfg}); err != nil {
		return err
	}
	return k.rebuildIndex(name)
}

// RemoveIndex drops a registered vector index, along with its persisted
// state when this KG is durable.
func (k *KG) RemoveIndex(name string) error {
	if err := k.engine.RemoveIndex(name); err != nil {
		return err
	}
	if k.files != nil && !k.replaying {
		if err := k.files.RemoveIndexState(name); err != nil {
			log.Printf("kg: removing persisted state for index %q: %v", name, err)
		}
	}
	k.persistIndexes()
	k.publishSnapshot()
	return nil
}

func vectorTupleID(t value.Tuple) (int64, bool) {
	if len(t) == 0 {
		return 0, false
	}
	switch t[0].Kind() {
	case value.KindInt32:
		return int64(t[0].AsInt32()), true
	case value.KindInt64:
		return t[0].AsInt64(), true
	default:
		return 0, false
	}
}

func (k *KG) rebuildIndex(name string) error {
	reg, ok := k.engine.Indexes().Get(name)
	if !ok {
		return errs.ErrIndexNotFound
	}
	tuples, err := k.engine.ReadRelation(reg.Relation)
	if err != nil {
		return err
	}

	idx := vectorindex.New(reg.Config)
	var ids []int64
	var vecs [][]float32
	for _, t := range tuples {
		id, ok := vectorTupleID(t)
		if !ok || reg.Column >= len(t) || t[reg.Column].Kind() != value.KindVector {
			continue
		}
		ids = append(ids, id)
		vecs = append(vecs, t[reg.Column].AsVector())
	}
	if len(ids) > 0 {
		if err := idx.InsertBatch(ids, vecs); err != nil {
			return fmt.Errorf("kg: rebuilding index %q: %w", name, err)
		}
	}
	if err := k.engine.SetIndexMaterialized(name, idx); err != nil {
		return err
	}
	k.persistIndexes()
	k.publishSnapshot()
	return nil
}

func (k *KG) updateIndexesOnInsert(relation string, tuples []value.Tuple) {
	if len(tuples) == 0 {
		return
	}
	for _, name := range k.engine.Indexes().ForRelation(relation) {
		reg, ok := k.engine.Indexes().Get(name)
		if !ok {
			continue
		}
		var ids []int64
		var vecs [][]float32
		for _, t := range tuples {
			id, ok := vectorTupleID(t)
			if !ok || reg.Column >= len(t) || t[reg.Column].Kind() != value.KindVector {
				continue
			}
			ids = append(ids, id)
			vecs = append(vecs, t[reg.Column].AsVector())
		}
		if len(ids) == 0 {
			continue
		}
		if _, err := k.engine.UpdateIndex(name, ids, vecs, nil); err != nil {
			log.Printf("kg: updating index %q after insert into %q: %v", name, relation, err)
			continue
		}
		if k.engine.Indexes().NeedsRebuild(name) {
			if err := k.rebuildIndex(name); err != nil {
				log.Printf("kg: rebuilding index %q: %v", name, err)
			}
			continue
		}
		k.persistIndexes()
	}
}

func (k *KG) updateIndexesOnDelete(relation string, tuples []value.Tuple) {
	if len(tuples) == 0 {
		return
	}
	for _, name := range k.engine.Indexes().ForRelation(relation) {
		var ids []int64
		for _, t := range tuples {
			if id, ok := vectorTupleID(t); ok {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		if _, err := k.engine.UpdateIndex(name, nil, nil, ids); err != nil {
			log.Printf("kg: updating index %q after delete from %q: %v", name, relation, err)
			continue
		}
		k.persistIndexes()
	}
}
