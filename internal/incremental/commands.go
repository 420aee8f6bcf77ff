package incremental

import (
	"github.com/lattice-kg/lattice/internal/derived"
	"github.com/lattice-kg/lattice/internal/errs"
	"github.com/lattice-kg/lattice/internal/indexmgr"
	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/planner"
	"github.com/lattice-kg/lattice/internal/value"
	"github.com/lattice-kg/lattice/internal/vectorindex"
)

// Delta is one (tuple, diff) update to a base relation: diff > 0 inserts
// (idempotently — a tuple already present is unaffected), diff < 0
// retracts. Time is assigned by the engine, not the caller, since a
// single command-channel writer already linearizes every mutation for
// this KG, per spec section 4.12's "Time" note.
type Delta struct {
	Tuple value.Tuple
	Diff  int
}

// insertDeltaCmd applies a batch of deltas to one base relation.
type insertDeltaCmd struct {
	relation string
	updates  []Delta
	resp     chan error
}

func (c *insertDeltaCmd) apply(e *Engine) {
	set := e.baseRelations[c.relation]
	if set == nil {
		set = make(map[value.TupleKey]value.Tuple)
		e.baseRelations[c.relation] = set
	}
	for _, d := range c.updates {
		key := d.Tuple.Key()
		if d.Diff > 0 {
			set[key] = d.Tuple
		} else if d.Diff < 0 {
			delete(set, key)
		}
	}
	if e.statsMgr != nil && len(c.updates) > 0 {
		refresh := e.statsMgr.Get(c.relation) == nil
		for range c.updates {
			if e.statsMgr.RecordChange(c.relation) {
				refresh = true
			}
		}
		if refresh {
			e.statsMgr.Analyze(c.relation, e.snapshotRelationLocked(c.relation), len(c.updates[0].Tuple))
		}
	}
	writeTime := e.writeCounter.Add(1)
	bumpMax(&e.maxWriteTime, writeTime)
	c.resp <- nil
}

type advanceTimeCmd struct {
	to   int64
	resp chan error
}

func (c *advanceTimeCmd) apply(e *Engine) {
	bumpMax(&e.currentTime, c.to)
	c.resp <- nil
}

type waitUntilCaughtUpCmd struct {
	target int64
	resp   chan error
}

func (c *waitUntilCaughtUpCmd) apply(e *Engine) {
	// Evaluation here is synchronous within the worker, so by the time
	// this command is dequeued every earlier InsertDelta/AdvanceTime in
	// arrival order has already been applied; there is no separate
	// dataflow frontier to step.
	c.resp <- nil
}

type readRelationResult struct {
	tuples []value.Tuple
	err    error
}

type readRelationCmd struct {
	relation string
	resp     chan readRelationResult
}

func (c *readRelationCmd) apply(e *Engine) {
	c.resp <- readRelationResult{tuples: e.snapshotRelationLocked(c.relation)}
}

type addRelationCmd struct {
	name string
	resp chan error
}

func (c *addRelationCmd) apply(e *Engine) {
	if _, ok := e.baseRelations[c.name]; !ok {
		e.baseRelations[c.name] = make(map[value.TupleKey]value.Tuple)
	}
	c.resp <- nil
}

type shutdownCmd struct {
	resp chan error
}

func (c *shutdownCmd) apply(e *Engine) {
	c.resp <- nil
	e.queue.close()
}

type registerRuleResult struct {
	rule *planner.CompiledRule
	err  error
}

type registerRuleCmd struct {
	name    string
	clauses []parser.Statement
	resp    chan registerRuleResult
}

func (c *registerRuleCmd) apply(e *Engine) {
	cr, err := e.derived.Register(c.name, c.clauses)
	c.resp <- registerRuleResult{rule: cr, err: err}
}

type removeRuleCmd struct {
	name string
	resp chan error
}

func (c *removeRuleCmd) apply(e *Engine) {
	c.resp <- e.derived.Remove(c.name)
}

type readDerivedRelationCmd struct {
	name string
	resp chan readRelationResult
}

func (c *readDerivedRelationCmd) apply(e *Engine) {
	mr, ok := e.derived.GetMaterialized(c.name)
	if !ok {
		c.resp <- readRelationResult{err: errs.ErrIndexNotFound}
		return
	}
	c.resp <- readRelationResult{tuples: mr.Tuples}
}

type setMaterializedCmd struct {
	name   string
	tuples []value.Tuple
	resp   chan error
}

func (c *setMaterializedCmd) apply(e *Engine) {
	e.derived.SetMaterialized(c.name, c.tuples)
	c.resp <- nil
}

type notifyResult struct {
	affected []string
}

type notifyBaseUpdateCmd struct {
	relation string
	resp     chan notifyResult
}

func (c *notifyBaseUpdateCmd) apply(e *Engine) {
	c.resp <- notifyResult{affected: e.derived.NotifyBaseUpdate(c.relation)}
}

type getDerivedStatsCmd struct {
	resp chan []derived.RelationStats
}

func (c *getDerivedStatsCmd) apply(e *Engine) {
	c.resp <- e.derived.Stats()
}

type registerIndexCmd struct {
	reg  indexmgr.Registration
	resp chan error
}

func (c *registerIndexCmd) apply(e *Engine) {
	c.resp <- e.indexes.Register(c.reg)
}

type removeIndexCmd struct {
	name string
	resp chan error
}

func (c *removeIndexCmd) apply(e *Engine) {
	c.resp <- e.indexes.Remove(c.name)
}

type setIndexMaterializedCmd struct {
	name string
	idx  vectorindex.VectorIndex
	resp chan error
}

func (c *setIndexMaterializedCmd) apply(e *Engine) {
	c.resp <- e.indexes.SetMaterialized(c.name, c.idx)
}

type indexStatsResult struct {
	stats []indexmgr.Stats
	err   error
}

type getIndexStatsCmd struct {
	name string
	resp chan indexStatsResult
}

func (c *getIndexStatsCmd) apply(e *Engine) {
	s, err := e.indexes.GetStats(c.name)
	c.resp <- indexStatsResult{stats: s, err: err}
}

type updateIndexResult struct {
	applied int
	err     error
}

type updateIndexCmd struct {
	name          string
	insertIDs     []int64
	insertVectors [][]float32
	deleteIDs     []int64
	resp          chan updateIndexResult
}

func (c *updateIndexCmd) apply(e *Engine) {
	n, err := e.indexes.UpdateIndex(c.name, c.insertIDs, c.insertVectors, c.deleteIDs)
	c.resp <- updateIndexResult{applied: n, err: err}
}

type notifyIndexesBaseUpdateCmd struct {
	relation string
	resp     chan notifyResult
}

func (c *notifyIndexesBaseUpdateCmd) apply(e *Engine) {
	c.resp <- notifyResult{affected: e.indexes.NotifyBaseUpdate(c.relation)}
}

// snapshotRelationLocked returns a sorted copy of a base relation's
// current tuple set. Only ever called from within the worker goroutine,
// so no locking is needed over e.baseRelations itself.
func (e *Engine) snapshotRelationLocked(relation string) []value.Tuple {
	set := e.baseRelations[relation]
	out := make([]value.Tuple, 0, len(set))
	for _, t := range set {
		out = append(out, t)
	}
	value.SortTuples(out)
	return out
}
