// Package incremental implements the per-KG background worker described in
// spec section 4.12: a long-lived goroutine that owns all state unsafe to
// share (base relation contents, the derived-relations and index managers)
// and that the rest of the process talks to exclusively through an
// unbounded command channel. Grounded on the teacher's
// internal/eventbus.Bus dispatch-and-registration shape and the
// worker-goroutine-with-command-channel idiom visible in internal/daemon.
package incremental

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lattice-kg/lattice/internal/derived"
	"github.com/lattice-kg/lattice/internal/errs"
	"github.com/lattice-kg/lattice/internal/executor"
	"github.com/lattice-kg/lattice/internal/indexmgr"
	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/planner"
	"github.com/lattice-kg/lattice/internal/stats"
	"github.com/lattice-kg/lattice/internal/value"
	"github.com/lattice-kg/lattice/internal/vectorindex"
)

// shutdownTimeout bounds the destructor-path wait for the worker to drain
// and exit, per spec section 4.12's "bounded receive timeout (e.g., 5s) in
// the destructor path to avoid wedging process exit."
const shutdownTimeout = 5 * time.Second

// workerTracer/workerMetrics instrument the worker loop's batch processing,
// grounded on the teacher's internal/storage/dolt package's otel.Tracer/
// otel.Meter-at-package-init convention: a no-op until a host wires in a
// real provider, so nothing here needs process-wide telemetry setup.
var workerTracer = otel.Tracer("github.com/lattice-kg/lattice/internal/incremental")

var workerMetrics struct {
	batchSize metric.Int64Histogram
}

func init() {
	m := otel.Meter("github.com/lattice-kg/lattice/internal/incremental")
	workerMetrics.batchSize, _ = m.Int64Histogram("lattice.incremental.batch_size",
		metric.WithDescription("Commands applied per worker-loop drain"),
		metric.WithUnit("{command}"),
	)
}

// Engine is one KG's incremental materialization worker. All fields other
// than the atomics, the queue, and knownRelations (guarded by knownMu) are
// confined to the worker goroutine; callers never touch them directly, only
// through the command API below.
type Engine struct {
	queue *cmdQueue

	baseRelations map[string]map[value.TupleKey]value.Tuple

	derived  *derived.Manager
	indexes  *indexmgr.Manager
	statsMgr *stats.Manager
	exec     *executor.Engine

	writeCounter atomic.Int64
	maxWriteTime atomic.Int64
	currentTime  atomic.Int64

	knownMu        sync.Mutex
	knownRelations map[string]bool

	group    *errgroup.Group
	panicVal atomic.Value // holds the recovered panic value, if any
}

// NewEngine constructs an Engine and starts its worker goroutine.
func NewEngine(statsMgr *stats.Manager, plannerOpts planner.PlannerOptions, workers int) *Engine {
	e := &Engine{
		queue:          newCmdQueue(),
		baseRelations:  make(map[string]map[value.TupleKey]value.Tuple),
		derived:        derived.New(statsMgr, plannerOpts),
		indexes:        indexmgr.New(),
		statsMgr:       statsMgr,
		exec:           executor.NewEngine(workers),
		knownRelations: make(map[string]bool),
	}
	e.exec.Indexes = e.indexes.ForRelationColumn

	g, _ := errgroup.WithContext(context.Background())
	e.group = g
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				e.panicVal.Store(r)
				e.queue.close()
				err = fmt.Errorf("incremental: worker panic: %v", r)
			}
		}()
		e.run()
		return nil
	})
	return e
}

// run is the worker loop: block for the next batch of commands, apply them
// in arrival order, repeat until the queue is closed.
func (e *Engine) run() {
	for {
		cmds, ok := e.queue.drain()
		if !ok {
			return
		}
		_, span := workerTracer.Start(context.Background(), "incremental.worker.batch",
			trace.WithAttributes(attribute.Int("lattice.batch.size", len(cmds))),
		)
		workerMetrics.batchSize.Record(context.Background(), int64(len(cmds)))
		for _, c := range cmds {
			c.apply(e)
		}
		span.End()
	}
}

func bumpMax(slot *atomic.Int64, val int64) {
	for {
		cur := slot.Load()
		if val <= cur {
			return
		}
		if slot.CompareAndSwap(cur, val) {
			return
		}
	}
}

// dispatch pushes a command onto the queue, translating a closed queue
// (worker gone) into errs.ErrWorkerDisconnected.
func (e *Engine) dispatch(c command) error {
	if !e.queue.push(c) {
		return errs.ErrWorkerDisconnected
	}
	return nil
}

// InsertDelta applies a batch of (tuple, diff) updates to relation. The
// engine assigns write time; diff > 0 inserts idempotently, diff < 0
// retracts.
func (e *Engine) InsertDelta(relation string, updates []Delta) error {
	resp := make(chan error, 1)
	if err := e.dispatch(&insertDeltaCmd{relation: relation, updates: updates, resp: resp}); err != nil {
		return err
	}
	return <-resp
}

// AdvanceTime advances the engine's current_time, per spec section 4.12.
func (e *Engine) AdvanceTime(to int64) error {
	resp := make(chan error, 1)
	if err := e.dispatch(&advanceTimeCmd{to: to, resp: resp}); err != nil {
		return err
	}
	return <-resp
}

// WaitUntilCaughtUp blocks until the worker's applied state has processed
// every command enqueued before target, matching or exceeding it.
func (e *Engine) WaitUntilCaughtUp(target int64) error {
	resp := make(chan error, 1)
	if err := e.dispatch(&waitUntilCaughtUpCmd{target: target, resp: resp}); err != nil {
		return err
	}
	return <-resp
}

// ReadRelation returns a base relation's current tuple contents.
func (e *Engine) ReadRelation(relation string) ([]value.Tuple, error) {
	resp := make(chan readRelationResult, 1)
	if err := e.dispatch(&readRelationCmd{relation: relation, resp: resp}); err != nil {
		return nil, err
	}
	r := <-resp
	return r.tuples, r.err
}

// AddRelation idempotently creates a base relation. The caller-side
// idempotence (known_relations set, dispatch only on first sight) lives in
// EnsureRelation; this is the underlying one-shot command the worker
// itself also treats idempotently, per spec section 4.12.
func (e *Engine) AddRelation(name string) error {
	resp := make(chan error, 1)
	if err := e.dispatch(&addRelationCmd{name: name, resp: resp}); err != nil {
		return err
	}
	return <-resp
}

// EnsureRelation is the main-thread idempotent wrapper around AddRelation:
// it dispatches AddRelation only the first time a name is seen by this
// Engine handle, per spec section 4.12's "Relation autocreation".
func (e *Engine) EnsureRelation(name string) error {
	e.knownMu.Lock()
	if e.knownRelations[name] {
		e.knownMu.Unlock()
		return nil
	}
	e.knownMu.Unlock()

	if err := e.AddRelation(name); err != nil {
		return err
	}

	e.knownMu.Lock()
	e.knownRelations[name] = true
	e.knownMu.Unlock()
	return nil
}

// ReadRelationConsistent yields read-your-writes consistency: it reads
// max_write_time, advances current_time past it, waits until caught up,
// then reads, per spec section 4.12.
func (e *Engine) ReadRelationConsistent(relation string) ([]value.Tuple, error) {
	target := e.maxWriteTime.Load() + 1
	if err := e.AdvanceTime(target); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	if err := backoff.Retry(func() error {
		err := e.WaitUntilCaughtUp(target)
		if err != nil {
			return backoff.Permanent(err)
		}
		if e.currentTime.Load() < target {
			return fmt.Errorf("incremental: not yet caught up to %d", target)
		}
		return nil
	}, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return e.ReadRelation(relation)
}

// RegisterRule compiles and registers clauses as name's rule set.
func (e *Engine) RegisterRule(name string, clauses []parser.Statement) (*planner.CompiledRule, error) {
	resp := make(chan registerRuleResult, 1)
	if err := e.dispatch(&registerRuleCmd{name: name, clauses: clauses, resp: resp}); err != nil {
		return nil, err
	}
	r := <-resp
	return r.rule, r.err
}

// RemoveRule drops a registered rule.
func (e *Engine) RemoveRule(name string) error {
	resp := make(chan error, 1)
	if err := e.dispatch(&removeRuleCmd{name: name, resp: resp}); err != nil {
		return err
	}
	return <-resp
}

// ReadDerivedRelation returns a derived relation's materialized tuples, or
// errs.ErrIndexNotFound if not currently materialized and valid.
func (e *Engine) ReadDerivedRelation(name string) ([]value.Tuple, error) {
	resp := make(chan readRelationResult, 1)
	if err := e.dispatch(&readDerivedRelationCmd{name: name, resp: resp}); err != nil {
		return nil, err
	}
	r := <-resp
	return r.tuples, r.err
}

// SetMaterialized records tuples as name's current derived materialization.
func (e *Engine) SetMaterialized(name string, tuples []value.Tuple) error {
	resp := make(chan error, 1)
	if err := e.dispatch(&setMaterializedCmd{name: name, tuples: tuples, resp: resp}); err != nil {
		return err
	}
	return <-resp
}

// NotifyBaseUpdate cascades invalidation from a base relation change across
// the derived-relations dependency graph, returning the affected names.
func (e *Engine) NotifyBaseUpdate(relation string) ([]string, error) {
	resp := make(chan notifyResult, 1)
	if err := e.dispatch(&notifyBaseUpdateCmd{relation: relation, resp: resp}); err != nil {
		return nil, err
	}
	return (<-resp).affected, nil
}

// GetDerivedStats summarizes every registered derived relation.
func (e *Engine) GetDerivedStats() ([]derived.RelationStats, error) {
	resp := make(chan []derived.RelationStats, 1)
	if err := e.dispatch(&getDerivedStatsCmd{resp: resp}); err != nil {
		return nil, err
	}
	return <-resp, nil
}

// RegisterIndex registers a new vector index.
func (e *Engine) RegisterIndex(reg indexmgr.Registration) error {
	resp := make(chan error, 1)
	if err := e.dispatch(&registerIndexCmd{reg: reg, resp: resp}); err != nil {
		return err
	}
	return <-resp
}

// RemoveIndex drops a registered index.
func (e *Engine) RemoveIndex(name string) error {
	resp := make(chan error, 1)
	if err := e.dispatch(&removeIndexCmd{name: name, resp: resp}); err != nil {
		return err
	}
	return <-resp
}

// SetIndexMaterialized installs idx as name's built structure.
func (e *Engine) SetIndexMaterialized(name string, idx vectorindex.VectorIndex) error {
	resp := make(chan error, 1)
	if err := e.dispatch(&setIndexMaterializedCmd{name: name, idx: idx, resp: resp}); err != nil {
		return err
	}
	return <-resp
}

// GetIndexStats returns stats for one index (name != "") or every
// registered index (name == "").
func (e *Engine) GetIndexStats(name string) ([]indexmgr.Stats, error) {
	resp := make(chan indexStatsResult, 1)
	if err := e.dispatch(&getIndexStatsCmd{name: name, resp: resp}); err != nil {
		return nil, err
	}
	r := <-resp
	return r.stats, r.err
}

// UpdateIndex applies inserts/deletes to a materialized index.
func (e *Engine) UpdateIndex(name string, insertIDs []int64, insertVectors [][]float32, deleteIDs []int64) (int, error) {
	resp := make(chan updateIndexResult, 1)
	if err := e.dispatch(&updateIndexCmd{name: name, insertIDs: insertIDs, insertVectors: insertVectors, deleteIDs: deleteIDs, resp: resp}); err != nil {
		return 0, err
	}
	r := <-resp
	return r.applied, r.err
}

// NotifyIndexesBaseUpdate cascades invalidation from a base relation change
// across the index dependency graph, returning the affected index names.
func (e *Engine) NotifyIndexesBaseUpdate(relation string) ([]string, error) {
	resp := make(chan notifyResult, 1)
	if err := e.dispatch(&notifyIndexesBaseUpdateCmd{relation: relation, resp: resp}); err != nil {
		return nil, err
	}
	return (<-resp).affected, nil
}

// Derived exposes the underlying derived-relations manager for read-mostly
// access (materialization recomputation by the caller, which runs the
// executor over a published snapshot rather than inside the worker).
func (e *Engine) Derived() *derived.Manager { return e.derived }

// Indexes exposes the underlying index manager, symmetric with Derived.
func (e *Engine) Indexes() *indexmgr.Manager { return e.indexes }

// Executor exposes the shared executor.Engine used for stratum evaluation.
func (e *Engine) Executor() *executor.Engine { return e.exec }

// CurrentTime returns the last explicitly advanced logical time.
func (e *Engine) CurrentTime() int64 { return e.currentTime.Load() }

// MaxWriteTime returns the highest write time observed so far.
func (e *Engine) MaxWriteTime() int64 { return e.maxWriteTime.Load() }

// Shutdown drops the worker's queue without further stepping (spec section
// 4.12 notes this avoids a known merge-batcher pitfall when large batches
// remain buffered) and waits, bounded by shutdownTimeout, for the worker
// goroutine to exit. A worker panic observed during this wait is returned
// as an error instead of propagating as a process crash.
func (e *Engine) Shutdown() error {
	resp := make(chan error, 1)
	if e.queue.push(&shutdownCmd{resp: resp}) {
		select {
		case <-resp:
		case <-time.After(shutdownTimeout):
		}
	}

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(shutdownTimeout):
		if p := e.panicVal.Load(); p != nil {
			return fmt.Errorf("incremental: worker panicked: %v", p)
		}
		return nil
	}
}
