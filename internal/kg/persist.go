package kg

import (
	"fmt"
	"log"

	"github.com/lattice-kg/lattice/internal/incremental"
	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/persist"
	"github.com/lattice-kg/lattice/internal/session"
	"github.com/lattice-kg/lattice/internal/value"
	"github.com/lattice-kg/lattice/internal/vectorindex"
)

// NewPersistent constructs a KG backed by dir: existing state (delta
// log, rule/schema catalogs, index registrations) is recovered first,
// then every subsequent base mutation, rule registration, schema
// declaration, and index change is written through. Materializations
// themselves are not persisted; recovery recomputes every derived
// relation from the recovered base data before NewPersistent returns,
// not on first read.
func NewPersistent(name string, cfg Config, sessions *session.Manager, dir *persist.Dir) (*KG, error) {
	k := newKG(name, cfg, sessions)
	k.files = dir
	if err := k.recover(); err != nil {
		_ = k.engine.Shutdown()
		return nil, fmt.Errorf("kg: recovering %q: %w", name, err)
	}
	return k, nil
}

// appendDeltas writes one applied delta batch to the durable log,
// stamped with the engine's current max write time. No-op for an
// in-memory KG or while recovery itself is replaying the log.
func (k *KG) appendDeltas(relation string, deltas []incremental.Delta) {
	if k.files == nil || k.replaying || len(deltas) == 0 {
		return
	}
	tds := make([]persist.TupleDiff, len(deltas))
	for i, d := range deltas {
		tds[i] = persist.TupleDiff{Tuple: d.Tuple, Diff: d.Diff}
	}
	if err := k.files.AppendDeltas(relation, k.engine.MaxWriteTime(), tds); err != nil {
		log.Printf("kg: appending %d deltas for %q to durable log: %v", len(deltas), relation, err)
	}
}

// persistRules rewrites rules.json from the current rule catalog.
func (k *KG) persistRules() {
	if k.files == nil || k.replaying {
		return
	}
	byHead := make(map[string][]parser.Statement)
	for _, name := range k.rules.Names() {
		byHead[name] = k.rules.Get(name)
	}
	if err := k.files.SaveRules(byHead); err != nil {
		log.Printf("kg: saving rule catalog: %v", err)
	}
}

// persistSchemas rewrites schema.json from the recorded persistent
// schema declarations.
func (k *KG) persistSchemas() {
	if k.files == nil || k.replaying {
		return
	}
	k.schemaStmtMu.Lock()
	stmts := append([]parser.Statement(nil), k.schemaStmts...)
	k.schemaStmtMu.Unlock()
	if err := k.files.SaveSchemas(stmts); err != nil {
		log.Printf("kg: saving schema catalog: %v", err)
	}
}

// persistIndexes rewrites indexes/registrations.json and each
// materialized index's own serialized state.
func (k *KG) persistIndexes() {
	if k.files == nil || k.replaying {
		return
	}
	data, err := k.engine.Indexes().SaveRegistrations()
	if err != nil {
		log.Printf("kg: serializing index registrations: %v", err)
		return
	}
	if err := k.files.SaveIndexRegistrations(data); err != nil {
		log.Printf("kg: saving index registrations: %v", err)
		return
	}
	stats, err := k.engine.GetIndexStats("")
	if err != nil {
		return
	}
	for _, s := range stats {
		mi, ok := k.engine.Indexes().GetMaterialized(s.Name)
		if !ok {
			continue
		}
		saver, ok := mi.Index.(interface{ Save() ([]byte, error) })
		if !ok {
			continue
		}
		bytes, err := saver.Save()
		if err != nil {
			log.Printf("kg: serializing index %q: %v", s.Name, err)
			continue
		}
		if err := k.files.SaveIndexState(s.Name, bytes); err != nil {
			log.Printf("kg: saving index %q: %v", s.Name, err)
		}
	}
}

// recover rebuilds this KG's in-memory state from dir: schemas first
// (so replayed inserts validate the same way), then the delta log, then
// rules (materializations recompute from the replayed bases), then
// index registrations with their saved graph state where present.
func (k *KG) recover() error {
	k.replaying = true
	defer func() { k.replaying = false }()

	schemas, err := k.files.LoadSchemas()
	if err != nil {
		return err
	}
	for _, stmt := range schemas {
		if err := k.execSchema(stmt); err != nil {
			return fmt.Errorf("redeclaring schema %q: %w", stmt.Relation, err)
		}
	}

	touched := make(map[string]bool)
	if err := k.replayLog(touched); err != nil {
		return err
	}
	for relation := range touched {
		if _, err := k.engine.NotifyBaseUpdate(relation); err != nil {
			return err
		}
		if _, err := k.engine.NotifyIndexesBaseUpdate(relation); err != nil {
			return err
		}
	}

	rules, err := k.files.LoadRules()
	if err != nil {
		return err
	}
	for name, clauses := range rules {
		if _, err := k.engine.RegisterRule(name, clauses); err != nil {
			return fmt.Errorf("re-registering rule %q: %w", name, err)
		}
		k.rules.Set(name, clauses)
	}
	if err := k.RecomputeDerived(); err != nil {
		return err
	}

	if err := k.recoverIndexes(); err != nil {
		return err
	}

	k.publishSnapshot()
	return nil
}

func (k *KG) replayLog(touched map[string]bool) error {
	return k.files.ReplayDeltas(func(relation string, tuple value.Tuple, _ int64, diff int) error {
		if !touched[relation] {
			if err := k.engine.EnsureRelation(relation); err != nil {
				return err
			}
			k.markBase(relation)
			touched[relation] = true
		}
		return k.engine.InsertDelta(relation, []incremental.Delta{{Tuple: tuple, Diff: diff}})
	})
}

// recoverIndexes reloads registrations.json and restores each index's
// saved graph, falling back to a rebuild from the relation's replayed
// contents when no saved state exists.
func (k *KG) recoverIndexes() error {
	data, ok, err := k.files.LoadIndexRegistrations()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := k.engine.Indexes().LoadRegistrations(data); err != nil {
		return err
	}
	stats, err := k.engine.GetIndexStats("")
	if err != nil {
		return err
	}
	for _, s := range stats {
		bytes, ok, err := k.files.LoadIndexState(s.Name)
		if err != nil {
			return err
		}
		if !ok {
			if err := k.rebuildIndex(s.Name); err != nil {
				return fmt.Errorf("rebuilding index %q: %w", s.Name, err)
			}
			continue
		}
		idx, err := vectorindex.Load(bytes)
		if err != nil {
			return fmt.Errorf("loading index %q: %w", s.Name, err)
		}
		if err := k.engine.SetIndexMaterialized(s.Name, idx); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and releases the KG's persistence handle, after
// stopping the incremental worker.
func (k *KG) Close() error {
	err := k.Shutdown()
	if k.files != nil {
		if cerr := k.files.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
