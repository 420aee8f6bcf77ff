package kg

import "github.com/lattice-kg/lattice/internal/value"

// Snapshot is a lock-free, read-only view of one knowledge graph's base
// relations and currently materialized derived relations, published after
// every mutation via atomic.Pointer[Snapshot] so concurrent readers never
// block a writer nor each other, per spec section 5's reader/writer split.
type Snapshot struct {
	Version   int64
	Relations map[string][]value.Tuple
	// Materialized names the derived relations whose rules may be
	// skipped during evaluation because their contents are already
	// present in Relations as plain facts.
	Materialized    map[string]bool
	PersistentRules int // number of persistent rule heads registered when this snapshot was built
	Workers         int
}

// Lookup returns relation's tuples as of this snapshot, or nil if it
// wasn't a base or materialized-derived relation at publish time. Safe to
// call on a nil snapshot (a KG that has never published one yet).
func (s *Snapshot) Lookup(relation string) []value.Tuple {
	if s == nil {
		return nil
	}
	return s.Relations[relation]
}
