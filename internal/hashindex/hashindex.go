// Package hashindex implements an in-memory join-key index guarded by a
// bloom filter, used by internal/kg's primary-key, uniqueness and
// foreign-key checks.
package hashindex

import (
	"fmt"

	"github.com/lattice-kg/lattice/internal/bloom"
	"github.com/lattice-kg/lattice/internal/value"
)

// Index maps a composite key (a projection over a subset of tuple columns)
// to every tuple sharing that key, with a bloom filter guard so that a
// probe for an absent key never touches the map.
type Index struct {
	columns []int
	buckets map[value.TupleKey][]value.Tuple
	guard   *bloom.Filter
}

// Build constructs a hash index over the given columns of the given tuples.
func Build(tuples []value.Tuple, columns []int) *Index {
	idx := &Index{
		columns: columns,
		buckets: make(map[value.TupleKey][]value.Tuple, len(tuples)),
		guard:   bloom.New(max(len(tuples), 1), 0.01),
	}
	for _, t := range tuples {
		idx.insert(t)
	}
	return idx
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (idx *Index) key(t value.Tuple) value.TupleKey {
	return t.Project(idx.columns).Key()
}

func (idx *Index) insert(t value.Tuple) {
	key := idx.key(t)
	idx.buckets[key] = append(idx.buckets[key], t)
	idx.guard.Add([]byte(key))
}

// Insert adds a tuple to the index (used for incremental maintenance of
// materialized hash indexes between full rebuilds).
func (idx *Index) Insert(t value.Tuple) { idx.insert(t) }

// Probe returns every tuple whose projection over the index's columns
// equals key. A negative bloom test short-circuits to an empty result
// without touching the bucket map.
func (idx *Index) Probe(key value.Tuple) []value.Tuple {
	k := key.Key()
	if !idx.guard.MightContain([]byte(k)) {
		return nil
	}
	return idx.buckets[k]
}

// ProbeTuple probes using the join-key projection of a full tuple from the
// other side of a join.
func (idx *Index) ProbeTuple(t value.Tuple, otherColumns []int) []value.Tuple {
	return idx.Probe(t.Project(otherColumns))
}

// Len returns the number of distinct keys in the index.
func (idx *Index) Len() int { return len(idx.buckets) }

// Columns returns the column positions this index is keyed on.
func (idx *Index) Columns() []int { return idx.columns }

func (idx *Index) String() string {
	return fmt.Sprintf("hashindex{columns=%v, keys=%d}", idx.columns, len(idx.buckets))
}
