package vectorindex

import "github.com/lattice-kg/lattice/internal/errs"

// ErrReadOnly is returned by a read-only adapter's mutating methods.
var ErrReadOnly = &errs.SchemaError{Kind: errs.SchemaInvalid, Message: "index is read-only"}

// VectorIndex is the capability surface the index manager dispatches
// against; HNSW is the only concrete variant today but other backends
// (or the ReadOnly wrapper below) can satisfy it without the manager
// changing.
type VectorIndex interface {
	Search(query []float32, k int, efOverride int) ([]Result, error)
	Insert(id int64, vector []float32) error
	InsertBatch(ids []int64, vectors [][]float32) error
	Delete(id int64)
	Rebuild(ids []int64, vectors [][]float32) error
	Len() int
	TombstoneRatio() float64
	TombstoneCount() int
	Dimension() int
	Metric() Metric
}

// ReadOnly wraps a VectorIndex (typically one shared from a published
// snapshot) so that Insert/InsertBatch/Rebuild return ErrReadOnly and
// Delete does nothing, instead of mutating state other readers may be
// concurrently traversing.
type ReadOnly struct {
	inner VectorIndex
}

// NewReadOnly wraps inner behind a read-only facade.
func NewReadOnly(inner VectorIndex) *ReadOnly { return &ReadOnly{inner: inner} }

func (r *ReadOnly) Search(query []float32, k int, efOverride int) ([]Result, error) {
	return r.inner.Search(query, k, efOverride)
}

func (r *ReadOnly) Insert(id int64, vector []float32) error {
	return ErrReadOnly
}

func (r *ReadOnly) InsertBatch(ids []int64, vectors [][]float32) error {
	return ErrReadOnly
}

func (r *ReadOnly) Delete(id int64) {}

func (r *ReadOnly) Rebuild(ids []int64, vectors [][]float32) error {
	return ErrReadOnly
}

func (r *ReadOnly) Len() int                { return r.inner.Len() }
func (r *ReadOnly) TombstoneRatio() float64 { return r.inner.TombstoneRatio() }
func (r *ReadOnly) TombstoneCount() int     { return r.inner.TombstoneCount() }
func (r *ReadOnly) Dimension() int          { return r.inner.Dimension() }
func (r *ReadOnly) Metric() Metric          { return r.inner.Metric() }
