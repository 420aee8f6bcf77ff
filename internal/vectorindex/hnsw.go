// Package vectorindex implements an HNSW-backed approximate nearest-
// neighbour index with tombstone-based deletion, per spec §4.3.
package vectorindex

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/lattice-kg/lattice/internal/errs"
)

// Config holds the tunable HNSW construction/search parameters.
type Config struct {
	M           int // max bidirectional links per node per layer
	EfConstruct int // candidate list size during insertion
	EfSearch    int // default candidate list size during search
	Metric      Metric
}

// DefaultConfig returns reasonable defaults matching common HNSW presets.
func DefaultConfig(metric Metric) Config {
	return Config{M: 16, EfConstruct: 200, EfSearch: 50, Metric: metric}
}

type node struct {
	id      int64
	vector  []float32 // prepared (metric-transformed) vector
	level   int
	links   [][]int64 // links[layer] = neighbour ids at that layer
	deleted bool
}

// Index is a layered-graph approximate nearest-neighbour index.
type Index struct {
	mu sync.RWMutex

	cfg       Config
	dimension int // fixed at first insert, 0 until then

	nodes      map[int64]*node
	entryPoint int64
	hasEntry   bool
	levelMult  float64
	tombstones map[int64]bool
}

// New creates an empty HNSW index with the given configuration. Dimension
// is fixed on the first Insert call.
func New(cfg Config) *Index {
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfConstruct <= 0 {
		cfg.EfConstruct = 200
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 50
	}
	return &Index{
		cfg:        cfg,
		nodes:      make(map[int64]*node),
		levelMult:  1 / math.Log(float64(max(cfg.M, 2))),
		tombstones: make(map[int64]bool),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Dimension returns the fixed vector dimension, or 0 if no vectors have
// been inserted yet.
func (idx *Index) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dimension
}

// Metric returns the configured distance metric.
func (idx *Index) Metric() Metric { return idx.cfg.Metric }

// Len returns the number of live (non-tombstoned) vectors in the index.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, nd := range idx.nodes {
		if !nd.deleted {
			n++
		}
	}
	return n
}

// TombstoneCount returns the number of soft-deleted entries awaiting rebuild.
func (idx *Index) TombstoneCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.tombstones)
}

// TombstoneRatio returns tombstones / (live + tombstones), or 0 when empty.
func (idx *Index) TombstoneRatio() float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	total := len(idx.nodes)
	if total == 0 {
		return 0
	}
	return float64(len(idx.tombstones)) / float64(total)
}

// randomLevel draws the layer a freshly-inserted node should top out at,
// per the standard HNSW exponential-decay assignment.
func (idx *Index) randomLevel() int {
	return int(math.Floor(-math.Log(rand.Float64()) * idx.levelMult))
}

// Insert adds (or replaces) a vector under the given id. The first insert
// fixes the index's dimension; later inserts with a different length are
// rejected with a DimensionMismatch error.
func (idx *Index) Insert(id int64, vector []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	prepared := prepare(idx.cfg.Metric, vector)

	if idx.dimension == 0 {
		idx.dimension = len(vector)
	} else if len(vector) != idx.dimension {
		return &errs.DimensionMismatch{Expected: idx.dimension, Actual: len(vector)}
	}

	if existing, ok := idx.nodes[id]; ok {
		existing.vector = prepared
		existing.deleted = false
		delete(idx.tombstones, id)
		return nil
	}

	level := idx.randomLevel()
	nd := &node{id: id, vector: prepared, level: level, links: make([][]int64, level+1)}
	idx.nodes[id] = nd

	if !idx.hasEntry {
		idx.entryPoint = id
		idx.hasEntry = true
		return nil
	}

	idx.insertIntoGraph(nd)

	if level > idx.nodes[idx.entryPoint].level {
		idx.entryPoint = id
	}
	return nil
}

// InsertBatch inserts multiple vectors; equivalent to calling Insert for
// each, but lets callers batch without paying lock overhead per call.
func (idx *Index) InsertBatch(ids []int64, vectors [][]float32) error {
	for i, id := range ids {
		if err := idx.Insert(id, vectors[i]); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) insertIntoGraph(nd *node) {
	ep := idx.entryPoint
	epDist := distance(idx.cfg.Metric, nd.vector, idx.nodes[ep].vector)
	topLevel := idx.nodes[idx.entryPoint].level

	// Descend from the top layer to nd.level+1, greedily narrowing to the
	// single closest node at each layer (standard HNSW descent).
	for layer := topLevel; layer > nd.level; layer-- {
		ep, epDist = idx.greedyClosest(ep, epDist, nd.vector, layer)
	}

	// From min(topLevel, nd.level) down to 0, search each layer for efConstruct
	// candidates and connect nd bidirectionally to the best M of them.
	for layer := min(topLevel, nd.level); layer >= 0; layer-- {
		candidates := idx.searchLayer(nd.vector, ep, idx.cfg.EfConstruct, layer)
		selected := selectNeighbours(candidates, idx.cfg.M)
		nd.links[layer] = selected

		for _, neighbourID := range selected {
			idx.connect(neighbourID, nd.id, layer)
		}
		if len(candidates) > 0 {
			ep = candidates[0].id
			epDist = candidates[0].dist
		}
	}
	_ = epDist
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// connect adds a bidirectional link from a to b at layer, pruning a's
// neighbour list back down to M if it overflows.
func (idx *Index) connect(a, b int64, layer int) {
	na := idx.nodes[a]
	if layer >= len(na.links) {
		grown := make([][]int64, layer+1)
		copy(grown, na.links)
		na.links = grown
	}
	na.links[layer] = append(na.links[layer], b)
	if len(na.links[layer]) > idx.cfg.M*2 {
		cands := make([]candidate, 0, len(na.links[layer]))
		for _, n := range na.links[layer] {
			if other, ok := idx.nodes[n]; ok {
				cands = append(cands, candidate{id: n, dist: distance(idx.cfg.Metric, na.vector, other.vector)})
			}
		}
		na.links[layer] = selectNeighbours(cands, idx.cfg.M)
	}
}

func (idx *Index) greedyClosest(from int64, fromDist float64, target []float32, layer int) (int64, float64) {
	current, currentDist := from, fromDist
	for {
		improved := false
		nd := idx.nodes[current]
		if layer < len(nd.links) {
			for _, nb := range nd.links[layer] {
				other, ok := idx.nodes[nb]
				if !ok || other.deleted {
					continue
				}
				d := distance(idx.cfg.Metric, target, other.vector)
				if d < currentDist {
					current, currentDist = nb, d
					improved = true
				}
			}
		}
		if !improved {
			return current, currentDist
		}
	}
}

type candidate struct {
	id   int64
	dist float64
}

// searchLayer performs a best-first search from entry at the given layer,
// returning up to ef candidates sorted ascending by distance.
func (idx *Index) searchLayer(target []float32, entry int64, ef int, layer int) []candidate {
	visited := map[int64]bool{entry: true}
	entryDist := distance(idx.cfg.Metric, target, idx.nodes[entry].vector)

	candidates := &minHeap{{id: entry, dist: entryDist}}
	results := &maxHeap{{id: entry, dist: entryDist}}
	heap.Init(candidates)
	heap.Init(results)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candidate)
		if results.Len() > 0 && c.dist > (*results)[0].dist && results.Len() >= ef {
			break
		}
		nd := idx.nodes[c.id]
		if layer >= len(nd.links) {
			continue
		}
		for _, nb := range nd.links[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			other, ok := idx.nodes[nb]
			if !ok || other.deleted {
				continue
			}
			d := distance(idx.cfg.Metric, target, other.vector)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, candidate{id: nb, dist: d})
				heap.Push(results, candidate{id: nb, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	copy(out, *results)
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].id < out[j].id
	})
	return out
}

// selectNeighbours picks up to m candidates (already assumed sorted
// ascending by distance) to keep as bidirectional links.
func selectNeighbours(candidates []candidate, m int) []int64 {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]int64, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

// Result is one (id, distance) pair from a Search call.
type Result struct {
	ID       int64
	Distance float64
}

// Search returns up to k nearest live vectors to query, sorted ascending
// by distance and tie-broken by ascending id. efOverride, if > 0,
// overrides the configured EfSearch for this call.
func (idx *Index) Search(query []float32, k int, efOverride int) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.dimension != 0 && len(query) != idx.dimension {
		return nil, &errs.DimensionMismatch{Expected: idx.dimension, Actual: len(query)}
	}
	if !idx.hasEntry {
		return nil, nil
	}

	prepared := prepare(idx.cfg.Metric, query)
	ef := idx.cfg.EfSearch
	if efOverride > 0 {
		ef = efOverride
	}
	if ef < k {
		ef = k
	}

	ep := idx.entryPoint
	epDist := distance(idx.cfg.Metric, prepared, idx.nodes[ep].vector)
	topLevel := idx.nodes[idx.entryPoint].level
	for layer := topLevel; layer > 0; layer-- {
		ep, epDist = idx.greedyClosest(ep, epDist, prepared, layer)
	}

	candidates := idx.searchLayer(prepared, ep, ef, 0)

	out := make([]Result, 0, k)
	for _, c := range candidates {
		nd := idx.nodes[c.id]
		if nd.deleted {
			continue
		}
		out = append(out, Result{ID: c.id, Distance: c.dist})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Delete tombstones id; the vector remains in the graph (and still
// influences traversal) until Rebuild is called.
func (idx *Index) Delete(id int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if nd, ok := idx.nodes[id]; ok && !nd.deleted {
		nd.deleted = true
		idx.tombstones[id] = true
	}
}

// Rebuild compacts the index from scratch using the given (id, vector)
// pairs, clearing all tombstones. After Rebuild(V), Len() == len(V) and
// TombstoneCount() == 0.
func (idx *Index) Rebuild(ids []int64, vectors [][]float32) error {
	idx.mu.Lock()
	cfg := idx.cfg
	idx.mu.Unlock()

	fresh := New(cfg)
	for i, id := range ids {
		if err := fresh.Insert(id, vectors[i]); err != nil {
			return err
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.nodes = fresh.nodes
	idx.entryPoint = fresh.entryPoint
	idx.hasEntry = fresh.hasEntry
	idx.dimension = fresh.dimension
	idx.tombstones = make(map[int64]bool)
	return nil
}
