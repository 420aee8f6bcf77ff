// Package stats collects per-relation cardinality and per-column
// distinct-value, MCV, and equi-depth histogram statistics, and turns
// them into selectivity and cardinality estimates for the planner.
package stats

import (
	"sort"
	"time"

	"github.com/lattice-kg/lattice/internal/value"
)

// Config tunes how much statistics detail is collected per column.
type Config struct {
	MCVCount            int
	HistogramBuckets    int
	AutoUpdateThreshold int
}

// DefaultConfig matches the defaults used across the rest of the pack's
// query planners: top-10 MCVs, 100 histogram buckets, refresh every
// 1000 recorded changes.
func DefaultConfig() Config {
	return Config{MCVCount: 10, HistogramBuckets: 100, AutoUpdateThreshold: 1000}
}

// mcvEntry is one (value, frequency) pair in a column's MCV list.
type mcvEntry struct {
	Value value.Value
	Count int
}

// Histogram is an equi-depth histogram: boundaries holds len(Counts)+1
// bucket edges, each bucket holding approximately the same tuple count.
type Histogram struct {
	Boundaries []float64
	Counts     []int
}

// ColumnStats summarizes one column of a relation.
type ColumnStats struct {
	Index         int
	DistinctCount int
	NullCount     int
	Min           *value.Value
	Max           *value.Value
	MostCommon    []mcvEntry
	Histogram     *Histogram
}

// RelationStats summarizes one relation as of the last Analyze call.
type RelationStats struct {
	Name        string
	Cardinality int
	Columns     []ColumnStats
	UpdatedAt   time.Time
}

// Manager holds statistics for every analyzed relation and tracks
// change counts between refreshes.
type Manager struct {
	cfg     Config
	stats   map[string]*RelationStats
	changes map[string]int
}

// New creates an empty statistics manager.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, stats: make(map[string]*RelationStats), changes: make(map[string]int)}
}

// Analyze computes fresh statistics for a relation from its full tuple
// set and resets its change counter.
func (m *Manager) Analyze(name string, tuples []value.Tuple, arity int) {
	columns := make([]ColumnStats, arity)
	for col := 0; col < arity; col++ {
		values := make([]value.Value, 0, len(tuples))
		for _, t := range tuples {
			if col < len(t) {
				values = append(values, t[col])
			}
		}
		columns[col] = m.computeColumnStats(col, values)
	}

	m.stats[name] = &RelationStats{
		Name:        name,
		Cardinality: len(tuples),
		Columns:     columns,
		UpdatedAt:   time.Now(),
	}
	m.changes[name] = 0
}

// mapKey turns a Value into a comparable map key. Value itself holds
// slice fields (vector payloads) and cannot be used as a map key
// directly; prefixing with the kind keeps values of different kinds
// that happen to format identically from colliding.
func mapKey(v value.Value) string {
	return v.Kind().String() + ":" + v.String()
}

func (m *Manager) computeColumnStats(index int, values []value.Value) ColumnStats {
	counts := make(map[string]int)
	samples := make(map[string]value.Value)
	nulls := 0
	for _, v := range values {
		if v.IsNull() {
			nulls++
			continue
		}
		key := mapKey(v)
		counts[key]++
		samples[key] = v
	}

	mcv := make([]mcvEntry, 0, len(counts))
	for key, c := range counts {
		mcv = append(mcv, mcvEntry{Value: samples[key], Count: c})
	}
	sort.Slice(mcv, func(i, j int) bool {
		if mcv[i].Count != mcv[j].Count {
			return mcv[i].Count > mcv[j].Count
		}
		return mcv[i].Value.Compare(mcv[j].Value) < 0
	})
	if len(mcv) > m.cfg.MCVCount {
		mcv = mcv[:m.cfg.MCVCount]
	}

	min, max := computeMinMax(values)
	hist := m.computeHistogram(values)

	return ColumnStats{
		Index:         index,
		DistinctCount: len(counts),
		NullCount:     nulls,
		Min:           min,
		Max:           max,
		MostCommon:    mcv,
		Histogram:     hist,
	}
}

func computeMinMax(values []value.Value) (min, max *value.Value) {
	for i := range values {
		v := values[i]
		if v.IsNull() {
			continue
		}
		if min == nil || v.Compare(*min) < 0 {
			mv := v
			min = &mv
		}
		if max == nil || v.Compare(*max) > 0 {
			mv := v
			max = &mv
		}
	}
	return min, max
}

func (m *Manager) computeHistogram(values []value.Value) *Histogram {
	var numeric []float64
	for _, v := range values {
		if f, ok := v.AsNumeric(); ok {
			numeric = append(numeric, f)
		}
	}
	if len(numeric) == 0 {
		return nil
	}
	sort.Float64s(numeric)

	buckets := m.cfg.HistogramBuckets
	if buckets <= 0 {
		buckets = 1
	}
	bucketSize := (len(numeric) + buckets - 1) / buckets
	if bucketSize < 1 {
		bucketSize = 1
	}

	var boundaries []float64
	var counts []int
	for i := 0; i < len(numeric); i += bucketSize {
		end := i + bucketSize
		if end > len(numeric) {
			end = len(numeric)
		}
		boundaries = append(boundaries, numeric[i])
		counts = append(counts, end-i)
	}
	boundaries = append(boundaries, numeric[len(numeric)-1])

	return &Histogram{Boundaries: boundaries, Counts: counts}
}

// Get returns the relation's current statistics, or nil if it has
// never been analyzed.
func (m *Manager) Get(name string) *RelationStats {
	return m.stats[name]
}

// RecordChange tallies a mutation against a relation and reports
// whether accumulated changes have crossed the auto-update threshold.
func (m *Manager) RecordChange(name string) bool {
	m.changes[name]++
	threshold := m.cfg.AutoUpdateThreshold
	if threshold <= 0 {
		threshold = 1
	}
	return m.changes[name] >= threshold
}

// EstimateJoinSelectivity estimates the fraction of the cross-product
// of leftRel x rightRel that survives an equi-join on the given key
// columns, via selectivity ~= 1 / max(NDV_left, NDV_right). Returns the
// default 0.1 when either relation's statistics are missing.
func (m *Manager) EstimateJoinSelectivity(leftRel string, leftKeys []int, rightRel string, rightKeys []int) float64 {
	left := m.Get(leftRel)
	right := m.Get(rightRel)
	if left == nil || right == nil {
		return 0.1
	}
	leftNDV := maxNDV(left, leftKeys)
	rightNDV := maxNDV(right, rightKeys)
	denom := leftNDV
	if rightNDV > denom {
		denom = rightNDV
	}
	if denom < 1 {
		denom = 1
	}
	return 1.0 / float64(denom)
}

func maxNDV(stats *RelationStats, keys []int) int {
	best := 1
	for _, k := range keys {
		if k < 0 || k >= len(stats.Columns) {
			continue
		}
		ndv := stats.Columns[k].DistinctCount
		if ndv < 1 {
			ndv = 1
		}
		if ndv > best {
			best = ndv
		}
	}
	return best
}

// EstimateJoinCardinality estimates |A join B| ~= |A| * |B| * selectivity.
// Missing relations default to a cardinality of 1000.
func (m *Manager) EstimateJoinCardinality(leftRel string, leftKeys []int, rightRel string, rightKeys []int) int {
	leftCard := 1000
	if s := m.Get(leftRel); s != nil {
		leftCard = s.Cardinality
	}
	rightCard := 1000
	if s := m.Get(rightRel); s != nil {
		rightCard = s.Cardinality
	}
	sel := m.EstimateJoinSelectivity(leftRel, leftKeys, rightRel, rightKeys)
	estimate := float64(leftCard) * float64(rightCard) * sel
	return int(estimate + 0.999999)
}

// FilterOp enumerates the comparison operators EstimateFilterSelectivity
// understands.
type FilterOp int

const (
	OpEqual FilterOp = iota
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
)

// EstimateFilterSelectivity estimates the fraction of relation's tuples
// that satisfy `column op value`, preferring MCV-exact and
// histogram-range estimates over flat defaults.
func (m *Manager) EstimateFilterSelectivity(relation string, column int, v value.Value, op FilterOp) float64 {
	stats := m.Get(relation)
	if stats == nil || column < 0 || column >= len(stats.Columns) {
		return 0.5
	}
	col := stats.Columns[column]

	switch op {
	case OpEqual:
		for _, e := range col.MostCommon {
			if e.Value.Equal(v) {
				card := stats.Cardinality
				if card < 1 {
					card = 1
				}
				return float64(e.Count) / float64(card)
			}
		}
		ndv := col.DistinctCount
		if ndv < 1 {
			ndv = 1
		}
		return 1.0 / float64(ndv)
	case OpNotEqual:
		return 1.0 - m.EstimateFilterSelectivity(relation, column, v, OpEqual)
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		if col.Histogram != nil {
			return estimateRangeSelectivity(col.Histogram, v, op)
		}
		return 0.33
	default:
		return 0.5
	}
}

func estimateRangeSelectivity(h *Histogram, v value.Value, op FilterOp) float64 {
	total := 0
	for _, c := range h.Counts {
		total += c
	}
	if total == 0 {
		return 0.5
	}
	target, ok := v.AsNumeric()
	if !ok {
		return 0.5
	}

	cumulative := 0
	for i, boundary := range h.Boundaries {
		if target <= boundary {
			break
		}
		if i < len(h.Counts) {
			cumulative += h.Counts[i]
		}
	}

	frac := float64(cumulative) / float64(total)
	switch op {
	case OpLess, OpLessEqual:
		return frac
	case OpGreater, OpGreaterEqual:
		return 1.0 - frac
	default:
		return 0.5
	}
}
