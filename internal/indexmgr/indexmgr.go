// Package indexmgr owns vector index registration, the materialized
// HNSW structures built against them, and base-relation-driven cascade
// invalidation, per spec section 4.10. It mirrors internal/derived's
// shape (registry + materialization cache + notify_base_update) but for
// indexes instead of rules.
package indexmgr

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/lattice-kg/lattice/internal/errs"
	"github.com/lattice-kg/lattice/internal/vectorindex"
)

// Registration is an index's identity and build configuration, per spec
// section 3's "Index registration" type.
type Registration struct {
	Name     string             `json:"name"`
	Relation string             `json:"relation"`
	Column   int                `json:"column"`
	Config   vectorindex.Config `json:"config"`
}

// MaterializedIndex is the built HNSW structure plus the base-version
// snapshot it was built against, per spec section 3's "Materialized
// index" type. TombstoneRatio above RebuildThreshold signals the index
// manager's caller should Rebuild.
type MaterializedIndex struct {
	Index               vectorindex.VectorIndex
	BaseVersionAtBuild   int
	Valid                bool
}

// RebuildThreshold is the tombstone ratio above which a materialized
// index should be rebuilt rather than further tombstoned, per spec
// section 4.3/4.10.
const RebuildThreshold = 0.2

// Manager tracks index registrations, their materialized structures, and
// the base-relation versions driving cascade invalidation.
type Manager struct {
	mu sync.RWMutex

	registrations map[string]Registration
	byRelation    map[string]map[string]bool // relation -> index names registered on it
	materialized  map[string]*MaterializedIndex
	baseVersions  map[string]int
}

// New constructs an empty index manager.
func New() *Manager {
	return &Manager{
		registrations: make(map[string]Registration),
		byRelation:    make(map[string]map[string]bool),
		materialized:  make(map[string]*MaterializedIndex),
		baseVersions:  make(map[string]int),
	}
}

// Register adds a new index, failing if the name is already taken.
func (m *Manager) Register(reg Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registrations[reg.Name]; exists {
		return errs.ErrIndexAlreadyExists
	}
	m.registrations[reg.Name] = reg
	if m.byRelation[reg.Relation] == nil {
		m.byRelation[reg.Relation] = make(map[string]bool)
	}
	m.byRelation[reg.Relation][reg.Name] = true
	return nil
}

// Remove drops a registration and its materialization.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, exists := m.registrations[name]
	if !exists {
		return errs.ErrIndexNotFound
	}
	delete(m.registrations, name)
	delete(m.materialized, name)
	if set := m.byRelation[reg.Relation]; set != nil {
		delete(set, name)
		if len(set) == 0 {
			delete(m.byRelation, reg.Relation)
		}
	}
	return nil
}

// Get returns an index's registration.
func (m *Manager) Get(name string) (Registration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.registrations[name]
	return reg, ok
}

// ForRelation returns the registered index names over relation, sorted
// for determinism.
func (m *Manager) ForRelation(relation string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.byRelation[relation]))
	for n := range m.byRelation[relation] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ForRelationColumn returns a valid index over (relation, column),
// matching the executor's IndexLookup contract. When several valid
// indexes cover the same column, which one is returned is not defined.
func (m *Manager) ForRelationColumn(relation string, column int) (vectorindex.VectorIndex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name := range m.byRelation[relation] {
		reg := m.registrations[name]
		if reg.Column != column {
			continue
		}
		mi, ok := m.materialized[name]
		if ok && mi.Valid {
			return mi.Index, true
		}
	}
	return nil, false
}

// SetMaterialized installs idx as name's built structure, stamped with
// the base relation's current version.
func (m *Manager) SetMaterialized(name string, idx vectorindex.VectorIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registrations[name]
	if !ok {
		return errs.ErrIndexNotFound
	}
	m.materialized[name] = &MaterializedIndex{
		Index:              idx,
		BaseVersionAtBuild: m.baseVersions[reg.Relation],
		Valid:              true,
	}
	return nil
}

// GetMaterialized returns name's built structure, or ok=false if absent
// or invalidated.
func (m *Manager) GetMaterialized(name string) (*MaterializedIndex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mi, ok := m.materialized[name]
	if !ok || !mi.Valid {
		return nil, false
	}
	return mi, true
}

// NotifyBaseUpdate increments relation's version and invalidates every
// currently-valid materialized index registered on it, returning the
// (sorted) set invalidated, symmetric with derived.Manager.NotifyBaseUpdate.
func (m *Manager) NotifyBaseUpdate(relation string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected []string
	for name := range m.byRelation[relation] {
		mi, ok := m.materialized[name]
		if ok && mi.Valid {
			mi.Valid = false
			affected = append(affected, name)
		}
	}
	m.baseVersions[relation]++
	sort.Strings(affected)
	return affected
}

// UpdateIndex applies inserts/deletes to name's materialized structure in
// place, returning the live tuple count after the update. Errors from the
// underlying index (dimension mismatch, etc.) propagate unchanged.
func (m *Manager) UpdateIndex(name string, insertIDs []int64, insertVectors [][]float32, deleteIDs []int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.materialized[name]
	if !ok {
		return 0, errs.ErrIndexNotFound
	}
	for _, id := range deleteIDs {
		mi.Index.Delete(id)
	}
	if len(insertIDs) > 0 {
		if err := mi.Index.InsertBatch(insertIDs, insertVectors); err != nil {
			return 0, fmt.Errorf("indexmgr: updating %q: %w", name, err)
		}
	}
	return mi.Index.Len(), nil
}

// NeedsRebuild reports whether name's tombstone ratio exceeds
// RebuildThreshold.
func (m *Manager) NeedsRebuild(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mi, ok := m.materialized[name]
	if !ok {
		return false
	}
	return mi.Index.TombstoneRatio() > RebuildThreshold
}

// Stats summarizes one index's observable counters, for GetIndexStats.
type Stats struct {
	Name            string
	Relation        string
	Column          int
	Len             int
	TombstoneCount  int
	TombstoneRatio  float64
	Dimension       int
	Metric          vectorindex.Metric
	Valid           bool
}

// GetStats returns the stats for a single index, or for every registered
// index when name is empty.
func (m *Manager) GetStats(name string) ([]Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := []string{name}
	if name == "" {
		names = names[:0]
		for n := range m.registrations {
			names = append(names, n)
		}
		sort.Strings(names)
	}

	out := make([]Stats, 0, len(names))
	for _, n := range names {
		reg, ok := m.registrations[n]
		if !ok {
			return nil, errs.ErrIndexNotFound
		}
		s := Stats{Name: n, Relation: reg.Relation, Column: reg.Column}
		if mi, ok := m.materialized[n]; ok {
			s.Len = mi.Index.Len()
			s.TombstoneCount = mi.Index.TombstoneCount()
			s.TombstoneRatio = mi.Index.TombstoneRatio()
			s.Dimension = mi.Index.Dimension()
			s.Metric = mi.Index.Metric()
			s.Valid = mi.Valid
		}
		out = append(out, s)
	}
	return out, nil
}

// registrationFile is the on-disk JSON form of every registration in a
// manager, per spec section 4.10's per-manager-directory persistence
// contract (registrations.json + per-index subdirectories, the latter
// delegated to vectorindex.Index.Save/Load by the caller).
type registrationFile struct {
	Registrations []Registration `json:"registrations"`
}

// SaveRegistrations serializes every registration as JSON; the caller is
// responsible for writing the bytes to registrations.json and for
// delegating each index's own byte form to vectorindex.Index.Save.
func (m *Manager) SaveRegistrations() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.registrations))
	for n := range m.registrations {
		names = append(names, n)
	}
	sort.Strings(names)
	file := registrationFile{Registrations: make([]Registration, 0, len(names))}
	for _, n := range names {
		file.Registrations = append(file.Registrations, m.registrations[n])
	}
	return json.MarshalIndent(file, "", "  ")
}

// LoadRegistrations restores registrations (but not materializations —
// the caller rebuilds those from each index's own persisted bytes via
// vectorindex.Load, then calls SetMaterialized).
func (m *Manager) LoadRegistrations(data []byte) error {
	var file registrationFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("indexmgr: decoding registrations: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, reg := range file.Registrations {
		m.registrations[reg.Name] = reg
		if m.byRelation[reg.Relation] == nil {
			m.byRelation[reg.Relation] = make(map[string]bool)
		}
		m.byRelation[reg.Relation][reg.Name] = true
	}
	return nil
}
