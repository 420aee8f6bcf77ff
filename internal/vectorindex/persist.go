package vectorindex

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// snapshot is the gob-serializable form of an Index's graph state.
// Registration metadata (relation name, column, dimension, metric) is
// the index manager's concern and is serialized separately as JSON.
type snapshot struct {
	Cfg        Config
	Dimension  int
	Nodes      []nodeSnapshot
	EntryPoint int64
	HasEntry   bool
	Tombstones []int64
}

type nodeSnapshot struct {
	ID      int64
	Vector  []float32
	Level   int
	Links   [][]int64
	Deleted bool
}

func init() {
	gob.Register(snapshot{})
}

// Save serializes the full graph (including tombstoned nodes, so that
// reload reproduces Len/TombstoneCount exactly) via gob.
func (idx *Index) Save() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	snap := snapshot{
		Cfg:        idx.cfg,
		Dimension:  idx.dimension,
		EntryPoint: idx.entryPoint,
		HasEntry:   idx.hasEntry,
	}
	for id := range idx.tombstones {
		snap.Tombstones = append(snap.Tombstones, id)
	}
	for _, nd := range idx.nodes {
		snap.Nodes = append(snap.Nodes, nodeSnapshot{
			ID: nd.id, Vector: nd.vector, Level: nd.level,
			Links: nd.links, Deleted: nd.deleted,
		})
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("vectorindex: encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Load reconstructs an Index from bytes produced by Save. Search results
// against the loaded index are identical to the source index at save
// time, including tombstoned (excluded) entries.
func Load(data []byte) (*Index, error) {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("vectorindex: decode snapshot: %w", err)
	}

	idx := New(snap.Cfg)
	idx.dimension = snap.Dimension
	idx.entryPoint = snap.EntryPoint
	idx.hasEntry = snap.HasEntry
	for _, ns := range snap.Nodes {
		idx.nodes[ns.ID] = &node{
			id: ns.ID, vector: ns.Vector, level: ns.Level,
			links: ns.Links, deleted: ns.Deleted,
		}
	}
	for _, id := range snap.Tombstones {
		idx.tombstones[id] = true
	}
	return idx, nil
}
