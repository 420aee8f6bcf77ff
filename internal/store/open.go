package store

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/lattice-kg/lattice/internal/kg"
	"github.com/lattice-kg/lattice/internal/persist"
	"github.com/lattice-kg/lattice/internal/session"
)

// Open creates a durable Store rooted at dir: the knowledge_graphs.json
// manifest is loaded (or seeded with the default KG on first open), and
// every listed KG is recovered from its own subdirectory — delta log
// replayed, catalogs reloaded, materializations recomputed during the
// recovery itself.
func Open(dir string, cfg kg.Config, sessionCfg session.Config) (*Store, error) {
	sessions := session.New(sessionCfg)
	s := &Store{
		kgs:      make(map[string]*kg.KG),
		current:  DefaultName,
		cfg:      cfg,
		sessions: sessions,
		root:     dir,
	}

	m, ok, err := persist.LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		m = persist.Manifest{Current: DefaultName, KnowledgeGraphs: []string{DefaultName}}
	}
	if m.Current != "" {
		s.current = m.Current
	}

	names := m.KnowledgeGraphs
	if len(names) == 0 {
		names = []string{DefaultName}
	}
	seenDefault := false
	for _, name := range names {
		if name == DefaultName {
			seenDefault = true
		}
		k, err := s.openKG(name)
		if err != nil {
			s.shutdownAll()
			return nil, fmt.Errorf("store: opening knowledge graph %q: %w", name, err)
		}
		s.kgs[name] = k
	}
	if !seenDefault {
		k, err := s.openKG(DefaultName)
		if err != nil {
			s.shutdownAll()
			return nil, err
		}
		s.kgs[DefaultName] = k
	}
	if _, ok := s.kgs[s.current]; !ok {
		s.current = DefaultName
	}

	if err := s.saveManifestLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) openKG(name string) (*kg.KG, error) {
	d, err := persist.Open(filepath.Join(s.root, name))
	if err != nil {
		return nil, err
	}
	k, err := kg.NewPersistent(name, s.cfg, s.sessions, d)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return k, nil
}

func (s *Store) shutdownAll() {
	for _, k := range s.kgs {
		_ = k.Close()
	}
}

// saveManifestLocked rewrites knowledge_graphs.json from the current KG
// set. Callers hold s.mu (or own s exclusively, as Open does).
func (s *Store) saveManifestLocked() error {
	if s.root == "" {
		return nil
	}
	names := make([]string, 0, len(s.kgs))
	for name := range s.kgs {
		names = append(names, name)
	}
	return persist.SaveManifest(s.root, persist.Manifest{Current: s.current, KnowledgeGraphs: names})
}

// persistManifest is saveManifestLocked with logging instead of error
// return, for call sites where the KG-level change already succeeded.
func (s *Store) persistManifest() {
	if err := s.saveManifestLocked(); err != nil {
		log.Printf("store: saving knowledge graph manifest: %v", err)
	}
}
