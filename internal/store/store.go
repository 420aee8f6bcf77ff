// Package store orchestrates a process's knowledge graphs: creating and
// dropping them by name, tracking which one is "current" for the shell
// surface, and handing out Store-scoped session management. Grounded on
// the teacher's internal/storage/factory "named backend, current-vs-explicit
// selection" pattern — a registry map guarded by a single lock, with a
// distinguished default entry that cannot be removed.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lattice-kg/lattice/internal/errs"
	"github.com/lattice-kg/lattice/internal/kg"
	"github.com/lattice-kg/lattice/internal/session"
)

// DefaultName is the knowledge graph every Store is seeded with and can
// never drop.
const DefaultName = "default"

// Store owns every knowledge graph in one process plus the session
// manager they all share, per spec section 4.11 (a session binds to one
// KG by name, but the manager itself is KG-agnostic).
type Store struct {
	mu      sync.RWMutex
	kgs     map[string]*kg.KG
	current string

	cfg      kg.Config
	sessions *session.Manager

	// root is the durable catalog directory; empty for an in-memory
	// Store (see Open in open.go for the durable constructor).
	root string
}

// New creates a Store seeded with a single KG named DefaultName, current
// by default. sessionCfg bounds the session manager shared by every KG
// this Store ever creates.
func New(cfg kg.Config, sessionCfg session.Config) *Store {
	sessions := session.New(sessionCfg)
	s := &Store{
		kgs:      make(map[string]*kg.KG),
		current:  DefaultName,
		cfg:      cfg,
		sessions: sessions,
	}
	s.kgs[DefaultName] = kg.New(DefaultName, cfg, sessions)
	return s
}

// Sessions returns the session manager shared by every KG in this Store.
func (s *Store) Sessions() *session.Manager { return s.sessions }

// Create adds a new, empty knowledge graph named name. Returns
// *errs.KnowledgeGraphExists if name is already in use.
func (s *Store) Create(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kgs[name]; ok {
		return &errs.KnowledgeGraphExists{Name: name}
	}
	k, err := s.newKGLocked(name)
	if err != nil {
		return err
	}
	s.kgs[name] = k
	s.persistManifest()
	return nil
}

// newKGLocked builds a KG matching the Store's durability mode.
func (s *Store) newKGLocked(name string) (*kg.KG, error) {
	if s.root == "" {
		return kg.New(name, s.cfg, s.sessions), nil
	}
	return s.openKG(name)
}

// Ensure returns the KG named name, creating it first if it doesn't yet
// exist. Unlike Create, a pre-existing KG is not an error.
func (s *Store) Ensure(name string) (*kg.KG, error) {
	s.mu.RLock()
	k, ok := s.kgs[name]
	s.mu.RUnlock()
	if ok {
		return k, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.kgs[name]; ok {
		return k, nil
	}
	k, err := s.newKGLocked(name)
	if err != nil {
		return nil, err
	}
	s.kgs[name] = k
	s.persistManifest()
	return k, nil
}

// Drop shuts down and removes the knowledge graph named name, closing
// every session bound to it. The default KG and the Store's current KG
// can never be dropped (spec section 4.13).
func (s *Store) Drop(name string) error {
	if name == DefaultName {
		return errs.ErrCannotDropDefault
	}

	s.mu.Lock()
	if name == s.current {
		s.mu.Unlock()
		return errs.ErrCannotDropCurrentKnowledgeGraph
	}
	k, ok := s.kgs[name]
	if !ok {
		s.mu.Unlock()
		return &errs.KnowledgeGraphNotFound{Name: name}
	}
	delete(s.kgs, name)
	s.persistManifest()
	root := s.root
	s.mu.Unlock()

	s.sessions.CloseAllForKG(name)
	err := k.Close()
	if root != "" {
		if rmErr := os.RemoveAll(filepath.Join(root, name)); err == nil {
			err = rmErr
		}
	}
	return err
}

// List returns every known knowledge graph name, sorted, with
// DefaultName always present first regardless of sort order.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.kgs))
	for name := range s.kgs {
		if name == DefaultName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return append([]string{DefaultName}, names...)
}

// Current returns the name of the Store's current knowledge graph.
func (s *Store) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Use switches the Store's current knowledge graph to name. Returns
// *errs.KnowledgeGraphNotFound if it doesn't exist.
func (s *Store) Use(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kgs[name]; !ok {
		return &errs.KnowledgeGraphNotFound{Name: name}
	}
	s.current = name
	s.persistManifest()
	return nil
}

// Get returns the knowledge graph named name, or
// *errs.KnowledgeGraphNotFound if none exists by that name.
func (s *Store) Get(name string) (*kg.KG, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.kgs[name]
	if !ok {
		return nil, &errs.KnowledgeGraphNotFound{Name: name}
	}
	return k, nil
}

// GetCurrent returns the Store's current knowledge graph. Returns
// errs.ErrNoCurrentKnowledgeGraph only if the current pointer somehow
// names a KG that no longer exists, which New and Use together never
// allow — Drop refuses to remove the current KG, so this is purely a
// defensive check.
func (s *Store) GetCurrent() (*kg.KG, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.kgs[s.current]
	if !ok {
		return nil, errs.ErrNoCurrentKnowledgeGraph
	}
	return k, nil
}

// Shutdown stops every knowledge graph's incremental worker. Errors from
// individual shutdowns are collected; the first one is returned after
// every KG has been given a chance to stop.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, k := range s.kgs {
		if err := k.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
