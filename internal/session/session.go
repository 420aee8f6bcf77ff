// Package session implements per-client ephemeral overlays on top of a
// KG's persistent state: ephemeral facts and rules, provenance tagging,
// overshadow detection, and a bounded audit log, per spec section 4.11.
// Grounded on the teacher's internal/storage/ephemeral package for the
// concept (a freely-nukable overlay with a cheap full reset) — the
// storage itself is fresh in-memory bookkeeping, not the teacher's
// SQLite-backed implementation, since ephemeral facts here are small and
// session-lifetime and must never appear in a published snapshot.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-kg/lattice/internal/errs"
	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/value"
)

// Provenance classifies a query result tuple's origin relative to the
// session overlay, per spec section 4.11.
type Provenance int

const (
	Persistent Provenance = iota
	Ephemeral
	Mixed
)

func (p Provenance) String() string {
	switch p {
	case Persistent:
		return "Persistent"
	case Ephemeral:
		return "Ephemeral"
	case Mixed:
		return "Mixed"
	default:
		return "Unknown"
	}
}

// FactRef names one ephemeral (relation, tuple) pair in session_facts
// flattening order.
type FactRef struct {
	Relation string
	Tuple    value.Tuple
}

// Session is one client's ephemeral overlay, bound to exactly one KG.
type Session struct {
	ID             string
	KGName         string
	ephemeralFacts map[string][]value.Tuple
	factKeys       map[string]map[value.TupleKey]bool
	ephemeralRules []parser.Statement
	CreatedAt      time.Time
	LastAccessed   time.Time
}

func newSession(id, kg string, now time.Time) *Session {
	return &Session{
		ID:             id,
		KGName:         kg,
		ephemeralFacts: make(map[string][]value.Tuple),
		factKeys:       make(map[string]map[value.TupleKey]bool),
		CreatedAt:      now,
		LastAccessed:   now,
	}
}

// EphemeralCount returns the total number of ephemeral facts the session
// currently holds across all relations.
func (s *Session) EphemeralCount() int {
	n := 0
	for _, tuples := range s.ephemeralFacts {
		n += len(tuples)
	}
	return n
}

// EphemeralTuples returns the session's ephemeral facts for relation, or
// nil if none.
func (s *Session) EphemeralTuples(relation string) []value.Tuple {
	return s.ephemeralFacts[relation]
}

// EphemeralRules returns the session's ephemeral rule statements.
func (s *Session) EphemeralRules() []parser.Statement {
	return s.ephemeralRules
}

// Manager owns every live session for a process (sessions name the KG
// they're bound to; a single Manager can back multiple KGs).
type Manager struct {
	mu sync.RWMutex

	sessions map[string]*Session

	maxEphemeralFacts int // 0 = unlimited
	maxEphemeralRules int // 0 = unlimited
	idleTimeout       time.Duration

	Audit *AuditLog
}

// Config bounds a Manager's ephemeral-state limits.
type Config struct {
	MaxEphemeralFacts int
	MaxEphemeralRules int
	IdleTimeout       time.Duration
	AuditCapacity     int
}

// New constructs an empty session manager.
func New(cfg Config) *Manager {
	return &Manager{
		sessions:          make(map[string]*Session),
		maxEphemeralFacts: cfg.MaxEphemeralFacts,
		maxEphemeralRules: cfg.MaxEphemeralRules,
		idleTimeout:       cfg.IdleTimeout,
		Audit:             NewAuditLog(cfg.AuditCapacity),
	}
}

// Create allocates a new session bound to kg, with created_at ==
// last_accessed, per spec section 4.11.
func (m *Manager) Create(kg string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	s := newSession(uuid.NewString(), kg, now)
	m.sessions[s.ID] = s
	m.Audit.Record(Event{Kind: EventSessionCreated, At: now, SessionID: s.ID})
	return s
}

// Close removes a session.
func (m *Manager) Close(sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sid]; !ok {
		return &errs.KnowledgeGraphNotFound{Name: sid}
	}
	delete(m.sessions, sid)
	m.Audit.Record(Event{Kind: EventSessionClosed, At: time.Now(), SessionID: sid})
	return nil
}

// Get returns a live session by id.
func (m *Manager) Get(sid string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sid]
	return s, ok
}

// InsertEphemeral inserts tuples into relation's ephemeral overlay for
// sid, deduplicating against the session's existing ephemeral facts and
// enforcing max_ephemeral_facts. Returns the number actually inserted.
func (m *Manager) InsertEphemeral(sid, relation string, tuples []value.Tuple) (int, error) {
	if relation == "" {
		return 0, errs.ErrInvalidRelationName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return 0, &errs.KnowledgeGraphNotFound{Name: sid}
	}

	keys := s.factKeys[relation]
	if keys == nil {
		keys = make(map[value.TupleKey]bool)
		s.factKeys[relation] = keys
	}

	var fresh []value.Tuple
	for _, t := range tuples {
		k := t.Key()
		if keys[k] {
			continue
		}
		keys[k] = true
		fresh = append(fresh, t)
	}

	if m.maxEphemeralFacts > 0 && s.EphemeralCount()+len(fresh) > m.maxEphemeralFacts {
		for _, t := range fresh {
			delete(keys, t.Key())
		}
		return 0, &errs.LimitExceeded{Resource: "ephemeral_facts", Limit: m.maxEphemeralFacts}
	}

	s.ephemeralFacts[relation] = append(s.ephemeralFacts[relation], fresh...)
	s.LastAccessed = time.Now()
	m.Audit.Record(Event{Kind: EventEphemeralInsert, At: s.LastAccessed, SessionID: sid, Relation: relation, Count: len(fresh)})
	return len(fresh), nil
}

// RetractEphemeral removes matching tuples from relation's overlay,
// emptying the map entry once it's empty, returning the count removed.
func (m *Manager) RetractEphemeral(sid, relation string, tuples []value.Tuple) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return 0, &errs.KnowledgeGraphNotFound{Name: sid}
	}

	toRemove := make(map[value.TupleKey]bool, len(tuples))
	for _, t := range tuples {
		toRemove[t.Key()] = true
	}

	existing := s.ephemeralFacts[relation]
	var kept []value.Tuple
	removed := 0
	for _, t := range existing {
		if toRemove[t.Key()] {
			removed++
			delete(s.factKeys[relation], t.Key())
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		delete(s.ephemeralFacts, relation)
		delete(s.factKeys, relation)
	} else {
		s.ephemeralFacts[relation] = kept
	}

	s.LastAccessed = time.Now()
	m.Audit.Record(Event{Kind: EventEphemeralRetract, At: s.LastAccessed, SessionID: sid, Relation: relation, Count: removed})
	return removed, nil
}

// AddEphemeralRule appends rule to the session's ephemeral rule list,
// enforcing max_ephemeral_rules.
func (m *Manager) AddEphemeralRule(sid string, rule parser.Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return &errs.KnowledgeGraphNotFound{Name: sid}
	}
	if m.maxEphemeralRules > 0 && len(s.ephemeralRules) >= m.maxEphemeralRules {
		return &errs.LimitExceeded{Resource: "ephemeral_rules", Limit: m.maxEphemeralRules}
	}
	s.ephemeralRules = append(s.ephemeralRules, rule)
	s.LastAccessed = time.Now()
	m.Audit.Record(Event{Kind: EventEphemeralRuleAdded, At: s.LastAccessed, SessionID: sid})
	return nil
}

// SessionFacts flattens a session's ephemeral facts to
// [(relation, tuple)] in deterministic order: relation name lexical
// order, then insertion order within a relation.
func (m *Manager) SessionFacts(sid string) ([]FactRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sid]
	if !ok {
		return nil, &errs.KnowledgeGraphNotFound{Name: sid}
	}
	relations := make([]string, 0, len(s.ephemeralFacts))
	for r := range s.ephemeralFacts {
		relations = append(relations, r)
	}
	sort.Strings(relations)

	var out []FactRef
	for _, r := range relations {
		for _, t := range s.ephemeralFacts[r] {
			out = append(out, FactRef{Relation: r, Tuple: t})
		}
	}
	return out, nil
}

// OvershadowDetection returns the intersection of persistentHeads with
// the session's ephemeral rule heads.
func (m *Manager) OvershadowDetection(sid string, persistentHeads map[string]bool) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sid]
	if !ok {
		return nil, &errs.KnowledgeGraphNotFound{Name: sid}
	}
	seen := make(map[string]bool)
	var out []string
	for _, rule := range s.ephemeralRules {
		if rule.Head == nil {
			continue
		}
		name := rule.Head.Relation
		if persistentHeads[name] && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ComputeProvenance tags every tuple in withEphemeral by whether it also
// appears in persistentOnly: present in both is Persistent, present only
// with the overlay is Ephemeral. Mixed is reserved (no current query
// shape produces it) and is never returned by this implementation.
func ComputeProvenance(withEphemeral, persistentOnly []value.Tuple) map[value.TupleKey]Provenance {
	baseline := make(map[value.TupleKey]bool, len(persistentOnly))
	for _, t := range persistentOnly {
		baseline[t.Key()] = true
	}
	out := make(map[value.TupleKey]Provenance, len(withEphemeral))
	for _, t := range withEphemeral {
		k := t.Key()
		if baseline[k] {
			out[k] = Persistent
		} else {
			out[k] = Ephemeral
		}
	}
	return out
}

// SwitchKG atomically clears a session's ephemeral state and rebinds it
// to newKG, recording an audit event with (from, to).
func (m *Manager) SwitchKG(sid, newKG string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return &errs.KnowledgeGraphNotFound{Name: sid}
	}
	from := s.KGName
	s.ephemeralFacts = make(map[string][]value.Tuple)
	s.factKeys = make(map[string]map[value.TupleKey]bool)
	s.ephemeralRules = nil
	s.KGName = newKG
	s.LastAccessed = time.Now()
	m.Audit.Record(Event{Kind: EventKgSwitched, At: s.LastAccessed, SessionID: sid, FromKG: from, ToKG: newKG})
	return nil
}

// Clear resets a session's ephemeral state in place without rebinding
// its KG, recording a SessionCleared event.
func (m *Manager) Clear(sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return &errs.KnowledgeGraphNotFound{Name: sid}
	}
	s.ephemeralFacts = make(map[string][]value.Tuple)
	s.factKeys = make(map[string]map[value.TupleKey]bool)
	s.ephemeralRules = nil
	s.LastAccessed = time.Now()
	m.Audit.Record(Event{Kind: EventSessionCleared, At: s.LastAccessed, SessionID: sid})
	return nil
}

// Reap removes sessions idle longer than idle_timeout (a no-op if the
// manager's IdleTimeout is zero), recording a SessionsReaped event with
// the removed count.
func (m *Manager) Reap() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idleTimeout <= 0 {
		return nil
	}
	now := time.Now()
	var reaped []string
	for id, s := range m.sessions {
		if now.Sub(s.LastAccessed) > m.idleTimeout {
			reaped = append(reaped, id)
			delete(m.sessions, id)
		}
	}
	sort.Strings(reaped)
	m.Audit.Record(Event{Kind: EventSessionsReaped, At: now, Count: len(reaped)})
	return reaped
}

// CloseAllForKG closes every session currently bound to kg, returning the
// closed ids in sorted order. Used when a knowledge graph is dropped, so
// no session is left referencing a KG that no longer exists.
func (m *Manager) CloseAllForKG(kg string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []string
	for id, s := range m.sessions {
		if s.KGName == kg {
			closed = append(closed, id)
			delete(m.sessions, id)
		}
	}
	sort.Strings(closed)
	if len(closed) > 0 {
		m.Audit.Record(Event{Kind: EventSessionsReaped, At: time.Now(), Count: len(closed)})
	}
	return closed
}

// RecordQueryWithEphemeral logs that a query executed against sid's
// overlay, for audit purposes.
func (m *Manager) RecordQueryWithEphemeral(sid, relation string) {
	m.Audit.Record(Event{Kind: EventQueryWithEphemeral, At: time.Now(), SessionID: sid, Relation: relation})
}
