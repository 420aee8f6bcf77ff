// Package lattice is an embedded, in-memory Datalog-with-vectors knowledge
// graph engine. It re-exports the minimal surface a host needs to parse
// statements, run them against one of several named knowledge graphs, and
// manage client sessions — mirroring the teacher's own root-level beads.go
// facade, which wraps its storage layer the same way this file wraps
// internal/store.
package lattice

import (
	"github.com/lattice-kg/lattice/internal/errs"
	"github.com/lattice-kg/lattice/internal/kg"
	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/session"
	"github.com/lattice-kg/lattice/internal/store"
	"github.com/lattice-kg/lattice/internal/vectorindex"
)

// Re-exported core types, so a host never needs its own import of
// internal/* to hold a statement, a tuple, or an exec result.
type (
	Statement     = parser.Statement
	StatementKind = parser.StatementKind
	Program       = parser.Program
	ExecResult    = kg.ExecResult
	KG            = kg.KG
	Snapshot      = kg.Snapshot
	Provenance    = session.Provenance
)

// StmtQuery is the Statement.Kind value for a ?query statement.
const StmtQuery = parser.StmtQuery

// Re-exported sentinel/structured errors a host branches on.
var (
	ErrNoCurrentKnowledgeGraph         = errs.ErrNoCurrentKnowledgeGraph
	ErrCannotDropDefault               = errs.ErrCannotDropDefault
	ErrCannotDropCurrentKnowledgeGraph = errs.ErrCannotDropCurrentKnowledgeGraph
)

// DefaultKnowledgeGraph is the name of the knowledge graph every Engine is
// seeded with.
const DefaultKnowledgeGraph = store.DefaultName

// Config bounds every knowledge graph an Engine creates, plus the session
// manager they share.
type Config struct {
	KG      kg.Config
	Session session.Config
}

// DefaultConfig returns the engine's out-of-the-box tuning.
func DefaultConfig() Config {
	return Config{KG: kg.DefaultConfig()}
}

// Engine is one process's full set of knowledge graphs plus the session
// manager bound to all of them, per spec section 4.13.
type Engine struct {
	store *store.Store
}

// Open starts a new in-memory Engine with a single "default" knowledge
// graph. Nothing survives the process.
func Open(cfg Config) *Engine {
	return &Engine{store: store.New(cfg.KG, cfg.Session)}
}

// OpenDir starts an Engine whose knowledge graphs are durable under
// dir: each KG gets its own subdirectory with an append-only delta log
// and JSON rule/schema/index catalogs, and dir's knowledge_graphs.json
// manifest tracks the KG set. Reopening the same dir replays the logs
// and reloads the catalogs; derived relations are recomputed from the
// recovered base data while the directory is opened.
func OpenDir(dir string, cfg Config) (*Engine, error) {
	s, err := store.Open(dir, cfg.KG, cfg.Session)
	if err != nil {
		return nil, err
	}
	return &Engine{store: s}, nil
}

// Parse parses src's statement grammar (+rel(...), -rel(...), schema
// declarations, ?query) into a Program.
func Parse(src string) (*Program, error) { return parser.Parse(src) }

// CreateKG adds a new, empty knowledge graph named name.
func (e *Engine) CreateKG(name string) error { return e.store.Create(name) }

// DropKG removes the knowledge graph named name, closing every session
// bound to it. The default KG and the Engine's current KG can never be
// dropped.
func (e *Engine) DropKG(name string) error { return e.store.Drop(name) }

// ListKGs returns every known knowledge graph name, default first.
func (e *Engine) ListKGs() []string { return e.store.List() }

// UseKG switches the Engine's current knowledge graph to name.
func (e *Engine) UseKG(name string) error { return e.store.Use(name) }

// CurrentKGName returns the name of the Engine's current knowledge graph.
func (e *Engine) CurrentKGName() string { return e.store.Current() }

// KG returns the named knowledge graph, for callers that want direct
// access (e.g. RegisterIndex, Snapshot) instead of going through Exec.
func (e *Engine) KG(name string) (*kg.KG, error) { return e.store.Get(name) }

// NewSession opens a session bound to the given knowledge graph name.
func (e *Engine) NewSession(kgName string) (*session.Session, error) {
	if _, err := e.store.Get(kgName); err != nil {
		return nil, err
	}
	return e.store.Sessions().Create(kgName), nil
}

// CloseSession ends a session, discarding its ephemeral overlay.
func (e *Engine) CloseSession(sessionID string) error {
	return e.store.Sessions().Close(sessionID)
}

// ReapSessions removes every session idle past the configured timeout,
// returning the reaped session ids. No-op when no idle timeout is set.
func (e *Engine) ReapSessions() []string {
	return e.store.Sessions().Reap()
}

// OvershadowedRules reports which of kgName's persistent rule heads are
// currently overshadowed by sessionID's ephemeral rules.
func (e *Engine) OvershadowedRules(kgName, sessionID string) ([]string, error) {
	k, err := e.store.Get(kgName)
	if err != nil {
		return nil, err
	}
	heads := make(map[string]bool)
	for _, n := range k.RuleNames() {
		heads[n] = true
	}
	return e.store.Sessions().OvershadowDetection(sessionID, heads)
}

// Exec runs a single statement against the named knowledge graph, layering
// sessionID's ephemeral overlay when non-empty.
func (e *Engine) Exec(kgName string, stmt Statement, sessionID string) (*ExecResult, error) {
	k, err := e.store.Get(kgName)
	if err != nil {
		return nil, err
	}
	return k.Exec(stmt, sessionID)
}

// ExecProgram runs every statement in prog, in order, against the named
// knowledge graph.
func (e *Engine) ExecProgram(kgName string, prog *Program, sessionID string) ([]*ExecResult, error) {
	k, err := e.store.Get(kgName)
	if err != nil {
		return nil, err
	}
	return k.ExecProgram(prog, sessionID)
}

// RegisterIndex builds a vector index over one relation's column for the
// named knowledge graph.
func (e *Engine) RegisterIndex(kgName, indexName, relation string, column int, cfg vectorindex.Config) error {
	k, err := e.store.Get(kgName)
	if err != nil {
		return err
	}
	return k.RegisterIndex(indexName, relation, column, cfg)
}

// Shutdown stops every knowledge graph's incremental worker.
func (e *Engine) Shutdown() error { return e.store.Shutdown() }
