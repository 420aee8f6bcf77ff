package kg

import (
	"sort"
	"sync"

	"github.com/lattice-kg/lattice/internal/parser"
)

// RuleCatalog is the AST-level registry of every persistent rule's
// clauses, keyed by head relation name. It is distinct from
// internal/derived.Manager's compiled-rule cache: the catalog holds
// source statements (needed to re-stratify an ad-hoc query that mixes
// persistent rules with a query body, per internal/kg/query.go), while
// derived.Manager holds the compiled, stratified, materialized form this
// KG's incremental engine evaluates on its own.
type RuleCatalog struct {
	mu    sync.RWMutex
	rules map[string][]parser.Statement
}

// NewRuleCatalog constructs an empty catalog.
func NewRuleCatalog() *RuleCatalog {
	return &RuleCatalog{rules: make(map[string][]parser.Statement)}
}

// Set replaces name's full clause list.
func (c *RuleCatalog) Set(name string, clauses []parser.Statement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[name] = clauses
}

// Get returns name's current clause list, or nil if unregistered.
func (c *RuleCatalog) Get(name string) []parser.Statement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules[name]
}

// Remove drops name entirely.
func (c *RuleCatalog) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rules, name)
}

// Has reports whether name is a registered rule head.
func (c *RuleCatalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rules[name]
	return ok
}

// Names returns every registered head, sorted.
func (c *RuleCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rules))
	for n := range c.rules {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// All flattens every registered head's clauses into one statement slice,
// head names in sorted order, for feeding a combined program to
// internal/magicsets and internal/stratify.
func (c *RuleCatalog) All() []parser.Statement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.rules))
	for n := range c.rules {
		names = append(names, n)
	}
	sort.Strings(names)
	var out []parser.Statement
	for _, n := range names {
		out = append(out, c.rules[n]...)
	}
	return out
}
