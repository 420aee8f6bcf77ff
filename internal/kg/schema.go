package kg

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lattice-kg/lattice/internal/errs"
	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/value"
)

// SchemaCatalog holds declared schemas for a KG, separated into a
// persistent namespace (survives the KG's lifetime) and a session
// namespace (a single shared namespace for session-scoped schema
// declarations — see DESIGN.md for why a per-session-id namespace was
// not worth the extra bookkeeping). Grounded on internal/derived.Manager's
// registry-plus-RWMutex shape.
type SchemaCatalog struct {
	mu         sync.RWMutex
	persistent map[string]*value.Schema
	session    map[string]*value.Schema
}

// NewSchemaCatalog constructs an empty catalog.
func NewSchemaCatalog() *SchemaCatalog {
	return &SchemaCatalog{
		persistent: make(map[string]*value.Schema),
		session:    make(map[string]*value.Schema),
	}
}

// Declare registers name's schema in the persistent or session namespace.
// Redeclaring an existing name in the same namespace is a SchemaError.
func (c *SchemaCatalog) Declare(name string, persistent bool, schema *value.Schema) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.session
	if persistent {
		target = c.persistent
	}
	if _, exists := target[name]; exists {
		return &errs.SchemaError{Kind: errs.SchemaAlreadyExists, Name: name}
	}
	target[name] = schema
	return nil
}

// Lookup returns name's schema, preferring a persistent declaration over a
// session one sharing the same name.
func (c *SchemaCatalog) Lookup(name string) (*value.Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.persistent[name]; ok {
		return s, true
	}
	s, ok := c.session[name]
	return s, ok
}

// Names returns every declared schema name across both namespaces, sorted.
func (c *SchemaCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool, len(c.persistent)+len(c.session))
	for n := range c.persistent {
		seen[n] = true
	}
	for n := range c.session {
		seen[n] = true
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Remove drops name from whichever namespace holds it.
func (c *SchemaCatalog) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.persistent[name]; ok {
		delete(c.persistent, name)
		return nil
	}
	if _, ok := c.session[name]; ok {
		delete(c.session, name)
		return nil
	}
	return &errs.SchemaError{Kind: errs.SchemaNotFound, Name: name}
}

// convertSchemaColumns translates a parsed +name(col: type, ...)
// declaration's columns into the value package's runtime Schema shape.
// Foreign key column names are resolved to indices against the referenced
// relation's own schema, when that schema is already declared; an
// unresolved reference (forward reference to a not-yet-declared relation)
// gets Column: -1, and foreign-key checking is skipped for it — see
// DESIGN.md.
func convertSchemaColumns(catalog *SchemaCatalog, cols []parser.SchemaColumn) (*value.Schema, error) {
	out := make([]value.Column, len(cols))
	for i, c := range cols {
		col := value.Column{
			Name:     c.Name,
			NotEmpty: c.NotEmpty,
			Primary:  c.Primary,
			Unique:   c.Unique,
			Check:    c.Check,
		}

		typ := strings.TrimSpace(c.Type)
		switch {
		case strings.HasPrefix(strings.ToLower(typ), "vector"):
			col.Type = value.TypeVector
			if dim, ok := parseVectorDimension(typ); ok {
				col.Dimension = &dim
			}
		default:
			switch strings.ToLower(typ) {
			case "int":
				col.Type = value.TypeInt
			case "float":
				col.Type = value.TypeFloat
			case "string":
				col.Type = value.TypeStringCol
			case "bool":
				col.Type = value.TypeBool
			case "timestamp":
				col.Type = value.TypeTimestampCol
			case "any":
				col.Type = value.TypeAny
			default:
				col.Type = value.TypeNamed
				col.NamedType = c.Type
			}
		}

		if c.Range != nil {
			col.Range = &value.RangeConstraint{Min: c.Range[0], Max: c.Range[1]}
		}
		if c.Pattern != "" {
			re, err := regexp.Compile(c.Pattern)
			if err != nil {
				return nil, &errs.SchemaError{Kind: errs.SchemaInvalid, Name: c.Name, Message: err.Error()}
			}
			col.Pattern = re
		}
		if c.ForeignKey != nil {
			fkCol := -1
			if refSchema, ok := catalog.Lookup(c.ForeignKey.Relation); ok {
				for j, rc := range refSchema.Columns {
					if rc.Name == c.ForeignKey.Column {
						fkCol = j
						break
					}
				}
			}
			col.ForeignKey = &value.ForeignKeyConstraint{Relation: c.ForeignKey.Relation, Column: fkCol}
		}
		out[i] = col
	}
	return value.NewSchema(out), nil
}

// parseVectorDimension extracts N from a "vector(N)" type string.
func parseVectorDimension(typ string) (int, bool) {
	open := strings.IndexByte(typ, '(')
	if open < 0 || !strings.HasSuffix(typ, ")") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(typ[open+1 : len(typ)-1]))
	if err != nil {
		return 0, false
	}
	return n, true
}
