// Package errs defines the structured error kinds the engine surfaces to
// its host. Every fallible core operation returns one of these instead of
// an ad-hoc string, so callers can branch on kind with errors.As/errors.Is.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors usable with errors.Is.
var (
	ErrNoCurrentKnowledgeGraph        = errors.New("lattice: no current knowledge graph")
	ErrCannotDropDefault              = errors.New("lattice: cannot drop the default knowledge graph")
	ErrCannotDropCurrentKnowledgeGraph = errors.New("lattice: cannot drop the current knowledge graph")
	ErrInvalidRelationName            = errors.New("lattice: invalid relation name")
	ErrWorkerDisconnected              = errors.New("lattice: incremental engine worker disconnected")
	ErrIndexNotFound                   = errors.New("lattice: index not found")
	ErrIndexAlreadyExists              = errors.New("lattice: index already exists")
	ErrSessionRequired                 = errors.New("lattice: statement targets the session overlay but no session id was supplied")
)

// KnowledgeGraphNotFound reports a lookup against a KG name that does not exist.
type KnowledgeGraphNotFound struct{ Name string }

func (e *KnowledgeGraphNotFound) Error() string {
	return fmt.Sprintf("lattice: knowledge graph %q not found", e.Name)
}

// KnowledgeGraphExists reports a create against a name already in use.
type KnowledgeGraphExists struct{ Name string }

func (e *KnowledgeGraphExists) Error() string {
	return fmt.Sprintf("lattice: knowledge graph %q already exists", e.Name)
}

// ParseError carries a source position and message from the parser.
type ParseError struct {
	Pos     int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d: %s", e.Pos, e.Message)
}

// SchemaErrorKind enumerates the ways a schema operation can fail.
type SchemaErrorKind int

const (
	SchemaAlreadyExists SchemaErrorKind = iota
	SchemaNotFound
	SchemaInvalid
	SchemaDuplicateColumn
)

func (k SchemaErrorKind) String() string {
	switch k {
	case SchemaAlreadyExists:
		return "AlreadyExists"
	case SchemaNotFound:
		return "NotFound"
	case SchemaInvalid:
		return "InvalidSchema"
	case SchemaDuplicateColumn:
		return "DuplicateColumn"
	default:
		return "Unknown"
	}
}

// SchemaError reports a catalog-level schema failure.
type SchemaError struct {
	Kind    SchemaErrorKind
	Name    string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("schema error (%s) for %q: %s", e.Kind, e.Name, e.Message)
	}
	return fmt.Sprintf("schema error (%s) for %q", e.Kind, e.Name)
}

// ViolationKind enumerates the categories of row-validation failure.
type ViolationKind int

const (
	ViolationArity ViolationKind = iota
	ViolationType
	ViolationDimension
	ViolationRange
	ViolationPattern
	ViolationUniqueness
	ViolationForeignKey
	ViolationCheck
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationArity:
		return "arity"
	case ViolationType:
		return "type"
	case ViolationDimension:
		return "dimension"
	case ViolationRange:
		return "range"
	case ViolationPattern:
		return "pattern"
	case ViolationUniqueness:
		return "uniqueness"
	case ViolationForeignKey:
		return "foreign_key"
	case ViolationCheck:
		return "check"
	default:
		return "unknown"
	}
}

// Violation describes a single failing tuple/column in a batch insert.
type Violation struct {
	TupleIndex int
	Column     int
	Kind       ViolationKind
	Message    string
}

// ValidationError is returned for all-or-nothing batch rejections.
type ValidationError struct {
	Relation   string
	Total      int
	Violations []Violation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("batch rejected for relation %q: %d of %d tuples violated schema",
		e.Relation, len(e.Violations), e.Total)
}

// StratificationError reports unstratifiable negation or a missing dependency.
type StratificationError struct {
	Relation string
	Message  string
}

func (e *StratificationError) Error() string {
	return fmt.Sprintf("stratification error for %q: %s", e.Relation, e.Message)
}

// DimensionMismatch reports a vector whose length disagrees with the index
// or schema dimension it is being inserted/searched against.
type DimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// LimitExceeded reports a session ephemeral-state limit violation.
type LimitExceeded struct {
	Resource string
	Limit    int
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("limit exceeded for %s: max %d", e.Resource, e.Limit)
}
