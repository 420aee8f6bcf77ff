package value

import (
	"fmt"
	"regexp"

	"github.com/lattice-kg/lattice/internal/errs"
)

// ColumnType enumerates the declarable column types in a schema statement.
type ColumnType int

const (
	TypeInt ColumnType = iota
	TypeFloat
	TypeStringCol
	TypeBool
	TypeTimestampCol
	TypeVector
	TypeAny
	TypeNamed // a reference to a previously-declared named type
)

// Column describes one schema position: its name, declared type, optional
// vector dimension, and validation annotations.
type Column struct {
	Name       string
	Type       ColumnType
	NamedType  string // set when Type == TypeNamed
	Dimension  *int   // required exact length for Vector columns, if declared
	Range      *RangeConstraint
	Pattern    *regexp.Regexp
	NotEmpty   bool
	Primary    bool
	Unique     bool
	ForeignKey *ForeignKeyConstraint
	Check      string // a rule-body source fragment, interpreted by the planner
}

// RangeConstraint bounds a numeric column.
type RangeConstraint struct {
	Min, Max float64
}

// ForeignKeyConstraint names the referenced relation and column.
type ForeignKeyConstraint struct {
	Relation string
	Column   int
}

// Schema maps column position to (name, type, annotations).
type Schema struct {
	Columns []Column
}

// NewSchema constructs a schema from an ordered column list.
func NewSchema(columns []Column) *Schema {
	return &Schema{Columns: columns}
}

// Arity returns the number of declared columns.
func (s *Schema) Arity() int { return len(s.Columns) }

func kindMatches(ct ColumnType, k Kind) bool {
	switch ct {
	case TypeInt:
		return k == KindInt32 || k == KindInt64
	case TypeFloat:
		return k == KindFloat64
	case TypeStringCol:
		return k == KindString
	case TypeBool:
		return k == KindBool
	case TypeTimestampCol:
		return k == KindTimestamp
	case TypeVector:
		return k == KindVector || k == KindVectorInt8
	case TypeAny, TypeNamed:
		return true
	default:
		return false
	}
}

// Validate checks a single tuple against the schema, collecting every
// violation (never short-circuiting on the first failure) so the caller can
// report a complete picture for the tuple.
func (s *Schema) Validate(tupleIndex int, t Tuple) []errs.Violation {
	var violations []errs.Violation

	if len(t) != len(s.Columns) {
		violations = append(violations, errs.Violation{
			TupleIndex: tupleIndex,
			Column:     -1,
			Kind:       errs.ViolationArity,
			Message:    fmt.Sprintf("expected %d columns, got %d", len(s.Columns), len(t)),
		})
		return violations
	}

	for i, col := range s.Columns {
		v := t[i]
		if v.IsNull() {
			if col.NotEmpty {
				violations = append(violations, errs.Violation{
					TupleIndex: tupleIndex, Column: i, Kind: errs.ViolationRange,
					Message: fmt.Sprintf("column %q must not be empty", col.Name),
				})
			}
			continue
		}

		if !kindMatches(col.Type, v.Kind()) {
			violations = append(violations, errs.Violation{
				TupleIndex: tupleIndex, Column: i, Kind: errs.ViolationType,
				Message: fmt.Sprintf("column %q expected type incompatible with %s", col.Name, v.Kind()),
			})
			continue
		}

		if col.Type == TypeVector && col.Dimension != nil {
			dim := vectorLen(v)
			if dim != *col.Dimension {
				violations = append(violations, errs.Violation{
					TupleIndex: tupleIndex, Column: i, Kind: errs.ViolationDimension,
					Message: fmt.Sprintf("column %q expected dimension %d, got %d", col.Name, *col.Dimension, dim),
				})
			}
		}

		if col.Range != nil {
			if n, ok := v.AsNumeric(); ok {
				if n < col.Range.Min || n > col.Range.Max {
					violations = append(violations, errs.Violation{
						TupleIndex: tupleIndex, Column: i, Kind: errs.ViolationRange,
						Message: fmt.Sprintf("column %q value %v out of range [%v, %v]", col.Name, n, col.Range.Min, col.Range.Max),
					})
				}
			}
		}

		if col.Pattern != nil && v.Kind() == KindString {
			if !col.Pattern.MatchString(v.AsString()) {
				violations = append(violations, errs.Violation{
					TupleIndex: tupleIndex, Column: i, Kind: errs.ViolationPattern,
					Message: fmt.Sprintf("column %q value %q does not match pattern", col.Name, v.AsString()),
				})
			}
		}
	}

	return violations
}

func vectorLen(v Value) int {
	switch v.Kind() {
	case KindVector:
		return len(v.AsVector())
	case KindVectorInt8:
		return len(v.AsVectorInt8())
	default:
		return 0
	}
}

// ValidateBatch validates every tuple in the batch and, if any violate the
// schema, returns an all-or-nothing ValidationError naming every violation
// across the whole batch. Uniqueness/primary-key/foreign-key checks that
// require knowledge of the target relation's existing tuples are the
// caller's responsibility (the derived-relations/KG layer owns that data);
// this function only checks per-tuple structural and annotation rules.
func (s *Schema) ValidateBatch(relation string, tuples []Tuple) error {
	var violations []errs.Violation
	for i, t := range tuples {
		violations = append(violations, s.Validate(i, t)...)
	}
	if len(violations) > 0 {
		return &errs.ValidationError{Relation: relation, Total: len(tuples), Violations: violations}
	}
	return nil
}
