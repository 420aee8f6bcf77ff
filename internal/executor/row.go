// Package executor evaluates a compiled logical plan stratum-by-stratum
// using semi-naive bottom-up fixpoint iteration, per spec section 4.8.
package executor

import (
	"fmt"
	"math"

	"github.com/lattice-kg/lattice/internal/errs"
	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/value"
)

// Row is a single variable binding environment produced while walking the
// plan tree; map-of-variable-to-value rather than positional, since joins
// are expressed over variable names rather than fixed column positions.
type Row map[string]value.Value

// clone returns a shallow copy of r, safe to extend without aliasing r.
func (r Row) clone() Row {
	out := make(Row, len(r)+2)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// bindAtom extends base with the bindings implied by matching tuple t
// against atom's argument list. Returns ok=false if t doesn't match a
// repeated-variable or constant constraint within the atom itself (e.g.
// edge(X,X) against a tuple whose two columns differ).
func bindAtom(base Row, atom *parser.Atom, t value.Tuple) (Row, bool) {
	row := base.clone()
	for i, arg := range atom.Args {
		if i >= len(t) {
			return nil, false
		}
		col := t[i]
		switch arg.Kind {
		case parser.TermPlaceholder:
			continue
		case parser.TermVar:
			if arg.Var == "_" {
				continue
			}
			if existing, bound := row[arg.Var]; bound {
				if !existing.Equal(col) {
					return nil, false
				}
				continue
			}
			row[arg.Var] = col
		case parser.TermConst:
			if !termLiteralValue(arg).Equal(col) {
				return nil, false
			}
		default:
			// arithmetic/function/unary-minus terms are not valid directly
			// inside a relation-scanning atom position; ignore for binding.
		}
	}
	return row, true
}

func termLiteralValue(t parser.Term) value.Value {
	switch t.Const.Kind {
	case parser.LitInt:
		return value.Int64(t.Const.Int)
	case parser.LitFloat:
		return value.Float64(t.Const.Float)
	case parser.LitString:
		return value.String(t.Const.Str)
	case parser.LitBool:
		return value.Bool(t.Const.Bool)
	case parser.LitVector:
		vec := make([]float32, len(t.Const.Vector))
		for i, f := range t.Const.Vector {
			vec[i] = float32(f)
		}
		return value.Vector(vec, len(vec))
	default:
		return value.Null()
	}
}

// evalTerm evaluates an arithmetic/function/constant/variable term against
// a binding row, per spec section 4.4's arithmetic and function-call term
// shapes.
func evalTerm(t parser.Term, row Row) (value.Value, error) {
	switch t.Kind {
	case parser.TermConst:
		return termLiteralValue(t), nil
	case parser.TermVar:
		v, ok := row[t.Var]
		if !ok {
			return value.Null(), fmt.Errorf("executor: unbound variable %q", t.Var)
		}
		return v, nil
	case parser.TermPlaceholder:
		return value.Null(), nil
	case parser.TermUnaryMinus:
		v, err := evalTerm(*t.Operand, row)
		if err != nil {
			return value.Null(), err
		}
		return negate(v)
	case parser.TermBinary:
		l, err := evalTerm(*t.Left, row)
		if err != nil {
			return value.Null(), err
		}
		r, err := evalTerm(*t.Right, row)
		if err != nil {
			return value.Null(), err
		}
		return arith(t.Op, l, r)
	case parser.TermCall:
		return evalCall(t, row)
	default:
		return value.Null(), fmt.Errorf("executor: unsupported term kind %d", t.Kind)
	}
}

func negate(v value.Value) (value.Value, error) {
	switch v.Kind() {
	case value.KindInt32:
		return value.Int32(-v.AsInt32()), nil
	case value.KindInt64:
		return value.Int64(-v.AsInt64()), nil
	case value.KindFloat64:
		return value.Float64(-v.AsFloat64()), nil
	default:
		return value.Null(), fmt.Errorf("executor: cannot negate %s", v.Kind())
	}
}

func arith(op string, l, r value.Value) (value.Value, error) {
	lf, lok := l.AsNumeric()
	rf, rok := r.AsNumeric()
	if !lok || !rok {
		return value.Null(), fmt.Errorf("executor: arithmetic on non-numeric values")
	}
	switch op {
	case "+":
		return value.Float64(lf + rf), nil
	case "-":
		return value.Float64(lf - rf), nil
	case "*":
		return value.Float64(lf * rf), nil
	case "/":
		if rf == 0 {
			return value.Null(), fmt.Errorf("executor: division by zero")
		}
		return value.Float64(lf / rf), nil
	case "%":
		if rf == 0 {
			return value.Null(), fmt.Errorf("executor: modulo by zero")
		}
		return value.Float64(math.Mod(lf, rf)), nil
	default:
		return value.Null(), fmt.Errorf("executor: unknown operator %q", op)
	}
}

// evalComparison evaluates one comparison goal; "=" doubles as variable
// binding (if exactly one side is an unbound variable) per the language's
// Prolog-style unification-in-body convention, and as equality test
// otherwise.
func evalComparison(c parser.Comparison, row Row) (Row, bool, error) {
	if c.Op == "=" {
		if c.Left.Kind == parser.TermVar {
			if _, bound := row[c.Left.Var]; !bound {
				v, err := evalTerm(c.Right, row)
				if err != nil {
					return row, false, nil //nolint:nilerr // unbound dependency: treat as non-matching, not fatal
				}
				out := row.clone()
				out[c.Left.Var] = v
				return out, true, nil
			}
		}
		if c.Right.Kind == parser.TermVar {
			if _, bound := row[c.Right.Var]; !bound {
				v, err := evalTerm(c.Left, row)
				if err != nil {
					return row, false, nil //nolint:nilerr
				}
				out := row.clone()
				out[c.Right.Var] = v
				return out, true, nil
			}
		}
	}

	l, err := evalTerm(c.Left, row)
	if err != nil {
		return row, false, nil //nolint:nilerr
	}
	r, err := evalTerm(c.Right, row)
	if err != nil {
		return row, false, nil //nolint:nilerr
	}
	cmp := l.Compare(r)
	var ok bool
	switch c.Op {
	case "=", "==":
		ok = l.Equal(r)
	case "!=":
		ok = !l.Equal(r)
	case "<":
		ok = cmp < 0
	case ">":
		ok = cmp > 0
	case "<=":
		ok = cmp <= 0
	case ">=":
		ok = cmp >= 0
	default:
		return row, false, fmt.Errorf("executor: unknown comparison operator %q", c.Op)
	}
	return row, ok, nil
}

// RowToTuple projects a row to a Tuple in the given variable order,
// erroring if any requested variable is unbound (e.g. a head variable
// that never appeared in the body).
func RowToTuple(row Row, vars []string) (value.Tuple, error) {
	out := make(value.Tuple, len(vars))
	for i, v := range vars {
		val, ok := row[v]
		if !ok {
			return nil, &errs.StratificationError{Relation: v, Message: "head variable never bound by body"}
		}
		out[i] = val
	}
	return out, nil
}
