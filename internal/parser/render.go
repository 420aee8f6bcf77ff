package parser

import (
	"fmt"
	"strconv"
	"strings"
)

// Render turns a parsed program back into statement text the parser
// accepts, one statement per line. Parsing the rendered text yields the
// same AST, which is what lets the rule catalog persist rules as plain
// statement strings.
func (p *Program) Render() string {
	lines := make([]string, len(p.Statements))
	for i, s := range p.Statements {
		lines[i] = s.Render()
	}
	return strings.Join(lines, "\n")
}

// Render turns one statement back into its source form, ending with ".".
func (s Statement) Render() string {
	var sb strings.Builder
	switch s.Kind {
	case StmtFact:
		renderAtom(&sb, *s.Head)
	case StmtRule:
		renderAtom(&sb, *s.Head)
		sb.WriteString(" :- ")
		renderBody(&sb, s.Body)
	case StmtInsert:
		sb.WriteByte('+')
		sb.WriteString(s.Relation)
		renderTermTuple(&sb, s.Tuples[0])
	case StmtBulkInsert:
		sb.WriteByte('+')
		sb.WriteString(s.Relation)
		renderTupleList(&sb, s.Tuples)
	case StmtDelete:
		sb.WriteByte('-')
		sb.WriteString(s.Relation)
		renderTermTuple(&sb, s.Tuples[0])
	case StmtBulkDelete:
		sb.WriteByte('-')
		sb.WriteString(s.Relation)
		renderTupleList(&sb, s.Tuples)
	case StmtConditionalDelete, StmtAtomicUpdate:
		for i, a := range s.Deletes {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('-')
			renderAtom(&sb, a)
		}
		for i, a := range s.Inserts {
			if i > 0 || len(s.Deletes) > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('+')
			renderAtom(&sb, a)
		}
		sb.WriteString(" <- ")
		renderBody(&sb, s.Body)
	case StmtSchema:
		if s.Persistent {
			sb.WriteByte('+')
		}
		sb.WriteString(s.Relation)
		sb.WriteByte('(')
		for i, c := range s.Columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			renderSchemaColumn(&sb, c)
		}
		sb.WriteByte(')')
	case StmtQuery:
		sb.WriteByte('?')
		renderBody(&sb, s.Goals)
		if s.HasLimit {
			sb.WriteString(", limit(")
			sb.WriteString(strconv.Itoa(s.Limit))
			if s.Offset > 0 {
				sb.WriteString(", ")
				sb.WriteString(strconv.Itoa(s.Offset))
			}
			sb.WriteByte(')')
		}
	}
	sb.WriteByte('.')
	return sb.String()
}

func renderBody(sb *strings.Builder, goals []BodyGoal) {
	for i, g := range goals {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch {
		case g.Atom != nil:
			if g.Atom.Negated {
				sb.WriteString("not ")
			}
			renderAtom(sb, *g.Atom)
		case g.Comparison != nil:
			renderTerm(sb, g.Comparison.Left)
			sb.WriteByte(' ')
			sb.WriteString(g.Comparison.Op)
			sb.WriteByte(' ')
			renderTerm(sb, g.Comparison.Right)
		}
	}
}

func renderAtom(sb *strings.Builder, a Atom) {
	sb.WriteString(a.Relation)
	sb.WriteByte('(')
	for i, arg := range a.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		renderTerm(sb, arg)
	}
	sb.WriteByte(')')
}

func renderTermTuple(sb *strings.Builder, terms []Term) {
	sb.WriteByte('(')
	for i, t := range terms {
		if i > 0 {
			sb.WriteString(", ")
		}
		renderTerm(sb, t)
	}
	sb.WriteByte(')')
}

func renderTupleList(sb *strings.Builder, tuples [][]Term) {
	sb.WriteByte('[')
	for i, row := range tuples {
		if i > 0 {
			sb.WriteString(", ")
		}
		renderTermTuple(sb, row)
	}
	sb.WriteByte(']')
}

// renderTerm writes a term, restoring the aggregate surface syntax for
// the synthetic __aggregate__ wrapper and the :asc/:desc annotation on
// variables (which Term.String, a diagnostics helper, omits).
func renderTerm(sb *strings.Builder, t Term) {
	if t.Kind == TermCall && t.Func == "__aggregate__" {
		renderAggregateTerm(sb, t)
		return
	}
	switch t.Kind {
	case TermVar:
		sb.WriteString(t.Var)
		switch t.Sort {
		case SortAsc:
			sb.WriteString(":asc")
		case SortDesc:
			sb.WriteString(":desc")
		}
	case TermBinary:
		sb.WriteByte('(')
		renderTerm(sb, *t.Left)
		sb.WriteByte(' ')
		sb.WriteString(t.Op)
		sb.WriteByte(' ')
		renderTerm(sb, *t.Right)
		sb.WriteByte(')')
	case TermUnaryMinus:
		sb.WriteByte('-')
		renderTerm(sb, *t.Operand)
	case TermCall:
		sb.WriteString(t.Func)
		sb.WriteByte('(')
		for i, a := range t.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			renderTerm(sb, a)
		}
		sb.WriteByte(')')
	default:
		sb.WriteString(t.String())
	}
}

// renderAggregateTerm reverses aggregateAsTerms: the stashed term list is
// [func, var, k, threshold, desc].
func renderAggregateTerm(sb *strings.Builder, t Term) {
	fn := t.Args[0].Const.Str
	variable := t.Args[1].Var
	k := t.Args[2].Const.Int
	threshold := t.Args[3].Const.Float
	desc := t.Args[4].Const.Bool

	sb.WriteString(fn)
	sb.WriteByte('<')
	switch fn {
	case "top_k":
		fmt.Fprintf(sb, "%d, %s", k, variable)
		if desc {
			sb.WriteString(", desc")
		}
	case "top_k_threshold":
		fmt.Fprintf(sb, "%d, %s, %s", k, variable, formatNumber(threshold))
		if desc {
			sb.WriteString(", desc")
		}
	case "within_radius":
		fmt.Fprintf(sb, "%s, %s", variable, formatNumber(threshold))
	default:
		sb.WriteString(variable)
	}
	sb.WriteByte('>')
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func renderSchemaColumn(sb *strings.Builder, c SchemaColumn) {
	sb.WriteString(c.Name)
	sb.WriteString(": ")
	sb.WriteString(c.Type)
	if c.Range != nil {
		fmt.Fprintf(sb, "(range(%s, %s))", formatNumber(c.Range[0]), formatNumber(c.Range[1]))
	}
	if c.Pattern != "" {
		fmt.Fprintf(sb, "(pattern(%s))", strconv.Quote(c.Pattern))
	}
	if c.NotEmpty {
		sb.WriteString("(not_empty)")
	}
	if c.Primary {
		sb.WriteString("(primary)")
	}
	if c.Unique {
		sb.WriteString("(unique)")
	}
	if c.ForeignKey != nil {
		fmt.Fprintf(sb, "(foreign_key(%s, %s))", c.ForeignKey.Relation, c.ForeignKey.Column)
	}
	if c.Check != "" {
		fmt.Fprintf(sb, "(check(%s))", strconv.Quote(c.Check))
	}
}
