package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lattice-kg/lattice/internal/errs"
)

// Parser is a recursive-descent parser over the token stream produced
// by Lexer, building the Statement/Term AST in ast.go.
type Parser struct {
	toks []Token
	pos  int
}

// Parse tokenizes and parses a full program, returning every statement.
func Parse(src string) (*Program, error) {
	toks, err := NewLexer(src).Tokenize()
	if err != nil {
		return nil, err
	}
	p := &Parser{toks: toks}
	var stmts []Statement
	for !p.atEOF() {
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return &Program{Statements: stmts}, nil
}

func (p *Parser) cur() Token  { return p.toks[p.pos] }
func (p *Parser) atEOF() bool { return p.cur().Type == TokEOF }

func (p *Parser) advance() Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) expect(tt TokenType, what string) (Token, error) {
	if p.cur().Type != tt {
		return Token{}, p.errf("expected %s, found %q", what, p.cur().Text)
	}
	return p.advance(), nil
}

func (p *Parser) errf(format string, args ...interface{}) error {
	return &errs.ParseError{Pos: p.cur().Pos, Message: fmt.Sprintf(format, args...)}
}

// parseStatement dispatches on the leading token to one of the
// statement shapes from section 6.
func (p *Parser) parseStatement() (Statement, error) {
	switch p.cur().Type {
	case TokQuestion:
		return p.parseQuery()
	case TokPlus:
		return p.parsePlusStatement()
	case TokMinus:
		return p.parseMinusOrUpdateStatement()
	default:
		return p.parseRuleOrSchema()
	}
}

// parseQuery parses `?goal, goal, …, limit(N[, Offset]).`
func (p *Parser) parseQuery() (Statement, error) {
	p.advance() // '?'
	var goals []BodyGoal
	limit, offset := -1, 0
	hasLimit := false

	for {
		if p.cur().Type == TokIdent && p.cur().Text == "limit" {
			p.advance()
			if _, err := p.expect(TokLParen, "("); err != nil {
				return Statement{}, err
			}
			n, err := p.parseIntLiteral()
			if err != nil {
				return Statement{}, err
			}
			limit = n
			hasLimit = true
			if p.cur().Type == TokComma {
				p.advance()
				off, err := p.parseIntLiteral()
				if err != nil {
					return Statement{}, err
				}
				offset = off
			}
			if _, err := p.expect(TokRParen, ")"); err != nil {
				return Statement{}, err
			}
		} else {
			g, err := p.parseBodyGoal()
			if err != nil {
				return Statement{}, err
			}
			goals = append(goals, g)
		}
		if p.cur().Type == TokComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokDot, "."); err != nil {
		return Statement{}, err
	}

	outputs := collectOutputVars(goals)
	return Statement{Kind: StmtQuery, Goals: goals, Outputs: outputs, Limit: limit, Offset: offset, HasLimit: hasLimit}, nil
}

func (p *Parser) parseIntLiteral() (int, error) {
	tok, err := p.expect(TokInt, "integer")
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(tok.Text)
	if convErr != nil {
		return 0, &errs.ParseError{Pos: tok.Pos, Message: "invalid integer: " + tok.Text}
	}
	return n, nil
}

// collectOutputVars gathers distinct variable names referenced by
// positive atoms in goals, in first-appearance order, with any
// :asc/:desc sort annotation attached by parseTerm.
func collectOutputVars(goals []BodyGoal) []OutputVar {
	seen := make(map[string]bool)
	var outs []OutputVar
	for _, g := range goals {
		if g.Atom == nil || g.Atom.Negated {
			continue
		}
		for _, arg := range g.Atom.Args {
			if arg.Kind == TermVar && !seen[arg.Var] {
				seen[arg.Var] = true
				outs = append(outs, OutputVar{Var: arg.Var, Sort: arg.Sort})
			}
		}
	}
	return outs
}

// parsePlusStatement handles `+rel(args).`, `+rel[(t1),(t2)].`,
// `+name(col: type, ...).`, and the insert side of an atomic update.
func (p *Parser) parsePlusStatement() (Statement, error) {
	p.advance() // '+'

	name, err := p.expect(TokIdent, "relation or schema name")
	if err != nil {
		return Statement{}, err
	}

	if p.cur().Type == TokLParen && p.isSchemaAhead() {
		return p.parseSchema(name.Text, true)
	}

	if p.cur().Type == TokLBracket {
		p.advance()
		tuples, err := p.parseTupleList()
		if err != nil {
			return Statement{}, err
		}
		if _, err := p.expect(TokDot, "."); err != nil {
			return Statement{}, err
		}
		return Statement{Kind: StmtBulkInsert, Relation: name.Text, Tuples: tuples}, nil
	}

	if _, err := p.expect(TokLParen, "("); err != nil {
		return Statement{}, err
	}
	args, err := p.parseTermList(TokRParen)
	if err != nil {
		return Statement{}, err
	}
	if _, err := p.expect(TokRParen, ")"); err != nil {
		return Statement{}, err
	}

	// Atomic update: one or more +/- atoms before "<-".
	if p.cur().Type == TokComma || p.cur().Type == TokArrowLeft {
		return p.parseAtomicUpdateTail(nil, []Atom{{Relation: name.Text, Args: args}})
	}

	if _, err := p.expect(TokDot, "."); err != nil {
		return Statement{}, err
	}
	return Statement{Kind: StmtInsert, Relation: name.Text, Tuples: [][]Term{args}}, nil
}

// isSchemaAhead peeks past the opening '(' to see whether the first
// element is `ident ':'`, the shape unique to a schema declaration.
// Callable either on the relation-name token or on the '(' just after
// it.
func (p *Parser) isSchemaAhead() bool {
	i := p.pos
	if i < len(p.toks) && p.toks[i].Type == TokIdent {
		i++
	}
	if i >= len(p.toks) || p.toks[i].Type != TokLParen {
		return false
	}
	i++
	if i >= len(p.toks) || p.toks[i].Type != TokIdent {
		return false
	}
	i++
	return i < len(p.toks) && p.toks[i].Type == TokColon
}

func (p *Parser) parseSchema(name string, persistent bool) (Statement, error) {
	if _, err := p.expect(TokLParen, "("); err != nil {
		return Statement{}, err
	}
	var cols []SchemaColumn
	for {
		col, err := p.parseSchemaColumn()
		if err != nil {
			return Statement{}, err
		}
		cols = append(cols, col)
		if p.cur().Type == TokComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokRParen, ")"); err != nil {
		return Statement{}, err
	}
	if _, err := p.expect(TokDot, "."); err != nil {
		return Statement{}, err
	}
	return Statement{Kind: StmtSchema, Relation: name, Persistent: persistent, Columns: cols}, nil
}

func (p *Parser) parseSchemaColumn() (SchemaColumn, error) {
	name, err := p.expect(TokIdent, "column name")
	if err != nil {
		return SchemaColumn{}, err
	}
	if _, err := p.expect(TokColon, ":"); err != nil {
		return SchemaColumn{}, err
	}
	typeTok, err := p.expect(TokIdent, "column type")
	if err != nil {
		return SchemaColumn{}, err
	}
	col := SchemaColumn{Name: name.Text, Type: typeTok.Text}

	// A vector type may carry an explicit dimension, e.g. `emb: vector(3)`.
	// Disambiguated from a refinement group by the integer immediately
	// after the paren — every refinement starts with an identifier.
	if typeTok.Text == "vector" && p.cur().Type == TokLParen && p.peekType(1) == TokInt {
		p.advance()
		dim, err := p.parseIntLiteral()
		if err != nil {
			return SchemaColumn{}, err
		}
		if _, err := p.expect(TokRParen, ")"); err != nil {
			return SchemaColumn{}, err
		}
		col.Type = fmt.Sprintf("vector(%d)", dim)
	}

	for p.cur().Type == TokLParen {
		p.advance()
		ref, err := p.expect(TokIdent, "refinement")
		if err != nil {
			return SchemaColumn{}, err
		}
		switch ref.Text {
		case "range":
			if _, err := p.expect(TokLParen, "("); err != nil {
				return SchemaColumn{}, err
			}
			lo, err := p.parseNumberLiteral()
			if err != nil {
				return SchemaColumn{}, err
			}
			if _, err := p.expect(TokComma, ","); err != nil {
				return SchemaColumn{}, err
			}
			hi, err := p.parseNumberLiteral()
			if err != nil {
				return SchemaColumn{}, err
			}
			if _, err := p.expect(TokRParen, ")"); err != nil {
				return SchemaColumn{}, err
			}
			col.Range = &[2]float64{lo, hi}
		case "pattern":
			if _, err := p.expect(TokLParen, "("); err != nil {
				return SchemaColumn{}, err
			}
			s, err := p.expect(TokString, "pattern string")
			if err != nil {
				return SchemaColumn{}, err
			}
			if _, err := p.expect(TokRParen, ")"); err != nil {
				return SchemaColumn{}, err
			}
			col.Pattern = s.Text
		case "not_empty":
			col.NotEmpty = true
		case "primary":
			col.Primary = true
		case "unique":
			col.Unique = true
		case "foreign_key":
			if _, err := p.expect(TokLParen, "("); err != nil {
				return SchemaColumn{}, err
			}
			rel, err := p.expect(TokIdent, "relation")
			if err != nil {
				return SchemaColumn{}, err
			}
			if _, err := p.expect(TokComma, ","); err != nil {
				return SchemaColumn{}, err
			}
			c, err := p.expect(TokIdent, "column")
			if err != nil {
				return SchemaColumn{}, err
			}
			if _, err := p.expect(TokRParen, ")"); err != nil {
				return SchemaColumn{}, err
			}
			col.ForeignKey = &ForeignKeyRef{Relation: rel.Text, Column: c.Text}
		case "check":
			if _, err := p.expect(TokLParen, "("); err != nil {
				return SchemaColumn{}, err
			}
			s, err := p.expect(TokString, "check rule")
			if err != nil {
				return SchemaColumn{}, err
			}
			if _, err := p.expect(TokRParen, ")"); err != nil {
				return SchemaColumn{}, err
			}
			col.Check = s.Text
		default:
			return SchemaColumn{}, p.errf("unknown column refinement %q", ref.Text)
		}
		if _, err := p.expect(TokRParen, ")"); err != nil {
			return SchemaColumn{}, err
		}
	}
	return col, nil
}

func (p *Parser) parseNumberLiteral() (float64, error) {
	neg := false
	if p.cur().Type == TokMinus {
		p.advance()
		neg = true
	}
	switch p.cur().Type {
	case TokInt:
		tok := p.advance()
		n, _ := strconv.ParseInt(tok.Text, 10, 64)
		v := float64(n)
		if neg {
			v = -v
		}
		return v, nil
	case TokFloat:
		tok := p.advance()
		f, _ := strconv.ParseFloat(tok.Text, 64)
		if neg {
			f = -f
		}
		return f, nil
	default:
		return 0, p.errf("expected number, found %q", p.cur().Text)
	}
}

// parseMinusOrUpdateStatement handles `-rel(args).`, `-rel[…].`,
// `-rel(args) <- body.`, and the delete side of an atomic update.
func (p *Parser) parseMinusOrUpdateStatement() (Statement, error) {
	p.advance() // '-'
	name, err := p.expect(TokIdent, "relation name")
	if err != nil {
		return Statement{}, err
	}

	if p.cur().Type == TokLBracket {
		p.advance()
		tuples, err := p.parseTupleList()
		if err != nil {
			return Statement{}, err
		}
		if _, err := p.expect(TokDot, "."); err != nil {
			return Statement{}, err
		}
		return Statement{Kind: StmtBulkDelete, Relation: name.Text, Tuples: tuples}, nil
	}

	if _, err := p.expect(TokLParen, "("); err != nil {
		return Statement{}, err
	}
	args, err := p.parseTermList(TokRParen)
	if err != nil {
		return Statement{}, err
	}
	if _, err := p.expect(TokRParen, ")"); err != nil {
		return Statement{}, err
	}

	if p.cur().Type == TokComma || p.cur().Type == TokArrowLeft {
		return p.parseAtomicUpdateTail([]Atom{{Relation: name.Text, Args: args}}, nil)
	}

	if _, err := p.expect(TokDot, "."); err != nil {
		return Statement{}, err
	}
	return Statement{Kind: StmtDelete, Relation: name.Text, Tuples: [][]Term{args}}, nil
}

// parseAtomicUpdateTail continues parsing the remaining `, -d2, +i1, … <-
// body.` tail of an atomic update statement, given the delete/insert
// atoms already collected from the leading term.
func (p *Parser) parseAtomicUpdateTail(deletes, inserts []Atom) (Statement, error) {
	for p.cur().Type == TokComma {
		p.advance()
		switch p.cur().Type {
		case TokMinus:
			p.advance()
			a, err := p.parseAtomHead()
			if err != nil {
				return Statement{}, err
			}
			deletes = append(deletes, a)
		case TokPlus:
			p.advance()
			a, err := p.parseAtomHead()
			if err != nil {
				return Statement{}, err
			}
			inserts = append(inserts, a)
		default:
			return Statement{}, p.errf("expected '-' or '+' in atomic update, found %q", p.cur().Text)
		}
	}
	if _, err := p.expect(TokArrowLeft, "<-"); err != nil {
		return Statement{}, err
	}
	body, err := p.parseBody()
	if err != nil {
		return Statement{}, err
	}
	if _, err := p.expect(TokDot, "."); err != nil {
		return Statement{}, err
	}
	if len(deletes) == 1 && len(inserts) == 0 {
		return Statement{Kind: StmtConditionalDelete, Deletes: deletes, Body: body}, nil
	}
	return Statement{Kind: StmtAtomicUpdate, Deletes: deletes, Inserts: inserts, Body: body}, nil
}

func (p *Parser) parseAtomHead() (Atom, error) {
	name, err := p.expect(TokIdent, "relation name")
	if err != nil {
		return Atom{}, err
	}
	if _, err := p.expect(TokLParen, "("); err != nil {
		return Atom{}, err
	}
	args, err := p.parseTermList(TokRParen)
	if err != nil {
		return Atom{}, err
	}
	if _, err := p.expect(TokRParen, ")"); err != nil {
		return Atom{}, err
	}
	return Atom{Relation: name.Text, Args: args}, nil
}

func (p *Parser) parseTupleList() ([][]Term, error) {
	var tuples [][]Term
	for {
		if _, err := p.expect(TokLParen, "("); err != nil {
			return nil, err
		}
		args, err := p.parseTermList(TokRParen)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen, ")"); err != nil {
			return nil, err
		}
		tuples = append(tuples, args)
		if p.cur().Type == TokComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokRBracket, "]"); err != nil {
		return nil, err
	}
	return tuples, nil
}

// parseRuleOrSchema handles `head :- body.`, `head.` (bare fact), and
// session schema declarations `name(col: type, …).` (no leading '+').
func (p *Parser) parseRuleOrSchema() (Statement, error) {
	if p.cur().Type != TokIdent {
		return Statement{}, p.errf("expected statement, found %q", p.cur().Text)
	}
	if p.isSchemaAhead() {
		name := p.advance()
		return p.parseSchema(name.Text, false)
	}

	head, err := p.parseAtomOrAggregateHead()
	if err != nil {
		return Statement{}, err
	}

	if p.cur().Type == TokDot {
		p.advance()
		return Statement{Kind: StmtFact, Head: &head}, nil
	}
	if _, err := p.expect(TokColonDash, ":-"); err != nil {
		return Statement{}, err
	}
	body, err := p.parseBody()
	if err != nil {
		return Statement{}, err
	}
	if _, err := p.expect(TokDot, "."); err != nil {
		return Statement{}, err
	}
	return Statement{Kind: StmtRule, Head: &head, Body: body}, nil
}

func (p *Parser) parseBody() ([]BodyGoal, error) {
	var goals []BodyGoal
	for {
		g, err := p.parseBodyGoal()
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
		if p.cur().Type == TokComma {
			p.advance()
			continue
		}
		break
	}
	return goals, nil
}

func (p *Parser) parseBodyGoal() (BodyGoal, error) {
	negated := false
	if p.cur().Type == TokIdent && p.cur().Text == "not" {
		p.advance()
		negated = true
	}

	// Distinguish a comparison goal (Term op Term) from a relational atom
	// by checking whether the name is followed by '(' — every relation
	// name is, every comparison's left-hand term is a bare term.
	if p.cur().Type == TokIdent && p.peekType(1) == TokLParen {
		name := p.advance()
		p.advance() // '('
		args, err := p.parseTermList(TokRParen)
		if err != nil {
			return BodyGoal{}, err
		}
		if _, err := p.expect(TokRParen, ")"); err != nil {
			return BodyGoal{}, err
		}
		return BodyGoal{Atom: &Atom{Relation: name.Text, Args: args, Negated: negated}}, nil
	}

	left, err := p.parseExpr()
	if err != nil {
		return BodyGoal{}, err
	}
	op, err := p.parseCompareOp()
	if err != nil {
		return BodyGoal{}, err
	}
	right, err := p.parseExpr()
	if err != nil {
		return BodyGoal{}, err
	}
	return BodyGoal{Comparison: &Comparison{Op: op, Left: left, Right: right}}, nil
}

func (p *Parser) peekType(offset int) TokenType {
	i := p.pos + offset
	if i >= len(p.toks) {
		return TokEOF
	}
	return p.toks[i].Type
}

func (p *Parser) parseCompareOp() (string, error) {
	switch p.cur().Type {
	case TokEq:
		p.advance()
		return "=", nil
	case TokEqEq:
		p.advance()
		return "==", nil
	case TokNotEq:
		p.advance()
		return "!=", nil
	case TokLess:
		p.advance()
		return "<", nil
	case TokLessEq:
		p.advance()
		return "<=", nil
	case TokGreater:
		p.advance()
		return ">", nil
	case TokGreaterEq:
		p.advance()
		return ">=", nil
	default:
		return "", p.errf("expected comparison operator, found %q", p.cur().Text)
	}
}

// parseAtomOrAggregateHead parses a head atom whose arguments may
// include aggregate-annotated positions (func<var>, top_k<k,var,desc>,
// top_k_threshold<k,var,t,desc>, within_radius<var,t>).
func (p *Parser) parseAtomOrAggregateHead() (Atom, error) {
	name, err := p.expect(TokIdent, "relation name")
	if err != nil {
		return Atom{}, err
	}
	if _, err := p.expect(TokLParen, "("); err != nil {
		return Atom{}, err
	}
	var args []Term
	for {
		if p.cur().Type == TokIdent && p.peekType(1) == TokLess {
			agg, err := p.parseAggregate()
			if err != nil {
				return Atom{}, err
			}
			args = append(args, Term{Kind: TermCall, Func: "__aggregate__", Args: aggregateAsTerms(agg)})
		} else {
			t, err := p.parseExpr()
			if err != nil {
				return Atom{}, err
			}
			args = append(args, t)
		}
		if p.cur().Type == TokComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokRParen, ")"); err != nil {
		return Atom{}, err
	}
	return Atom{Relation: name.Text, Args: args}, nil
}

// aggregateAsTerms stashes an Aggregate's fields as a synthetic Term
// list so it can travel inside the generic Args slice without widening
// Term's shape further; the planner/executor layer interprets
// `__aggregate__` calls specially.
func aggregateAsTerms(agg Aggregate) []Term {
	return []Term{
		{Kind: TermConst, Const: Literal{Kind: LitString, Str: agg.Func}},
		{Kind: TermVar, Var: agg.Var},
		{Kind: TermConst, Const: Literal{Kind: LitInt, Int: int64(agg.K)}},
		{Kind: TermConst, Const: Literal{Kind: LitFloat, Float: agg.Threshold}},
		{Kind: TermConst, Const: Literal{Kind: LitBool, Bool: agg.Desc}},
	}
}

func (p *Parser) parseAggregate() (Aggregate, error) {
	fn, err := p.expect(TokIdent, "aggregate function")
	if err != nil {
		return Aggregate{}, err
	}
	if _, err := p.expect(TokLess, "<"); err != nil {
		return Aggregate{}, err
	}

	switch fn.Text {
	case "top_k":
		k, err := p.parseIntLiteral()
		if err != nil {
			return Aggregate{}, err
		}
		if _, err := p.expect(TokComma, ","); err != nil {
			return Aggregate{}, err
		}
		v, err := p.expect(TokVar, "variable")
		if err != nil {
			return Aggregate{}, err
		}
		desc := false
		if p.cur().Type == TokComma {
			p.advance()
			d, err := p.expect(TokIdent, "desc")
			if err != nil {
				return Aggregate{}, err
			}
			desc = d.Text == "desc"
		}
		if _, err := p.expect(TokGreater, ">"); err != nil {
			return Aggregate{}, err
		}
		return Aggregate{Kind: AggTopK, Func: fn.Text, Var: v.Text, K: k, Desc: desc}, nil

	case "top_k_threshold":
		k, err := p.parseIntLiteral()
		if err != nil {
			return Aggregate{}, err
		}
		if _, err := p.expect(TokComma, ","); err != nil {
			return Aggregate{}, err
		}
		v, err := p.expect(TokVar, "variable")
		if err != nil {
			return Aggregate{}, err
		}
		if _, err := p.expect(TokComma, ","); err != nil {
			return Aggregate{}, err
		}
		t, err := p.parseNumberLiteral()
		if err != nil {
			return Aggregate{}, err
		}
		desc := false
		if p.cur().Type == TokComma {
			p.advance()
			d, err := p.expect(TokIdent, "desc")
			if err != nil {
				return Aggregate{}, err
			}
			desc = d.Text == "desc"
		}
		if _, err := p.expect(TokGreater, ">"); err != nil {
			return Aggregate{}, err
		}
		return Aggregate{Kind: AggTopKThreshold, Func: fn.Text, Var: v.Text, K: k, Threshold: t, Desc: desc}, nil

	case "within_radius":
		v, err := p.expect(TokVar, "variable")
		if err != nil {
			return Aggregate{}, err
		}
		if _, err := p.expect(TokComma, ","); err != nil {
			return Aggregate{}, err
		}
		t, err := p.parseNumberLiteral()
		if err != nil {
			return Aggregate{}, err
		}
		if _, err := p.expect(TokGreater, ">"); err != nil {
			return Aggregate{}, err
		}
		return Aggregate{Kind: AggWithinRadius, Func: fn.Text, Var: v.Text, Threshold: t}, nil

	default:
		v, err := p.expect(TokVar, "variable")
		if err != nil {
			return Aggregate{}, err
		}
		if _, err := p.expect(TokGreater, ">"); err != nil {
			return Aggregate{}, err
		}
		return Aggregate{Kind: AggStandard, Func: fn.Text, Var: v.Text}, nil
	}
}

func (p *Parser) parseTermList(end TokenType) ([]Term, error) {
	var terms []Term
	if p.cur().Type == end {
		return terms, nil
	}
	for {
		t, err := p.parseExprWithSort()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
		if p.cur().Type == TokComma {
			p.advance()
			continue
		}
		break
	}
	return terms, nil
}

// parseExprWithSort parses an expression and an optional trailing
// `:asc`/`:desc` sort annotation on a bare variable.
func (p *Parser) parseExprWithSort() (Term, error) {
	t, err := p.parseExpr()
	if err != nil {
		return Term{}, err
	}
	if t.Kind == TermVar && p.cur().Type == TokColon {
		p.advance()
		dir, err := p.expect(TokIdent, "asc or desc")
		if err != nil {
			return Term{}, err
		}
		switch dir.Text {
		case "asc":
			t.Sort = SortAsc
		case "desc":
			t.Sort = SortDesc
		default:
			return Term{}, p.errf("expected 'asc' or 'desc', found %q", dir.Text)
		}
	}
	return t, nil
}

// --- arithmetic expression parsing (Pratt-style, standard precedence) ---

func (p *Parser) parseExpr() (Term, error) {
	return p.parseAdditive()
}

func (p *Parser) parseAdditive() (Term, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return Term{}, err
	}
	for p.cur().Type == TokPlus || p.cur().Type == TokMinus {
		op := p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return Term{}, err
		}
		l, r := left, right
		left = Term{Kind: TermBinary, Op: op.Text, Left: &l, Right: &r}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Term, error) {
	left, err := p.parseUnary()
	if err != nil {
		return Term{}, err
	}
	for p.cur().Type == TokStar || p.cur().Type == TokSlash || p.cur().Type == TokPercent {
		op := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return Term{}, err
		}
		l, r := left, right
		left = Term{Kind: TermBinary, Op: op.Text, Left: &l, Right: &r}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Term, error) {
	if p.cur().Type == TokMinus {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return Term{}, err
		}
		return Term{Kind: TermUnaryMinus, Operand: &operand}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Term, error) {
	switch p.cur().Type {
	case TokLParen:
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return Term{}, err
		}
		if _, err := p.expect(TokRParen, ")"); err != nil {
			return Term{}, err
		}
		return inner, nil

	case TokVar:
		tok := p.advance()
		if tok.Text == "_" {
			return Term{Kind: TermPlaceholder, Var: "_"}, nil
		}
		return Term{Kind: TermVar, Var: tok.Text}, nil

	case TokInt:
		tok := p.advance()
		n, _ := strconv.ParseInt(tok.Text, 10, 64)
		return Term{Kind: TermConst, Const: Literal{Kind: LitInt, Int: n}}, nil

	case TokFloat:
		tok := p.advance()
		f, _ := strconv.ParseFloat(tok.Text, 64)
		return Term{Kind: TermConst, Const: Literal{Kind: LitFloat, Float: f}}, nil

	case TokString:
		tok := p.advance()
		return Term{Kind: TermConst, Const: Literal{Kind: LitString, Str: tok.Text}}, nil

	case TokLBracket:
		return p.parseVectorLiteral()

	case TokIdent:
		name := p.advance()
		if name.Text == "true" || name.Text == "false" {
			return Term{Kind: TermConst, Const: Literal{Kind: LitBool, Bool: name.Text == "true"}}, nil
		}
		if p.cur().Type == TokLParen {
			p.advance()
			args, err := p.parseTermList(TokRParen)
			if err != nil {
				return Term{}, err
			}
			if _, err := p.expect(TokRParen, ")"); err != nil {
				return Term{}, err
			}
			return Term{Kind: TermCall, Func: name.Text, Args: args}, nil
		}
		return Term{}, &errs.ParseError{Pos: name.Pos, Message: fmt.Sprintf("bare identifier %q not allowed in value position; use a quoted string", name.Text)}

	default:
		return Term{}, p.errf("unexpected token %q in expression", p.cur().Text)
	}
}

func (p *Parser) parseVectorLiteral() (Term, error) {
	if _, err := p.expect(TokLBracket, "["); err != nil {
		return Term{}, err
	}
	var vals []float64
	if p.cur().Type != TokRBracket {
		for {
			v, err := p.parseNumberLiteral()
			if err != nil {
				return Term{}, err
			}
			vals = append(vals, v)
			if p.cur().Type == TokComma {
				p.advance()
				continue
			}
			break
		}
	}
	if _, err := p.expect(TokRBracket, "]"); err != nil {
		return Term{}, err
	}
	return Term{Kind: TermConst, Const: Literal{Kind: LitVector, Vector: vals}}, nil
}

// String renders op back to textual form, used by the round-trip test
// and debug tooling.
func (t Term) String() string {
	switch t.Kind {
	case TermVar:
		return t.Var
	case TermPlaceholder:
		return "_"
	case TermConst:
		switch t.Const.Kind {
		case LitInt:
			return strconv.FormatInt(t.Const.Int, 10)
		case LitFloat:
			return strconv.FormatFloat(t.Const.Float, 'g', -1, 64)
		case LitString:
			return strconv.Quote(t.Const.Str)
		case LitBool:
			return strconv.FormatBool(t.Const.Bool)
		case LitVector:
			parts := make([]string, len(t.Const.Vector))
			for i, v := range t.Const.Vector {
				parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
			}
			return "[" + strings.Join(parts, ", ") + "]"
		}
	case TermBinary:
		return fmt.Sprintf("(%s %s %s)", t.Left, t.Op, t.Right)
	case TermUnaryMinus:
		return "-" + t.Operand.String()
	case TermCall:
		parts := make([]string, len(t.Args))
		for i, a := range t.Args {
			parts[i] = a.String()
		}
		return fmt.Sprintf("%s(%s)", t.Func, strings.Join(parts, ", "))
	}
	return "?"
}
