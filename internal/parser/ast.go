// Package parser turns program text into an AST of rules, facts,
// schema declarations, and queries, per the statement grammar in
// section 6 of the engine's external-interface contract.
package parser

// TermKind distinguishes the different term shapes.
type TermKind int

const (
	TermVar TermKind = iota
	TermConst
	TermPlaceholder // the bare "_" wildcard
	TermBinary      // arithmetic expression
	TermUnaryMinus
	TermCall // function call, e.g. normalize(V)
)

// Term is one argument position inside an atom, or an operand of an
// arithmetic expression.
type Term struct {
	Kind TermKind

	Var      string // TermVar
	Const    Literal
	Op       string // TermBinary: + - * / %
	Left     *Term
	Right    *Term
	Operand  *Term  // TermUnaryMinus
	Func     string // TermCall
	Args     []Term // TermCall
	Sort     SortDir // optional :asc/:desc annotation on a TermVar
}

// LiteralKind distinguishes constant literal shapes.
type LiteralKind int

const (
	LitInt LiteralKind = iota
	LitFloat
	LitString
	LitBool
	LitVector
)

// Literal is a constant value appearing in source text.
type Literal struct {
	Kind   LiteralKind
	Int    int64
	Float  float64
	Str    string
	Bool   bool
	Vector []float64
}

// SortDir is the :asc/:desc annotation on a query output variable.
type SortDir int

const (
	SortNone SortDir = iota
	SortAsc
	SortDesc
)

// AggregateKind distinguishes the aggregate syntaxes in section 4.4.
type AggregateKind int

const (
	AggStandard AggregateKind = iota // func<var>
	AggTopK                          // top_k<k, var[, desc]>
	AggTopKThreshold                 // top_k_threshold<k, var, t[, desc]>
	AggWithinRadius                  // within_radius<var, t>
)

// Aggregate is an aggregate-annotated head argument, e.g. count<X> or
// top_k<5, Score, desc>.
type Aggregate struct {
	Kind AggregateKind
	Func string // e.g. "count", "sum", "top_k"
	Var  string
	K    int
	Threshold float64
	Desc bool
}

// Atom is a relation application: name(args...), possibly negated.
type Atom struct {
	Relation  string
	Args      []Term
	Negated   bool
	Aggregate *Aggregate // set when this atom is a head aggregate position
}

// Comparison is an infix comparison goal: Left op Right.
type Comparison struct {
	Op    string // = == != < > <= >=
	Left  Term
	Right Term
}

// BodyGoal is one conjunct of a rule body: either a relational atom or
// a comparison.
type BodyGoal struct {
	Atom       *Atom
	Comparison *Comparison
}

// OutputVar is one query output column with optional sort direction.
type OutputVar struct {
	Var  string
	Sort SortDir
}

// StatementKind enumerates the top-level statement shapes from section 6.
type StatementKind int

const (
	StmtRule StatementKind = iota
	StmtFact
	StmtInsert
	StmtBulkInsert
	StmtDelete
	StmtBulkDelete
	StmtConditionalDelete
	StmtAtomicUpdate
	StmtSchema
	StmtQuery
)

// SchemaColumn is one column of a +name(col: type, ...) declaration.
type SchemaColumn struct {
	Name      string
	Type      string // int|float|string|bool|timestamp|vector|any|<Named>
	Range     *[2]float64
	Pattern   string
	NotEmpty  bool
	Primary   bool
	Unique    bool
	ForeignKey *ForeignKeyRef
	Check     string
}

// ForeignKeyRef names the referenced relation/column of a foreign_key(...)
// refinement.
type ForeignKeyRef struct {
	Relation string
	Column   string
}

// Statement is one parsed top-level program statement.
type Statement struct {
	Kind StatementKind

	// StmtRule / StmtFact
	Head *Atom
	Body []BodyGoal

	// StmtInsert / StmtDelete (unconditional)
	Relation string
	Tuples   [][]Term // one or more tuples of constant/var terms

	// StmtConditionalDelete / StmtAtomicUpdate
	Deletes []Atom
	Inserts []Atom

	// StmtSchema
	Persistent bool
	Columns    []SchemaColumn

	// StmtQuery
	Goals   []BodyGoal
	Outputs []OutputVar
	Limit   int
	Offset  int
	HasLimit bool

	Session bool // true if this statement targets the session overlay
}

// Program is a parsed sequence of statements.
type Program struct {
	Statements []Statement
}
