// Package planner turns a parsed rule body into a logical plan tree and
// runs a small pipeline of heuristic optimizer passes over it, per spec
// section 4.7. It also owns the CompiledRule type that ties a rule's IR
// to its stratum and dependency metadata for the executor.
package planner

import (
	"fmt"
	"sort"

	"github.com/lattice-kg/lattice/internal/parser"
)

// OpKind enumerates the logical operator shapes in the plan tree.
type OpKind int

const (
	OpScan OpKind = iota
	OpFilter
	OpProject
	OpJoin
	OpSemiJoin
	OpAntiJoin
	OpAggregate
	OpTopK
	OpUnion
	OpFixpoint
)

func (k OpKind) String() string {
	switch k {
	case OpScan:
		return "Scan"
	case OpFilter:
		return "Filter"
	case OpProject:
		return "Project"
	case OpJoin:
		return "Join"
	case OpSemiJoin:
		return "SemiJoin"
	case OpAntiJoin:
		return "AntiJoin"
	case OpAggregate:
		return "Aggregate"
	case OpTopK:
		return "TopK"
	case OpUnion:
		return "Union"
	case OpFixpoint:
		return "Fixpoint"
	default:
		return "Unknown"
	}
}

// Vars is the ordered list of variable names a plan node outputs, by
// column position. Shared between nodes so subplan sharing can compare
// by structural identity up to renaming of unused trailing outputs.
type Vars []string

// Node is one logical plan operator. Only the fields relevant to Kind are
// populated; this mirrors the teacher's flat-struct-with-kind-tag style
// used throughout the AST (see parser.Term) rather than an interface
// hierarchy, which keeps subplan hash-consing (structural equality) simple.
type Node struct {
	Kind OpKind
	Vars Vars

	// OpScan
	Relation string
	Atom     *parser.Atom // source atom, carries constant/repeated-variable binding constraints
	Negated  bool         // set on the referenced atom when used under SemiJoin/AntiJoin

	// OpFilter
	Comparisons []parser.Comparison
	BloomProbe  *SIPFilter // set on an OpScan node by the SIP pass

	// OpProject
	ProjectVars []string

	// OpJoin / OpSemiJoin / OpAntiJoin
	Left, Right *Node
	JoinKeys    [2][]string // variable names shared between Left/Right outputs

	// OpAggregate / OpTopK
	Input       *Node
	GroupBy     []string
	Aggregate   *parser.Aggregate
	AggregateOn string

	// OpUnion
	Inputs []*Node

	// OpFixpoint (recursive stratum body)
	Recursive *Node
	BaseCase  *Node

	// bookkeeping for arithmetic/function terms attached to output columns
	ComputedVars map[string]parser.Term

	// subplan-sharing bookkeeping; shareSubplans keys nodes through
	// structuralKey and does not set this field.
	shareKey string
}

// SIPFilter is a bloom filter built from the smaller side of a join and
// pushed into the larger side's scan as a probabilistic pre-filter, per
// spec section 4.7.
type SIPFilter struct {
	SourceVars []string // the smaller side's join-key variables the filter was built from
	TargetRel  string   // the scan this filter guards
	FPR        float64
}

// Plan is a compiled query or rule body: its logical tree plus the
// output variable order requested by the caller (query outputs, or the
// rule head's argument variables).
type Plan struct {
	Root    *Node
	Outputs []string
}

func (p *Plan) String() string {
	if p == nil || p.Root == nil {
		return "<empty plan>"
	}
	return fmt.Sprintf("Plan(outputs=%v)\n%s", p.Outputs, render(p.Root, 0))
}

func render(n *Node, depth int) string {
	if n == nil {
		return ""
	}
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	s := fmt.Sprintf("%s%s(%v)", indent, n.Kind, n.Vars)
	if n.Relation != "" {
		s += fmt.Sprintf(" rel=%s", n.Relation)
	}
	s += "\n"
	children := childrenOf(n)
	for _, c := range children {
		s += render(c, depth+1)
	}
	return s
}

func childrenOf(n *Node) []*Node {
	var out []*Node
	if n.Left != nil {
		out = append(out, n.Left)
	}
	if n.Right != nil {
		out = append(out, n.Right)
	}
	if n.Input != nil {
		out = append(out, n.Input)
	}
	if n.Recursive != nil {
		out = append(out, n.Recursive)
	}
	if n.BaseCase != nil {
		out = append(out, n.BaseCase)
	}
	out = append(out, n.Inputs...)
	return out
}

// sortedVarNames returns a variable set's names in sorted order, for
// deterministic iteration over the set.
func sortedVarNames(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
