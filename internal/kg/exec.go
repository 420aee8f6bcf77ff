package kg

import (
	"fmt"

	"github.com/lattice-kg/lattice/internal/errs"
	"github.com/lattice-kg/lattice/internal/hashindex"
	"github.com/lattice-kg/lattice/internal/incremental"
	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/value"
)

// Exec applies one parsed statement against this KG. sessionID is only
// consulted for statements whose Session flag is set, or that need a
// session overlay (query, atomic update) to evaluate a body; pass "" when
// none applies.
func (k *KG) Exec(stmt parser.Statement, sessionID string) (*ExecResult, error) {
	switch stmt.Kind {
	case parser.StmtFact:
		t, err := termsToTuple(stmt.Head.Args)
		if err != nil {
			return nil, err
		}
		return k.insertTuples(stmt.Head.Relation, []value.Tuple{t}, stmt.Session, sessionID)
	case parser.StmtInsert, parser.StmtBulkInsert:
		tuples, err := termRowsToTuples(stmt.Tuples)
		if err != nil {
			return nil, err
		}
		return k.insertTuples(stmt.Relation, tuples, stmt.Session, sessionID)
	case parser.StmtDelete, parser.StmtBulkDelete:
		tuples, err := termRowsToTuples(stmt.Tuples)
		if err != nil {
			return nil, err
		}
		return k.deleteTuples(stmt.Relation, tuples, stmt.Session, sessionID)
	case parser.StmtConditionalDelete:
		return k.execAtomicChange(stmt.Deletes, nil, stmt.Body, sessionID)
	case parser.StmtAtomicUpdate:
		return k.execAtomicChange(stmt.Deletes, stmt.Inserts, stmt.Body, sessionID)
	case parser.StmtRule:
		return nil, k.execRule(stmt, sessionID)
	case parser.StmtSchema:
		return nil, k.execSchema(stmt)
	case parser.StmtQuery:
		return k.execQuery(stmt, sessionID)
	default:
		return nil, fmt.Errorf("kg: unsupported statement kind %d", stmt.Kind)
	}
}

// ExecProgram applies every statement in prog in order, batching same-head
// persistent rule clauses into a single internal/derived.Manager.Register
// call (and a single RecomputeDerived pass) instead of re-stratifying once
// per clause.
func (k *KG) ExecProgram(prog *parser.Program, sessionID string) ([]*ExecResult, error) {
	ruleBatches := make(map[string][]parser.Statement)
	var order []string
	for _, stmt := range prog.Statements {
		if stmt.Kind == parser.StmtRule && !stmt.Session {
			name := stmt.Head.Relation
			if _, seen := ruleBatches[name]; !seen {
				order = append(order, name)
			}
			ruleBatches[name] = append(ruleBatches[name], stmt)
		}
	}
	for _, name := range order {
		clauses := append(append([]parser.Statement{}, k.rules.Get(name)...), ruleBatches[name]...)
		if _, err := k.engine.RegisterRule(name, clauses); err != nil {
			return nil, err
		}
		k.rules.Set(name, clauses)
	}
	if len(order) > 0 {
		k.persistRules()
		if err := k.RecomputeDerived(); err != nil {
			return nil, err
		}
		k.publishSnapshot()
	}

	results := make([]*ExecResult, 0, len(prog.Statements))
	for _, stmt := range prog.Statements {
		if stmt.Kind == parser.StmtRule && !stmt.Session {
			results = append(results, nil)
			continue
		}
		res, err := k.Exec(stmt, sessionID)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (k *KG) insertTuples(relation string, tuples []value.Tuple, isSession bool, sessionID string) (*ExecResult, error) {
	if schema, ok := k.schemas.Lookup(relation); ok {
		if err := schema.ValidateBatch(relation, tuples); err != nil {
			return nil, err
		}
	}
	if isSession {
		if sessionID == "" {
			return nil, errs.ErrSessionRequired
		}
		n, err := k.sessions.InsertEphemeral(sessionID, relation, tuples)
		if err != nil {
			return nil, err
		}
		return &ExecResult{Inserted: n}, nil
	}
	if err := k.insertBase(relation, tuples); err != nil {
		return nil, err
	}
	return &ExecResult{Inserted: len(tuples)}, nil
}

func (k *KG) deleteTuples(relation string, tuples []value.Tuple, isSession bool, sessionID string) (*ExecResult, error) {
	if isSession {
		if sessionID == "" {
			return nil, errs.ErrSessionRequired
		}
		n, err := k.sessions.RetractEphemeral(sessionID, relation, tuples)
		if err != nil {
			return nil, err
		}
		return &ExecResult{Deleted: n}, nil
	}
	if err := k.deleteBase(relation, tuples); err != nil {
		return nil, err
	}
	return &ExecResult{Deleted: len(tuples)}, nil
}

func (k *KG) insertBase(relation string, tuples []value.Tuple) error {
	if err := k.engine.EnsureRelation(relation); err != nil {
		return err
	}
	k.markBase(relation)

	if err := k.checkUniqueAndForeignKeys(relation, tuples); err != nil {
		return err
	}

	deltas := make([]incremental.Delta, len(tuples))
	for i, t := range tuples {
		deltas[i] = incremental.Delta{Tuple: t, Diff: 1}
	}
	if err := k.engine.InsertDelta(relation, deltas); err != nil {
		return err
	}
	k.appendDeltas(relation, deltas)
	if _, err := k.engine.NotifyBaseUpdate(relation); err != nil {
		return err
	}
	if _, err := k.engine.NotifyIndexesBaseUpdate(relation); err != nil {
		return err
	}
	k.updateIndexesOnInsert(relation, tuples)
	if err := k.RecomputeDerived(); err != nil {
		return err
	}
	k.publishSnapshot()
	return nil
}

func (k *KG) deleteBase(relation string, tuples []value.Tuple) error {
	deltas := make([]incremental.Delta, len(tuples))
	for i, t := range tuples {
		deltas[i] = incremental.Delta{Tuple: t, Diff: -1}
	}
	if err := k.engine.InsertDelta(relation, deltas); err != nil {
		return err
	}
	k.appendDeltas(relation, deltas)
	if _, err := k.engine.NotifyBaseUpdate(relation); err != nil {
		return err
	}
	if _, err := k.engine.NotifyIndexesBaseUpdate(relation); err != nil {
		return err
	}
	k.updateIndexesOnDelete(relation, tuples)
	if err := k.RecomputeDerived(); err != nil {
		return err
	}
	k.publishSnapshot()
	return nil
}

func (k *KG) execRule(stmt parser.Statement, sessionID string) error {
	if stmt.Session {
		if sessionID == "" {
			return errs.ErrSessionRequired
		}
		return k.sessions.AddEphemeralRule(sessionID, stmt)
	}
	name := stmt.Head.Relation
	clauses := append(append([]parser.Statement{}, k.rules.Get(name)...), stmt)
	if _, err := k.engine.RegisterRule(name, clauses); err != nil {
		return err
	}
	k.rules.Set(name, clauses)
	k.persistRules()
	if err := k.RecomputeDerived(); err != nil {
		return err
	}
	k.publishSnapshot()
	return nil
}

func (k *KG) execSchema(stmt parser.Statement) error {
	schema, err := convertSchemaColumns(k.schemas, stmt.Columns)
	if err != nil {
		return err
	}
	if err := k.schemas.Declare(stmt.Relation, stmt.Persistent, schema); err != nil {
		return err
	}
	if stmt.Persistent {
		k.schemaStmtMu.Lock()
		k.schemaStmts = append(k.schemaStmts, stmt)
		k.schemaStmtMu.Unlock()
		k.persistSchemas()
	}
	return nil
}

// execAtomicChange evaluates body once, then instantiates every delete
// and insert head atom per resulting row, applying every touched base
// relation's changes as one cascade-invalidation unit, per spec section
// 6.1. Covers both StmtConditionalDelete (inserts == nil) and
// StmtAtomicUpdate.
func (k *KG) execAtomicChange(deletes, inserts []parser.Atom, body []parser.BodyGoal, sessionID string) (*ExecResult, error) {
	orderedVars := collectAtomVars(deletes, inserts)

	rows, _, err := k.evalGoals(body, orderedVars, sessionID)
	if err != nil {
		return nil, err
	}

	deleteTuples := make(map[string][]value.Tuple)
	insertTuples := make(map[string][]value.Tuple)
	for _, row := range rows {
		rowMap := make(map[string]value.Value, len(orderedVars))
		for i, v := range orderedVars {
			rowMap[v] = row[i]
		}
		for _, a := range deletes {
			t, err := instantiateAtom(a, rowMap)
			if err != nil {
				return nil, err
			}
			deleteTuples[a.Relation] = append(deleteTuples[a.Relation], t)
		}
		for _, a := range inserts {
			t, err := instantiateAtom(a, rowMap)
			if err != nil {
				return nil, err
			}
			insertTuples[a.Relation] = append(insertTuples[a.Relation], t)
		}
	}

	touched := make(map[string]bool)
	for rel, tuples := range deleteTuples {
		deltas := make([]incremental.Delta, len(tuples))
		for i, t := range tuples {
			deltas[i] = incremental.Delta{Tuple: t, Diff: -1}
		}
		if err := k.engine.InsertDelta(rel, deltas); err != nil {
			return nil, err
		}
		k.appendDeltas(rel, deltas)
		touched[rel] = true
	}
	for rel, tuples := range insertTuples {
		if schema, ok := k.schemas.Lookup(rel); ok {
			if err := schema.ValidateBatch(rel, tuples); err != nil {
				return nil, err
			}
		}
		if err := k.engine.EnsureRelation(rel); err != nil {
			return nil, err
		}
		k.markBase(rel)
		if err := k.checkUniqueAndForeignKeys(rel, tuples); err != nil {
			return nil, err
		}
		deltas := make([]incremental.Delta, len(tuples))
		for i, t := range tuples {
			deltas[i] = incremental.Delta{Tuple: t, Diff: 1}
		}
		if err := k.engine.InsertDelta(rel, deltas); err != nil {
			return nil, err
		}
		k.appendDeltas(rel, deltas)
		touched[rel] = true
	}

	for rel := range touched {
		if _, err := k.engine.NotifyBaseUpdate(rel); err != nil {
			return nil, err
		}
		if _, err := k.engine.NotifyIndexesBaseUpdate(rel); err != nil {
			return nil, err
		}
		k.updateIndexesOnInsert(rel, insertTuples[rel])
		k.updateIndexesOnDelete(rel, deleteTuples[rel])
	}
	if len(touched) > 0 {
		if err := k.RecomputeDerived(); err != nil {
			return nil, err
		}
		k.publishSnapshot()
	}

	deletedCount, insertedCount := 0, 0
	for _, t := range deleteTuples {
		deletedCount += len(t)
	}
	for _, t := range insertTuples {
		insertedCount += len(t)
	}
	return &ExecResult{Inserted: insertedCount, Deleted: deletedCount}, nil
}

func collectAtomVars(groups ...[]parser.Atom) []string {
	seen := make(map[string]bool)
	var out []string
	for _, atoms := range groups {
		for _, a := range atoms {
			for _, arg := range a.Args {
				if arg.Kind == parser.TermVar && arg.Var != "_" && !seen[arg.Var] {
					seen[arg.Var] = true
					out = append(out, arg.Var)
				}
			}
		}
	}
	return out
}

func instantiateAtom(a parser.Atom, row map[string]value.Value) (value.Tuple, error) {
	out := make(value.Tuple, len(a.Args))
	for i, arg := range a.Args {
		switch arg.Kind {
		case parser.TermVar:
			v, ok := row[arg.Var]
			if !ok {
				return nil, fmt.Errorf("kg: variable %q unbound while instantiating %q", arg.Var, a.Relation)
			}
			out[i] = v
		case parser.TermConst:
			v, err := constTermValue(arg)
			if err != nil {
				return nil, err
			}
			out[i] = v
		default:
			return nil, fmt.Errorf("kg: unsupported term kind %d in update head atom %q", arg.Kind, a.Relation)
		}
	}
	return out, nil
}

// checkUniqueAndForeignKeys enforces uniqueness/primary-key and
// foreign-key refinements declared on relation's schema, comparing
// against its existing tuples — internal/value.Schema.Validate/
// ValidateBatch deliberately stop short of these since they require
// knowledge of the target relation's existing data, which only this
// layer has (see internal/value/schema.go's doc comment).
func (k *KG) checkUniqueAndForeignKeys(relation string, tuples []value.Tuple) error {
	schema, ok := k.schemas.Lookup(relation)
	if !ok {
		return nil
	}
	existing, err := k.engine.ReadRelation(relation)
	if err != nil {
		existing = nil
	}

	var violations []errs.Violation
	for i, col := range schema.Columns {
		if !col.Unique && !col.Primary {
			continue
		}
		idx := hashindex.Build(tuplesWithArity(existing, i+1), []int{i})
		seen := make(map[string]bool, len(tuples))
		for ti, t := range tuples {
			if i >= len(t) {
				continue
			}
			key := t[i].String()
			if seen[key] || len(idx.Probe(value.Tuple{t[i]})) > 0 {
				violations = append(violations, errs.Violation{
					TupleIndex: ti, Column: i, Kind: errs.ViolationUniqueness,
					Message: fmt.Sprintf("column %q value %s already present", col.Name, key),
				})
				continue
			}
			seen[key] = true
		}
	}
	for i, col := range schema.Columns {
		if col.ForeignKey == nil || col.ForeignKey.Column < 0 {
			continue
		}
		refTuples, err := k.engine.ReadRelation(col.ForeignKey.Relation)
		if err != nil {
			continue
		}
		refIdx := hashindex.Build(tuplesWithArity(refTuples, col.ForeignKey.Column+1), []int{col.ForeignKey.Column})
		for ti, t := range tuples {
			if i >= len(t) {
				continue
			}
			if len(refIdx.Probe(value.Tuple{t[i]})) == 0 {
				violations = append(violations, errs.Violation{
					TupleIndex: ti, Column: i, Kind: errs.ViolationForeignKey,
					Message: fmt.Sprintf("column %q references missing %s(%s)", col.Name, col.ForeignKey.Relation, t[i].String()),
				})
			}
		}
	}
	if len(violations) > 0 {
		return &errs.ValidationError{Relation: relation, Total: len(tuples), Violations: violations}
	}
	return nil
}

// tuplesWithArity keeps only tuples wide enough to project the checked
// column, so index construction never sees a short tuple.
func tuplesWithArity(tuples []value.Tuple, minLen int) []value.Tuple {
	out := make([]value.Tuple, 0, len(tuples))
	for _, t := range tuples {
		if len(t) >= minLen {
			out = append(out, t)
		}
	}
	return out
}

func termRowsToTuples(rows [][]parser.Term) ([]value.Tuple, error) {
	out := make([]value.Tuple, len(rows))
	for i, row := range rows {
		t, err := termsToTuple(row)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func termsToTuple(terms []parser.Term) (value.Tuple, error) {
	out := make(value.Tuple, len(terms))
	for i, t := range terms {
		v, err := constTermValue(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func constTermValue(t parser.Term) (value.Value, error) {
	if t.Kind != parser.TermConst {
		return value.Value{}, fmt.Errorf("kg: expected a constant term, got kind %d", t.Kind)
	}
	switch t.Const.Kind {
	case parser.LitInt:
		return value.Int64(t.Const.Int), nil
	case parser.LitFloat:
		return value.Float64(t.Const.Float), nil
	case parser.LitString:
		return value.String(t.Const.Str), nil
	case parser.LitBool:
		return value.Bool(t.Const.Bool), nil
	case parser.LitVector:
		vec := make([]float32, len(t.Const.Vector))
		for i, f := range t.Const.Vector {
			vec[i] = float32(f)
		}
		return value.Vector(vec, len(vec)), nil
	default:
		return value.Value{}, fmt.Errorf("kg: unsupported literal kind %d", t.Const.Kind)
	}
}
