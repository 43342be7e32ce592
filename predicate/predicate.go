// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package predicate implements the small expression language Filter
// nodes are allowed to use: column-vs-literal comparisons combined
// with AND/OR. It is deliberately not a general expression language —
// that is explicitly out of scope (spec.md Non-goals).
package predicate

import (
	"fmt"
	"strconv"

	"github.com/emsqrt/emsqrt/rowbatch"
)

// Op is one of the six comparison operators the language supports.
type Op int

const (
	Eq Op = iota
	Ne
	Lt
	Le
	Gt
	Ge
)

func (o Op) String() string {
	switch o {
	case Eq:
		return "="
	case Ne:
		return "!="
	case Lt:
		return "<"
	case Le:
		return "<="
	case Gt:
		return ">"
	case Ge:
		return ">="
	default:
		return "?"
	}
}

// Expr is a node in the predicate tree.
type Expr interface {
	fmt.Stringer
	// resolve binds column references against schema, recording the
	// resolved column index in Compare nodes, or returns an error (a
	// Config-kind error at the call site) for unknown identifiers.
	resolve(schema *rowbatch.Schema) error
	// eval evaluates the expression against a single row, given the
	// column indices resolved by resolve.
	eval(row rowbatch.Row) bool
}

// Compare is "<column> <op> <literal>".
type Compare struct {
	Column  string
	Op      Op
	Literal rowbatch.Value

	colIdx int
}

func (c *Compare) String() string {
	lit := "null"
	if !c.Literal.IsNull() {
		switch c.Literal.Type() {
		case rowbatch.Int32, rowbatch.Int64:
			lit = strconv.FormatInt(c.Literal.Int(), 10)
		case rowbatch.Float64:
			lit = strconv.FormatFloat(c.Literal.Float(), 'g', -1, 64)
		case rowbatch.Bool:
			lit = strconv.FormatBool(c.Literal.Bool())
		default:
			lit = c.Literal.String()
		}
	}
	return fmt.Sprintf("%s %s %s", c.Column, c.Op, lit)
}

func (c *Compare) resolve(schema *rowbatch.Schema) error {
	idx := schema.IndexOf(c.Column)
	if idx < 0 {
		return fmt.Errorf("predicate: unknown column %q", c.Column)
	}
	f := schema.Fields[idx]
	if !c.Literal.IsNull() && c.Literal.Type() != f.Type {
		return fmt.Errorf("predicate: column %q is %s, literal is %s", c.Column, f.Type, c.Literal.Type())
	}
	c.colIdx = idx
	return nil
}

func (c *Compare) eval(row rowbatch.Row) bool {
	v := row.Get(c.colIdx)
	if v.IsNull() || c.Literal.IsNull() {
		// SQL-style: any comparison against/with null is unknown,
		// which Filter treats as "does not pass".
		return false
	}
	cmp := rowbatch.Compare(v, c.Literal)
	switch c.Op {
	case Eq:
		return cmp == 0
	case Ne:
		return cmp != 0
	case Lt:
		return cmp < 0
	case Le:
		return cmp <= 0
	case Gt:
		return cmp > 0
	case Ge:
		return cmp >= 0
	default:
		return false
	}
}

// And is the conjunction of two or more clauses.
type And struct{ Clauses []Expr }

func (a *And) String() string {
	return joinClauses(a.Clauses, " AND ")
}

func (a *And) resolve(schema *rowbatch.Schema) error {
	for _, c := range a.Clauses {
		if err := c.resolve(schema); err != nil {
			return err
		}
	}
	return nil
}

func (a *And) eval(row rowbatch.Row) bool {
	for _, c := range a.Clauses {
		if !c.eval(row) {
			return false
		}
	}
	return true
}

// Or is the disjunction of two or more clauses.
type Or struct{ Clauses []Expr }

func (o *Or) String() string {
	return joinClauses(o.Clauses, " OR ")
}

func (o *Or) resolve(schema *rowbatch.Schema) error {
	for _, c := range o.Clauses {
		if err := c.resolve(schema); err != nil {
			return err
		}
	}
	return nil
}

func (o *Or) eval(row rowbatch.Row) bool {
	for _, c := range o.Clauses {
		if c.eval(row) {
			return true
		}
	}
	return false
}

func joinClauses(clauses []Expr, sep string) string {
	s := ""
	for i, c := range clauses {
		if i > 0 {
			s += sep
		}
		s += c.String()
	}
	return s
}

// Compile resolves e against schema, failing before any row flows if
// e references an unknown column — the planning error the spec
// requires Filter to raise "before execution begins".
func Compile(e Expr, schema *rowbatch.Schema) (*Compiled, error) {
	if err := e.resolve(schema); err != nil {
		return nil, err
	}
	return &Compiled{expr: e}, nil
}

// Compiled is an Expr that has been resolved against a schema and is
// ready to evaluate rows.
type Compiled struct{ expr Expr }

// Eval reports whether row satisfies the compiled predicate.
func (c *Compiled) Eval(row rowbatch.Row) bool { return c.expr.eval(row) }

func (c *Compiled) String() string { return c.expr.String() }
