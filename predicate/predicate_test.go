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

package predicate

import (
	"testing"

	"github.com/emsqrt/emsqrt/budget"
	"github.com/emsqrt/emsqrt/rowbatch"
)

func budgetForTest() *budget.Budget { return budget.New(1 << 20) }

func testSchema() *rowbatch.Schema {
	return rowbatch.NewSchema(
		rowbatch.Field{Name: "id", Type: rowbatch.Int64},
		rowbatch.Field{Name: "amount", Type: rowbatch.Float64, Nullable: true},
		rowbatch.Field{Name: "name", Type: rowbatch.Utf8, Nullable: true},
	)
}

func buildRow(t *testing.T, schema *rowbatch.Schema, vals []rowbatch.Value) rowbatch.Row {
	t.Helper()
	bld := rowbatch.NewBuilder(schema)
	if err := bld.Append(vals); err != nil {
		t.Fatal(err)
	}
	bud := budgetForTest()
	b, ok := bld.Build(bud, "predicate-test")
	if !ok {
		t.Fatal("build failed")
	}
	t.Cleanup(b.Release)
	return b.Row(0)
}

func TestCompareResolveUnknownColumn(t *testing.T) {
	c := &Compare{Column: "nope", Op: Eq, Literal: rowbatch.Int64Value(1)}
	if _, err := Compile(c, testSchema()); err == nil {
		t.Fatal("expected an error for an unknown column")
	}
}

func TestCompareResolveTypeMismatch(t *testing.T) {
	c := &Compare{Column: "id", Op: Eq, Literal: rowbatch.Utf8Value("x")}
	if _, err := Compile(c, testSchema()); err == nil {
		t.Fatal("expected an error for a literal/column type mismatch")
	}
}

func TestCompareEvalOperators(t *testing.T) {
	schema := testSchema()
	row := buildRow(t, schema, []rowbatch.Value{
		rowbatch.Int64Value(5),
		rowbatch.Float64Value(10),
		rowbatch.Utf8Value("a"),
	})
	cases := []struct {
		op   Op
		lit  rowbatch.Value
		want bool
	}{
		{Eq, rowbatch.Int64Value(5), true},
		{Eq, rowbatch.Int64Value(6), false},
		{Ne, rowbatch.Int64Value(6), true},
		{Lt, rowbatch.Int64Value(6), true},
		{Le, rowbatch.Int64Value(5), true},
		{Gt, rowbatch.Int64Value(4), true},
		{Ge, rowbatch.Int64Value(5), true},
	}
	for _, c := range cases {
		cmp := &Compare{Column: "id", Op: c.op, Literal: c.lit}
		compiled, err := Compile(cmp, schema)
		if err != nil {
			t.Fatal(err)
		}
		if got := compiled.Eval(row); got != c.want {
			t.Errorf("id %s %v = %v, want %v", c.op, c.lit, got, c.want)
		}
	}
}

func TestNullComparisonDoesNotPass(t *testing.T) {
	schema := testSchema()
	row := buildRow(t, schema, []rowbatch.Value{
		rowbatch.Int64Value(5),
		rowbatch.Null(rowbatch.Float64),
		rowbatch.Utf8Value("a"),
	})
	cmp := &Compare{Column: "amount", Op: Eq, Literal: rowbatch.Float64Value(0)}
	compiled, err := Compile(cmp, schema)
	if err != nil {
		t.Fatal(err)
	}
	if compiled.Eval(row) {
		t.Fatal("a comparison against a null column must not pass")
	}
	cmpNe := &Compare{Column: "amount", Op: Ne, Literal: rowbatch.Float64Value(0)}
	compiledNe, err := Compile(cmpNe, schema)
	if err != nil {
		t.Fatal(err)
	}
	if compiledNe.Eval(row) {
		t.Fatal("!= against a null column must also not pass, not default to true")
	}
}

func TestAndOrComposition(t *testing.T) {
	schema := testSchema()
	row := buildRow(t, schema, []rowbatch.Value{
		rowbatch.Int64Value(5),
		rowbatch.Float64Value(10),
		rowbatch.Utf8Value("a"),
	})
	and := &And{Clauses: []Expr{
		&Compare{Column: "id", Op: Eq, Literal: rowbatch.Int64Value(5)},
		&Compare{Column: "amount", Op: Gt, Literal: rowbatch.Float64Value(1)},
	}}
	compiled, err := Compile(and, schema)
	if err != nil {
		t.Fatal(err)
	}
	if !compiled.Eval(row) {
		t.Fatal("AND of two true clauses must be true")
	}

	or := &Or{Clauses: []Expr{
		&Compare{Column: "id", Op: Eq, Literal: rowbatch.Int64Value(999)},
		&Compare{Column: "name", Op: Eq, Literal: rowbatch.Utf8Value("a")},
	}}
	compiledOr, err := Compile(or, schema)
	if err != nil {
		t.Fatal(err)
	}
	if !compiledOr.Eval(row) {
		t.Fatal("OR with one true clause must be true")
	}

	andFalse := &And{Clauses: []Expr{
		&Compare{Column: "id", Op: Eq, Literal: rowbatch.Int64Value(5)},
		&Compare{Column: "id", Op: Eq, Literal: rowbatch.Int64Value(6)},
	}}
	compiledAF, err := Compile(andFalse, schema)
	if err != nil {
		t.Fatal(err)
	}
	if compiledAF.Eval(row) {
		t.Fatal("AND with one false clause must be false")
	}
}
