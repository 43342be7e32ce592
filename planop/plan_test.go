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

package planop

import (
	"testing"

	"github.com/emsqrt/emsqrt/predicate"
	"github.com/emsqrt/emsqrt/rowbatch"
)

func testScan(name string, rows, rowBytes int64) *Scan {
	return &Scan{
		Source: name,
		OutSchema: rowbatch.NewSchema(
			rowbatch.Field{Name: "id", Type: rowbatch.Int64},
			rowbatch.Field{Name: "amount", Type: rowbatch.Float64},
		),
		HintRows:     rows,
		HintRowBytes: rowBytes,
	}
}

func samplePlan() Node {
	scan := testScan("orders", 1000, 24)
	filter := &Filter{Input: scan, Pred: &predicate.Compare{
		Column: "amount", Op: predicate.Gt, Literal: rowbatch.Float64Value(0),
	}}
	sort := &Sort{Input: filter, Keys: []SortKey{{Column: "id"}}}
	return &Sink{Input: sort, Destination: "out.bin", Format: "rowbatch"}
}

func TestEstimatePropagatesBottomUp(t *testing.T) {
	root := samplePlan()
	Estimate(root)
	sink := root.(*Sink)
	sort := sink.Input.(*Sort)
	filter := sort.Input.(*Filter)
	scan := filter.Input.(*Scan)

	if scan.EstRows() != 1000 {
		t.Fatalf("scan rows = %d, want 1000", scan.EstRows())
	}
	if filter.EstRows() != 500 {
		t.Fatalf("filter rows = %d, want 500 (50%% selectivity)", filter.EstRows())
	}
	if sort.EstRows() != filter.EstRows() {
		t.Fatalf("sort should pass through filter's row estimate")
	}
	if sink.EstRows() != sort.EstRows() {
		t.Fatalf("sink should pass through sort's row estimate")
	}
}

func TestHashIsDeterministic(t *testing.T) {
	p1 := samplePlan()
	p2 := samplePlan()
	Estimate(p1)
	Estimate(p2)
	h1 := Hash(p1)
	h2 := Hash(p2)
	if h1 != h2 {
		t.Fatalf("identical plans hashed differently: %s vs %s", h1, h2)
	}
}

func TestHashDiffersOnParameterChange(t *testing.T) {
	scan := testScan("orders", 1000, 24)
	f1 := &Filter{Input: scan, Pred: &predicate.Compare{
		Column: "amount", Op: predicate.Gt, Literal: rowbatch.Float64Value(0),
	}}
	f2 := &Filter{Input: scan, Pred: &predicate.Compare{
		Column: "amount", Op: predicate.Gt, Literal: rowbatch.Float64Value(100),
	}}
	if Hash(f1) == Hash(f2) {
		t.Fatal("different literals must not hash the same")
	}
}

func TestHashDiffersOnSubtreeChange(t *testing.T) {
	scanA := testScan("orders", 1000, 24)
	scanB := testScan("returns", 1000, 24)
	sinkA := &Sink{Input: scanA, Destination: "out.bin", Format: "rowbatch"}
	sinkB := &Sink{Input: scanB, Destination: "out.bin", Format: "rowbatch"}
	if Hash(sinkA) == Hash(sinkB) {
		t.Fatal("different scan sources must not hash the same")
	}
}

func TestProjectSchemaNarrows(t *testing.T) {
	scan := testScan("orders", 100, 24)
	proj := &Project{Input: scan, Columns: []string{"id"}}
	s := proj.Schema()
	if len(s.Fields) != 1 || s.Fields[0].Name != "id" {
		t.Fatalf("project schema = %+v, want single id field", s.Fields)
	}
}

func TestJoinSchemaMarksOuterSideNullable(t *testing.T) {
	left := testScan("orders", 100, 24)
	right := testScan("customers", 50, 16)
	j := &Join{Left: left, Right: right, LeftKeys: []string{"id"}, RightKeys: []string{"id"}, How: LeftOuterJoin}
	s := j.Schema()
	for _, f := range s.Fields[2:] {
		if !f.Nullable {
			t.Fatalf("right-side field %q must be nullable under left outer join", f.Name)
		}
	}
}
