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

package ops

import (
	"context"
	"testing"

	"github.com/emsqrt/emsqrt/budget"
	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/rowbatch"
)

func runMergeJoin(t *testing.T, leftRows, rightRows [][]rowbatch.Value, how planop.JoinKind) [][]rowbatch.Value {
	t.Helper()
	ls, rs := leftSchema(), rightSchema()
	bud := budget.New(1 << 24)
	left := &sliceOp{batches: []*rowbatch.Batch{sealRows(t, bud, ls, leftRows, "left")}}
	right := &sliceOp{batches: []*rowbatch.Batch{sealRows(t, bud, rs, rightRows, "right")}}
	node := &planop.Join{
		Left: &planop.Scan{OutSchema: ls}, Right: &planop.Scan{OutSchema: rs},
		LeftKeys: []string{"id"}, RightKeys: []string{"id"},
		How: how, Strategy: planop.MergeJoinStrategy,
	}
	j, err := NewMergeJoin(left, ls, right, rs, node, bud, "mjoin")
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	return drainAll(t, j)
}

func TestMergeJoinInner(t *testing.T) {
	left := rowsOf([]int64{1, 2, 3, 3}, true)
	right := rowsOf([]int64{2, 3, 4}, false)
	out := runMergeJoin(t, left, right, planop.InnerJoin)
	// id=2 matches once, id=3 matches twice (two left rows x one right row).
	if len(out) != 3 {
		t.Fatalf("got %d rows, want 3", len(out))
	}
}

func TestMergeJoinLeftOuter(t *testing.T) {
	left := rowsOf([]int64{1, 2, 3}, true)
	right := rowsOf([]int64{2}, false)
	out := runMergeJoin(t, left, right, planop.LeftOuterJoin)
	if len(out) != 3 {
		t.Fatalf("got %d rows, want 3", len(out))
	}
	var nulls int
	for _, row := range out {
		if row[2].IsNull() {
			nulls++
		}
	}
	if nulls != 2 {
		t.Fatalf("expected 2 unmatched rows with null right side, got %d", nulls)
	}
}

func TestMergeJoinRejectsUnsortedInput(t *testing.T) {
	left := rowsOf([]int64{2, 1, 3}, true) // not ascending
	right := rowsOf([]int64{1, 2, 3}, false)
	ls, rs := leftSchema(), rightSchema()
	bud := budget.New(1 << 24)
	lop := &sliceOp{batches: []*rowbatch.Batch{sealRows(t, bud, ls, left, "left")}}
	rop := &sliceOp{batches: []*rowbatch.Batch{sealRows(t, bud, rs, right, "right")}}
	node := &planop.Join{
		Left: &planop.Scan{OutSchema: ls}, Right: &planop.Scan{OutSchema: rs},
		LeftKeys: []string{"id"}, RightKeys: []string{"id"},
		How: planop.InnerJoin, Strategy: planop.MergeJoinStrategy,
	}
	j, err := NewMergeJoin(lop, ls, rop, rs, node, bud, "mjoin")
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	_, err = j.Next(context.Background())
	if err == nil {
		t.Fatal("expected an error for unsorted merge join input")
	}
}
