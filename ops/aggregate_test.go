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
	"math/rand"
	"testing"

	"github.com/emsqrt/emsqrt/budget"
	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/rowbatch"
	"github.com/emsqrt/emsqrt/spill"
)

func aggTestSchema() *rowbatch.Schema {
	return rowbatch.NewSchema(
		rowbatch.Field{Name: "group", Type: rowbatch.Int64},
		rowbatch.Field{Name: "amount", Type: rowbatch.Int64},
	)
}

func aggNode(childSchema *rowbatch.Schema) *planop.Aggregate {
	return &planop.Aggregate{
		Input:     &planop.Scan{OutSchema: childSchema},
		GroupKeys: []string{"group"},
		Aggs: []planop.AggExpr{
			{Func: planop.Sum, Column: "amount", Output: "total"},
			{Func: planop.CountStar, Output: "n"},
			{Func: planop.Min, Column: "amount", Output: "lo"},
			{Func: planop.Max, Column: "amount", Output: "hi"},
		},
	}
}

func runAggregate(t *testing.T, rows [][]rowbatch.Value, memTarget int64) map[int64][]rowbatch.Value {
	t.Helper()
	childSchema := aggTestSchema()
	node := aggNode(childSchema)
	bud := budget.New(1 << 24)
	input := &sliceOp{batches: []*rowbatch.Batch{sealRows(t, bud, childSchema, rows, "in")}}
	dir := t.TempDir()
	store, err := spill.NewStore(dir, spill.None, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	agg, err := NewAggregate(input, childSchema, node, bud, store, memTarget, "agg")
	if err != nil {
		t.Fatal(err)
	}
	if err := agg.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer agg.Close()
	out := drainAll(t, agg)
	got := make(map[int64][]rowbatch.Value, len(out))
	for _, row := range out {
		got[row[0].Int()] = row
	}
	return got
}

func groupedRows(n, groups int, seed int64) [][]rowbatch.Value {
	rng := rand.New(rand.NewSource(seed))
	rows := make([][]rowbatch.Value, n)
	for i := range rows {
		g := int64(rng.Intn(groups))
		amt := int64(rng.Intn(100))
		rows[i] = []rowbatch.Value{rowbatch.Int64Value(g), rowbatch.Int64Value(amt)}
	}
	return rows
}

func wantTotals(rows [][]rowbatch.Value) map[int64][5]int64 {
	want := make(map[int64][5]int64) // sum, count, min, max, haveMin(as 1/0 via min init sentinel)
	for _, r := range rows {
		g, amt := r[0].Int(), r[1].Int()
		w, ok := want[g]
		if !ok {
			w = [5]int64{0, 0, amt, amt, 1}
		}
		w[0] += amt
		w[1]++
		if amt < w[2] {
			w[2] = amt
		}
		if amt > w[3] {
			w[3] = amt
		}
		want[g] = w
	}
	return want
}

func checkAggregateResult(t *testing.T, rows [][]rowbatch.Value, got map[int64][]rowbatch.Value) {
	t.Helper()
	want := wantTotals(rows)
	if len(got) != len(want) {
		t.Fatalf("got %d groups, want %d", len(got), len(want))
	}
	for g, w := range want {
		row, ok := got[g]
		if !ok {
			t.Fatalf("missing group %d", g)
		}
		if row[1].Int() != w[0] {
			t.Errorf("group %d: sum = %d, want %d", g, row[1].Int(), w[0])
		}
		if row[2].Int() != w[1] {
			t.Errorf("group %d: count = %d, want %d", g, row[2].Int(), w[1])
		}
		if row[3].Int() != w[2] {
			t.Errorf("group %d: min = %d, want %d", g, row[3].Int(), w[2])
		}
		if row[4].Int() != w[3] {
			t.Errorf("group %d: max = %d, want %d", g, row[4].Int(), w[3])
		}
	}
}

func TestAggregateNoSpill(t *testing.T) {
	rows := groupedRows(300, 5, 10)
	got := runAggregate(t, rows, 1<<20)
	checkAggregateResult(t, rows, got)
}

func TestAggregateForcesSpillAndRecombines(t *testing.T) {
	rows := groupedRows(2000, 40, 11)
	got := runAggregate(t, rows, 512)
	checkAggregateResult(t, rows, got)
}

func TestAggregateIsPermutationInvariant(t *testing.T) {
	rows := groupedRows(400, 8, 12)
	got1 := runAggregate(t, rows, 1<<20)

	shuffled := make([][]rowbatch.Value, len(rows))
	copy(shuffled, rows)
	rng := rand.New(rand.NewSource(99))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	got2 := runAggregate(t, shuffled, 256)

	if len(got1) != len(got2) {
		t.Fatalf("group count differs: %d vs %d", len(got1), len(got2))
	}
	for g, row1 := range got1 {
		row2, ok := got2[g]
		if !ok {
			t.Fatalf("group %d missing after shuffle", g)
		}
		for i := range row1 {
			if row1[i].Int() != row2[i].Int() {
				t.Errorf("group %d column %d differs: %v vs %v", g, i, row1[i], row2[i])
			}
		}
	}
}
