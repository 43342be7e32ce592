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

func sortTestSchema() *rowbatch.Schema {
	return rowbatch.NewSchema(
		rowbatch.Field{Name: "k", Type: rowbatch.Int64},
		rowbatch.Field{Name: "v", Type: rowbatch.Utf8},
	)
}

func shuffledRows(n int, seed int64) [][]rowbatch.Value {
	rng := rand.New(rand.NewSource(seed))
	keys := rng.Perm(n)
	rows := make([][]rowbatch.Value, n)
	for i, k := range keys {
		rows[i] = []rowbatch.Value{rowbatch.Int64Value(int64(k)), rowbatch.Utf8Value("row")}
	}
	return rows
}

func assertSorted(t *testing.T, rows [][]rowbatch.Value) {
	t.Helper()
	for i := 1; i < len(rows); i++ {
		if rows[i-1][0].Int() > rows[i][0].Int() {
			t.Fatalf("rows not sorted at index %d: %d > %d", i, rows[i-1][0].Int(), rows[i][0].Int())
		}
	}
}

func TestSortNoSpillFitsInMemory(t *testing.T) {
	schema := sortTestSchema()
	bud := budget.New(1 << 24)
	input := &sliceOp{batches: []*rowbatch.Batch{
		sealRows(t, bud, schema, shuffledRows(200, 1), "in"),
	}}
	dir := t.TempDir()
	store, err := spill.NewStore(dir, spill.None, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSort(input, schema, []planop.SortKey{{Column: "k"}}, bud, store, 1<<20, "sort")
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	out := drainAll(t, s)
	if len(out) != 200 {
		t.Fatalf("got %d rows, want 200", len(out))
	}
	assertSorted(t, out)
}

func TestSortForcesSpillAndMerges(t *testing.T) {
	schema := sortTestSchema()
	bud := budget.New(1 << 24)
	input := &sliceOp{batches: []*rowbatch.Batch{
		sealRows(t, bud, schema, shuffledRows(500, 2), "in"),
	}}
	dir := t.TempDir()
	store, err := spill.NewStore(dir, spill.LZ4, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	// a tiny memTarget forces many small runs and a real multi-way merge
	s := NewSort(input, schema, []planop.SortKey{{Column: "k"}}, bud, store, 2048, "sort")
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if len(s.runs) < 2 {
		t.Fatalf("expected multiple spilled runs, got %d", len(s.runs))
	}
	out := drainAll(t, s)
	if len(out) != 500 {
		t.Fatalf("got %d rows, want 500", len(out))
	}
	assertSorted(t, out)
}

func TestSortDescending(t *testing.T) {
	schema := sortTestSchema()
	bud := budget.New(1 << 24)
	input := &sliceOp{batches: []*rowbatch.Batch{
		sealRows(t, bud, schema, shuffledRows(50, 3), "in"),
	}}
	dir := t.TempDir()
	store, err := spill.NewStore(dir, spill.None, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSort(input, schema, []planop.SortKey{{Column: "k", Desc: true}}, bud, store, 1<<20, "sort")
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	out := drainAll(t, s)
	for i := 1; i < len(out); i++ {
		if out[i-1][0].Int() < out[i][0].Int() {
			t.Fatalf("rows not descending at index %d", i)
		}
	}
}

func TestSortMergeFaninBoundsOpenRuns(t *testing.T) {
	schema := sortTestSchema()
	bud := budget.New(1 << 24)
	input := &sliceOp{batches: []*rowbatch.Batch{
		sealRows(t, bud, schema, shuffledRows(4000, 4), "in"),
	}}
	dir := t.TempDir()
	store, err := spill.NewStore(dir, spill.LZ4, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	// memTarget is small enough to force dozens of runs; mergeFanin
	// for this memTarget is tiny (a handful), so newMerger must never
	// see more than mergeFanin runs directly — multiPassMerge has to
	// reduce the run count across more than one pass first.
	const memTarget = 4096
	s := NewSort(input, schema, []planop.SortKey{{Column: "k"}}, bud, store, memTarget, "sort")
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	fanin := mergeFanin(memTarget)
	if fanin >= 20 {
		t.Fatalf("test setup: fanin %d is too large to exercise multi-pass merge", fanin)
	}
	if len(s.runs) > fanin {
		t.Fatalf("final run set (%d) exceeds merge fan-in %d: newMerger would hold more readers open than the budget allows", len(s.runs), fanin)
	}
	if s.merger == nil || len(s.merger.cursors) > fanin {
		t.Fatalf("merger holds %d cursors open, want at most fanin %d", len(s.merger.cursors), fanin)
	}

	out := drainAll(t, s)
	if len(out) != 4000 {
		t.Fatalf("got %d rows, want 4000", len(out))
	}
	assertSorted(t, out)
}

func TestSortIdempotentOnAlreadySortedInput(t *testing.T) {
	schema := sortTestSchema()
	bud := budget.New(1 << 24)
	rows := make([][]rowbatch.Value, 100)
	for i := range rows {
		rows[i] = []rowbatch.Value{rowbatch.Int64Value(int64(i)), rowbatch.Utf8Value("row")}
	}
	input := &sliceOp{batches: []*rowbatch.Batch{sealRows(t, bud, schema, rows, "in")}}
	dir := t.TempDir()
	store, _ := spill.NewStore(dir, spill.None, 0, 4)
	s := NewSort(input, schema, []planop.SortKey{{Column: "k"}}, bud, store, 1<<20, "sort")
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	out := drainAll(t, s)
	for i := range out {
		if out[i][0].Int() != int64(i) {
			t.Fatalf("sorting an already-sorted input changed row order at %d", i)
		}
	}
}
