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

package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/emsqrt/emsqrt/config"
	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/predicate"
	"github.com/emsqrt/emsqrt/rowbatch"
)

func writeJSONL(t *testing.T, path string, rows []map[string]any) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			t.Fatal(err)
		}
	}
}

func readJSONL(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			t.Fatal(err)
		}
		out = append(out, row)
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		MemCapBytes:         1 << 24,
		MaxSpillConcurrency: 4,
		MaxParallelTasks:    4,
		SpillDir:            dir,
		K:                   2,
		BlockSizeHint:       1 << 16,
	}
}

func TestRunScanFilterSortSink(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.jsonl")
	writeJSONL(t, src, []map[string]any{
		{"k": 3, "v": "c"},
		{"k": 1, "v": "a"},
		{"k": 5, "v": "e"},
		{"k": 2, "v": "b"},
	})
	dst := filepath.Join(dir, "out.jsonl")

	schema := rowbatch.NewSchema(
		rowbatch.Field{Name: "k", Type: rowbatch.Int64},
		rowbatch.Field{Name: "v", Type: rowbatch.Utf8},
	)
	scan := &planop.Scan{Source: src, OutSchema: schema, HintRows: 4, HintRowBytes: 24}
	filter := &planop.Filter{Input: scan, Pred: &predicate.Compare{Column: "k", Op: predicate.Ge, Literal: rowbatch.Int64Value(2)}}
	sortNode := &planop.Sort{Input: filter, Keys: []planop.SortKey{{Column: "k"}}}
	sink := &planop.Sink{Input: sortNode, Destination: dst, Format: "jsonl"}

	cfg := testConfig(t)
	m, err := Run(context.Background(), sink, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if m.RowsIn != 4 {
		t.Errorf("rows_in = %d, want 4", m.RowsIn)
	}
	if m.RowsOut != 3 {
		t.Errorf("rows_out = %d, want 3", m.RowsOut)
	}
	if len(m.Outputs) != 1 || m.Outputs[0] != dst {
		t.Fatalf("outputs = %v, want [%s]", m.Outputs, dst)
	}

	rows := readJSONL(t, dst)
	if len(rows) != 3 {
		t.Fatalf("got %d output rows, want 3", len(rows))
	}
	var prev float64 = -1
	for _, r := range rows {
		k := r["k"].(float64)
		if k < prev {
			t.Fatalf("output not sorted: %v", rows)
		}
		prev = k
	}

}

func TestRunJoinProducesExpectedRows(t *testing.T) {
	dir := t.TempDir()
	leftPath := filepath.Join(dir, "left.jsonl")
	rightPath := filepath.Join(dir, "right.jsonl")
	writeJSONL(t, leftPath, []map[string]any{
		{"id": 1, "name": "alice"},
		{"id": 2, "name": "bob"},
		{"id": 3, "name": "carol"},
	})
	writeJSONL(t, rightPath, []map[string]any{
		{"id": 2, "amount": 100},
		{"id": 3, "amount": 200},
	})
	dst := filepath.Join(dir, "out.jsonl")

	leftSchema := rowbatch.NewSchema(
		rowbatch.Field{Name: "id", Type: rowbatch.Int64},
		rowbatch.Field{Name: "name", Type: rowbatch.Utf8},
	)
	rightSchema := rowbatch.NewSchema(
		rowbatch.Field{Name: "id", Type: rowbatch.Int64},
		rowbatch.Field{Name: "amount", Type: rowbatch.Int64},
	)
	leftScan := &planop.Scan{Source: leftPath, OutSchema: leftSchema, HintRows: 3, HintRowBytes: 24}
	rightScan := &planop.Scan{Source: rightPath, OutSchema: rightSchema, HintRows: 2, HintRowBytes: 16}
	join := &planop.Join{
		Left: leftScan, Right: rightScan,
		LeftKeys: []string{"id"}, RightKeys: []string{"id"},
		How: planop.InnerJoin, Strategy: planop.HashJoin,
	}
	sink := &planop.Sink{Input: join, Destination: dst, Format: "jsonl"}

	cfg := testConfig(t)
	m, err := Run(context.Background(), sink, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if m.RowsOut != 2 {
		t.Errorf("rows_out = %d, want 2", m.RowsOut)
	}
	rows := readJSONL(t, dst)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
}

func TestRunSurfacesOversizeBlockError(t *testing.T) {
	dir := t.TempDir()
	schema := rowbatch.NewSchema(rowbatch.Field{Name: "k", Type: rowbatch.Int64})
	scan := &planop.Scan{Source: filepath.Join(dir, "missing.jsonl"), OutSchema: schema, HintRows: 1 << 30, HintRowBytes: 1 << 20}
	aggNode := &planop.Aggregate{Input: scan, Aggs: []planop.AggExpr{{Func: planop.CountStar, Output: "n"}}}
	sink := &planop.Sink{Input: aggNode, Destination: filepath.Join(dir, "out.jsonl"), Format: "jsonl"}

	cfg := testConfig(t)
	cfg.MemCapBytes = 1 << 20
	_, err := Run(context.Background(), sink, cfg)
	if err == nil {
		t.Fatal("expected an error for an oversize block")
	}
}
