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
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/emsqrt/emsqrt/budget"
	"github.com/emsqrt/emsqrt/rowbatch"
)

func sinkTestSchema() *rowbatch.Schema {
	return rowbatch.NewSchema(
		rowbatch.Field{Name: "id", Type: rowbatch.Int64},
		rowbatch.Field{Name: "name", Type: rowbatch.Utf8, Nullable: true},
	)
}

func TestSinkWritesJSONLAndRenames(t *testing.T) {
	schema := sinkTestSchema()
	bud := budget.New(1 << 20)
	rows := [][]rowbatch.Value{
		{rowbatch.Int64Value(1), rowbatch.Utf8Value("a")},
		{rowbatch.Int64Value(2), rowbatch.Null(rowbatch.Utf8)},
	}
	child := &sliceOp{batches: []*rowbatch.Batch{sealRows(t, bud, schema, rows, "in")}}
	dest := filepath.Join(t.TempDir(), "out.jsonl")
	sink := NewSink(child, schema, dest, FormatJSONL, "sink")
	if err := sink.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, _, err := sink.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("got %d rows written, want 2", n)
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file %s.tmp should not exist after publish", dest)
	}
	f, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	var got []map[string]any
	for sc.Scan() {
		var obj map[string]any
		if err := json.Unmarshal(sc.Bytes(), &obj); err != nil {
			t.Fatal(err)
		}
		got = append(got, obj)
	}
	if len(got) != 2 {
		t.Fatalf("got %d decoded lines, want 2", len(got))
	}
	if got[0]["id"].(float64) != 1 || got[0]["name"] != "a" {
		t.Fatalf("row 0 mismatch: %v", got[0])
	}
	if got[1]["name"] != nil {
		t.Fatalf("row 1 name should be null, got %v", got[1]["name"])
	}
}

func TestSinkIonRoundTrips(t *testing.T) {
	schema := sinkTestSchema()
	bud := budget.New(1 << 20)
	rows := [][]rowbatch.Value{
		{rowbatch.Int64Value(7), rowbatch.Utf8Value("x")},
	}
	child := &sliceOp{batches: []*rowbatch.Batch{sealRows(t, bud, schema, rows, "in")}}
	dest := filepath.Join(t.TempDir(), "out.ion")
	sink := NewSink(child, schema, dest, FormatIon, "sink")
	if err := sink.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sink.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("destination file missing: %v", err)
	}
}
