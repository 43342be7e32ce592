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

package spill

import (
	"os"
	"testing"

	"github.com/emsqrt/emsqrt/budget"
	"github.com/emsqrt/emsqrt/emerr"
	"github.com/emsqrt/emsqrt/rowbatch"
)

func schemaForTest() *rowbatch.Schema {
	return rowbatch.NewSchema(
		rowbatch.Field{Name: "id", Type: rowbatch.Int64},
		rowbatch.Field{Name: "v", Type: rowbatch.Utf8, Nullable: true},
	)
}

func buildTestBatch(t *testing.T, bud *budget.Budget, schema *rowbatch.Schema, n int) *rowbatch.Batch {
	t.Helper()
	bld := rowbatch.NewBuilder(schema)
	for i := 0; i < n; i++ {
		if i%7 == 0 {
			bld.Append([]rowbatch.Value{rowbatch.Int64Value(int64(i)), rowbatch.Null(rowbatch.Utf8)})
		} else {
			bld.Append([]rowbatch.Value{rowbatch.Int64Value(int64(i)), rowbatch.Utf8Value("row")})
		}
	}
	b, ok := bld.Build(bud, "test")
	if !ok {
		t.Fatal("build failed")
	}
	return b
}

func forEachCodec(t *testing.T, fn func(t *testing.T, codec Name)) {
	for _, c := range []Name{None, LZ4, Zstd} {
		c := c
		t.Run(string(c), func(t *testing.T) { fn(t, c) })
	}
}

func TestWriteSealReadRoundTrip(t *testing.T) {
	forEachCodec(t, func(t *testing.T, codec Name) {
		dir := t.TempDir()
		store, err := NewStore(dir, codec, 0, 4)
		if err != nil {
			t.Fatal(err)
		}
		schema := schemaForTest()
		bud := budget.New(1 << 20)

		w, err := store.OpenWriter("seg-1")
		if err != nil {
			t.Fatal(err)
		}
		b1 := buildTestBatch(t, bud, schema, 100)
		b2 := buildTestBatch(t, bud, schema, 50)
		if err := w.Append(b1); err != nil {
			t.Fatal(err)
		}
		if err := w.Append(b2); err != nil {
			t.Fatal(err)
		}
		seg, err := w.Seal()
		if err != nil {
			t.Fatal(err)
		}
		if seg.RowCount != 150 {
			t.Fatalf("row count = %d, want 150", seg.RowCount)
		}

		r, err := store.OpenReader(seg)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()

		var total int
		for {
			bld, err := r.Next(schema)
			if err != nil {
				t.Fatal(err)
			}
			if bld == nil {
				break
			}
			total += bld.NumRows()
			out, ok := bld.Build(bud, "readback")
			if !ok {
				t.Fatal("readback build failed")
			}
			out.Release()
		}
		if total != 150 {
			t.Fatalf("total rows read = %d, want 150", total)
		}
		b1.Release()
		b2.Release()
	})
}

func TestCorruptedSegmentFailsChecksum(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, None, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	schema := schemaForTest()
	bud := budget.New(1 << 20)

	w, err := store.OpenWriter("seg-corrupt")
	if err != nil {
		t.Fatal(err)
	}
	b := buildTestBatch(t, bud, schema, 20)
	if err := w.Append(b); err != nil {
		t.Fatal(err)
	}
	seg, err := w.Seal()
	if err != nil {
		t.Fatal(err)
	}
	b.Release()

	// flip one byte in the payload region (past the fixed header)
	data, err := os.ReadFile(seg.Path)
	if err != nil {
		t.Fatal(err)
	}
	data[headerSize+batchSlotHeaderSize+2] ^= 0xFF
	if err := os.WriteFile(seg.Path, data, 0o640); err != nil {
		t.Fatal(err)
	}

	r, err := store.OpenReader(seg)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	_, err = r.Next(schema)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if !emerr.Is(err, emerr.Spill) {
		t.Fatalf("expected Spill-kind error, got %v", err)
	}
}

func TestSealedSegmentFileIsVisibleOnlyAfterSeal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, None, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	schema := schemaForTest()
	bud := budget.New(1 << 20)

	w, err := store.OpenWriter("seg-abort")
	if err != nil {
		t.Fatal(err)
	}
	b := buildTestBatch(t, bud, schema, 5)
	if err := w.Append(b); err != nil {
		t.Fatal(err)
	}
	b.Release()
	w.Close() // abort without sealing

	if _, err := os.Stat(store.pathFor("seg-abort")); !os.IsNotExist(err) {
		t.Fatal("expected no visible segment file after abort")
	}
}

func TestUnlinkIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, None, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	seg := Segment{Path: store.pathFor("never-existed")}
	if err := store.Unlink(seg); err != nil {
		t.Fatalf("unlink of missing segment should be a no-op, got %v", err)
	}
}
