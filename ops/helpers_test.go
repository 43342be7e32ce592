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
	"github.com/emsqrt/emsqrt/rowbatch"
)

// sliceOp feeds a fixed, pre-built list of batches to whatever Op
// wraps it, one per Next call; it never spills or reserves anything
// itself since its batches are already sealed.
type sliceOp struct {
	batches []*rowbatch.Batch
	pos     int
}

func (s *sliceOp) Open(ctx context.Context) error { return nil }

func (s *sliceOp) Next(ctx context.Context) (*rowbatch.Batch, error) {
	if s.pos >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

func (s *sliceOp) Close() error { return nil }

// drainAll pulls every batch from op until EOF, collecting all rows'
// values (and releasing each batch as it goes), for assertions in
// tests that don't care about batch boundaries.
func drainAll(t *testing.T, op Op) [][]rowbatch.Value {
	t.Helper()
	var out [][]rowbatch.Value
	for {
		b, err := op.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if b == nil {
			break
		}
		for i := 0; i < b.NumRows(); i++ {
			out = append(out, b.Row(i).Values())
		}
		b.Release()
	}
	return out
}

func sealRows(t *testing.T, bud *budget.Budget, schema *rowbatch.Schema, rows [][]rowbatch.Value, tag string) *rowbatch.Batch {
	t.Helper()
	bld := rowbatch.NewBuilder(schema)
	for _, r := range rows {
		if err := bld.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	b, ok := bld.Build(bud, tag)
	if !ok {
		t.Fatal("build failed")
	}
	return b
}
