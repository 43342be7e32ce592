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

package rowbatch

import (
	"fmt"
	"sync"

	"github.com/emsqrt/emsqrt/budget"
)

// rowOverhead is a fixed per-row accounting overhead (slice headers,
// null bitmap bit, etc.) added on top of the sum of cell byte sizes.
const rowOverhead = 8

// Batch is a bounded, immutable collection of rows sharing one
// schema, plus the reservation it holds. Operators produce new
// batches rather than mutating their inputs.
type Batch struct {
	schema *Schema
	cols   [][]Value // cols[col][row]

	reservation *budget.Reservation
	releaseOnce sync.Once
}

// Schema returns the batch's schema.
func (b *Batch) Schema() *Schema { return b.schema }

// NumRows returns the number of rows in the batch.
func (b *Batch) NumRows() int {
	if len(b.cols) == 0 {
		return 0
	}
	return len(b.cols[0])
}

// ByteSize returns the reservation held by the batch: an upper bound
// on its live footprint.
func (b *Batch) ByteSize() int64 {
	if b.reservation == nil {
		return 0
	}
	return b.reservation.Bytes()
}

// Cell returns the value of column col in row r.
func (b *Batch) Cell(row, col int) Value { return b.cols[col][row] }

// Row returns a cursor over row index r.
func (b *Batch) Row(r int) Row { return Row{batch: b, idx: r} }

// Release returns the batch's reservation to its budget. It is safe
// to call more than once; only the first call has an effect, which is
// what lets Release be used both from an explicit call site and a
// deferred cleanup without violating the budget's single-release
// contract.
func (b *Batch) Release() {
	b.releaseOnce.Do(func() {
		if b.reservation != nil {
			b.reservation.Release()
		}
	})
}

// Reschema returns a Batch over b's existing columns and reservation
// under a different (but structurally equal, e.g. renamed) schema.
// It transfers b's reservation to the new Batch; b must not be used
// or released again after this call.
func Reschema(b *Batch, schema *Schema) *Batch {
	out := &Batch{schema: schema, cols: b.cols, reservation: b.reservation}
	b.reservation = nil
	b.releaseOnce.Do(func() {}) // neuter b.Release; ownership moved to out
	return out
}

// Row is a read-only accessor for a single row of a Batch.
type Row struct {
	batch *Batch
	idx   int
}

// Get returns the value of column index col in the row.
func (r Row) Get(col int) Value { return r.batch.cols[col][r.idx] }

// Values copies out every cell of the row, in schema order.
func (r Row) Values() []Value {
	out := make([]Value, len(r.batch.cols))
	for i := range out {
		out[i] = r.batch.cols[i][r.idx]
	}
	return out
}

// Builder accumulates rows for a single schema before they are sealed
// into an immutable Batch. It is the construct-from-rows half of the
// Row Batch contract.
type Builder struct {
	schema *Schema
	cols   [][]Value
	nrows  int
}

// NewBuilder returns an empty Builder for the given schema.
func NewBuilder(schema *Schema) *Builder {
	return &Builder{
		schema: schema,
		cols:   make([][]Value, len(schema.Fields)),
	}
}

// NumRows returns the number of rows appended so far.
func (bld *Builder) NumRows() int { return bld.nrows }

// EstBytes estimates the reservation the builder would require if
// sealed right now.
func (bld *Builder) EstBytes() int64 {
	var total int64
	for _, col := range bld.cols {
		for _, v := range col {
			total += v.ByteSize()
		}
	}
	total += int64(bld.nrows) * rowOverhead
	return total
}

// Append adds row to the builder. len(row) must equal the number of
// schema fields.
func (bld *Builder) Append(row []Value) error {
	if len(row) != len(bld.schema.Fields) {
		return fmt.Errorf("rowbatch: row has %d cells, schema has %d fields", len(row), len(bld.schema.Fields))
	}
	for i, v := range row {
		f := bld.schema.Fields[i]
		if v.IsNull() && !f.Nullable {
			return fmt.Errorf("rowbatch: null value for non-nullable field %q", f.Name)
		}
		if !v.IsNull() && v.Type() != f.Type {
			return fmt.Errorf("rowbatch: value of type %s for field %q of type %s", v.Type(), f.Name, f.Type)
		}
		bld.cols[i] = append(bld.cols[i], v)
	}
	bld.nrows++
	return nil
}

// TryAppend is Append subject to an advisory target-byte-size cap: if
// appending row would push EstBytes() above maxBytes, TryAppend does
// not append the row and returns false. This realizes "concatenate-
// capped (refuses when the cap would exceed a target batch size)".
func (bld *Builder) TryAppend(row []Value, maxBytes int64) (bool, error) {
	if bld.nrows > 0 {
		var rowBytes int64
		for _, v := range row {
			rowBytes += v.ByteSize()
		}
		if bld.EstBytes()+rowBytes+rowOverhead > maxBytes {
			return false, nil
		}
	}
	if err := bld.Append(row); err != nil {
		return false, err
	}
	return true, nil
}

// Build reserves EstBytes() from bud and, if granted, seals the
// builder's rows into an immutable Batch. It returns ok=false without
// building anything if the budget refuses the reservation — the
// caller (an operator) is expected to turn that refusal into a spill
// decision.
func (bld *Builder) Build(bud *budget.Budget, tag string) (batch *Batch, ok bool) {
	size := bld.EstBytes()
	r, granted := bud.TryAcquire(size, tag)
	if !granted {
		return nil, false
	}
	b := &Batch{schema: bld.schema, cols: bld.cols, reservation: r}
	// Build transfers ownership of the accumulated columns to the
	// sealed Batch; give the Builder fresh backing slices so further
	// Append calls cannot reach into (and mutate) data the Batch has
	// already promised is immutable.
	bld.cols = make([][]Value, len(bld.schema.Fields))
	bld.nrows = 0
	return b, true
}

// Reset clears the builder so it can be reused for the next run of
// rows without reallocating its column slices' backing arrays.
func (bld *Builder) Reset() {
	for i := range bld.cols {
		bld.cols[i] = bld.cols[i][:0]
	}
	bld.nrows = 0
}
