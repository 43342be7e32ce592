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
	"fmt"
	"sort"

	"github.com/emsqrt/emsqrt/budget"
	"github.com/emsqrt/emsqrt/emerr"
	"github.com/emsqrt/emsqrt/heap"
	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/rowbatch"
	"github.com/emsqrt/emsqrt/spill"
)

// outputBatchTarget bounds the size of batches Sort (and the other
// pipeline-breaking operators) emit downstream, independent of the
// operator's own spill behavior.
const outputBatchTarget = 1 << 20

// mergeReaderBufferSize estimates the resident bytes one open run
// reader holds at a time (one decoded batch). Run segments are written
// in outputBatchTarget-sized batches, so a reader can hold up to that
// much at once; mergeFanin divides the operator's memory target by
// this to bound how many runs a single merge pass may hold open
// concurrently.
const mergeReaderBufferSize = outputBatchTarget

// Sort is the external-memory sort operator: it accumulates rows from
// its child into an in-memory buffer, reserving bytes from the shared
// budget as it grows, until the budget refuses further growth (or the
// buffer crosses memTarget, its local allotment within the block); it
// then sorts and spills that buffer as a run, and repeats. Once the
// child is exhausted it either streams the single unspilled buffer
// directly (the common "fits in memory" case) or performs a k-way
// merge of the spilled runs plus any final unspilled tail, reducing
// the run set to the budget-derived merge fan-in first if needed.
type Sort struct {
	child     Op
	schema    *rowbatch.Schema
	keys      []planop.SortKey
	bud       *budget.Budget
	store     *spill.Store
	memTarget int64
	tag       string

	less func(a, b []rowbatch.Value) bool

	merger          *merger
	inMemory        [][]rowbatch.Value // used only when nothing ever spilled
	pos             int
	runs            []spill.Segment
	runSeq          int
	bufReservations []*budget.Reservation
}

// NewSort returns a Sort over child ordered by keys. memTarget bounds
// how many bytes of rows Sort buffers in memory before spilling a run
// to store; it is the scheduler's allotment for this operator within
// its block's footprint, not the global budget cap. The shared bud is
// the authority that actually triggers a spill: when it refuses the
// next row's bytes, Sort spills regardless of memTarget.
func NewSort(child Op, schema *rowbatch.Schema, keys []planop.SortKey, bud *budget.Budget, store *spill.Store, memTarget int64, tag string) *Sort {
	return &Sort{
		child:     child,
		schema:    schema,
		keys:      keys,
		bud:       bud,
		store:     store,
		memTarget: memTarget,
		tag:       tag,
		less:      sortComparator(schema, keys),
	}
}

// sortComparator builds a total-order comparator over row value
// slices from keys: nulls sort first (rowbatch.Compare's rule),
// numeric comparison is by value, string comparison is bytewise, and
// ties fall through to the next key in order.
func sortComparator(schema *rowbatch.Schema, keys []planop.SortKey) func(a, b []rowbatch.Value) bool {
	idx := make([]int, len(keys))
	desc := make([]bool, len(keys))
	for i, k := range keys {
		idx[i] = schema.IndexOf(k.Column)
		desc[i] = k.Desc
	}
	return func(a, b []rowbatch.Value) bool {
		for i, col := range idx {
			c := rowbatch.Compare(a[col], b[col])
			if c == 0 {
				continue
			}
			if desc[i] {
				return c > 0
			}
			return c < 0
		}
		return false
	}
}

func (s *Sort) Open(ctx context.Context) error {
	if err := s.child.Open(ctx); err != nil {
		return err
	}
	var buffered []rowbatch.Value
	var bufferedBytes int64
	rowWidth := len(s.schema.Fields)
	n := 0

	releaseBuffered := func() {
		for _, r := range s.bufReservations {
			r.Release()
		}
		s.bufReservations = s.bufReservations[:0]
	}

	flush := func() error {
		if n == 0 {
			return nil
		}
		rows := rowsFromFlat(buffered, rowWidth, n)
		sort.SliceStable(rows, func(i, j int) bool { return s.less(rows[i], rows[j]) })
		releaseBuffered()
		bufferedBytes = 0
		s.runSeq++
		seg, err := writeRun(ctx, s.store, s.bud, s.schema, rows, fmt.Sprintf("%s-run-%d", s.tag, s.runSeq))
		if err != nil {
			return err
		}
		s.runs = append(s.runs, seg)
		buffered = buffered[:0]
		n = 0
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		in, err := s.child.Next(ctx)
		if err != nil {
			return err
		}
		if in == nil {
			break
		}
		for i := 0; i < in.NumRows(); i++ {
			row := in.Row(i).Values()
			var rowBytes int64
			for _, v := range row {
				rowBytes += v.ByteSize()
			}
			buffered = append(buffered, row...)
			bufferedBytes += rowBytes
			n++
			needSpill := bufferedBytes > s.memTarget
			if r, granted := s.bud.TryAcquire(rowBytes, s.tag+"-sortbuf"); granted {
				s.bufReservations = append(s.bufReservations, r)
			} else {
				needSpill = true
			}
			if needSpill {
				if err := flush(); err != nil {
					in.Release()
					return err
				}
			}
		}
		in.Release()
	}

	if len(s.runs) == 0 {
		// nothing ever spilled: sort the single in-memory buffer and
		// stream it out directly, no merge required
		rows := rowsFromFlat(buffered, rowWidth, n)
		sort.SliceStable(rows, func(i, j int) bool { return s.less(rows[i], rows[j]) })
		s.inMemory = rows
		releaseBuffered()
		return nil
	}
	if n > 0 {
		if err := flush(); err != nil {
			return err
		}
	}
	runs := s.runs
	if fanin := mergeFanin(s.memTarget); len(runs) > fanin {
		merged, err := multiPassMerge(ctx, s.store, s.bud, s.schema, runs, s.less, fanin, s.tag)
		if err != nil {
			return err
		}
		runs = merged
		s.runs = runs
	}
	m, err := newMerger(s.store, s.bud, s.schema, runs, s.less)
	if err != nil {
		return err
	}
	s.merger = m
	return nil
}

func rowsFromFlat(flat []rowbatch.Value, width, n int) [][]rowbatch.Value {
	rows := make([][]rowbatch.Value, n)
	for i := 0; i < n; i++ {
		rows[i] = flat[i*width : (i+1)*width : (i+1)*width]
	}
	return rows
}

func writeRun(ctx context.Context, store *spill.Store, bud *budget.Budget, schema *rowbatch.Schema, rows [][]rowbatch.Value, segmentID string) (spill.Segment, error) {
	w, err := store.OpenWriter(segmentID)
	if err != nil {
		return spill.Segment{}, emerr.Wrap(emerr.Spill, err, "open sort run")
	}
	bld := rowbatch.NewBuilder(schema)
	for _, row := range rows {
		ok, err := bld.TryAppend(row, outputBatchTarget)
		if err != nil {
			w.Close()
			return spill.Segment{}, emerr.Wrap(emerr.Internal, err, "build sort run batch")
		}
		if !ok {
			if err := flushRunBatch(w, bld, bud); err != nil {
				return spill.Segment{}, err
			}
			bld.Reset()
			if _, err := bld.TryAppend(row, outputBatchTarget); err != nil {
				w.Close()
				return spill.Segment{}, emerr.Wrap(emerr.Internal, err, "build sort run batch")
			}
		}
	}
	if bld.NumRows() > 0 {
		if err := flushRunBatch(w, bld, bud); err != nil {
			return spill.Segment{}, err
		}
	}
	seg, err := w.Seal()
	if err != nil {
		return spill.Segment{}, emerr.Wrap(emerr.Spill, err, "seal sort run")
	}
	return seg, nil
}

func flushRunBatch(w *spill.Writer, bld *rowbatch.Builder, bud *budget.Budget) error {
	b, ok := bld.Build(bud, "sort-run-flush")
	if !ok {
		return emerr.New(emerr.Budget, "sort run flush buffer refused by budget")
	}
	defer b.Release()
	return w.Append(b)
}

// mergeFanin derives the merge fan-in M from the operator's memory
// target divided by the estimated per-reader buffer cost: the most
// runs a single merge pass can afford to hold open at once.
func mergeFanin(memTarget int64) int {
	m := int(memTarget / mergeReaderBufferSize)
	if m < 2 {
		m = 2
	}
	return m
}

// multiPassMerge reduces runs to at most fanin segments: spec.md §4.D
// requires that when the run count exceeds the merge fan-in, groups
// of up to fanin runs are merged into intermediate segments first,
// and those intermediate segments merged again, until the count fits.
func multiPassMerge(ctx context.Context, store *spill.Store, bud *budget.Budget, schema *rowbatch.Schema, runs []spill.Segment, less func(a, b []rowbatch.Value) bool, fanin int, tag string) ([]spill.Segment, error) {
	pass := 0
	for len(runs) > fanin {
		pass++
		var next []spill.Segment
		for i := 0; i < len(runs); i += fanin {
			end := i + fanin
			if end > len(runs) {
				end = len(runs)
			}
			group := runs[i:end]
			segmentID := fmt.Sprintf("%s-mergepass%d-%d", tag, pass, i/fanin)
			seg, err := mergeGroupToSegment(ctx, store, bud, schema, group, less, segmentID)
			if err != nil {
				return nil, err
			}
			for _, g := range group {
				store.Unlink(g)
			}
			next = append(next, seg)
		}
		runs = next
	}
	return runs, nil
}

// mergeGroupToSegment k-way merges group's runs in memory (bounded by
// bud, the shared budget) and spills the merged stream to one new run
// segment.
func mergeGroupToSegment(ctx context.Context, store *spill.Store, bud *budget.Budget, schema *rowbatch.Schema, group []spill.Segment, less func(a, b []rowbatch.Value) bool, segmentID string) (spill.Segment, error) {
	m, err := newMerger(store, bud, schema, group, less)
	if err != nil {
		return spill.Segment{}, err
	}
	defer m.close()
	w, err := store.OpenWriter(segmentID)
	if err != nil {
		return spill.Segment{}, emerr.Wrap(emerr.Spill, err, "open merge-pass segment")
	}
	for {
		select {
		case <-ctx.Done():
			w.Close()
			return spill.Segment{}, ctx.Err()
		default:
		}
		b, err := m.next(ctx, bud, segmentID)
		if err != nil {
			w.Close()
			return spill.Segment{}, err
		}
		if b == nil {
			break
		}
		werr := w.Append(b)
		b.Release()
		if werr != nil {
			w.Close()
			return spill.Segment{}, emerr.Wrap(emerr.Spill, werr, "write merge-pass segment")
		}
	}
	seg, err := w.Seal()
	if err != nil {
		return spill.Segment{}, emerr.Wrap(emerr.Spill, err, "seal merge-pass segment")
	}
	return seg, nil
}

func (s *Sort) Next(ctx context.Context) (*rowbatch.Batch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if s.merger != nil {
		return s.merger.next(ctx, s.bud, s.tag)
	}
	if s.pos >= len(s.inMemory) {
		return nil, nil
	}
	bld := rowbatch.NewBuilder(s.schema)
	for s.pos < len(s.inMemory) {
		row := s.inMemory[s.pos]
		ok, err := bld.TryAppend(row, outputBatchTarget)
		if err != nil {
			return nil, emerr.Wrap(emerr.Internal, err, "sort %s", s.tag)
		}
		if !ok {
			break
		}
		s.pos++
	}
	out, ok := reserveOrErr(bld, s.bud, s.tag)
	if !ok {
		return nil, emerr.New(emerr.Budget, "sort %s: budget refused %d bytes", s.tag, bld.EstBytes())
	}
	return out, nil
}

func (s *Sort) Close() error {
	if s.merger != nil {
		s.merger.close()
	}
	for _, r := range s.bufReservations {
		r.Release()
	}
	s.bufReservations = nil
	for _, seg := range s.runs {
		s.store.Unlink(seg)
	}
	return s.child.Close()
}

// runCursor streams decoded rows out of one sealed run segment,
// refilling from the underlying reader one batch at a time.
type runCursor struct {
	reader *spill.Reader
	schema *rowbatch.Schema
	bud    *budget.Budget

	cur  *rowbatch.Batch
	idx  int
	done bool
}

func (c *runCursor) peek(ctx context.Context) ([]rowbatch.Value, bool, error) {
	for {
		if c.done {
			return nil, false, nil
		}
		if c.cur != nil && c.idx < c.cur.NumRows() {
			return c.cur.Row(c.idx).Values(), true, nil
		}
		if c.cur != nil {
			c.cur.Release()
			c.cur = nil
		}
		bld, err := c.reader.Next(c.schema)
		if err != nil {
			return nil, false, emerr.Wrap(emerr.Spill, err, "read sort run")
		}
		if bld == nil {
			c.done = true
			return nil, false, nil
		}
		b, ok := bld.Build(c.bud, "sort-merge-in")
		if !ok {
			return nil, false, emerr.New(emerr.Budget, "sort merge input buffer refused by budget")
		}
		c.cur = b
		c.idx = 0
	}
}

func (c *runCursor) advance() { c.idx++ }

func (c *runCursor) close() {
	if c.cur != nil {
		c.cur.Release()
	}
	c.reader.Close()
}

// mergeItem is one run's current head row, tracked in the merge heap.
type mergeItem struct {
	run int
	row []rowbatch.Value
}

// merger performs the k-way merge across a set of runs using a
// min-heap keyed by the current head row of each run, tie-broken by
// run index so the merge is stable the same way the run-local sort
// is. bud is the real shared budget: every run's read-back batches
// are reserved against it, so merge input genuinely contends with the
// rest of the run instead of running unbounded.
type merger struct {
	cursors []*runCursor
	items   []mergeItem
	less    func(a, b []rowbatch.Value) bool
	bud     *budget.Budget
}

func newMerger(store *spill.Store, bud *budget.Budget, schema *rowbatch.Schema, runs []spill.Segment, less func(a, b []rowbatch.Value) bool) (*merger, error) {
	m := &merger{less: less, bud: bud}
	for _, seg := range runs {
		r, err := store.OpenReader(seg)
		if err != nil {
			m.close()
			return nil, emerr.Wrap(emerr.Spill, err, "open sort run for merge")
		}
		m.cursors = append(m.cursors, &runCursor{reader: r, schema: schema, bud: bud})
	}
	for i, c := range m.cursors {
		row, ok, err := c.peek(context.Background())
		if err != nil {
			m.close()
			return nil, err
		}
		if ok {
			m.items = append(m.items, mergeItem{run: i, row: row})
		}
	}
	heap.OrderSlice(m.items, m.itemLess)
	return m, nil
}

func (m *merger) itemLess(a, b mergeItem) bool {
	if c := m.less(a.row, b.row); c {
		return true
	}
	if m.less(b.row, a.row) {
		return false
	}
	return a.run < b.run
}

func (m *merger) next(ctx context.Context, outBud *budget.Budget, tag string) (*rowbatch.Batch, error) {
	if len(m.items) == 0 {
		return nil, nil
	}
	schema := m.cursors[0].schema
	bld := rowbatch.NewBuilder(schema)
	for len(m.items) > 0 {
		top := heap.PopSlice(&m.items, m.itemLess)
		ok, err := bld.TryAppend(top.row, outputBatchTarget)
		if err != nil {
			return nil, emerr.Wrap(emerr.Internal, err, "sort merge %s", tag)
		}
		if !ok {
			// top did not fit in this batch: leave its run's cursor
			// untouched and seed it back in for the next call to next.
			heap.PushSlice(&m.items, top, m.itemLess)
			break
		}
		cur := m.cursors[top.run]
		cur.advance()
		nextRow, has, err := cur.peek(ctx)
		if err != nil {
			return nil, err
		}
		if has {
			heap.PushSlice(&m.items, mergeItem{run: top.run, row: nextRow}, m.itemLess)
		}
	}
	out, ok := reserveOrErr(bld, outBud, tag)
	if !ok {
		return nil, emerr.New(emerr.Budget, "sort merge %s: budget refused %d bytes", tag, bld.EstBytes())
	}
	return out, nil
}

func (m *merger) close() {
	for _, c := range m.cursors {
		c.close()
	}
}
