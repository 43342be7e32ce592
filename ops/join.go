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

	"github.com/dchest/siphash"

	"github.com/emsqrt/emsqrt/budget"
	"github.com/emsqrt/emsqrt/emerr"
	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/rowbatch"
	"github.com/emsqrt/emsqrt/spill"
)

// HashJoin is the default join strategy: it builds a hash table over
// Right keyed by the join key and probes with Left. When the build
// side would exceed memTarget, only the build side is spilled to
// Grace partitions (with recursive repartitioning), and those
// partitions are merged back into one in-memory table before probing;
// the probe side (Left) is streamed and is not partitioned.
type HashJoin struct {
	left, right Op
	leftSchema  *rowbatch.Schema
	rightSchema *rowbatch.Schema
	outSchema   *rowbatch.Schema
	leftIdx     []int
	rightIdx    []int
	how         planop.JoinKind
	bud         *budget.Budget
	store       *spill.Store
	memTarget   int64
	tag         string

	results [][]rowbatch.Value
	pos     int
}

// NewHashJoin returns a HashJoin of left and right on the named keys.
func NewHashJoin(left Op, leftSchema *rowbatch.Schema, right Op, rightSchema *rowbatch.Schema, node *planop.Join, bud *budget.Budget, store *spill.Store, memTarget int64, tag string) (*HashJoin, error) {
	leftIdx := make([]int, len(node.LeftKeys))
	for i, k := range node.LeftKeys {
		idx := leftSchema.IndexOf(k)
		if idx < 0 {
			return nil, emerr.New(emerr.Config, "join %s: unknown left key %q", tag, k)
		}
		leftIdx[i] = idx
	}
	rightIdx := make([]int, len(node.RightKeys))
	for i, k := range node.RightKeys {
		idx := rightSchema.IndexOf(k)
		if idx < 0 {
			return nil, emerr.New(emerr.Config, "join %s: unknown right key %q", tag, k)
		}
		rightIdx[i] = idx
	}
	return &HashJoin{
		left: left, leftSchema: leftSchema,
		right: right, rightSchema: rightSchema,
		outSchema: node.Schema(),
		leftIdx:   leftIdx,
		rightIdx:  rightIdx,
		how:       node.How,
		bud:       bud,
		store:     store,
		memTarget: memTarget,
		tag:       tag,
	}, nil
}

func (j *HashJoin) Open(ctx context.Context) error {
	if err := j.left.Open(ctx); err != nil {
		return err
	}
	if err := j.right.Open(ctx); err != nil {
		return err
	}
	build, err := buildSide(ctx, j.right, j.rightSchema, j.rightIdx, j.bud, j.store, j.memTarget, j.tag+"-build")
	if err != nil {
		return err
	}
	defer build.close()

	matched := make(map[string]bool) // keys whose right side was matched, for right-outer
	var out [][]rowbatch.Value
	err = probeSide(ctx, j.left, j.leftIdx, func(leftKey string, leftRow []rowbatch.Value) error {
		rights, ok := build.lookup(leftKey)
		if !ok {
			if j.how == planop.LeftOuterJoin {
				out = append(out, append(append([]rowbatch.Value{}, leftRow...), nullRow(j.rightSchema)...))
			}
			return nil
		}
		matched[leftKey] = true
		for _, r := range rights {
			out = append(out, append(append([]rowbatch.Value{}, leftRow...), r...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if j.how == planop.RightOuterJoin {
		for k, rights := range build.all() {
			if matched[k] {
				continue
			}
			for _, r := range rights {
				out = append(out, append(nullRow(j.leftSchema), r...))
			}
		}
	}
	j.results = out
	return nil
}

func nullRow(schema *rowbatch.Schema) []rowbatch.Value {
	row := make([]rowbatch.Value, len(schema.Fields))
	for i, f := range schema.Fields {
		row[i] = rowbatch.Null(f.Type)
	}
	return row
}

func (j *HashJoin) Next(ctx context.Context) (*rowbatch.Batch, error) {
	if j.pos >= len(j.results) {
		return nil, nil
	}
	bld := rowbatch.NewBuilder(j.outSchema)
	for j.pos < len(j.results) {
		ok, err := bld.TryAppend(j.results[j.pos], outputBatchTarget)
		if err != nil {
			return nil, emerr.Wrap(emerr.Internal, err, "join %s", j.tag)
		}
		if !ok {
			break
		}
		j.pos++
	}
	out, ok := reserveOrErr(bld, j.bud, j.tag)
	if !ok {
		return nil, emerr.New(emerr.Budget, "join %s: budget refused %d bytes", j.tag, bld.EstBytes())
	}
	return out, nil
}

func (j *HashJoin) Close() error {
	j.left.Close()
	return j.right.Close()
}

// buildTable is an in-memory hash table over one side's rows, keyed
// by the encoded join key. reservations tracks the budget claimed for
// rows still resident in the table (empty once spilled, since rows
// live in partitions on disk instead).
type buildTable struct {
	rows         map[string][][]rowbatch.Value
	reservations []*budget.Reservation
}

func (b *buildTable) lookup(key string) ([][]rowbatch.Value, bool) {
	r, ok := b.rows[key]
	return r, ok
}

func (b *buildTable) all() map[string][][]rowbatch.Value { return b.rows }

func (b *buildTable) close() {
	for _, r := range b.reservations {
		r.Release()
	}
	b.reservations = nil
}

// buildSide materializes the Grace build side: if it fits within
// memTarget, an in-memory hash table; otherwise the rows are
// partitioned to disk and re-read per-partition at probe time isn't
// supported directly here — instead buildSide itself recursively
// repartitions until every partition's rows fit in memTarget, then
// merges them all back into one in-memory table. bud is the shared
// budget: every row added to the table reserves its bytes from bud,
// and a refusal triggers the spill exactly like the local memTarget
// threshold does.
func buildSide(ctx context.Context, child Op, schema *rowbatch.Schema, keyIdx []int, bud *budget.Budget, store *spill.Store, memTarget int64, tag string) (bt *buildTable, err error) {
	rows := make(map[string][][]rowbatch.Value)
	var bytesSeen int64
	var reservations []*budget.Reservation
	var spilled bool
	var partitions []*rawPartitionWriter

	// if buildSide exits with an error before rows/reservations are
	// handed off to a *buildTable, release whatever is still held so a
	// read failure doesn't leak budget capacity for the rest of the run.
	defer func() {
		if err != nil {
			for _, r := range reservations {
				r.Release()
			}
		}
	}()

	releaseRows := func() {
		for _, r := range reservations {
			r.Release()
		}
		reservations = reservations[:0]
	}

	spillCurrent := func() error {
		releaseRows()
		partitions = make([]*rawPartitionWriter, partitionFanout)
		for i := range partitions {
			pw, err := newRawPartitionWriter(store, bud, schema, fmt.Sprintf("%s-p%d", tag, i))
			if err != nil {
				return err
			}
			partitions[i] = pw
		}
		for key, rs := range rows {
			p := partitionOfKey(key, 0)
			for _, r := range rs {
				if err := partitions[p].write(r); err != nil {
					return err
				}
			}
		}
		rows = make(map[string][][]rowbatch.Value)
		bytesSeen = 0
		spilled = true
		return nil
	}

	for {
		b, err := child.Next(ctx)
		if err != nil {
			return nil, err
		}
		if b == nil {
			break
		}
		for i := 0; i < b.NumRows(); i++ {
			row := b.Row(i).Values()
			key := encodeGroupKey(keyIndices(row, keyIdx))
			if spilled {
				p := partitionOfKey(key, 0)
				if err := partitions[p].write(row); err != nil {
					b.Release()
					return nil, err
				}
				continue
			}
			rows[key] = append(rows[key], row)
			var rowBytes int64
			for _, v := range row {
				rowBytes += v.ByteSize()
			}
			bytesSeen += rowBytes
			needSpill := bytesSeen > memTarget
			if r, granted := bud.TryAcquire(rowBytes, tag+"-buildside"); granted {
				reservations = append(reservations, r)
			} else {
				needSpill = true
			}
			if needSpill {
				if err := spillCurrent(); err != nil {
					b.Release()
					return nil, err
				}
			}
		}
		b.Release()
	}

	if !spilled {
		return &buildTable{rows: rows, reservations: reservations}, nil
	}
	for _, pw := range partitions {
		if err := pw.seal(); err != nil {
			return nil, err
		}
	}
	merged := make(map[string][][]rowbatch.Value)
	if err := mergeRawPartitions(store, bud, schema, keyIdx, partitions, memTarget, 1, merged); err != nil {
		return nil, err
	}
	return &buildTable{rows: merged}, nil
}

func mergeRawPartitions(store *spill.Store, bud *budget.Budget, schema *rowbatch.Schema, keyIdx []int, partitions []*rawPartitionWriter, memTarget int64, level int, into map[string][][]rowbatch.Value) error {
	for _, pw := range partitions {
		seg := pw.segment
		if seg.Bytes <= memTarget || level >= maxPartitionRecursion {
			if err := readRawPartitionInto(store, bud, seg, schema, keyIdx, into); err != nil {
				return err
			}
			store.Unlink(seg)
			continue
		}
		subs, err := repartitionRaw(store, bud, seg, schema, keyIdx, uint64(level), fmt.Sprintf("%s-lvl%d", pw.segmentIDHint, level))
		store.Unlink(seg)
		if err != nil {
			return err
		}
		if err := mergeRawPartitions(store, bud, schema, keyIdx, subs, memTarget, level+1, into); err != nil {
			return err
		}
	}
	return nil
}

func readRawPartitionInto(store *spill.Store, bud *budget.Budget, seg spill.Segment, schema *rowbatch.Schema, keyIdx []int, into map[string][][]rowbatch.Value) error {
	r, err := store.OpenReader(seg)
	if err != nil {
		return emerr.Wrap(emerr.Spill, err, "open join build partition")
	}
	defer r.Close()
	for {
		bld, err := r.Next(schema)
		if err != nil {
			return emerr.Wrap(emerr.Spill, err, "read join build partition")
		}
		if bld == nil {
			return nil
		}
		b, ok := bld.Build(bud, "join-build-partition-in")
		if !ok {
			return emerr.New(emerr.Budget, "join build partition readback refused by budget")
		}
		for i := 0; i < b.NumRows(); i++ {
			row := b.Row(i).Values()
			key := encodeGroupKey(keyIndices(row, keyIdx))
			into[key] = append(into[key], row)
		}
		b.Release()
	}
}

func repartitionRaw(store *spill.Store, bud *budget.Budget, seg spill.Segment, schema *rowbatch.Schema, keyIdx []int, seed uint64, tag string) ([]*rawPartitionWriter, error) {
	r, err := store.OpenReader(seg)
	if err != nil {
		return nil, emerr.Wrap(emerr.Spill, err, "open join build partition for repartition")
	}
	defer r.Close()
	subs := make([]*rawPartitionWriter, partitionFanout)
	for i := range subs {
		pw, err := newRawPartitionWriter(store, bud, schema, fmt.Sprintf("%s-p%d", tag, i))
		if err != nil {
			return nil, err
		}
		subs[i] = pw
	}
	for {
		bld, err := r.Next(schema)
		if err != nil {
			return nil, emerr.Wrap(emerr.Spill, err, "read join build partition for repartition")
		}
		if bld == nil {
			break
		}
		b, ok := bld.Build(bud, "join-repartition-in")
		if !ok {
			return nil, emerr.New(emerr.Budget, "join build repartition readback refused by budget")
		}
		for i := 0; i < b.NumRows(); i++ {
			row := b.Row(i).Values()
			key := encodeGroupKey(keyIndices(row, keyIdx))
			p := partitionOfKey(key, seed)
			if err := subs[p].write(row); err != nil {
				b.Release()
				return nil, err
			}
		}
		b.Release()
	}
	for _, pw := range subs {
		if err := pw.seal(); err != nil {
			return nil, err
		}
	}
	return subs, nil
}

func keyIndices(row []rowbatch.Value, idx []int) []rowbatch.Value {
	key := make([]rowbatch.Value, len(idx))
	for i, c := range idx {
		key[i] = row[c]
	}
	return key
}

func partitionOfKey(key string, seed uint64) int {
	h := siphash.Hash(hashKeySeed0^seed, hashKeySeed1, []byte(key))
	return int(h % uint64(partitionFanout))
}

// probeSide streams the probe side row by row, invoking fn with each
// row's encoded join key.
func probeSide(ctx context.Context, child Op, keyIdx []int, fn func(key string, row []rowbatch.Value) error) error {
	for {
		b, err := child.Next(ctx)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		for i := 0; i < b.NumRows(); i++ {
			row := b.Row(i).Values()
			key := encodeGroupKey(keyIndices(row, keyIdx))
			if err := fn(key, row); err != nil {
				b.Release()
				return err
			}
		}
		b.Release()
	}
}

// rawPartitionWriter spills whole raw rows (the join build side's
// own schema, unmodified) to one Grace partition.
type rawPartitionWriter struct {
	w             *spill.Writer
	bld           *rowbatch.Builder
	bud           *budget.Budget
	segment       spill.Segment
	segmentIDHint string
}

func newRawPartitionWriter(store *spill.Store, bud *budget.Budget, schema *rowbatch.Schema, segmentID string) (*rawPartitionWriter, error) {
	w, err := store.OpenWriter(segmentID)
	if err != nil {
		return nil, emerr.Wrap(emerr.Spill, err, "open join build partition %q", segmentID)
	}
	return &rawPartitionWriter{w: w, bld: rowbatch.NewBuilder(schema), bud: bud, segmentIDHint: segmentID}, nil
}

func (pw *rawPartitionWriter) write(row []rowbatch.Value) error {
	ok, err := pw.bld.TryAppend(row, outputBatchTarget)
	if err != nil {
		return emerr.Wrap(emerr.Internal, err, "build join partition row")
	}
	if !ok {
		if err := pw.flush(); err != nil {
			return err
		}
		if _, err := pw.bld.TryAppend(row, outputBatchTarget); err != nil {
			return emerr.Wrap(emerr.Internal, err, "build join partition row")
		}
	}
	return nil
}

func (pw *rawPartitionWriter) flush() error {
	if pw.bld.NumRows() == 0 {
		return nil
	}
	b, ok := pw.bld.Build(pw.bud, "join-partition")
	if !ok {
		return emerr.New(emerr.Budget, "join partition flush buffer refused by budget")
	}
	defer b.Release()
	if err := pw.w.Append(b); err != nil {
		return emerr.Wrap(emerr.Spill, err, "write join partition")
	}
	pw.bld.Reset()
	return nil
}

func (pw *rawPartitionWriter) seal() error {
	if err := pw.flush(); err != nil {
		return err
	}
	seg, err := pw.w.Seal()
	if err != nil {
		return emerr.Wrap(emerr.Spill, err, "seal join partition")
	}
	pw.segment = seg
	return nil
}
