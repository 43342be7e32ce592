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
	"fmt"

	"github.com/emsqrt/emsqrt/budget"
	"github.com/emsqrt/emsqrt/emerr"
	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/rowbatch"
	"github.com/emsqrt/emsqrt/spill"
)

// partitionSchema is the on-disk row shape Aggregate's Grace
// partitions use: the group-key columns, unchanged, followed by six
// state columns per aggregate expression. A partial row can be either
// a single raw row's one-row contribution or a fully-merged group
// snapshot flushed at spill time — both fit the same shape, so a
// partition reader never needs to distinguish them; it just merges
// everything it reads.
func partitionSchema(outSchema *rowbatch.Schema, nGroup int, aggFuncs []planop.AggFunc, aggTypes []rowbatch.Type) *rowbatch.Schema {
	fields := make([]rowbatch.Field, 0, nGroup+len(aggFuncs)*6)
	fields = append(fields, outSchema.Fields[:nGroup]...)
	for i, t := range aggTypes {
		fields = append(fields,
			rowbatch.Field{Name: fmt.Sprintf("acc%d_count", i), Type: rowbatch.Int64},
			rowbatch.Field{Name: fmt.Sprintf("acc%d_sumI", i), Type: rowbatch.Int64},
			rowbatch.Field{Name: fmt.Sprintf("acc%d_sumF", i), Type: rowbatch.Float64},
			rowbatch.Field{Name: fmt.Sprintf("acc%d_isFloat", i), Type: rowbatch.Bool},
			rowbatch.Field{Name: fmt.Sprintf("acc%d_min", i), Type: t, Nullable: true},
			rowbatch.Field{Name: fmt.Sprintf("acc%d_max", i), Type: t, Nullable: true},
		)
	}
	return rowbatch.NewSchema(fields...)
}

// partitionWriter accumulates partial rows for one Grace partition and
// seals them into a spill segment.
type partitionWriter struct {
	store    *spill.Store
	schema   *rowbatch.Schema
	aggTypes []rowbatch.Type
	w        *spill.Writer
	bld      *rowbatch.Builder
	bud      *budget.Budget
	segment  spill.Segment
}

func newPartitionWriter(store *spill.Store, bud *budget.Budget, schema *rowbatch.Schema, aggTypes []rowbatch.Type, segmentID string) (*partitionWriter, error) {
	w, err := store.OpenWriter(segmentID)
	if err != nil {
		return nil, emerr.Wrap(emerr.Spill, err, "open aggregate partition %q", segmentID)
	}
	return &partitionWriter{
		store:    store,
		schema:   schema,
		aggTypes: aggTypes,
		w:        w,
		bld:      rowbatch.NewBuilder(schema),
		bud:      bud,
	}, nil
}

func (pw *partitionWriter) writePartial(key []rowbatch.Value, accs []accumulator) error {
	row := make([]rowbatch.Value, 0, len(key)+len(accs)*6)
	row = append(row, key...)
	for i, acc := range accs {
		minV, maxV := acc.min, acc.max
		if !acc.have {
			minV = rowbatch.Null(pw.aggTypes[i])
			maxV = rowbatch.Null(pw.aggTypes[i])
		}
		row = append(row,
			rowbatch.Int64Value(acc.count),
			rowbatch.Int64Value(acc.sumI),
			rowbatch.Float64Value(acc.sumF),
			rowbatch.BoolValue(acc.isFloat),
			minV,
			maxV,
		)
	}
	ok, err := pw.bld.TryAppend(row, outputBatchTarget)
	if err != nil {
		return emerr.Wrap(emerr.Internal, err, "build aggregate partition row")
	}
	if !ok {
		if err := pw.flush(); err != nil {
			return err
		}
		if _, err := pw.bld.TryAppend(row, outputBatchTarget); err != nil {
			return emerr.Wrap(emerr.Internal, err, "build aggregate partition row")
		}
	}
	return nil
}

func (pw *partitionWriter) flush() error {
	if pw.bld.NumRows() == 0 {
		return nil
	}
	b, ok := pw.bld.Build(pw.bud, "aggregate-partition")
	if !ok {
		return emerr.New(emerr.Budget, "aggregate partition flush buffer refused by budget")
	}
	defer b.Release()
	if err := pw.w.Append(b); err != nil {
		return emerr.Wrap(emerr.Spill, err, "write aggregate partition")
	}
	pw.bld.Reset()
	return nil
}

func (pw *partitionWriter) seal() error {
	if err := pw.flush(); err != nil {
		return err
	}
	seg, err := pw.w.Seal()
	if err != nil {
		return emerr.Wrap(emerr.Spill, err, "seal aggregate partition")
	}
	pw.segment = seg
	return nil
}

// decodePartial extracts the group key and accumulator state that
// partitionSchema packed into row.
func decodePartial(row rowbatch.Row, nGroup, nAgg int) ([]rowbatch.Value, []accumulator) {
	key := make([]rowbatch.Value, nGroup)
	for i := range key {
		key[i] = row.Get(i)
	}
	accs := make([]accumulator, nAgg)
	for i := range accs {
		base := nGroup + i*6
		accs[i] = accumulator{
			count:   row.Get(base).Int(),
			sumI:    row.Get(base + 1).Int(),
			sumF:    row.Get(base + 2).Float(),
			isFloat: row.Get(base + 3).Bool(),
			min:     row.Get(base + 4),
			max:     row.Get(base + 5),
			have:    !row.Get(base + 4).IsNull(),
		}
	}
	return key, accs
}

// aggregatePartitionInMemory fully aggregates one spilled partition
// that is known to fit within the operator's memory target.
func aggregatePartitionInMemory(store *spill.Store, bud *budget.Budget, seg spill.Segment, pSchema *rowbatch.Schema, aggFuncs []planop.AggFunc, nGroup int) ([]groupEntry, error) {
	r, err := store.OpenReader(seg)
	if err != nil {
		return nil, emerr.Wrap(emerr.Spill, err, "open aggregate partition")
	}
	defer r.Close()

	table := make(map[string]*groupEntry)
	for {
		bld, err := r.Next(pSchema)
		if err != nil {
			return nil, emerr.Wrap(emerr.Spill, err, "read aggregate partition")
		}
		if bld == nil {
			break
		}
		b, ok := bld.Build(bud, "aggregate-partition-in")
		if !ok {
			return nil, emerr.New(emerr.Budget, "aggregate partition readback refused by budget")
		}
		for i := 0; i < b.NumRows(); i++ {
			key, accs := decodePartial(b.Row(i), nGroup, len(aggFuncs))
			k := encodeGroupKey(key)
			e, ok := table[k]
			if !ok {
				e = &groupEntry{key: key, accs: make([]accumulator, len(aggFuncs))}
				table[k] = e
			}
			for j := range e.accs {
				e.accs[j].merge(&accs[j])
			}
		}
		b.Release()
	}
	out := make([]groupEntry, 0, len(table))
	for _, e := range table {
		out = append(out, *e)
	}
	return out, nil
}

// repartition re-hashes an oversize partition's partial rows into
// partitionFanout fresh partitions using seed to pick a different
// hash than the level above, so keys that collided once spread out.
func repartition(store *spill.Store, bud *budget.Budget, seg spill.Segment, pSchema *rowbatch.Schema, nGroup int, aggFuncs []planop.AggFunc, aggTypes []rowbatch.Type, seed uint64, tag string) ([]*partitionWriter, error) {
	r, err := store.OpenReader(seg)
	if err != nil {
		return nil, emerr.Wrap(emerr.Spill, err, "open aggregate partition for repartition")
	}
	defer r.Close()

	subs := make([]*partitionWriter, partitionFanout)
	for i := range subs {
		pw, err := newPartitionWriter(store, bud, pSchema, aggTypes, fmt.Sprintf("%s-p%d", tag, i))
		if err != nil {
			return nil, err
		}
		subs[i] = pw
	}
	for {
		bld, err := r.Next(pSchema)
		if err != nil {
			return nil, emerr.Wrap(emerr.Spill, err, "read aggregate partition for repartition")
		}
		if bld == nil {
			break
		}
		b, ok := bld.Build(bud, "aggregate-repartition-in")
		if !ok {
			return nil, emerr.New(emerr.Budget, "aggregate repartition readback refused by budget")
		}
		for i := 0; i < b.NumRows(); i++ {
			key, accs := decodePartial(b.Row(i), nGroup, len(aggFuncs))
			p := partitionOf(key, seed)
			if err := subs[p].writePartial(key, accs); err != nil {
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
