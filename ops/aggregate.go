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
	"strconv"
	"strings"

	"github.com/dchest/siphash"

	"github.com/emsqrt/emsqrt/budget"
	"github.com/emsqrt/emsqrt/emerr"
	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/rowbatch"
	"github.com/emsqrt/emsqrt/spill"
)

// partitionFanout is the number of buckets Aggregate (and Join) split
// into on spill, and at every recursive repartitioning level.
const partitionFanout = 16

// maxPartitionRecursion bounds how many times a single oversize
// partition may be split again before Aggregate gives up trying to
// shrink it further and aggregates it in memory regardless — a
// recursion-depth backstop, not a correctness requirement the spec
// asks for, but one any implementation of unbounded recursive
// repartitioning needs to keep a pathological key distribution from
// recursing forever.
const maxPartitionRecursion = 6

// accumulator holds the running state for one group's one aggregate
// expression. Sums are tracked as either int64 or float64 depending
// on the source column's type so integer sums over large inputs don't
// lose precision by round-tripping through float64.
type accumulator struct {
	count   int64
	sumI    int64
	sumF    float64
	isFloat bool
	min     rowbatch.Value
	max     rowbatch.Value
	have    bool
}

func (a *accumulator) update(v rowbatch.Value) {
	if v.IsNull() {
		return
	}
	a.count++
	switch v.Type() {
	case rowbatch.Float64:
		a.isFloat = true
		a.sumF += v.Float()
	default:
		a.sumI += v.Int()
	}
	if !a.have || rowbatch.Compare(v, a.min) < 0 {
		a.min = v
	}
	if !a.have || rowbatch.Compare(v, a.max) > 0 {
		a.max = v
	}
	a.have = true
}

func (a *accumulator) merge(o *accumulator) {
	a.count += o.count
	a.sumI += o.sumI
	a.sumF += o.sumF
	a.isFloat = a.isFloat || o.isFloat
	if o.have && (!a.have || rowbatch.Compare(o.min, a.min) < 0) {
		a.min = o.min
	}
	if o.have && (!a.have || rowbatch.Compare(o.max, a.max) > 0) {
		a.max = o.max
	}
	a.have = a.have || o.have
}

func (a *accumulator) finalize(fn planop.AggFunc, outType rowbatch.Type) rowbatch.Value {
	switch fn {
	case planop.CountStar, planop.CountCol:
		return rowbatch.Int64Value(a.count)
	case planop.Avg:
		if a.count == 0 {
			return rowbatch.Null(rowbatch.Float64)
		}
		total := a.sumF
		if !a.isFloat {
			total = float64(a.sumI)
		}
		return rowbatch.Float64Value(total / float64(a.count))
	case planop.Sum:
		if a.count == 0 {
			return rowbatch.Null(outType)
		}
		if outType == rowbatch.Float64 {
			total := a.sumF
			if !a.isFloat {
				total = float64(a.sumI)
			}
			return rowbatch.Float64Value(total)
		}
		return rowbatch.Int64Value(a.sumI)
	case planop.Min:
		if !a.have {
			return rowbatch.Null(outType)
		}
		return a.min
	case planop.Max:
		if !a.have {
			return rowbatch.Null(outType)
		}
		return a.max
	default:
		return rowbatch.Null(outType)
	}
}

// groupEntry is one group's key and its per-aggregate accumulators.
type groupEntry struct {
	key  []rowbatch.Value
	accs []accumulator
}

// Aggregate groups its child's rows by GroupKeys and computes Aggs
// over each group, spilling to Grace hash partitions (with recursive
// repartitioning) when the in-memory group table would exceed
// memTarget.
type Aggregate struct {
	child     Op
	outSchema *rowbatch.Schema
	groupIdx  []int
	aggCols   []int // -1 for CountStar
	aggFuncs  []planop.AggFunc
	aggTypes  []rowbatch.Type
	bud       *budget.Budget
	store     *spill.Store
	memTarget int64
	tag       string

	results []groupEntry
	pos     int
}

// NewAggregate returns an Aggregate over child grouping by groupKeys
// and computing aggs, as described by node (used for its output
// schema). memTarget is this operator's spill threshold, analogous to
// Sort's.
func NewAggregate(child Op, childSchema *rowbatch.Schema, node *planop.Aggregate, bud *budget.Budget, store *spill.Store, memTarget int64, tag string) (*Aggregate, error) {
	groupIdx := make([]int, len(node.GroupKeys))
	for i, k := range node.GroupKeys {
		idx := childSchema.IndexOf(k)
		if idx < 0 {
			return nil, emerr.New(emerr.Config, "aggregate %s: unknown group key %q", tag, k)
		}
		groupIdx[i] = idx
	}
	aggCols := make([]int, len(node.Aggs))
	aggTypes := make([]rowbatch.Type, len(node.Aggs))
	aggFuncs := make([]planop.AggFunc, len(node.Aggs))
	for i, a := range node.Aggs {
		aggFuncs[i] = a.Func
		if a.Column == "" {
			aggCols[i] = -1
			aggTypes[i] = rowbatch.Int64
			continue
		}
		idx := childSchema.IndexOf(a.Column)
		if idx < 0 {
			return nil, emerr.New(emerr.Config, "aggregate %s: unknown aggregate column %q", tag, a.Column)
		}
		aggCols[i] = idx
		aggTypes[i] = childSchema.Fields[idx].Type
		if a.Func == planop.Avg {
			aggTypes[i] = rowbatch.Float64
		}
	}
	return &Aggregate{
		child:     child,
		outSchema: node.Schema(),
		groupIdx:  groupIdx,
		aggCols:   aggCols,
		aggFuncs:  aggFuncs,
		aggTypes:  aggTypes,
		bud:       bud,
		store:     store,
		memTarget: memTarget,
		tag:       tag,
	}, nil
}

func (a *Aggregate) Open(ctx context.Context) error {
	if err := a.child.Open(ctx); err != nil {
		return err
	}
	table := make(map[string]*groupEntry)
	var tableBytes int64
	var tableReservations []*budget.Reservation
	spilling := false
	var partitions []*partitionWriter

	releaseTable := func() {
		for _, r := range tableReservations {
			r.Release()
		}
		tableReservations = tableReservations[:0]
	}
	defer releaseTable()

	pSchema := partitionSchema(a.outSchema, len(a.groupIdx), a.aggFuncs, a.aggTypes)
	spillAll := func() error {
		releaseTable()
		partitions = make([]*partitionWriter, partitionFanout)
		for i := range partitions {
			pw, err := newPartitionWriter(a.store, a.bud, pSchema, a.aggTypes, fmt.Sprintf("%s-agg-p%d", a.tag, i))
			if err != nil {
				return err
			}
			partitions[i] = pw
		}
		for _, e := range table {
			p := partitionOf(e.key, 0)
			if err := partitions[p].writePartial(e.key, e.accs); err != nil {
				return err
			}
		}
		table = make(map[string]*groupEntry)
		tableBytes = 0
		spilling = true
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		in, err := a.child.Next(ctx)
		if err != nil {
			return err
		}
		if in == nil {
			break
		}
		for i := 0; i < in.NumRows(); i++ {
			row := in.Row(i)
			key := make([]rowbatch.Value, len(a.groupIdx))
			for j, idx := range a.groupIdx {
				key[j] = row.Get(idx)
			}
			if spilling {
				accs := make([]accumulator, len(a.aggFuncs))
				for j, col := range a.aggCols {
					if col < 0 {
						accs[j].count++
						continue
					}
					accs[j].update(row.Get(col))
				}
				p := partitionOf(key, 0)
				if err := partitions[p].writePartial(key, accs); err != nil {
					in.Release()
					return err
				}
				continue
			}
			k := encodeGroupKey(key)
			needSpill := false
			e, ok := table[k]
			if !ok {
				keyBytes := groupKeyBytes(key)
				e = &groupEntry{key: key, accs: make([]accumulator, len(a.aggFuncs))}
				table[k] = e
				tableBytes += keyBytes
				if r, granted := a.bud.TryAcquire(keyBytes, a.tag+"-grouptable"); granted {
					tableReservations = append(tableReservations, r)
				} else {
					needSpill = true
				}
			}
			for j, col := range a.aggCols {
				if col < 0 {
					e.accs[j].count++
					continue
				}
				e.accs[j].update(row.Get(col))
			}
			const perRowOverhead = 32 // per-row accumulator-update overhead estimate
			tableBytes += perRowOverhead
			if r, granted := a.bud.TryAcquire(perRowOverhead, a.tag+"-grouptable"); granted {
				tableReservations = append(tableReservations, r)
			} else {
				needSpill = true
			}
			if tableBytes > a.memTarget {
				needSpill = true
			}
			if needSpill {
				if err := spillAll(); err != nil {
					in.Release()
					return err
				}
			}
		}
		in.Release()
	}

	if !spilling {
		a.results = make([]groupEntry, 0, len(table))
		for _, e := range table {
			a.results = append(a.results, *e)
		}
		releaseTable()
		return nil
	}
	for _, pw := range partitions {
		if err := pw.seal(); err != nil {
			return err
		}
	}
	results, err := a.aggregatePartitions(ctx, partitions, 1)
	if err != nil {
		return err
	}
	a.results = results
	return nil
}

// aggregatePartitions finishes Grace hash aggregation for a set of
// spilled partitions: any partition that fits in memTarget is
// aggregated directly; an oversize partition is repartitioned again
// (with a different hash seed) up to maxPartitionRecursion levels.
func (a *Aggregate) aggregatePartitions(ctx context.Context, partitions []*partitionWriter, level int) ([]groupEntry, error) {
	var out []groupEntry
	pSchema := partitionSchema(a.outSchema, len(a.groupIdx), a.aggFuncs, a.aggTypes)
	for _, pw := range partitions {
		seg := pw.segment
		if seg.Bytes <= a.memTarget || level >= maxPartitionRecursion {
			entries, err := aggregatePartitionInMemory(a.store, a.bud, seg, pSchema, a.aggFuncs, len(a.groupIdx))
			if err != nil {
				return nil, err
			}
			out = append(out, entries...)
			a.store.Unlink(seg)
			continue
		}
		subs, err := repartition(a.store, a.bud, seg, pSchema, len(a.groupIdx), a.aggFuncs, a.aggTypes, uint64(level), fmt.Sprintf("%s-lvl%d", a.tag, level))
		a.store.Unlink(seg)
		if err != nil {
			return nil, err
		}
		deeper, err := a.aggregatePartitions(ctx, subs, level+1)
		if err != nil {
			return nil, err
		}
		out = append(out, deeper...)
	}
	return out, nil
}

func (a *Aggregate) Next(ctx context.Context) (*rowbatch.Batch, error) {
	if a.pos >= len(a.results) {
		return nil, nil
	}
	bld := rowbatch.NewBuilder(a.outSchema)
	for a.pos < len(a.results) {
		e := a.results[a.pos]
		row := make([]rowbatch.Value, 0, len(e.key)+len(e.accs))
		row = append(row, e.key...)
		for i, acc := range e.accs {
			row = append(row, acc.finalize(a.aggFuncs[i], a.aggTypes[i]))
		}
		ok, err := bld.TryAppend(row, outputBatchTarget)
		if err != nil {
			return nil, emerr.Wrap(emerr.Internal, err, "aggregate %s", a.tag)
		}
		if !ok {
			break
		}
		a.pos++
	}
	out, ok := reserveOrErr(bld, a.bud, a.tag)
	if !ok {
		return nil, emerr.New(emerr.Budget, "aggregate %s: budget refused %d bytes", a.tag, bld.EstBytes())
	}
	return out, nil
}

func (a *Aggregate) Close() error { return a.child.Close() }

func encodeGroupKey(key []rowbatch.Value) string {
	var sb strings.Builder
	for _, v := range key {
		if v.IsNull() {
			sb.WriteString("\x00N\x01")
			continue
		}
		switch v.Type() {
		case rowbatch.Utf8:
			sb.WriteString(v.String())
		case rowbatch.Float64:
			sb.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
		case rowbatch.Bool:
			sb.WriteString(strconv.FormatBool(v.Bool()))
		default: // Int32, Int64
			sb.WriteString(strconv.FormatInt(v.Int(), 10))
		}
		sb.WriteByte('\x01')
	}
	return sb.String()
}

func groupKeyBytes(key []rowbatch.Value) int64 {
	var n int64
	for _, v := range key {
		n += v.ByteSize()
	}
	return n
}

// partitionOf hashes a group key to one of partitionFanout buckets.
// seed varies the hash function used at each recursive repartitioning
// level so a key that collided at one level spreads out at the next.
func partitionOf(key []rowbatch.Value, seed uint64) int {
	h := siphash.Hash(hashKeySeed0^seed, hashKeySeed1, []byte(encodeGroupKey(key)))
	return int(h % uint64(partitionFanout))
}

const (
	hashKeySeed0 = 0x61676772656761
	hashKeySeed1 = 0x746568617368
)
