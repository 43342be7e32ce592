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
	"context"
	"sync/atomic"

	"github.com/emsqrt/emsqrt/emerr"
	"github.com/emsqrt/emsqrt/ops"
	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/predicate"
	"github.com/emsqrt/emsqrt/rowbatch"
	"github.com/emsqrt/emsqrt/sched"
)

// memTarget is the spill threshold handed to an operator inside blk:
// its share of the overall cap, the same perBlockCap sched used when
// deciding whether to fuse the block in the first place.
func (r *run) memTarget() int64 {
	k := int64(r.cfg.K)
	if k <= 0 {
		k = 1
	}
	return r.cfg.MemCapBytes / k
}

// runBlock instantiates blk's operator tree and drives it: a Sink
// block drains straight to its destination file, everything else
// materializes its output into a new segment for its consumer.
func (r *run) runBlock(ctx context.Context, blk *sched.Block) (*blockResult, error) {
	switch root := blk.Root.(type) {
	case *planop.Sort:
		child, _, err := r.buildPipeline(blk.Sources[0], blk.ID)
		if err != nil {
			return nil, err
		}
		op := ops.NewSort(child, root.Schema(), root.Keys, r.bud, r.store, r.memTarget(), blk.ID)
		return r.materialize(ctx, op, root.Schema(), blk)

	case *planop.Aggregate:
		child, childSchema, err := r.buildPipeline(blk.Sources[0], blk.ID)
		if err != nil {
			return nil, err
		}
		op, err := ops.NewAggregate(child, childSchema, root, r.bud, r.store, r.memTarget(), blk.ID)
		if err != nil {
			return nil, err
		}
		return r.materialize(ctx, op, root.Schema(), blk)

	case *planop.Join:
		if len(blk.Sources) != 2 {
			return nil, emerr.New(emerr.Internal, "block %s: join has %d sources, want 2", blk.ID, len(blk.Sources))
		}
		left, leftSchema, err := r.buildPipeline(blk.Sources[0], blk.ID+"-left")
		if err != nil {
			return nil, err
		}
		right, rightSchema, err := r.buildPipeline(blk.Sources[1], blk.ID+"-right")
		if err != nil {
			return nil, err
		}
		var op ops.Op
		switch root.Strategy {
		case planop.MergeJoinStrategy:
			op, err = ops.NewMergeJoin(left, leftSchema, right, rightSchema, root, r.bud, blk.ID)
		default:
			op, err = ops.NewHashJoin(left, leftSchema, right, rightSchema, root, r.bud, r.store, r.memTarget(), blk.ID)
		}
		if err != nil {
			return nil, err
		}
		return r.materialize(ctx, op, root.Schema(), blk)

	case *planop.Sink:
		child, childSchema, err := r.buildPipeline(blk.Sources[0], blk.ID)
		if err != nil {
			return nil, err
		}
		sinkOp := ops.NewSink(child, childSchema, root.Destination, ops.Format(root.Format), blk.ID)
		if err := sinkOp.Open(ctx); err != nil {
			return nil, err
		}
		rows, bytesOut, drainErr := sinkOp.Drain(ctx)
		closeErr := sinkOp.Close()
		if drainErr != nil {
			return nil, drainErr
		}
		if closeErr != nil {
			return nil, closeErr
		}
		return &blockResult{isSink: true, sinkRows: rows, sinkBytes: bytesOut, destination: root.Destination}, nil

	default:
		return nil, emerr.New(emerr.Internal, "engine: block %s has unsupported root %T", blk.ID, blk.Root)
	}
}

// materialize drains op to EOF, sealing its output into a segment
// named after blk so a dependent block can read it back.
func (r *run) materialize(ctx context.Context, op ops.Op, schema *rowbatch.Schema, blk *sched.Block) (*blockResult, error) {
	if err := op.Open(ctx); err != nil {
		return nil, err
	}
	w, err := r.store.OpenWriter(blk.ID)
	if err != nil {
		op.Close()
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			w.Close()
			op.Close()
			return nil, ctx.Err()
		default:
		}
		b, err := op.Next(ctx)
		if err != nil {
			w.Close()
			op.Close()
			return nil, err
		}
		if b == nil {
			break
		}
		werr := w.Append(b)
		b.Release()
		if werr != nil {
			op.Close()
			return nil, werr
		}
	}
	seg, err := w.Seal()
	closeErr := op.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}
	return &blockResult{outSegment: seg, hasSegment: true, outSchema: schema}, nil
}

// buildPipeline realizes one Source into an operator chain: either a
// fresh external Scan (no block dependency) or a Scan-like read of a
// dependency block's sealed segment, with the Source's fused
// Filter/Project/Map nodes layered on top.
func (r *run) buildPipeline(src sched.Source, tag string) (ops.Op, *rowbatch.Schema, error) {
	var op ops.Op
	var curSchema *rowbatch.Schema
	start := 0

	if src.FromBlock != "" {
		r.mu.Lock()
		dep := r.results[src.FromBlock]
		r.mu.Unlock()
		if dep == nil || !dep.hasSegment {
			return nil, nil, emerr.New(emerr.Internal, "block %s: dependency %s produced no output", tag, src.FromBlock)
		}
		reader, err := r.store.OpenReader(dep.outSegment)
		if err != nil {
			return nil, nil, err
		}
		op = ops.NewScan(dep.outSchema, reader, r.bud, tag)
		curSchema = dep.outSchema
	} else {
		if len(src.Pipeline) == 0 {
			return nil, nil, emerr.New(emerr.Internal, "block %s: empty source pipeline", tag)
		}
		scanNode, ok := src.Pipeline[0].(*planop.Scan)
		if !ok {
			return nil, nil, emerr.New(emerr.Internal, "block %s: source pipeline does not begin with a Scan", tag)
		}
		jsrc, err := ops.NewJSONLSource(scanNode.Source)
		if err != nil {
			return nil, nil, err
		}
		counted := &countingSource{inner: jsrc, counter: &r.rowsIn}
		op = ops.NewScan(scanNode.OutSchema, counted, r.bud, tag)
		curSchema = scanNode.OutSchema
		start = 1
	}

	for i := start; i < len(src.Pipeline); i++ {
		switch n := src.Pipeline[i].(type) {
		case *planop.Filter:
			compiled, err := predicate.Compile(n.Pred, curSchema)
			if err != nil {
				return nil, nil, emerr.Wrap(emerr.Config, err, "block %s: filter", tag)
			}
			op = ops.NewFilter(op, compiled, r.bud, tag)
		case *planop.Project:
			var err error
			op, err = ops.NewProject(op, curSchema, n.Columns, r.bud, tag)
			if err != nil {
				return nil, nil, err
			}
			curSchema = n.Schema()
		case *planop.Map:
			renames := make(map[string]string, len(n.Renames))
			for _, rn := range n.Renames {
				renames[rn.From] = rn.To
			}
			op = ops.NewMap(op, curSchema, renames)
			curSchema = n.Schema()
		default:
			return nil, nil, emerr.New(emerr.Internal, "block %s: unsupported fused node %T", tag, n)
		}
	}
	return op, curSchema, nil
}

// countingSource wraps a leaf Source to tally rows ingested from
// outside the plan, the engine's rows_in manifest figure.
type countingSource struct {
	inner   ops.Source
	counter *int64
}

func (c *countingSource) Next(schema *rowbatch.Schema) (*rowbatch.Builder, error) {
	bld, err := c.inner.Next(schema)
	if err != nil || bld == nil {
		return bld, err
	}
	atomic.AddInt64(c.counter, int64(bld.NumRows()))
	return bld, nil
}

func (c *countingSource) Close() error { return c.inner.Close() }
