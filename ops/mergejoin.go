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

	"github.com/emsqrt/emsqrt/budget"
	"github.com/emsqrt/emsqrt/emerr"
	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/rowbatch"
)

// MergeJoin joins two key-sorted inputs by advancing whichever side
// has the lower current key, the planner's alternative to HashJoin
// when both sides are already sorted on the join keys. It holds the
// current input batch of each side, every row of the current
// equal-key run on both sides, and the output batch under
// construction.
type MergeJoin struct {
	left, right Op
	leftIdx     []int
	rightIdx    []int
	leftSchema  *rowbatch.Schema
	rightSchema *rowbatch.Schema
	outSchema   *rowbatch.Schema
	how         planop.JoinKind
	bud         *budget.Budget
	tag         string

	lc, rc *mergeSide
}

// NewMergeJoin returns a MergeJoin of left and right on the named
// keys, which must already be sorted ascending on those keys.
func NewMergeJoin(left Op, leftSchema *rowbatch.Schema, right Op, rightSchema *rowbatch.Schema, node *planop.Join, bud *budget.Budget, tag string) (*MergeJoin, error) {
	leftIdx := make([]int, len(node.LeftKeys))
	for i, k := range node.LeftKeys {
		idx := leftSchema.IndexOf(k)
		if idx < 0 {
			return nil, emerr.New(emerr.Config, "merge join %s: unknown left key %q", tag, k)
		}
		leftIdx[i] = idx
	}
	rightIdx := make([]int, len(node.RightKeys))
	for i, k := range node.RightKeys {
		idx := rightSchema.IndexOf(k)
		if idx < 0 {
			return nil, emerr.New(emerr.Config, "merge join %s: unknown right key %q", tag, k)
		}
		rightIdx[i] = idx
	}
	return &MergeJoin{
		left: left, leftSchema: leftSchema, leftIdx: leftIdx,
		right: right, rightSchema: rightSchema, rightIdx: rightIdx,
		outSchema: node.Schema(),
		how:       node.How,
		bud:       bud,
		tag:       tag,
	}, nil
}

// mergeSide tracks one input's current row and the last key seen, to
// assert non-decreasing (ascending) key order; equal keys are allowed.
type mergeSide struct {
	child   Op
	keyIdx  []int
	cur     *rowbatch.Batch
	rowIdx  int
	lastKey []rowbatch.Value
	eof     bool
}

func (m *mergeSide) key(row []rowbatch.Value) []rowbatch.Value {
	key := make([]rowbatch.Value, len(m.keyIdx))
	for i, idx := range m.keyIdx {
		key[i] = row[idx]
	}
	return key
}

func (m *mergeSide) peek(ctx context.Context) ([]rowbatch.Value, bool, error) {
	for {
		if m.eof {
			return nil, false, nil
		}
		if m.cur != nil && m.rowIdx < m.cur.NumRows() {
			row := m.cur.Row(m.rowIdx).Values()
			key := m.key(row)
			if m.lastKey != nil && compareKeys(key, m.lastKey) < 0 {
				return nil, false, emerr.New(emerr.Internal, "merge join: input not sorted ascending on join key")
			}
			return row, true, nil
		}
		if m.cur != nil {
			m.cur.Release()
			m.cur = nil
		}
		b, err := m.child.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if b == nil {
			m.eof = true
			return nil, false, nil
		}
		m.cur = b
		m.rowIdx = 0
	}
}

func (m *mergeSide) advance(key []rowbatch.Value) {
	m.lastKey = key
	m.rowIdx++
}

func (m *mergeSide) close() {
	if m.cur != nil {
		m.cur.Release()
		m.cur = nil
	}
	m.child.Close()
}

func compareKeys(a, b []rowbatch.Value) int {
	for i := range a {
		if c := rowbatch.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

func (j *MergeJoin) Open(ctx context.Context) error {
	if err := j.left.Open(ctx); err != nil {
		return err
	}
	if err := j.right.Open(ctx); err != nil {
		return err
	}
	j.lc = &mergeSide{child: j.left, keyIdx: j.leftIdx}
	j.rc = &mergeSide{child: j.right, keyIdx: j.rightIdx}
	return nil
}

// Next emits up to one output batch's worth of joined rows. It
// advances a run of equal keys on both sides fully (an in-memory
// cross product of that run, since equal-key groups are assumed small
// relative to a batch) before moving on, so a single call to Next may
// do more work than filling exactly one batch if a key group spans a
// batch boundary — acceptable since MergeJoin holds only the current
// run's rows, not the whole input.
func (j *MergeJoin) Next(ctx context.Context) (*rowbatch.Batch, error) {
	bld := rowbatch.NewBuilder(j.outSchema)
	for {
		lRow, lOK, err := j.lc.peek(ctx)
		if err != nil {
			return nil, err
		}
		rRow, rOK, err := j.rc.peek(ctx)
		if err != nil {
			return nil, err
		}
		if !lOK && !rOK {
			break
		}
		switch {
		case lOK && !rOK:
			if j.how == planop.LeftOuterJoin {
				if err := appendJoined(bld, lRow, nullRow(j.rightSchema)); err != nil {
					return nil, err
				}
			}
			j.lc.advance(j.lc.key(lRow))
		case rOK && !lOK:
			if j.how == planop.RightOuterJoin {
				if err := appendJoined(bld, nullRow(j.leftSchema), rRow); err != nil {
					return nil, err
				}
			}
			j.rc.advance(j.rc.key(rRow))
		default:
			lKey, rKey := j.lc.key(lRow), j.rc.key(rRow)
			switch c := compareKeys(lKey, rKey); {
			case c < 0:
				if j.how == planop.LeftOuterJoin {
					if err := appendJoined(bld, lRow, nullRow(j.rightSchema)); err != nil {
						return nil, err
					}
				}
				j.lc.advance(lKey)
			case c > 0:
				if j.how == planop.RightOuterJoin {
					if err := appendJoined(bld, nullRow(j.leftSchema), rRow); err != nil {
						return nil, err
					}
				}
				j.rc.advance(rKey)
			default:
				if err := j.emitEqualRun(ctx, bld, lKey); err != nil {
					return nil, err
				}
			}
		}
		if bld.EstBytes() >= outputBatchTarget {
			break
		}
	}
	if bld.NumRows() == 0 {
		return nil, nil
	}
	out, ok := reserveOrErr(bld, j.bud, j.tag)
	if !ok {
		return nil, emerr.New(emerr.Budget, "merge join %s: budget refused %d bytes", j.tag, bld.EstBytes())
	}
	return out, nil
}

// emitEqualRun buffers every row on both sides sharing key, then
// emits their cross product.
func (j *MergeJoin) emitEqualRun(ctx context.Context, bld *rowbatch.Builder, key []rowbatch.Value) error {
	var lefts, rights [][]rowbatch.Value
	for {
		row, ok, err := j.lc.peek(ctx)
		if err != nil {
			return err
		}
		if !ok || compareKeys(j.lc.key(row), key) != 0 {
			break
		}
		lefts = append(lefts, row)
		j.lc.advance(key)
	}
	for {
		row, ok, err := j.rc.peek(ctx)
		if err != nil {
			return err
		}
		if !ok || compareKeys(j.rc.key(row), key) != 0 {
			break
		}
		rights = append(rights, row)
		j.rc.advance(key)
	}
	for _, l := range lefts {
		for _, r := range rights {
			if err := appendJoined(bld, l, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func appendJoined(bld *rowbatch.Builder, left, right []rowbatch.Value) error {
	row := make([]rowbatch.Value, 0, len(left)+len(right))
	row = append(row, left...)
	row = append(row, right...)
	return bld.Append(row)
}

func (j *MergeJoin) Close() error {
	j.lc.close()
	j.rc.close()
	return nil
}
