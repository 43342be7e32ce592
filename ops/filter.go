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
	"github.com/emsqrt/emsqrt/predicate"
	"github.com/emsqrt/emsqrt/rowbatch"
)

// Filter streams its child's batches through a compiled predicate. It
// holds no state across Next calls beyond the current child batch, so
// it never itself needs to spill; it fuses into whatever block its
// child lives in (the scheduler never gives Filter a block of its
// own).
type Filter struct {
	child Op
	pred  *predicate.Compiled
	bud   *budget.Budget
	tag   string
}

// NewFilter returns a Filter over child that keeps rows satisfying
// pred, sealing kept rows into bud under tag.
func NewFilter(child Op, pred *predicate.Compiled, bud *budget.Budget, tag string) *Filter {
	return &Filter{child: child, pred: pred, bud: bud, tag: tag}
}

func (f *Filter) Open(ctx context.Context) error { return f.child.Open(ctx) }

func (f *Filter) Next(ctx context.Context) (*rowbatch.Batch, error) {
	for {
		in, err := f.child.Next(ctx)
		if err != nil {
			return nil, err
		}
		if in == nil {
			return nil, nil
		}
		out, err := f.apply(in)
		in.Release()
		if err != nil {
			return nil, err
		}
		if out == nil {
			continue // the whole batch was filtered away; pull another
		}
		return out, nil
	}
}

func (f *Filter) apply(in *rowbatch.Batch) (*rowbatch.Batch, error) {
	bld := rowbatch.NewBuilder(in.Schema())
	for i := 0; i < in.NumRows(); i++ {
		row := in.Row(i)
		if !f.pred.Eval(row) {
			continue
		}
		if err := bld.Append(row.Values()); err != nil {
			return nil, emerr.Wrap(emerr.Internal, err, "filter %s", f.tag)
		}
	}
	if bld.NumRows() == 0 {
		return nil, nil
	}
	out, ok := reserveOrErr(bld, f.bud, f.tag)
	if !ok {
		return nil, emerr.New(emerr.Budget, "filter %s: budget refused %d bytes", f.tag, bld.EstBytes())
	}
	return out, nil
}

func (f *Filter) Close() error { return f.child.Close() }
