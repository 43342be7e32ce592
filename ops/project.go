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
	"github.com/emsqrt/emsqrt/rowbatch"
)

// Project narrows and reorders a child's columns to Columns. Like
// Filter, it carries no state across Next calls and fuses into its
// enclosing block.
type Project struct {
	child   Op
	out     *rowbatch.Schema
	indices []int
	bud     *budget.Budget
	tag     string
}

// NewProject returns a Project over child keeping columns (by name,
// in order). childSchema is the schema child produces.
func NewProject(child Op, childSchema *rowbatch.Schema, columns []string, bud *budget.Budget, tag string) (*Project, error) {
	out, err := childSchema.Project(columns)
	if err != nil {
		return nil, emerr.Wrap(emerr.Config, err, "project %s", tag)
	}
	indices := make([]int, len(columns))
	for i, c := range columns {
		indices[i] = childSchema.IndexOf(c)
	}
	return &Project{child: child, out: out, indices: indices, bud: bud, tag: tag}, nil
}

func (p *Project) Open(ctx context.Context) error { return p.child.Open(ctx) }

func (p *Project) Next(ctx context.Context) (*rowbatch.Batch, error) {
	in, err := p.child.Next(ctx)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, nil
	}
	defer in.Release()

	bld := rowbatch.NewBuilder(p.out)
	for i := 0; i < in.NumRows(); i++ {
		row := in.Row(i)
		vals := make([]rowbatch.Value, len(p.indices))
		for j, idx := range p.indices {
			vals[j] = row.Get(idx)
		}
		if err := bld.Append(vals); err != nil {
			return nil, emerr.Wrap(emerr.Internal, err, "project %s", p.tag)
		}
	}
	out, ok := reserveOrErr(bld, p.bud, p.tag)
	if !ok {
		return nil, emerr.New(emerr.Budget, "project %s: budget refused %d bytes", p.tag, bld.EstBytes())
	}
	return out, nil
}

func (p *Project) Close() error { return p.child.Close() }
