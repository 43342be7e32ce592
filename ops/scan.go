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

// Scan is the leaf operator: it pulls raw rows from a Source and
// seals them into budgeted batches as it goes. A refused reservation
// is a Budget-kind error here — a bare Scan has nothing of its own to
// spill; an enclosing Sort/Aggregate/Join is what would have reduced
// its intake rate in a real plan.
type Scan struct {
	schema *rowbatch.Schema
	src    Source
	bud    *budget.Budget
	tag    string
}

// NewScan returns a Scan reading schema-typed rows from src, sealing
// each batch into bud under tag.
func NewScan(schema *rowbatch.Schema, src Source, bud *budget.Budget, tag string) *Scan {
	return &Scan{schema: schema, src: src, bud: bud, tag: tag}
}

func (s *Scan) Open(ctx context.Context) error { return nil }

func (s *Scan) Next(ctx context.Context) (*rowbatch.Batch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	bld, err := s.src.Next(s.schema)
	if err != nil {
		return nil, emerr.Wrap(emerr.Source, err, "scan %s", s.tag)
	}
	if bld == nil {
		return nil, nil
	}
	b, ok := reserveOrErr(bld, s.bud, s.tag)
	if !ok {
		return nil, emerr.New(emerr.Budget, "scan %s: budget refused %d bytes", s.tag, bld.EstBytes())
	}
	return b, nil
}

func (s *Scan) Close() error { return s.src.Close() }
