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

	"github.com/emsqrt/emsqrt/rowbatch"
)

// Map renames a child's columns without touching their values. It
// needs no budget of its own: the batch it passes through is the same
// shape and size as the one it received, just re-schema'd, so it
// reuses the child batch's existing reservation.
type Map struct {
	child Op
	out   *rowbatch.Schema
}

// NewMap returns a Map over child that renames columns per renames
// (old name -> new name); columns not mentioned keep their name.
func NewMap(child Op, childSchema *rowbatch.Schema, renames map[string]string) *Map {
	fields := make([]rowbatch.Field, len(childSchema.Fields))
	for i, f := range childSchema.Fields {
		if to, ok := renames[f.Name]; ok {
			f.Name = to
		}
		fields[i] = f
	}
	return &Map{child: child, out: rowbatch.NewSchema(fields...)}
}

func (m *Map) Open(ctx context.Context) error { return m.child.Open(ctx) }

func (m *Map) Next(ctx context.Context) (*rowbatch.Batch, error) {
	in, err := m.child.Next(ctx)
	if err != nil || in == nil {
		return in, err
	}
	return rowbatch.Reschema(in, m.out), nil
}

func (m *Map) Close() error { return m.child.Close() }
