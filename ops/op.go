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

// Package ops implements the pull-based external-memory operators
// the engine schedules: Filter, Project, Map, Sort, Aggregate, Join,
// and the terminal Scan/Sink adapters. Every operator follows the
// same three-call contract so the scheduler can treat blocks of them
// uniformly.
package ops

import (
	"context"

	"github.com/emsqrt/emsqrt/budget"
	"github.com/emsqrt/emsqrt/rowbatch"
)

// Op is the pull contract every operator implements: Open readies
// internal state (and may itself spill/build before returning),
// Next returns the next batch or (nil, nil) at end of input, and
// Close releases everything the operator still holds (live batches,
// open spill segments). Close must be safe to call after a failed
// Open or a partially-drained Next sequence.
type Op interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (*rowbatch.Batch, error)
	Close() error
}

// Source is the abstraction a Scan operator pulls raw rows from. A
// *spill.Reader built against a schema already satisfies this
// interface; so would an adapter over an external file or network
// stream that a caller supplies.
type Source interface {
	Next(schema *rowbatch.Schema) (*rowbatch.Builder, error)
	Close() error
}

// pullBatch returns ctx's error if ctx is already done, and otherwise
// pulls the next batch from child (nil at EOF).
func pullBatch(ctx context.Context, child Op) (*rowbatch.Batch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return child.Next(ctx)
}

// reserveOrErr wraps bld.Build, turning a budget refusal into a
// caller-visible signal (ok=false) rather than an error: refusal is
// an ordinary control-flow outcome operators are expected to react to
// (typically by spilling), not a failure.
func reserveOrErr(bld *rowbatch.Builder, bud *budget.Budget, tag string) (*rowbatch.Batch, bool) {
	return bld.Build(bud, tag)
}
