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

package planop

import "github.com/emsqrt/emsqrt/rowbatch"

// filterSelectivity is the fixed fraction of rows a Filter is assumed
// to pass when no runtime statistics are available. The scheduler
// only needs an estimate good enough to size blocks; it does not need
// to be exact.
const filterSelectivity = 0.5

// Estimate walks root bottom-up and fills in every node's EstRows and
// EstRowBytes. It must be called once after the plan tree is built and
// before it is handed to the scheduler.
func Estimate(root Node) {
	for _, c := range root.Children() {
		Estimate(c)
	}
	switch n := root.(type) {
	case *Scan:
		n.setEstimate(n.HintRows, n.HintRowBytes)
	case *Filter:
		in := n.Input
		rows := int64(float64(in.EstRows()) * filterSelectivity)
		n.setEstimate(rows, in.EstRowBytes())
	case *Project:
		in := n.Input
		n.setEstimate(in.EstRows(), estRowBytesForSchema(n.Schema(), in))
	case *Map:
		in := n.Input
		n.setEstimate(in.EstRows(), in.EstRowBytes())
	case *Sort:
		in := n.Input
		n.setEstimate(in.EstRows(), in.EstRowBytes())
	case *Aggregate:
		in := n.Input
		// assume group cardinality shrinks the row count by an order
		// of magnitude, floored at 1; this is a coarse a-priori guess
		// the scheduler uses only to size the aggregate's hash table
		rows := in.EstRows() / 10
		if rows < 1 {
			rows = 1
		}
		n.setEstimate(rows, estRowBytesForSchema(n.Schema(), nil))
	case *Join:
		l, r := n.Left, n.Right
		// inner/left/right-outer all estimated as a simple product
		// scaled down by an assumed key selectivity; a real optimizer
		// would use key-distribution statistics instead
		rows := int64(float64(l.EstRows()) * float64(r.EstRows()) * 0.001)
		if rows < 1 {
			rows = 1
		}
		n.setEstimate(rows, l.EstRowBytes()+r.EstRowBytes())
	case *Sink:
		in := n.Input
		n.setEstimate(in.EstRows(), in.EstRowBytes())
	}
}

// estRowBytesForSchema derives a row-byte estimate for a narrowed
// schema: a flat 16 bytes per column, capped at the input's own
// per-row estimate when the input has one.
func estRowBytesForSchema(s *rowbatch.Schema, in Node) int64 {
	var total int64
	for range s.Fields {
		total += 16 // flat per-column estimate: fixed types fit, Utf8 is a guess
	}
	if in != nil && in.EstRowBytes() > 0 && total > in.EstRowBytes() {
		return in.EstRowBytes()
	}
	return total
}
