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

package rowbatch

import "bytes"

// Value is a tagged scalar: exactly one of the five primitive types,
// or null. Null is only valid for a Value read from a nullable field.
type Value struct {
	typ  Type
	null bool
	i64  int64
	f64  float64
	b    bool
	s    string
}

// Null returns a null value of type t.
func Null(t Type) Value { return Value{typ: t, null: true} }

func Int32Value(v int32) Value   { return Value{typ: Int32, i64: int64(v)} }
func Int64Value(v int64) Value   { return Value{typ: Int64, i64: v} }
func Float64Value(v float64) Value { return Value{typ: Float64, f64: v} }
func BoolValue(v bool) Value     { return Value{typ: Bool, b: v} }
func Utf8Value(v string) Value   { return Value{typ: Utf8, s: v} }

func (v Value) Type() Type    { return v.typ }
func (v Value) IsNull() bool  { return v.null }
func (v Value) Int() int64    { return v.i64 }
func (v Value) Float() float64 { return v.f64 }
func (v Value) Bool() bool    { return v.b }
func (v Value) String() string { return v.s }

// ByteSize estimates the live footprint of v, used by batch size
// accounting.
func (v Value) ByteSize() int64 {
	if v.typ == Utf8 {
		return int64(len(v.s)) + Utf8.fixedWidth()
	}
	return v.typ.fixedWidth()
}

// Compare orders a and b according to the spec's sort semantics:
// nulls sort first, numeric types compare by value, and strings
// compare bytewise. a and b must be of the same Type.
func Compare(a, b Value) int {
	if a.null != b.null {
		if a.null {
			return -1
		}
		return 1
	}
	if a.null && b.null {
		return 0
	}
	switch a.typ {
	case Int32, Int64:
		switch {
		case a.i64 < b.i64:
			return -1
		case a.i64 > b.i64:
			return 1
		default:
			return 0
		}
	case Float64:
		switch {
		case a.f64 < b.f64:
			return -1
		case a.f64 > b.f64:
			return 1
		default:
			return 0
		}
	case Bool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case Utf8:
		return bytes.Compare([]byte(a.s), []byte(b.s))
	default:
		return 0
	}
}

// Equal reports whether a and b are the same value (two nulls of the
// same type are considered equal for grouping/join-key purposes).
func Equal(a, b Value) bool {
	if a.typ != b.typ {
		return false
	}
	if a.null || b.null {
		return a.null == b.null
	}
	return Compare(a, b) == 0
}
