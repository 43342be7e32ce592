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

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes b's row data (not its schema, which the reader
// must already know out of band) into a flat byte payload suitable
// for a spill segment's batch slot.
func Encode(b *Batch) []byte {
	n := b.NumRows()
	buf := make([]byte, 0, 64+n*16)
	buf = appendU32(buf, uint32(n))
	for ci, f := range b.schema.Fields {
		col := b.cols[ci]
		if f.Nullable {
			buf = appendNullBitmap(buf, col)
		}
		for _, v := range col {
			if v.IsNull() {
				continue
			}
			buf = appendValue(buf, f.Type, v)
		}
	}
	return buf
}

// Decode parses a payload produced by Encode against schema and
// returns a Builder with the decoded rows appended, ready to be
// sealed into a Batch with Builder.Build once the caller has a budget
// reservation for it.
func Decode(schema *Schema, payload []byte) (*Builder, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("rowbatch: payload too short for row count")
	}
	n := int(binary.BigEndian.Uint32(payload))
	payload = payload[4:]

	bld := NewBuilder(schema)
	bld.cols = make([][]Value, len(schema.Fields))
	for ci, f := range schema.Fields {
		var nulls []bool
		if f.Nullable {
			var err error
			nulls, payload, err = readNullBitmap(payload, n)
			if err != nil {
				return nil, err
			}
		}
		col := make([]Value, n)
		for i := 0; i < n; i++ {
			if nulls != nil && nulls[i] {
				col[i] = Null(f.Type)
				continue
			}
			v, rest, err := readValue(payload, f.Type)
			if err != nil {
				return nil, err
			}
			col[i] = v
			payload = rest
		}
		bld.cols[ci] = col
	}
	bld.nrows = n
	return bld, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendNullBitmap(buf []byte, col []Value) []byte {
	nbytes := (len(col) + 7) / 8
	bitmap := make([]byte, nbytes)
	for i, v := range col {
		if v.IsNull() {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	return append(buf, bitmap...)
}

func readNullBitmap(payload []byte, n int) ([]bool, []byte, error) {
	nbytes := (n + 7) / 8
	if len(payload) < nbytes {
		return nil, nil, fmt.Errorf("rowbatch: payload too short for null bitmap")
	}
	bitmap := payload[:nbytes]
	nulls := make([]bool, n)
	for i := 0; i < n; i++ {
		nulls[i] = bitmap[i/8]&(1<<uint(i%8)) != 0
	}
	return nulls, payload[nbytes:], nil
}

func appendValue(buf []byte, t Type, v Value) []byte {
	switch t {
	case Int32:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(int32(v.Int())))
		return append(buf, tmp[:]...)
	case Int64:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.Int()))
		return append(buf, tmp[:]...)
	case Float64:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v.Float()))
		return append(buf, tmp[:]...)
	case Bool:
		if v.Bool() {
			return append(buf, 1)
		}
		return append(buf, 0)
	case Utf8:
		s := v.String()
		buf = appendU32(buf, uint32(len(s)))
		return append(buf, s...)
	default:
		panic("rowbatch: unknown type in appendValue")
	}
}

func readValue(payload []byte, t Type) (Value, []byte, error) {
	switch t {
	case Int32:
		if len(payload) < 4 {
			return Value{}, nil, fmt.Errorf("rowbatch: truncated int32")
		}
		v := int32(binary.BigEndian.Uint32(payload))
		return Int32Value(v), payload[4:], nil
	case Int64:
		if len(payload) < 8 {
			return Value{}, nil, fmt.Errorf("rowbatch: truncated int64")
		}
		v := int64(binary.BigEndian.Uint64(payload))
		return Int64Value(v), payload[8:], nil
	case Float64:
		if len(payload) < 8 {
			return Value{}, nil, fmt.Errorf("rowbatch: truncated float64")
		}
		v := math.Float64frombits(binary.BigEndian.Uint64(payload))
		return Float64Value(v), payload[8:], nil
	case Bool:
		if len(payload) < 1 {
			return Value{}, nil, fmt.Errorf("rowbatch: truncated bool")
		}
		return BoolValue(payload[0] != 0), payload[1:], nil
	case Utf8:
		if len(payload) < 4 {
			return Value{}, nil, fmt.Errorf("rowbatch: truncated utf8 length")
		}
		n := binary.BigEndian.Uint32(payload)
		payload = payload[4:]
		if uint32(len(payload)) < n {
			return Value{}, nil, fmt.Errorf("rowbatch: truncated utf8 data")
		}
		return Utf8Value(string(payload[:n])), payload[n:], nil
	default:
		return Value{}, nil, fmt.Errorf("rowbatch: unknown type %v", t)
	}
}
