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
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/emsqrt/emsqrt/emerr"
	"github.com/emsqrt/emsqrt/rowbatch"
)

// JSONLSource is a leaf Source reading newline-delimited JSON objects
// from a file, one row per line, typed against a fixed schema. It is
// the engine's adapter for a plan's external Scan nodes, the
// counterpart to Sink's FormatJSONL writer.
type JSONLSource struct {
	f    *os.File
	sc   *bufio.Scanner
	path string
}

// NewJSONLSource opens path for reading. Rows are decoded lazily, on
// the first call to Next.
func NewJSONLSource(path string) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, emerr.Wrap(emerr.Source, err, "open %s", path)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	return &JSONLSource{f: f, sc: sc, path: path}, nil
}

// Next decodes up to outputBatchTarget bytes worth of rows into a
// Builder typed against schema. It returns (nil, nil) at EOF.
func (j *JSONLSource) Next(schema *rowbatch.Schema) (*rowbatch.Builder, error) {
	bld := rowbatch.NewBuilder(schema)
	for bld.EstBytes() < outputBatchTarget {
		if !j.sc.Scan() {
			if err := j.sc.Err(); err != nil {
				return nil, emerr.Wrap(emerr.Source, err, "read %s", j.path)
			}
			break
		}
		line := j.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(line, &obj); err != nil {
			return nil, emerr.Wrap(emerr.Source, err, "decode %s", j.path)
		}
		row := make([]rowbatch.Value, len(schema.Fields))
		for i, f := range schema.Fields {
			raw, ok := obj[f.Name]
			if !ok || string(raw) == "null" {
				row[i] = rowbatch.Null(f.Type)
				continue
			}
			v, err := decodeJSONValue(f.Type, raw)
			if err != nil {
				return nil, emerr.Wrap(emerr.Source, err, "decode %s column %s", j.path, f.Name)
			}
			row[i] = v
		}
		if err := bld.Append(row); err != nil {
			return nil, err
		}
	}
	if bld.NumRows() == 0 {
		return nil, nil
	}
	return bld, nil
}

func decodeJSONValue(t rowbatch.Type, raw json.RawMessage) (rowbatch.Value, error) {
	switch t {
	case rowbatch.Int32:
		var v int32
		err := json.Unmarshal(raw, &v)
		return rowbatch.Int32Value(v), err
	case rowbatch.Int64:
		var v int64
		err := json.Unmarshal(raw, &v)
		return rowbatch.Int64Value(v), err
	case rowbatch.Float64:
		var v float64
		err := json.Unmarshal(raw, &v)
		return rowbatch.Float64Value(v), err
	case rowbatch.Bool:
		var v bool
		err := json.Unmarshal(raw, &v)
		return rowbatch.BoolValue(v), err
	case rowbatch.Utf8:
		var v string
		err := json.Unmarshal(raw, &v)
		return rowbatch.Utf8Value(v), err
	default:
		return rowbatch.Value{}, emerr.New(emerr.Internal, "decodeJSONValue: unknown type %v", t)
	}
}

func (j *JSONLSource) Close() error {
	return j.f.Close()
}

var _ io.Closer = (*JSONLSource)(nil)
