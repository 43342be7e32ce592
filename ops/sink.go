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
	"encoding/json"
	"fmt"
	"os"

	"github.com/emsqrt/emsqrt/emerr"
	"github.com/emsqrt/emsqrt/rowbatch"
)

// Format names a Sink's serialization.
type Format string

const (
	// FormatJSONL writes one JSON object per row, newline-delimited.
	FormatJSONL Format = "jsonl"
	// FormatIon writes rowbatch's self-describing binary encoding,
	// one length-prefixed batch per Append — the same wire shape
	// spill segments use, without the segment trailer/footer.
	FormatIon Format = "ion"
)

// Sink is the terminal operator of a plan tree: it pulls from child,
// serializes every row to destination in the configured format, and
// atomically publishes the result on success. It holds at most one
// batch's reservation at a time — the batch it is currently
// serializing — and releases it before pulling the next.
type Sink struct {
	child       Op
	schema      *rowbatch.Schema
	destination string
	format      Format
	tag         string

	f       *os.File
	tmpPath string
	written int64
}

// NewSink returns a Sink that writes child's output to destination in
// format, via destination+".tmp" renamed on success.
func NewSink(child Op, schema *rowbatch.Schema, destination string, format Format, tag string) *Sink {
	return &Sink{child: child, schema: schema, destination: destination, format: format, tag: tag}
}

func (s *Sink) Open(ctx context.Context) error {
	if err := s.child.Open(ctx); err != nil {
		return err
	}
	s.tmpPath = s.destination + ".tmp"
	f, err := os.OpenFile(s.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return emerr.Wrap(emerr.Sink, err, "sink %s: open %s", s.tag, s.tmpPath)
	}
	s.f = f
	return nil
}

// Drain pulls child to completion, writing every row, then publishes
// the result. It is the only way a Sink's output becomes durable:
// unlike other operators, Sink has no meaningful Next of its own since
// it is always the root of a plan tree.
func (s *Sink) Drain(ctx context.Context) (rows, bytesOut int64, err error) {
	for {
		select {
		case <-ctx.Done():
			s.abort()
			return rows, bytesOut, emerr.Wrap(emerr.Cancelled, ctx.Err(), "sink %s", s.tag)
		default:
		}
		b, err := s.child.Next(ctx)
		if err != nil {
			s.abort()
			return rows, bytesOut, err
		}
		if b == nil {
			break
		}
		n, err := s.writeBatch(b)
		b.Release()
		if err != nil {
			s.abort()
			return rows, bytesOut, err
		}
		rows += int64(b.NumRows())
		bytesOut += n
	}
	if err := s.publish(); err != nil {
		return rows, bytesOut, err
	}
	return rows, bytesOut, nil
}

func (s *Sink) writeBatch(b *rowbatch.Batch) (int64, error) {
	switch s.format {
	case FormatJSONL:
		return s.writeJSONL(b)
	case FormatIon:
		return s.writeIon(b)
	default:
		return 0, emerr.New(emerr.Config, "sink %s: unknown format %q", s.tag, s.format)
	}
}

func (s *Sink) writeJSONL(b *rowbatch.Batch) (int64, error) {
	enc := json.NewEncoder(s.f)
	fields := s.schema.Fields
	var n int64
	obj := make(map[string]any, len(fields))
	for i := 0; i < b.NumRows(); i++ {
		row := b.Row(i)
		for j, f := range fields {
			v := row.Get(j)
			if v.IsNull() {
				obj[f.Name] = nil
				continue
			}
			switch v.Type() {
			case rowbatch.Int32, rowbatch.Int64:
				obj[f.Name] = v.Int()
			case rowbatch.Float64:
				obj[f.Name] = v.Float()
			case rowbatch.Bool:
				obj[f.Name] = v.Bool()
			case rowbatch.Utf8:
				obj[f.Name] = v.String()
			}
		}
		if err := enc.Encode(obj); err != nil {
			return n, emerr.Wrap(emerr.Sink, err, "sink %s: write row", s.tag)
		}
		n += int64(b.ByteSize()) / int64(b.NumRows())
	}
	return n, nil
}

func (s *Sink) writeIon(b *rowbatch.Batch) (int64, error) {
	payload := rowbatch.Encode(b)
	var lenBuf [4]byte
	putU32(lenBuf[:], uint32(len(payload)))
	if _, err := s.f.Write(lenBuf[:]); err != nil {
		return 0, emerr.Wrap(emerr.Sink, err, "sink %s: write length prefix", s.tag)
	}
	if _, err := s.f.Write(payload); err != nil {
		return 0, emerr.Wrap(emerr.Sink, err, "sink %s: write payload", s.tag)
	}
	s.written += int64(len(payload)) + 4
	return int64(len(payload)) + 4, nil
}

func putU32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

func (s *Sink) publish() error {
	if err := s.f.Sync(); err != nil {
		s.abort()
		return emerr.Wrap(emerr.Sink, err, "sink %s: fsync", s.tag)
	}
	if err := s.f.Close(); err != nil {
		s.abort()
		return emerr.Wrap(emerr.Sink, err, "sink %s: close", s.tag)
	}
	if err := os.Rename(s.tmpPath, s.destination); err != nil {
		os.Remove(s.tmpPath)
		return emerr.Wrap(emerr.Sink, err, "sink %s: publish %s", s.tag, s.destination)
	}
	return nil
}

func (s *Sink) abort() {
	if s.f != nil {
		s.f.Close()
	}
	os.Remove(s.tmpPath)
}

// Next satisfies Op so a Sink can sit at the root of a tree driven
// uniformly by engine.Run, but a caller should prefer Drain, which
// also returns row/byte counts for the manifest; Next just runs Drain
// once and reports EOF either way.
func (s *Sink) Next(ctx context.Context) (*rowbatch.Batch, error) {
	_, _, err := s.Drain(ctx)
	return nil, err
}

func (s *Sink) Close() error {
	return s.child.Close()
}

var _ fmt.Stringer = Format("")

func (f Format) String() string { return string(f) }
