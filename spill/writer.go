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

package spill

import (
	"hash/crc32"
	"os"
	"sync/atomic"

	"github.com/emsqrt/emsqrt/rowbatch"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Writer appends serialized row batches to a segment under
// construction. It buffers one batch at a time; it never holds more
// than one batch's worth of compressed bytes in memory.
type Writer struct {
	store     *Store
	segmentID string
	f         *os.File
	tmpPath   string
	finalPath string
	codec     Codec

	offsets  []int64
	rowCount int64
	pos      int64
	sealed   bool
	closed   bool
}

// Append serializes batch, compresses it, and writes it as the next
// slot in the segment.
func (w *Writer) Append(batch *rowbatch.Batch) error {
	if w.sealed {
		return wrapSpillErr(nil, "append to sealed segment %q", w.segmentID)
	}
	raw := rowbatch.Encode(batch)
	compressed := w.codec.Compress(nil, raw)
	crc := crc32.Checksum(compressed, crc32cTable)

	slotOff := w.pos
	hdr := encodeBatchSlotHeader(len(raw), len(compressed), crc)
	if _, err := w.f.Write(hdr); err != nil {
		w.abort()
		return wrapSpillErr(err, "write batch header in segment %q", w.segmentID)
	}
	if _, err := w.f.Write(compressed); err != nil {
		w.abort()
		return wrapSpillErr(err, "write batch payload in segment %q", w.segmentID)
	}
	w.offsets = append(w.offsets, slotOff)
	w.rowCount += int64(batch.NumRows())
	w.pos += int64(len(hdr) + len(compressed))
	return nil
}

// Seal writes the trailer, fsyncs, and atomically renames the temp
// file to its final name. After Seal succeeds the segment is
// immutable and readable; if Seal does not succeed, no segment
// becomes visible under its final name.
func (w *Writer) Seal() (Segment, error) {
	if w.sealed {
		return Segment{}, wrapSpillErr(nil, "double seal of segment %q", w.segmentID)
	}
	hdr := encodeHeader(header{version: formatVersion, codec: w.codec.id(), checksum: checksumCRC32C})
	if _, err := w.f.WriteAt(hdr, 0); err != nil {
		w.abort()
		return Segment{}, wrapSpillErr(err, "write header for segment %q", w.segmentID)
	}

	trailerOff := w.pos
	trailer := encodeTrailer(w.offsets, w.rowCount)
	if _, err := w.f.Write(trailer); err != nil {
		w.abort()
		return Segment{}, wrapSpillErr(err, "write trailer for segment %q", w.segmentID)
	}
	trailerCRC := crc32.Checksum(trailer, crc32cTable)
	footer := encodeFooter(trailerOff, trailerCRC)
	if _, err := w.f.Write(footer); err != nil {
		w.abort()
		return Segment{}, wrapSpillErr(err, "write footer for segment %q", w.segmentID)
	}

	if err := w.f.Sync(); err != nil {
		w.abort()
		return Segment{}, wrapSpillErr(err, "fsync segment %q", w.segmentID)
	}
	size := w.pos + int64(len(trailer)) + int64(len(footer))
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		w.store.release()
		return Segment{}, wrapSpillErr(err, "close segment %q", w.segmentID)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		os.Remove(w.tmpPath)
		w.store.release()
		return Segment{}, wrapSpillErr(err, "rename segment %q into place", w.segmentID)
	}
	w.sealed = true
	w.closed = true
	w.store.release()
	atomic.AddInt64(&w.store.writeBytes, size)
	return Segment{
		ID:       w.segmentID,
		Path:     w.finalPath,
		Codec:    codecName(w.codec.id()),
		RowCount: w.rowCount,
		Bytes:    size,
	}, nil
}

// abort cleans up a writer that hit an I/O error before Seal
// succeeded, per the spec's "no partial segments survive" invariant.
func (w *Writer) abort() {
	if w.closed {
		return
	}
	w.f.Close()
	os.Remove(w.tmpPath)
	w.closed = true
	w.store.release()
}

// Close releases the writer's resources without sealing. It is safe
// to call after a successful Seal (a no-op) or after an aborted
// write (idempotent cleanup).
func (w *Writer) Close() error {
	if w.sealed {
		return nil
	}
	w.abort()
	return nil
}

func codecName(id codecID) Name {
	switch id {
	case codecLZ4:
		return LZ4
	case codecZstd:
		return Zstd
	default:
		return None
	}
}
