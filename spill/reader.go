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

// Reader yields the batches of a sealed Segment in append order.
// Header and trailer checksums are validated on the first call to
// Next, not at OpenReader time.
type Reader struct {
	store *Store
	seg   Segment
	f     *os.File

	codec     Codec
	offsets   []int64
	validated bool
	next      int
	closed    bool
	bytesRead int64
}

func (r *Reader) validate() error {
	if r.validated {
		return nil
	}
	size, err := fileSize(r.f)
	if err != nil {
		return wrapSpillErr(err, "stat segment %q", r.seg.Path)
	}
	if size < int64(headerSize+footerSize) {
		return wrapSpillErr(errShortHeader, "segment %q too small", r.seg.Path)
	}

	hdrBuf := make([]byte, headerSize)
	if _, err := r.f.ReadAt(hdrBuf, 0); err != nil {
		return wrapSpillErr(err, "read header of segment %q", r.seg.Path)
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return wrapSpillErr(err, "decode header of segment %q", r.seg.Path)
	}
	codec, err := codecByID(hdr.codec)
	if err != nil {
		return wrapSpillErr(err, "unsupported codec in segment %q", r.seg.Path)
	}

	footerBuf := make([]byte, footerSize)
	if _, err := r.f.ReadAt(footerBuf, size-int64(footerSize)); err != nil {
		return wrapSpillErr(err, "read footer of segment %q", r.seg.Path)
	}
	trailerOff, trailerCRC, err := decodeFooter(footerBuf)
	if err != nil {
		return wrapSpillErr(err, "decode footer of segment %q", r.seg.Path)
	}

	trailerBuf := make([]byte, size-int64(footerSize)-trailerOff)
	if _, err := r.f.ReadAt(trailerBuf, trailerOff); err != nil {
		return wrapSpillErr(err, "read trailer of segment %q", r.seg.Path)
	}
	if crc32.Checksum(trailerBuf, crc32cTable) != trailerCRC {
		return wrapSpillErr(errChecksumMismatch, "trailer checksum mismatch in segment %q", r.seg.Path)
	}
	offsets, _, err := decodeTrailer(trailerBuf)
	if err != nil {
		return wrapSpillErr(err, "decode trailer of segment %q", r.seg.Path)
	}

	r.codec = codec
	r.offsets = offsets
	r.validated = true
	return nil
}

// Next reads, decompresses, and verifies the next batch, returning a
// Builder with its rows populated and ready to be sealed by the
// caller with their own budget reservation. It returns (nil, nil) at
// EOF.
func (r *Reader) Next(schema *rowbatch.Schema) (*rowbatch.Builder, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	if r.next >= len(r.offsets) {
		return nil, nil
	}
	off := r.offsets[r.next]
	r.next++

	slotHdr := make([]byte, batchSlotHeaderSize)
	if _, err := r.f.ReadAt(slotHdr, off); err != nil {
		return nil, wrapSpillErr(err, "read batch header in segment %q", r.seg.Path)
	}
	uncompressedLen, compressedLen, crc, err := decodeBatchSlotHeader(slotHdr)
	if err != nil {
		return nil, wrapSpillErr(err, "decode batch header in segment %q", r.seg.Path)
	}

	payload := make([]byte, compressedLen)
	if _, err := r.f.ReadAt(payload, off+int64(batchSlotHeaderSize)); err != nil {
		return nil, wrapSpillErr(err, "read batch payload in segment %q", r.seg.Path)
	}
	r.bytesRead += int64(batchSlotHeaderSize + compressedLen)
	if crc32.Checksum(payload, crc32cTable) != crc {
		return nil, wrapSpillErr(errChecksumMismatch, "batch checksum mismatch in segment %q", r.seg.Path)
	}

	raw, err := r.codec.Decompress(payload, uncompressedLen)
	if err != nil {
		return nil, wrapSpillErr(err, "decompress batch in segment %q", r.seg.Path)
	}
	bld, err := rowbatch.Decode(schema, raw)
	if err != nil {
		return nil, wrapSpillErr(err, "decode batch in segment %q", r.seg.Path)
	}
	return bld, nil
}

// Close releases the reader's file handle and concurrency slot.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.store.release()
	atomic.AddInt64(&r.store.readBytes, r.bytesRead)
	return r.f.Close()
}

func fileSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
