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

// Package spill implements the append-only, compressed, checksummed
// segment store that external-memory operators spill runs and
// partitions to.
package spill

import "encoding/binary"

const (
	magicHead uint32 = 0x454D5351 // "EMSQ"
	magicTail uint32 = 0x51534D45

	formatVersion uint16 = 1

	checksumCRC32C uint8 = 1

	headerSize = 4 + 2 + 1 + 1 // magic, version, codec, checksum_algo
	footerSize = 8 + 4 + 4     // trailer_off, trailer_crc, magic_tail
)

// codecID is the on-disk codec tag occupying byte 6 of the header.
type codecID uint8

const (
	codecNone codecID = 0
	codecLZ4  codecID = 1
	codecZstd codecID = 2
)

func (c codecID) String() string {
	switch c {
	case codecNone:
		return "none"
	case codecLZ4:
		return "lz4"
	case codecZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

type header struct {
	version  uint16
	codec    codecID
	checksum uint8
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], magicHead)
	binary.BigEndian.PutUint16(buf[4:6], h.version)
	buf[6] = byte(h.codec)
	buf[7] = h.checksum
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, errShortHeader
	}
	if binary.BigEndian.Uint32(buf[0:4]) != magicHead {
		return header{}, errBadMagic
	}
	h := header{
		version:  binary.BigEndian.Uint16(buf[4:6]),
		codec:    codecID(buf[6]),
		checksum: buf[7],
	}
	if h.version != formatVersion {
		return header{}, errBadVersion
	}
	if h.checksum != checksumCRC32C {
		return header{}, errBadChecksumAlgo
	}
	return h, nil
}

// batch slot: uncompressed_len:u32 | compressed_len:u32 | crc32c:u32 | payload
const batchSlotHeaderSize = 4 + 4 + 4

func encodeBatchSlotHeader(uncompressedLen, compressedLen int, crc uint32) []byte {
	buf := make([]byte, batchSlotHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(uncompressedLen))
	binary.BigEndian.PutUint32(buf[4:8], uint32(compressedLen))
	binary.BigEndian.PutUint32(buf[8:12], crc)
	return buf
}

func decodeBatchSlotHeader(buf []byte) (uncompressedLen, compressedLen int, crc uint32, err error) {
	if len(buf) < batchSlotHeaderSize {
		return 0, 0, 0, errShortHeader
	}
	uncompressedLen = int(binary.BigEndian.Uint32(buf[0:4]))
	compressedLen = int(binary.BigEndian.Uint32(buf[4:8]))
	crc = binary.BigEndian.Uint32(buf[8:12])
	return uncompressedLen, compressedLen, crc, nil
}

// trailer: num_batches:u32 | (offset:u64)*num_batches | row_count:u64
func encodeTrailer(offsets []int64, rowCount int64) []byte {
	buf := make([]byte, 4+8*len(offsets)+8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(offsets)))
	off := 4
	for _, o := range offsets {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(o))
		off += 8
	}
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(rowCount))
	return buf
}

func decodeTrailer(buf []byte) (offsets []int64, rowCount int64, err error) {
	if len(buf) < 4 {
		return nil, 0, errShortHeader
	}
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	off := 4
	need := 4 + 8*n + 8
	if len(buf) < need {
		return nil, 0, errShortHeader
	}
	offsets = make([]int64, n)
	for i := 0; i < n; i++ {
		offsets[i] = int64(binary.BigEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	rowCount = int64(binary.BigEndian.Uint64(buf[off : off+8]))
	return offsets, rowCount, nil
}

// footer: trailer_off:u64 | trailer_crc:u32 | magic_tail:u32
func encodeFooter(trailerOff int64, trailerCRC uint32) []byte {
	buf := make([]byte, footerSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(trailerOff))
	binary.BigEndian.PutUint32(buf[8:12], trailerCRC)
	binary.BigEndian.PutUint32(buf[12:16], magicTail)
	return buf
}

func decodeFooter(buf []byte) (trailerOff int64, trailerCRC uint32, err error) {
	if len(buf) < footerSize {
		return 0, 0, errShortHeader
	}
	trailerOff = int64(binary.BigEndian.Uint64(buf[0:8]))
	trailerCRC = binary.BigEndian.Uint32(buf[8:12])
	tail := binary.BigEndian.Uint32(buf[12:16])
	if tail != magicTail {
		return 0, 0, errBadMagic
	}
	return trailerOff, trailerCRC, nil
}
