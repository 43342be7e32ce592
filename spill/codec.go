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
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v3"
)

// Codec compresses and decompresses a segment's batch payloads. The
// spec allows either LZ4 or zstd, chosen once per engine instance.
type Codec interface {
	id() codecID
	// Compress appends the compressed form of src to dst and returns
	// the result.
	Compress(dst, src []byte) []byte
	// Decompress decompresses src, whose uncompressed length is
	// uncompressedLen, into a freshly allocated slice.
	Decompress(src []byte, uncompressedLen int) ([]byte, error)
}

// Name is one of "none", "lz4", or "zstd" as used by Config and the
// on-disk codec tag.
type Name string

const (
	None Name = "none"
	LZ4  Name = "lz4"
	Zstd Name = "zstd"
)

// NewCodec constructs the Codec for the named algorithm at the given
// level (ignored by lz4 and none; passed to zstd's encoder level).
func NewCodec(name Name, level int) (Codec, error) {
	switch name {
	case None, "":
		return noneCodec{}, nil
	case LZ4:
		return lz4Codec{}, nil
	case Zstd:
		return newZstdCodec(level)
	default:
		return nil, fmt.Errorf("spill: unknown codec %q", name)
	}
}

func codecByID(id codecID) (Codec, error) {
	switch id {
	case codecNone:
		return noneCodec{}, nil
	case codecLZ4:
		return lz4Codec{}, nil
	case codecZstd:
		return newZstdCodec(0)
	default:
		return nil, fmt.Errorf("spill: unknown codec id %d", id)
	}
}

type noneCodec struct{}

func (noneCodec) id() codecID { return codecNone }
func (noneCodec) Compress(dst, src []byte) []byte {
	return append(dst, src...)
}
func (noneCodec) Decompress(src []byte, uncompressedLen int) ([]byte, error) {
	if len(src) != uncompressedLen {
		return nil, fmt.Errorf("spill: none codec length mismatch: got %d want %d", len(src), uncompressedLen)
	}
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

// lz4Codec wraps github.com/pierrec/lz4/v3's block-level API, the
// codec choice the spec names alongside zstd.
type lz4Codec struct{}

func (lz4Codec) id() codecID { return codecLZ4 }

func (lz4Codec) Compress(dst, src []byte) []byte {
	bound := lz4.CompressBlockBound(len(src))
	tail := make([]byte, bound)
	n, err := lz4.CompressBlock(src, tail, nil)
	if err != nil || n == 0 {
		// incompressible or error: store the raw bytes behind the
		// one-byte rawFallbackTag prefix, which Decompress recognizes
		// and strips. No second compression attempt is made.
		return append(dst, encodeRawFallback(src)...)
	}
	return append(dst, tail[:n]...)
}

func (lz4Codec) Decompress(src []byte, uncompressedLen int) ([]byte, error) {
	if raw, ok := decodeRawFallback(src); ok {
		if len(raw) != uncompressedLen {
			return nil, fmt.Errorf("spill: lz4 raw-fallback length mismatch")
		}
		return raw, nil
	}
	out := make([]byte, uncompressedLen)
	n, err := lz4.UncompressBlock(src, out)
	if err != nil {
		return nil, fmt.Errorf("spill: lz4 decompress: %w", err)
	}
	if n != uncompressedLen {
		return nil, fmt.Errorf("spill: lz4 decompress length mismatch: got %d want %d", n, uncompressedLen)
	}
	return out, nil
}

// rawFallbackTag is an implausible-to-collide-with-real-lz4-output
// one-byte prefix used only when CompressBlock declines to compress
// (e.g. tiny or incompressible input, which it signals with n==0).
const rawFallbackTag = 0xFF

func encodeRawFallback(src []byte) []byte {
	out := make([]byte, 0, len(src)+1)
	out = append(out, rawFallbackTag)
	return append(out, src...)
}

func decodeRawFallback(src []byte) ([]byte, bool) {
	if len(src) == 0 || src[0] != rawFallbackTag {
		return nil, false
	}
	return src[1:], true
}

// zstdCodec wraps klauspost/compress/zstd, the codec the teacher's
// own compr package uses.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec(level int) (Codec, error) {
	var opts []zstd.EOption
	switch {
	case level <= 1:
		opts = append(opts, zstd.WithEncoderLevel(zstd.SpeedFastest))
	case level >= 3:
		opts = append(opts, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	default:
		opts = append(opts, zstd.WithEncoderLevel(zstd.SpeedDefault))
	}
	enc, err := zstd.NewWriter(nil, append(opts, zstd.WithEncoderConcurrency(1))...)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (z *zstdCodec) id() codecID { return codecZstd }

func (z *zstdCodec) Compress(dst, src []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

func (z *zstdCodec) Decompress(src []byte, uncompressedLen int) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, make([]byte, 0, uncompressedLen))
	if err != nil {
		return nil, fmt.Errorf("spill: zstd decompress: %w", err)
	}
	if len(out) != uncompressedLen {
		return nil, fmt.Errorf("spill: zstd decompress length mismatch: got %d want %d", len(out), uncompressedLen)
	}
	return out, nil
}
