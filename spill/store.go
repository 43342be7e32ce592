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
	"os"
	"path/filepath"
	"sync/atomic"
)

// Store is a stateless-across-calls handle to a directory of spill
// segments. Up to maxConcurrency writers and readers may be open at
// once; beyond that, OpenWriter/OpenReader block until a slot frees.
type Store struct {
	dir   string
	codec Name
	level int
	sem   chan struct{}

	writeBytes int64
	readBytes  int64
}

// WriteBytes returns the total compressed bytes written to segments
// sealed through this store so far (across every Writer it opened).
func (s *Store) WriteBytes() int64 { return atomic.LoadInt64(&s.writeBytes) }

// ReadBytes returns the total compressed bytes read back from
// segments through this store so far (across every Reader it opened).
func (s *Store) ReadBytes() int64 { return atomic.LoadInt64(&s.readBytes) }

// NewStore returns a Store rooted at dir (created if absent), using
// codec/level for newly written segments and bounding concurrent
// writers+readers to maxConcurrency (the spec's max_spill_concurrency).
func NewStore(dir string, codec Name, level, maxConcurrency int) (*Store, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, wrapSpillErr(err, "create spill dir %q", dir)
	}
	return &Store{
		dir:   dir,
		codec: codec,
		level: level,
		sem:   make(chan struct{}, maxConcurrency),
	}, nil
}

func (s *Store) pathFor(segmentID string) string {
	return filepath.Join(s.dir, segmentID)
}

// OpenWriter creates a temp file under the store's directory and
// returns a Writer that buffers one batch at a time.
func (s *Store) OpenWriter(segmentID string) (*Writer, error) {
	s.sem <- struct{}{}
	codec, err := NewCodec(s.codec, s.level)
	if err != nil {
		<-s.sem
		return nil, wrapSpillErr(err, "construct codec %q", s.codec)
	}
	final := s.pathFor(segmentID)
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		<-s.sem
		return nil, wrapSpillErr(err, "create temp segment %q", tmp)
	}
	// reserve the header's place in the file; Seal overwrites these
	// bytes in place once the real codec/version are known to have
	// been written successfully
	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		f.Close()
		os.Remove(tmp)
		<-s.sem
		return nil, wrapSpillErr(err, "reserve header in segment %q", tmp)
	}
	return &Writer{
		store:     s,
		segmentID: segmentID,
		f:         f,
		tmpPath:   tmp,
		finalPath: final,
		codec:     codec,
		pos:       int64(headerSize),
	}, nil
}

// OpenReader opens a sealed Segment for reading. Header and trailer
// checksums are validated lazily, on the first call to Reader.Next,
// not here.
func (s *Store) OpenReader(seg Segment) (*Reader, error) {
	s.sem <- struct{}{}
	f, err := os.Open(seg.Path)
	if err != nil {
		<-s.sem
		return nil, wrapSpillErr(err, "open segment %q", seg.Path)
	}
	return &Reader{store: s, seg: seg, f: f}, nil
}

// Unlink removes a segment's backing file. It is idempotent: removing
// an already-absent segment is not an error.
func (s *Store) Unlink(seg Segment) error {
	err := os.Remove(seg.Path)
	if err != nil && !os.IsNotExist(err) {
		return wrapSpillErr(err, "unlink segment %q", seg.Path)
	}
	return nil
}

// release is called by Writer.Close/Seal and Reader.Close to free a
// concurrency slot.
func (s *Store) release() { <-s.sem }
