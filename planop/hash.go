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

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dchest/siphash"

	"github.com/emsqrt/emsqrt/rowbatch"
)

// domain-separation keys for the plan hash; fixed so that identical
// plans hash identically across runs and processes
const (
	hashKey0 = 0x656d7371727431
	hashKey1 = 0x706c616e686173
)

// PlanHash identifies a plan tree (and every one of its subtrees) by
// content: two plans that differ only by variable names the planner
// never surfaces (there are none here — every parameter that affects
// execution is part of the fingerprint) hash identically.
type PlanHash struct {
	Hi, Lo uint64
}

func (h PlanHash) String() string {
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

// Hash computes the plan hash of the subtree rooted at n: one
// siphash.Hash128 over a pre-order encoding in which each node's kind
// and parameters are followed by its children's encodings, so two
// nodes with identical parameters but different subtrees hash
// differently.
func Hash(n Node) PlanHash {
	var buf bytes.Buffer
	writeNode(&buf, n)
	hi, lo := siphash.Hash128(hashKey0, hashKey1, buf.Bytes())
	return PlanHash{hi, lo}
}

func writeNode(w *bytes.Buffer, n Node) {
	writeU8(w, uint8(n.Kind()))
	switch t := n.(type) {
	case *Scan:
		writeString(w, t.Source)
		writeSchema(w, t.OutSchema)
		writeI64(w, t.HintRows)
		writeI64(w, t.HintRowBytes)
	case *Filter:
		writeString(w, t.Pred.String())
	case *Project:
		writeStrings(w, t.Columns)
	case *Map:
		writeU32(w, uint32(len(t.Renames)))
		for _, r := range t.Renames {
			writeString(w, r.From)
			writeString(w, r.To)
		}
	case *Sort:
		writeU32(w, uint32(len(t.Keys)))
		for _, k := range t.Keys {
			writeString(w, k.Column)
			writeBool(w, k.Desc)
		}
	case *Aggregate:
		writeStrings(w, t.GroupKeys)
		writeU32(w, uint32(len(t.Aggs)))
		for _, a := range t.Aggs {
			writeU8(w, uint8(a.Func))
			writeString(w, a.Column)
			writeString(w, a.Output)
		}
	case *Join:
		writeStrings(w, t.LeftKeys)
		writeStrings(w, t.RightKeys)
		writeU8(w, uint8(t.How))
		writeU8(w, uint8(t.Strategy))
	case *Sink:
		writeString(w, t.Destination)
		writeString(w, t.Format)
	}
	children := n.Children()
	writeU8(w, uint8(len(children)))
	for _, c := range children {
		writeNode(w, c)
	}
}

func writeSchema(w *bytes.Buffer, s *rowbatch.Schema) {
	writeU32(w, uint32(len(s.Fields)))
	for _, f := range s.Fields {
		writeString(w, f.Name)
		writeU8(w, uint8(f.Type))
		writeBool(w, f.Nullable)
	}
}

func writeU8(w *bytes.Buffer, v uint8)   { w.WriteByte(v) }
func writeBool(w *bytes.Buffer, v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}
func writeU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}
func writeI64(w *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.Write(b[:])
}
func writeString(w *bytes.Buffer, s string) {
	writeU32(w, uint32(len(s)))
	w.WriteString(s)
}
func writeStrings(w *bytes.Buffer, ss []string) {
	writeU32(w, uint32(len(ss)))
	for _, s := range ss {
		writeString(w, s)
	}
}
