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

// Package planop defines the physical plan: a tree of operator nodes,
// each carrying bottom-up cardinality and row-size estimates, rooted
// at a single Sink. The planner (an external collaborator) builds
// trees of these nodes; this package does not perform rewrites, it
// only estimates sizes and computes the plan hash the engine uses for
// manifest identity.
package planop

import (
	"fmt"

	"github.com/emsqrt/emsqrt/predicate"
	"github.com/emsqrt/emsqrt/rowbatch"
)

// Kind identifies the variant of a Node.
type Kind int

const (
	ScanKind Kind = iota
	FilterKind
	ProjectKind
	MapKind
	SortKind
	AggregateKind
	JoinNodeKind
	SinkKind
)

func (k Kind) String() string {
	switch k {
	case ScanKind:
		return "Scan"
	case FilterKind:
		return "Filter"
	case ProjectKind:
		return "Project"
	case MapKind:
		return "Map"
	case SortKind:
		return "Sort"
	case AggregateKind:
		return "Aggregate"
	case JoinNodeKind:
		return "Join"
	case SinkKind:
		return "Sink"
	default:
		return "Unknown"
	}
}

// Node is a single node in the physical plan tree. Every concrete
// node type in this package implements Node.
type Node interface {
	fmt.Stringer
	Kind() Kind
	// Children returns the node's inputs: zero for Scan, one for most
	// operators, two (Left, Right) for Join.
	Children() []Node
	// Schema returns the node's output schema.
	Schema() *rowbatch.Schema
	// EstRows and EstRowBytes are the bottom-up cardinality and
	// per-row-size estimates Estimate populates.
	EstRows() int64
	EstRowBytes() int64

	setEstimate(rows, rowBytes int64)
}

type base struct {
	estRows     int64
	estRowBytes int64
}

func (b *base) EstRows() int64     { return b.estRows }
func (b *base) EstRowBytes() int64 { return b.estRowBytes }
func (b *base) setEstimate(rows, rowBytes int64) {
	b.estRows, b.estRowBytes = rows, rowBytes
}

// Scan reads rows from a named external source (file, previously
// sealed segment, etc.) of a declared schema.
type Scan struct {
	base
	Source       string
	OutSchema    *rowbatch.Schema
	HintRows     int64 // the planner's a-priori cardinality estimate
	HintRowBytes int64
}

func (s *Scan) Kind() Kind             { return ScanKind }
func (s *Scan) Children() []Node       { return nil }
func (s *Scan) Schema() *rowbatch.Schema { return s.OutSchema }
func (s *Scan) String() string         { return fmt.Sprintf("Scan(%s)", s.Source) }

// Filter keeps only rows matching Pred.
type Filter struct {
	base
	Input Node
	Pred  predicate.Expr
}

func (f *Filter) Kind() Kind             { return FilterKind }
func (f *Filter) Children() []Node       { return []Node{f.Input} }
func (f *Filter) Schema() *rowbatch.Schema { return f.Input.Schema() }
func (f *Filter) String() string         { return fmt.Sprintf("Filter(%s)", f.Pred) }

// Project restricts and reorders columns to Columns.
type Project struct {
	base
	Input   Node
	Columns []string

	outSchema *rowbatch.Schema
}

func (p *Project) Kind() Kind       { return ProjectKind }
func (p *Project) Children() []Node { return []Node{p.Input} }
func (p *Project) String() string   { return fmt.Sprintf("Project(%v)", p.Columns) }
func (p *Project) Schema() *rowbatch.Schema {
	if p.outSchema == nil {
		s, err := p.Input.Schema().Project(p.Columns)
		if err != nil {
			panic(err) // Config error: must be caught by a prior validate pass
		}
		p.outSchema = s
	}
	return p.outSchema
}

// Rename is a single "from -> to" column rename.
type Rename struct {
	From, To string
}

// Map renames columns; it never adds, removes, or reorders them.
type Map struct {
	base
	Input   Node
	Renames []Rename

	outSchema *rowbatch.Schema
}

func (m *Map) Kind() Kind       { return MapKind }
func (m *Map) Children() []Node { return []Node{m.Input} }
func (m *Map) String() string   { return fmt.Sprintf("Map(%v)", m.Renames) }
func (m *Map) Schema() *rowbatch.Schema {
	if m.outSchema == nil {
		in := m.Input.Schema()
		to := make(map[string]string, len(m.Renames))
		for _, r := range m.Renames {
			to[r.From] = r.To
		}
		fields := make([]rowbatch.Field, len(in.Fields))
		for i, f := range in.Fields {
			if newName, ok := to[f.Name]; ok {
				f.Name = newName
			}
			fields[i] = f
		}
		m.outSchema = rowbatch.NewSchema(fields...)
	}
	return m.outSchema
}

// SortKey is a single ORDER BY term. The spec fixes nulls-first,
// bytewise string comparison, and by-value numeric comparison; the
// only per-key parameter is direction.
type SortKey struct {
	Column string
	Desc   bool
}

// Sort imposes a total order on its input by Keys.
type Sort struct {
	base
	Input Node
	Keys  []SortKey
}

func (s *Sort) Kind() Kind             { return SortKind }
func (s *Sort) Children() []Node       { return []Node{s.Input} }
func (s *Sort) Schema() *rowbatch.Schema { return s.Input.Schema() }
func (s *Sort) String() string         { return fmt.Sprintf("Sort(%v)", s.Keys) }

// AggFunc is one of the supported aggregate functions.
type AggFunc int

const (
	Sum AggFunc = iota
	Avg
	Min
	Max
	CountStar
	CountCol
)

func (f AggFunc) String() string {
	switch f {
	case Sum:
		return "SUM"
	case Avg:
		return "AVG"
	case Min:
		return "MIN"
	case Max:
		return "MAX"
	case CountStar:
		return "COUNT(*)"
	case CountCol:
		return "COUNT"
	default:
		return "?"
	}
}

// AggExpr is a single aggregate expression, e.g. SUM(amount) AS total.
type AggExpr struct {
	Func   AggFunc
	Column string // empty for CountStar
	Output string
}

// Aggregate groups rows by GroupKeys and computes Aggs over each
// group. Output row order is undefined unless a Sort follows.
type Aggregate struct {
	base
	Input     Node
	GroupKeys []string
	Aggs      []AggExpr

	outSchema *rowbatch.Schema
}

func (a *Aggregate) Kind() Kind       { return AggregateKind }
func (a *Aggregate) Children() []Node { return []Node{a.Input} }
func (a *Aggregate) String() string   { return fmt.Sprintf("Aggregate(%v, %v)", a.GroupKeys, a.Aggs) }
func (a *Aggregate) Schema() *rowbatch.Schema {
	if a.outSchema == nil {
		in := a.Input.Schema()
		fields := make([]rowbatch.Field, 0, len(a.GroupKeys)+len(a.Aggs))
		for _, k := range a.GroupKeys {
			idx := in.IndexOf(k)
			if idx < 0 {
				panic(fmt.Sprintf("planop: unknown group key %q", k))
			}
			fields = append(fields, in.Fields[idx])
		}
		for _, agg := range a.Aggs {
			t := rowbatch.Int64
			nullable := false
			switch agg.Func {
			case Avg:
				t = rowbatch.Float64
			case CountStar, CountCol:
				t = rowbatch.Int64
			default:
				if agg.Column != "" {
					idx := in.IndexOf(agg.Column)
					if idx < 0 {
						panic(fmt.Sprintf("planop: unknown aggregate column %q", agg.Column))
					}
					t = in.Fields[idx].Type
					nullable = true // all-null groups produce a null SUM/MIN/MAX
				}
			}
			fields = append(fields, rowbatch.Field{Name: agg.Output, Type: t, Nullable: nullable})
		}
		a.outSchema = rowbatch.NewSchema(fields...)
	}
	return a.outSchema
}

// JoinKind is the kind of join: inner or one-sided outer.
type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftOuterJoin
	RightOuterJoin
)

func (k JoinKind) String() string {
	switch k {
	case InnerJoin:
		return "inner"
	case LeftOuterJoin:
		return "left outer"
	case RightOuterJoin:
		return "right outer"
	default:
		return "?"
	}
}

// JoinStrategy is the operator the planner selected, per "hash join
// is default; merge join is selected when both inputs are already
// sorted on the join keys."
type JoinStrategy int

const (
	HashJoin JoinStrategy = iota
	MergeJoinStrategy
)

// Join combines Left and Right on LeftKeys/RightKeys.
type Join struct {
	base
	Left, Right   Node
	LeftKeys      []string
	RightKeys     []string
	How           JoinKind
	Strategy      JoinStrategy
	EstBuildBytes int64
}

func (j *Join) Kind() Kind       { return JoinNodeKind }
func (j *Join) Children() []Node { return []Node{j.Left, j.Right} }
func (j *Join) String() string   { return fmt.Sprintf("Join(%v=%v, %s)", j.LeftKeys, j.RightKeys, j.How) }
func (j *Join) Schema() *rowbatch.Schema {
	l := j.Left.Schema()
	r := j.Right.Schema()
	fields := make([]rowbatch.Field, 0, len(l.Fields)+len(r.Fields))
	for _, f := range l.Fields {
		if j.How == RightOuterJoin {
			f.Nullable = true
		}
		fields = append(fields, f)
	}
	for _, f := range r.Fields {
		if j.How == LeftOuterJoin || j.How == RightOuterJoin {
			f.Nullable = true
		}
		fields = append(fields, f)
	}
	return rowbatch.NewSchema(fields...)
}

// Sink consumes Input and writes it to Destination in Format.
type Sink struct {
	base
	Input       Node
	Destination string
	Format      string
}

func (s *Sink) Kind() Kind             { return SinkKind }
func (s *Sink) Children() []Node       { return []Node{s.Input} }
func (s *Sink) Schema() *rowbatch.Schema { return s.Input.Schema() }
func (s *Sink) String() string         { return fmt.Sprintf("Sink(%s, %s)", s.Destination, s.Format) }
