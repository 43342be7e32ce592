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

package main

import (
	"encoding/json"
	"fmt"

	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/predicate"
	"github.com/emsqrt/emsqrt/rowbatch"
)

// planNode is the on-disk shape of a physical plan node: a stand-in
// for the logical-to-physical lowering step a real deployment would
// have in front of the engine. Every node carries "op" plus whichever
// of the other fields its kind needs.
type planNode struct {
	Op string `json:"op"`

	// scan
	Source       string       `json:"source,omitempty"`
	Schema       []fieldSpec  `json:"schema,omitempty"`
	HintRows     int64        `json:"hint_rows,omitempty"`
	HintRowBytes int64        `json:"hint_row_bytes,omitempty"`

	// filter
	Pred *predSpec `json:"pred,omitempty"`

	// project
	Columns []string `json:"columns,omitempty"`

	// map
	Renames []renameSpec `json:"renames,omitempty"`

	// sort
	Keys []sortKeySpec `json:"keys,omitempty"`

	// aggregate
	GroupKeys []string    `json:"group_keys,omitempty"`
	Aggs      []aggSpec   `json:"aggs,omitempty"`

	// join
	Right         *planNode `json:"right,omitempty"`
	LeftKeys      []string  `json:"left_keys,omitempty"`
	RightKeys     []string  `json:"right_keys,omitempty"`
	How           string    `json:"how,omitempty"`
	Strategy      string    `json:"strategy,omitempty"`
	EstBuildBytes int64     `json:"est_build_bytes,omitempty"`

	// sink
	Destination string `json:"destination,omitempty"`
	Format      string `json:"format,omitempty"`

	Input *planNode `json:"input,omitempty"`
}

type fieldSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

type renameSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type sortKeySpec struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

type aggSpec struct {
	Func   string `json:"func"`
	Column string `json:"column,omitempty"`
	Output string `json:"output"`
}

type predSpec struct {
	// leaf comparison
	Column  string      `json:"column,omitempty"`
	Op      string      `json:"op,omitempty"`
	Literal *literalSpec `json:"literal,omitempty"`

	// boolean combinators
	And []predSpec `json:"and,omitempty"`
	Or  []predSpec `json:"or,omitempty"`
}

type literalSpec struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// parsePlan reads a JSON physical-plan literal from raw and lowers it
// into a planop.Node tree.
func parsePlan(raw []byte) (planop.Node, error) {
	var pn planNode
	if err := json.Unmarshal(raw, &pn); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	return toNode(&pn)
}

func toNode(pn *planNode) (planop.Node, error) {
	switch pn.Op {
	case "scan":
		schema, err := toSchema(pn.Schema)
		if err != nil {
			return nil, err
		}
		return &planop.Scan{
			Source:       pn.Source,
			OutSchema:    schema,
			HintRows:     pn.HintRows,
			HintRowBytes: pn.HintRowBytes,
		}, nil

	case "filter":
		if pn.Input == nil || pn.Pred == nil {
			return nil, fmt.Errorf("filter: missing input or pred")
		}
		in, err := toNode(pn.Input)
		if err != nil {
			return nil, err
		}
		pred, err := toExpr(pn.Pred)
		if err != nil {
			return nil, err
		}
		return &planop.Filter{Input: in, Pred: pred}, nil

	case "project":
		if pn.Input == nil {
			return nil, fmt.Errorf("project: missing input")
		}
		in, err := toNode(pn.Input)
		if err != nil {
			return nil, err
		}
		return &planop.Project{Input: in, Columns: pn.Columns}, nil

	case "map":
		if pn.Input == nil {
			return nil, fmt.Errorf("map: missing input")
		}
		in, err := toNode(pn.Input)
		if err != nil {
			return nil, err
		}
		renames := make([]planop.Rename, len(pn.Renames))
		for i, r := range pn.Renames {
			renames[i] = planop.Rename{From: r.From, To: r.To}
		}
		return &planop.Map{Input: in, Renames: renames}, nil

	case "sort":
		if pn.Input == nil {
			return nil, fmt.Errorf("sort: missing input")
		}
		in, err := toNode(pn.Input)
		if err != nil {
			return nil, err
		}
		keys := make([]planop.SortKey, len(pn.Keys))
		for i, k := range pn.Keys {
			keys[i] = planop.SortKey{Column: k.Column, Desc: k.Desc}
		}
		return &planop.Sort{Input: in, Keys: keys}, nil

	case "aggregate":
		if pn.Input == nil {
			return nil, fmt.Errorf("aggregate: missing input")
		}
		in, err := toNode(pn.Input)
		if err != nil {
			return nil, err
		}
		aggs := make([]planop.AggExpr, len(pn.Aggs))
		for i, a := range pn.Aggs {
			f, err := toAggFunc(a.Func)
			if err != nil {
				return nil, err
			}
			aggs[i] = planop.AggExpr{Func: f, Column: a.Column, Output: a.Output}
		}
		return &planop.Aggregate{Input: in, GroupKeys: pn.GroupKeys, Aggs: aggs}, nil

	case "join":
		if pn.Input == nil || pn.Right == nil {
			return nil, fmt.Errorf("join: missing left (input) or right")
		}
		left, err := toNode(pn.Input)
		if err != nil {
			return nil, err
		}
		right, err := toNode(pn.Right)
		if err != nil {
			return nil, err
		}
		how, err := toJoinKind(pn.How)
		if err != nil {
			return nil, err
		}
		strategy, err := toJoinStrategy(pn.Strategy)
		if err != nil {
			return nil, err
		}
		return &planop.Join{
			Left: left, Right: right,
			LeftKeys: pn.LeftKeys, RightKeys: pn.RightKeys,
			How: how, Strategy: strategy,
			EstBuildBytes: pn.EstBuildBytes,
		}, nil

	case "sink":
		if pn.Input == nil {
			return nil, fmt.Errorf("sink: missing input")
		}
		in, err := toNode(pn.Input)
		if err != nil {
			return nil, err
		}
		return &planop.Sink{Input: in, Destination: pn.Destination, Format: pn.Format}, nil

	default:
		return nil, fmt.Errorf("unknown op %q", pn.Op)
	}
}

func toSchema(fields []fieldSpec) (*rowbatch.Schema, error) {
	out := make([]rowbatch.Field, len(fields))
	for i, f := range fields {
		t, err := toType(f.Type)
		if err != nil {
			return nil, err
		}
		out[i] = rowbatch.Field{Name: f.Name, Type: t, Nullable: f.Nullable}
	}
	return rowbatch.NewSchema(out...), nil
}

func toType(s string) (rowbatch.Type, error) {
	switch s {
	case "int32":
		return rowbatch.Int32, nil
	case "int64":
		return rowbatch.Int64, nil
	case "float64":
		return rowbatch.Float64, nil
	case "bool":
		return rowbatch.Bool, nil
	case "utf8":
		return rowbatch.Utf8, nil
	default:
		return 0, fmt.Errorf("unknown column type %q", s)
	}
}

func toAggFunc(s string) (planop.AggFunc, error) {
	switch s {
	case "sum":
		return planop.Sum, nil
	case "avg":
		return planop.Avg, nil
	case "min":
		return planop.Min, nil
	case "max":
		return planop.Max, nil
	case "count_star":
		return planop.CountStar, nil
	case "count":
		return planop.CountCol, nil
	default:
		return 0, fmt.Errorf("unknown aggregate function %q", s)
	}
}

func toJoinKind(s string) (planop.JoinKind, error) {
	switch s {
	case "", "inner":
		return planop.InnerJoin, nil
	case "left_outer":
		return planop.LeftOuterJoin, nil
	case "right_outer":
		return planop.RightOuterJoin, nil
	default:
		return 0, fmt.Errorf("unknown join kind %q", s)
	}
}

func toJoinStrategy(s string) (planop.JoinStrategy, error) {
	switch s {
	case "", "hash":
		return planop.HashJoin, nil
	case "merge":
		return planop.MergeJoinStrategy, nil
	default:
		return 0, fmt.Errorf("unknown join strategy %q", s)
	}
}

func toExpr(p *predSpec) (predicate.Expr, error) {
	switch {
	case len(p.And) > 0:
		clauses := make([]predicate.Expr, len(p.And))
		for i := range p.And {
			e, err := toExpr(&p.And[i])
			if err != nil {
				return nil, err
			}
			clauses[i] = e
		}
		return &predicate.And{Clauses: clauses}, nil
	case len(p.Or) > 0:
		clauses := make([]predicate.Expr, len(p.Or))
		for i := range p.Or {
			e, err := toExpr(&p.Or[i])
			if err != nil {
				return nil, err
			}
			clauses[i] = e
		}
		return &predicate.Or{Clauses: clauses}, nil
	default:
		op, err := toPredOp(p.Op)
		if err != nil {
			return nil, err
		}
		lit, err := toLiteral(p.Literal)
		if err != nil {
			return nil, err
		}
		return &predicate.Compare{Column: p.Column, Op: op, Literal: lit}, nil
	}
}

func toPredOp(s string) (predicate.Op, error) {
	switch s {
	case "eq":
		return predicate.Eq, nil
	case "ne":
		return predicate.Ne, nil
	case "lt":
		return predicate.Lt, nil
	case "le":
		return predicate.Le, nil
	case "gt":
		return predicate.Gt, nil
	case "ge":
		return predicate.Ge, nil
	default:
		return 0, fmt.Errorf("unknown predicate op %q", s)
	}
}

func toLiteral(l *literalSpec) (rowbatch.Value, error) {
	if l == nil {
		return rowbatch.Value{}, fmt.Errorf("comparison missing literal")
	}
	t, err := toType(l.Type)
	if err != nil {
		return rowbatch.Value{}, err
	}
	switch t {
	case rowbatch.Int32:
		var v int32
		if err := json.Unmarshal(l.Value, &v); err != nil {
			return rowbatch.Value{}, err
		}
		return rowbatch.Int32Value(v), nil
	case rowbatch.Int64:
		var v int64
		if err := json.Unmarshal(l.Value, &v); err != nil {
			return rowbatch.Value{}, err
		}
		return rowbatch.Int64Value(v), nil
	case rowbatch.Float64:
		var v float64
		if err := json.Unmarshal(l.Value, &v); err != nil {
			return rowbatch.Value{}, err
		}
		return rowbatch.Float64Value(v), nil
	case rowbatch.Bool:
		var v bool
		if err := json.Unmarshal(l.Value, &v); err != nil {
			return rowbatch.Value{}, err
		}
		return rowbatch.BoolValue(v), nil
	case rowbatch.Utf8:
		var v string
		if err := json.Unmarshal(l.Value, &v); err != nil {
			return rowbatch.Value{}, err
		}
		return rowbatch.Utf8Value(v), nil
	default:
		return rowbatch.Value{}, fmt.Errorf("unsupported literal type %q", l.Type)
	}
}
