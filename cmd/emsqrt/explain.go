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
	"fmt"
	"io"
	"strings"

	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/sched"
)

// printSchedule renders a Schedule as a plain-text block DAG dump, in
// lieu of a graphviz renderer (no such dependency is in reach here):
// one line per block, its root operator, its fused source pipelines,
// and its dependencies.
func printSchedule(w io.Writer, s *sched.Schedule) {
	for i, blk := range s.Blocks {
		fmt.Fprintf(w, "[%d] %s root=%s footprint=%d batch_hint=%d\n",
			i, blk.ID, blk.Root, blk.Footprint, blk.BatchSizeHint)
		for j, src := range blk.Sources {
			if src.FromBlock != "" {
				fmt.Fprintf(w, "    source[%d]: <- %s %s\n", j, src.FromBlock, pipelineString(src.Pipeline))
			} else {
				fmt.Fprintf(w, "    source[%d]: %s\n", j, pipelineString(src.Pipeline))
			}
		}
		if len(blk.DependsOn) > 0 {
			fmt.Fprintf(w, "    depends_on: %s\n", strings.Join(blk.DependsOn, ", "))
		}
	}
}

func pipelineString(pipeline []planop.Node) string {
	parts := make([]string, len(pipeline))
	for i, n := range pipeline {
		parts[i] = n.String()
	}
	return strings.Join(parts, " -> ")
}
