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

// Package sched implements the Tree-Evaluation Scheduler: it walks a
// physical plan bottom-up, decomposes it into blocks at
// pipeline-breaking operators (and wherever a fused pipeline's
// estimated size would exceed its share of the memory cap), and
// emits a topological order over the resulting block DAG. K only
// sets each block's share of the cap (memCapBytes / K); the order
// itself does not bound how many blocks are live at once.
package sched

import (
	"fmt"

	"github.com/emsqrt/emsqrt/heap"
	"github.com/emsqrt/emsqrt/planop"
)

// blockOverhead is the fixed per-block bookkeeping cost (reader
// buffers, builder scratch space) added on top of a block's own
// estimated data footprint when checking it against mem_cap_bytes.
const blockOverhead = 1 << 20

// Source is one of a Block's inputs: either a fused in-process
// pipeline rooted at a Scan (FromBlock empty), or a fused pipeline
// rooted at a Scan-like read of a dependency block's sealed output
// (FromBlock set).
type Source struct {
	FromBlock string
	Pipeline  []planop.Node
}

// Block is a maximal fused pipeline ending at a pipeline-breaking
// operator (Sort, Aggregate, Join, or the plan's terminal Sink), or a
// streaming chain cut off by materialize because fusing further would
// exceed the per-block cap.
type Block struct {
	ID            string
	Root          planop.Node
	Sources       []Source
	Footprint     int64
	BatchSizeHint int64
	DependsOn     []string
}

// Schedule is the engine-facing output: blocks in an order that
// respects every dependency. The order does not limit how many
// blocks are live at once.
type Schedule struct {
	Blocks []*Block
}

// Plan decomposes root (expected to be the plan's single Sink) into
// blocks bounded by memCapBytes, with scheduler fan-in K, and orders
// them for execution.
func Plan(root planop.Node, memCapBytes int64, k int, batchSizeHint int64) (*Schedule, error) {
	if memCapBytes <= 0 {
		return nil, fmt.Errorf("sched: mem_cap_bytes must be positive")
	}
	if k <= 0 {
		k = 1
	}
	p := &planner{
		memCapBytes:   memCapBytes,
		perBlockCap:   memCapBytes / int64(k),
		batchSizeHint: batchSizeHint,
		seq:           0,
	}
	rootBlock, err := p.planBreaking(root)
	if err != nil {
		return nil, err
	}
	order, err := synthesize(p.blocks, rootBlock.ID)
	if err != nil {
		return nil, err
	}
	return &Schedule{Blocks: order}, nil
}

type planner struct {
	memCapBytes   int64
	perBlockCap   int64
	batchSizeHint int64
	seq           int
	blocks        []*Block
}

func (p *planner) nextID() string {
	p.seq++
	return fmt.Sprintf("block-%d", p.seq)
}

func isFusable(n planop.Node) bool {
	switch n.(type) {
	case *planop.Filter, *planop.Project, *planop.Map, *planop.Scan:
		return true
	}
	return false
}

// footprint estimates a node's own output size: the proxy the
// decomposition rule uses both for a breaking node's block footprint
// and for "pipeline accumulated since the last boundary."
func footprint(n planop.Node) int64 {
	return n.EstRows() * n.EstRowBytes()
}

func pipelineFootprint(nodes []planop.Node) int64 {
	var sum int64
	for _, n := range nodes {
		sum += footprint(n)
	}
	return sum
}

// buildSource walks a fusable chain down to its base (a Scan, or a
// dependency block boundary), fusing Filter/Project/Map/streaming-Scan
// nodes into one Source. It splits the chain into two Sources (one
// materialized as its own block) if continuing to fuse would exceed
// perBlockCap, realizing decomposition rule (b).
func (p *planner) buildSource(node planop.Node) (Source, error) {
	if !isFusable(node) {
		blk, err := p.planBreaking(node)
		if err != nil {
			return Source{}, err
		}
		return Source{FromBlock: blk.ID}, nil
	}
	children := node.Children()
	if len(children) == 0 {
		return Source{Pipeline: []planop.Node{node}}, nil
	}
	childSrc, err := p.buildSource(children[0])
	if err != nil {
		return Source{}, err
	}
	candidate := append(append([]planop.Node{}, childSrc.Pipeline...), node)
	if len(childSrc.Pipeline) > 0 && pipelineFootprint(candidate) > p.perBlockCap {
		blk, err := p.materialize(childSrc)
		if err != nil {
			return Source{}, err
		}
		return Source{FromBlock: blk.ID, Pipeline: []planop.Node{node}}, nil
	}
	return Source{FromBlock: childSrc.FromBlock, Pipeline: candidate}, nil
}

// materialize forces a block boundary in the middle of what would
// otherwise be a fused chain, because rule (b)'s size threshold was
// hit — the chain itself is not pipeline-breaking, but the scheduler
// still needs to cap how much of it is pulled into one block.
func (p *planner) materialize(src Source) (*Block, error) {
	last := src.Pipeline[len(src.Pipeline)-1]
	fp := pipelineFootprint(src.Pipeline)
	if err := p.checkFootprint(fp, last); err != nil {
		return nil, err
	}
	blk := &Block{
		ID:            p.nextID(),
		Root:          last,
		Sources:       []Source{src},
		Footprint:     fp,
		BatchSizeHint: p.batchSizeHint,
	}
	if src.FromBlock != "" {
		blk.DependsOn = []string{src.FromBlock}
	}
	p.blocks = append(p.blocks, blk)
	return blk, nil
}

// planBreaking turns node (a Sort, Aggregate, Join, or the plan's
// Sink) into its own block, recursively planning each child as a
// Source first.
func (p *planner) planBreaking(node planop.Node) (*Block, error) {
	children := node.Children()
	sources := make([]Source, len(children))
	for i, c := range children {
		s, err := p.buildSource(c)
		if err != nil {
			return nil, err
		}
		sources[i] = s
	}
	fp := footprint(node)
	if j, ok := node.(*planop.Join); ok {
		fp += j.EstBuildBytes
	}
	if err := p.checkFootprint(fp, node); err != nil {
		return nil, err
	}
	blk := &Block{
		ID:            p.nextID(),
		Root:          node,
		Sources:       sources,
		Footprint:     fp,
		BatchSizeHint: p.batchSizeHint,
	}
	for _, s := range sources {
		if s.FromBlock != "" {
			blk.DependsOn = append(blk.DependsOn, s.FromBlock)
		}
	}
	p.blocks = append(p.blocks, blk)
	return blk, nil
}

func (p *planner) checkFootprint(fp int64, node planop.Node) error {
	if fp > p.memCapBytes-blockOverhead {
		return fmt.Errorf("sched: block at %s has estimated footprint %d, exceeds mem_cap_bytes - overhead (%d)",
			node, fp, p.memCapBytes-blockOverhead)
	}
	return nil
}

// synthesize orders blocks so every dependency precedes its
// consumer, breaking ties among topologically-ready blocks by
// preferring the one whose completion unlocks a consumer soonest
// (frees frontier capacity first), then by smallest footprint.
func synthesize(blocks []*Block, rootID string) ([]*Block, error) {
	byID := make(map[string]*Block, len(blocks))
	consumerOf := make(map[string]string)
	remaining := make(map[string]int, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = b
		remaining[b.ID] = len(b.DependsOn)
		for _, dep := range b.DependsOn {
			consumerOf[dep] = b.ID
		}
	}

	less := func(a, b *Block) bool {
		ua, ub := unlocks(a, consumerOf, remaining), unlocks(b, consumerOf, remaining)
		if ua != ub {
			return ua // a block that unlocks its consumer sorts first
		}
		return a.Footprint < b.Footprint
	}

	var ready []*Block
	for _, b := range blocks {
		if remaining[b.ID] == 0 {
			ready = append(ready, b)
		}
	}
	heap.OrderSlice(ready, less)

	var order []*Block
	scheduled := make(map[string]bool, len(blocks))
	for len(ready) > 0 {
		next := heap.PopSlice(&ready, less)
		order = append(order, next)
		scheduled[next.ID] = true
		consumer := consumerOf[next.ID]
		if consumer == "" {
			continue
		}
		remaining[consumer]--
		if remaining[consumer] == 0 {
			heap.PushSlice(&ready, byID[consumer], less)
		}
	}
	if len(order) != len(blocks) {
		return nil, fmt.Errorf("sched: dependency cycle or unreachable block in plan (scheduled %d of %d)", len(order), len(blocks))
	}
	return order, nil
}

// unlocks reports whether completing b would leave its consumer with
// zero remaining unresolved dependencies — the scheduler's "frees the
// most frontier capacity first" preference.
func unlocks(b *Block, consumerOf map[string]string, remaining map[string]int) bool {
	consumer := consumerOf[b.ID]
	if consumer == "" {
		return false
	}
	return remaining[consumer] == 1
}
