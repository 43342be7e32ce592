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

// Package engine drives a scheduled plan to completion: it asks sched
// for a block order, instantiates the operator tree for each block,
// runs up to max_parallel_tasks blocks concurrently subject to their
// dependencies, and records an execution manifest.
package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/emsqrt/emsqrt/budget"
	"github.com/emsqrt/emsqrt/config"
	"github.com/emsqrt/emsqrt/emerr"
	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/rowbatch"
	"github.com/emsqrt/emsqrt/sched"
	"github.com/emsqrt/emsqrt/spill"
)

// Manifest is the per-run execution record persisted to
// <spill_dir>/<run_id>/manifest.json.
type Manifest struct {
	PlanHash        string   `json:"plan_hash"`
	StartedMs       int64    `json:"started_ms"`
	FinishedMs      int64    `json:"finished_ms"`
	PeakMemBytes    int64    `json:"peak_mem_bytes"`
	SpillReadBytes  int64    `json:"spill_read_bytes"`
	SpillWriteBytes int64    `json:"spill_write_bytes"`
	RowsIn          int64    `json:"rows_in"`
	RowsOut         int64    `json:"rows_out"`
	Outputs         []string `json:"outputs"`
}

// blockResult is what a finished block hands back to the run: the
// sealed segment a non-terminal block produced for its consumer (if
// any), or the row/byte counts a terminal Sink block wrote out.
type blockResult struct {
	outSegment  spill.Segment
	hasSegment  bool
	outSchema   *rowbatch.Schema
	sinkRows    int64
	sinkBytes   int64
	destination string
	isSink      bool
}

// Run schedules root under cfg's memory cap and drives every block to
// completion, returning the execution manifest. A block failure
// cancels every other in-flight and not-yet-started block; the
// returned error is tagged with the failing block's ID.
func Run(ctx context.Context, root planop.Node, cfg *config.Config) (*Manifest, error) {
	planop.Estimate(root)
	hash := planop.Hash(root)

	schedule, err := sched.Plan(root, cfg.MemCapBytes, cfg.K, cfg.BlockSizeHint)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	runDir := filepath.Join(cfg.SpillDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, emerr.Wrap(emerr.Config, err, "engine: create run directory %s", runDir)
	}
	store, err := spill.NewStore(runDir, cfg.SpillCodec, cfg.SpillCodecLevel, cfg.MaxSpillConcurrency)
	if err != nil {
		return nil, emerr.Wrap(emerr.Config, err, "engine: open spill store")
	}

	bud := budget.New(cfg.MemCapBytes)
	parallel := cfg.MaxParallelTasks
	if cfg.K > 0 && cfg.K < parallel {
		parallel = cfg.K
	}
	if parallel <= 0 {
		parallel = 1
	}

	r := &run{
		cfg:      cfg,
		schedule: schedule,
		store:    store,
		bud:      bud,
		results:  make(map[string]*blockResult, len(schedule.Blocks)),
		errs:     make(map[string]error),
		done:     make(map[string]chan struct{}, len(schedule.Blocks)),
	}
	for _, blk := range schedule.Blocks {
		r.done[blk.ID] = make(chan struct{})
	}

	started := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := mkpool(parallel)
	var wg sync.WaitGroup
	for _, blk := range schedule.Blocks {
		blk := blk
		wg.Add(1)
		p.do(func() {
			defer wg.Done()
			defer close(r.done[blk.ID])
			r.await(blk)
			if err := runCtx.Err(); err != nil {
				r.setErr(blk.ID, emerr.Wrap(emerr.Cancelled, err, "block %s", blk.ID).WithBlock(blk.ID))
				return
			}
			res, err := r.runBlock(runCtx, blk)
			if err != nil {
				r.setErr(blk.ID, tagBlockErr(err, blk.ID))
				cancel()
				return
			}
			r.setResult(blk.ID, res)
		})
	}
	wg.Wait()
	p.close()

	if err := r.firstErr(); err != nil {
		r.cleanupFailedSpills()
		return nil, err
	}

	m := &Manifest{
		PlanHash:     hash.String(),
		StartedMs:    started.UnixMilli(),
		PeakMemBytes: bud.Peak(),
	}
	m.RowsIn = atomic.LoadInt64(&r.rowsIn)
	for _, blk := range schedule.Blocks {
		res := r.results[blk.ID]
		if res == nil || !res.isSink {
			continue
		}
		m.RowsOut += res.sinkRows
		m.Outputs = append(m.Outputs, res.destination)
	}
	m.SpillReadBytes = store.ReadBytes()
	m.SpillWriteBytes = store.WriteBytes()
	m.FinishedMs = time.Now().UnixMilli()

	if err := writeManifest(runDir, m); err != nil {
		return nil, err
	}
	return m, nil
}

// tagBlockErr attaches blockID to whatever runBlock returned, wrapping
// it as an Internal error if it wasn't already an *emerr.Error.
func tagBlockErr(err error, blockID string) error {
	if e, ok := err.(*emerr.Error); ok {
		return e.WithBlock(blockID)
	}
	return emerr.Wrap(emerr.Internal, err, "block %s", blockID).WithBlock(blockID)
}

type run struct {
	cfg      *config.Config
	schedule *sched.Schedule
	store    *spill.Store
	bud      *budget.Budget
	rowsIn   int64

	mu      sync.Mutex
	results map[string]*blockResult
	errs    map[string]error
	first   error
	done    map[string]chan struct{}
}

func (r *run) await(blk *sched.Block) {
	for _, dep := range blk.DependsOn {
		<-r.done[dep]
	}
}

func (r *run) setResult(id string, res *blockResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[id] = res
}

func (r *run) setErr(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errs[id] == nil {
		r.errs[id] = err
	}
	if r.first == nil {
		r.first = err
	}
}

// firstErr returns the first error recorded during the run: the
// failing block's own error, which is recorded before it cancels its
// siblings.
func (r *run) firstErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.first
}

// cleanupFailedSpills unlinks every segment a completed block managed
// to seal before some sibling block failed the run.
func (r *run) cleanupFailedSpills() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		if res != nil && res.hasSegment {
			r.store.Unlink(res.outSegment)
		}
	}
}

func writeManifest(runDir string, m *Manifest) error {
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return emerr.Wrap(emerr.Internal, err, "engine: marshal manifest")
	}
	final := filepath.Join(runDir, "manifest.json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return emerr.Wrap(emerr.Sink, err, "engine: write manifest")
	}
	if err := os.Rename(tmp, final); err != nil {
		return emerr.Wrap(emerr.Sink, err, "engine: publish manifest")
	}
	return nil
}
