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

// emsqrt is the command-line front end for the external-memory
// engine: validate a physical plan against a memory budget, print its
// scheduled block DAG, or run it to completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/emsqrt/emsqrt/config"
	"github.com/emsqrt/emsqrt/emerr"
	"github.com/emsqrt/emsqrt/engine"
	"github.com/emsqrt/emsqrt/planop"
	"github.com/emsqrt/emsqrt/sched"
	"github.com/emsqrt/emsqrt/spill"
)

const (
	exitOK          = 0
	exitValidation  = 2
	exitRuntime     = 3
	exitBudget      = 4
)

var (
	dashPipeline    string
	dashMemoryCap   int64
	dashSpillDir    string
	dashMaxParallel int
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitValidation
	}
	sub := args[0]
	fs := flag.NewFlagSet("emsqrt "+sub, flag.ContinueOnError)
	fs.StringVar(&dashPipeline, "pipeline", "", "path to a JSON physical-plan literal")
	fs.Int64Var(&dashMemoryCap, "memory-cap", 1<<30, "mem_cap_bytes")
	fs.StringVar(&dashSpillDir, "spill-dir", "", "spill_dir")
	fs.IntVar(&dashMaxParallel, "max-parallel", 4, "max_parallel_tasks")
	if err := fs.Parse(args[1:]); err != nil {
		return exitValidation
	}

	switch sub {
	case "validate":
		return cmdValidate()
	case "explain":
		return cmdExplain()
	case "run":
		return cmdRun()
	default:
		printUsage()
		return exitValidation
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: emsqrt validate|explain|run --pipeline FILE --memory-cap BYTES --spill-dir DIR [--max-parallel N]")
}

func loadRoot() (planop.Node, error) {
	if dashPipeline == "" {
		return nil, fmt.Errorf("--pipeline is required")
	}
	raw, err := os.ReadFile(dashPipeline)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	root, err := parsePlan(raw)
	if err != nil {
		return nil, err
	}
	planop.Estimate(root)
	return root, nil
}

func cmdValidate() int {
	root, err := loadRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, "emsqrt validate:", err)
		return exitValidation
	}
	if dashSpillDir == "" {
		fmt.Fprintln(os.Stderr, "emsqrt validate: --spill-dir is required")
		return exitValidation
	}
	k := defaultK(dashMaxParallel)
	blockSizeHint := dashMemoryCap / int64(k*8)
	if _, err := sched.Plan(root, dashMemoryCap, k, blockSizeHint); err != nil {
		fmt.Fprintln(os.Stderr, "emsqrt validate:", err)
		return exitFor(err)
	}
	fmt.Println("OK")
	return exitOK
}

func cmdExplain() int {
	root, err := loadRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, "emsqrt explain:", err)
		return exitValidation
	}
	k := defaultK(dashMaxParallel)
	blockSizeHint := dashMemoryCap / int64(k*8)
	schedule, err := sched.Plan(root, dashMemoryCap, k, blockSizeHint)
	if err != nil {
		fmt.Fprintln(os.Stderr, "emsqrt explain:", err)
		return exitFor(err)
	}
	printSchedule(os.Stdout, schedule)
	return exitOK
}

func cmdRun() int {
	root, err := loadRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, "emsqrt run:", err)
		return exitValidation
	}
	if dashSpillDir == "" {
		fmt.Fprintln(os.Stderr, "emsqrt run: --spill-dir is required")
		return exitValidation
	}
	k := defaultK(dashMaxParallel)
	cfg := &config.Config{
		MemCapBytes:         dashMemoryCap,
		MaxSpillConcurrency: 4,
		MaxParallelTasks:    dashMaxParallel,
		SpillDir:            dashSpillDir,
		K:                   k,
		BlockSizeHint:       dashMemoryCap / int64(k*8),
		SpillCodec:          spill.LZ4,
	}
	m, err := engine.Run(context.Background(), root, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "emsqrt run:", err)
		return exitFor(err)
	}
	fmt.Printf("plan_hash=%s rows_in=%d rows_out=%d peak_mem_bytes=%d spill_write_bytes=%d spill_read_bytes=%d\n",
		m.PlanHash, m.RowsIn, m.RowsOut, m.PeakMemBytes, m.SpillWriteBytes, m.SpillReadBytes)
	for _, out := range m.Outputs {
		fmt.Println("output:", out)
	}
	return exitOK
}

func defaultK(maxParallel int) int {
	if maxParallel <= 0 {
		return 2
	}
	return maxParallel
}

func exitFor(err error) int {
	switch emerr.KindOf(err) {
	case emerr.Config:
		return exitValidation
	case emerr.Budget:
		return exitBudget
	default:
		return exitRuntime
	}
}
