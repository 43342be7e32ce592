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

// Package config loads the engine's run-time parameters: the memory
// cap, spill directory, concurrency limits, and scheduler fan-in.
// Files are YAML (parsed through their JSON struct tags); a handful
// of values may be overridden by environment variables so a
// deployment doesn't have to rewrite a checked-in file to bump a cap.
package config

import (
	"fmt"
	"os"
	"strconv"

	"sigs.k8s.io/yaml"

	"github.com/emsqrt/emsqrt/spill"
)

// Config is the full set of enumerated run parameters (spec.md §6)
// plus the scheduler fan-in K and the spill codec, which spec.md
// leaves as an open parameter of the spill segment store.
type Config struct {
	// MemCapBytes is the hard ceiling on concurrent reservations.
	// Required, must be positive.
	MemCapBytes int64 `json:"mem_cap_bytes"`

	// BlockSizeHint is the target batch size in bytes. Zero means
	// "derive from MemCapBytes / (K * 8)" (see Load).
	BlockSizeHint int64 `json:"block_size_hint,omitempty"`

	// MaxSpillConcurrency bounds concurrent segment writers/readers.
	MaxSpillConcurrency int `json:"max_spill_concurrency,omitempty"`

	// Seed is read from configuration but not used by the operators:
	// partition hashing uses fixed keys varied only by recursion level.
	Seed uint64 `json:"seed,omitempty"`

	// MaxParallelTasks bounds concurrently executing blocks.
	MaxParallelTasks int `json:"max_parallel_tasks,omitempty"`

	// SpillDir is the filesystem prefix for segment files. Required.
	SpillDir string `json:"spill_dir"`

	// K is the scheduler's frontier width: at most K blocks are live
	// at once.
	K int `json:"k,omitempty"`

	// SpillCodec names the compression codec segments use.
	SpillCodec spill.Name `json:"spill_codec,omitempty"`

	// SpillCodecLevel is the codec's compression level, where the
	// codec supports one (zstd); ignored for lz4 and none.
	SpillCodecLevel int `json:"spill_codec_level,omitempty"`
}

const (
	defaultMaxSpillConcurrency = 4
	defaultMaxParallelTasks    = 4
	defaultK                   = 2
)

// Load reads path as YAML, applies defaults for any key the file
// omits, then overlays EMSQRT_* environment variables on top.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxSpillConcurrency <= 0 {
		c.MaxSpillConcurrency = defaultMaxSpillConcurrency
	}
	if c.MaxParallelTasks <= 0 {
		c.MaxParallelTasks = defaultMaxParallelTasks
	}
	if c.K <= 0 {
		c.K = defaultK
	}
	if c.BlockSizeHint <= 0 && c.MemCapBytes > 0 {
		c.BlockSizeHint = c.MemCapBytes / int64(c.K*8)
	}
	if c.SpillCodec == "" {
		c.SpillCodec = spill.LZ4
	}
}

// applyEnv overlays the three environment variables spec.md §6 names
// explicitly; every other key is file-only.
func (c *Config) applyEnv() {
	if v := os.Getenv("EMSQRT_MEM_CAP_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MemCapBytes = n
		}
	}
	if v := os.Getenv("EMSQRT_SPILL_DIR"); v != "" {
		c.SpillDir = v
	}
	if v := os.Getenv("EMSQRT_MAX_PARALLEL_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxParallelTasks = n
		}
	}
}

func (c *Config) validate() error {
	if c.MemCapBytes <= 0 {
		return fmt.Errorf("config: mem_cap_bytes must be positive, got %d", c.MemCapBytes)
	}
	if c.SpillDir == "" {
		return fmt.Errorf("config: spill_dir is required")
	}
	return nil
}
