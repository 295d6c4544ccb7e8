// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

const (
	SolverDPBushy = "dpbushy"
	SolverDPccp   = "dpccp"
	SolverGOO     = "goo"
	SolverTDBasic = "tdbasic"
)

type OptimizerOptions struct {
	// UseJoinSolver hands join blocks to JoinSolver instead of
	// exploring them with the join rules.
	UseJoinSolver bool   `toml:"useJoinSolver"`
	JoinSolver    string `toml:"joinSolver"`
	// MaxExhaustiveRelations caps dpbushy/dpccp/tdbasic. Larger
	// join blocks are solved by goo.
	MaxExhaustiveRelations int  `toml:"maxExhaustiveRelations"`
	FallbackToGOO          bool `toml:"fallbackToGOO"`
	EnableHashJoin         bool `toml:"enableHashJoin"`
	EnableNLJoin           bool `toml:"enableNLJoin"`
	EnableMergeJoin        bool `toml:"enableMergeJoin"`
	EnableStreamAgg        bool `toml:"enableStreamAgg"`
	DisableCrossJoin       bool `toml:"disableCrossJoin"`
}

type TableStats struct {
	Name string  `toml:"name"`
	Rows float64 `toml:"rows"`
	// Columns resolves unqualified column names. Optional.
	Columns  []string `toml:"columns"`
	SortedBy string   `toml:"sortedBy"`
}

type CatalogOptions struct {
	Tables []TableStats `toml:"tables"`
}

type BenchOptions struct {
	Classes      []string `toml:"classes"`
	Solvers      []string `toml:"solvers"`
	MinRelations int      `toml:"minRelations"`
	MaxRelations int      `toml:"maxRelations"`
	Parallel     int      `toml:"parallel"`
	Seed         int64    `toml:"seed"`
}

type DebugOptions struct {
	PrintPlan bool   `toml:"printPlan"`
	PrintMemo bool   `toml:"printMemo"`
	LogLevel  string `toml:"logLevel"`
}

type Config struct {
	Optimizer OptimizerOptions `toml:"optimizer"`
	Catalog   CatalogOptions   `toml:"catalog"`
	Bench     BenchOptions     `toml:"bench"`
	Debug     DebugOptions     `toml:"debug"`
}

func DefaultConfig() *Config {
	return &Config{
		Optimizer: OptimizerOptions{
			UseJoinSolver:          true,
			JoinSolver:             SolverDPccp,
			MaxExhaustiveRelations: 16,
			FallbackToGOO:          true,
			EnableHashJoin:         true,
			EnableNLJoin:           true,
			EnableMergeJoin:        true,
			EnableStreamAgg:        true,
		},
		Bench: BenchOptions{
			Classes:      []string{"chain", "star", "cycle", "tree", "clique"},
			Solvers:      []string{SolverDPBushy, SolverDPccp, SolverGOO, SolverTDBasic},
			MinRelations: 2,
			MaxRelations: 10,
			Parallel:     4,
			Seed:         1,
		},
		Debug: DebugOptions{
			LogLevel: "info",
		},
	}
}

// LoadConfig decodes the toml file over the defaults.
func LoadConfig(fpath string) (*Config, error) {
	cfg := DefaultConfig()
	if !FileIsValid(fpath) {
		return nil, errors.Errorf("config file %s does not exist", fpath)
	}
	if _, err := toml.DecodeFile(fpath, cfg); err != nil {
		return nil, errors.Annotatef(err, "decode config file %s", fpath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	switch cfg.Optimizer.JoinSolver {
	case SolverDPBushy, SolverDPccp, SolverGOO, SolverTDBasic:
	default:
		return errors.Errorf("unknown join solver %q", cfg.Optimizer.JoinSolver)
	}
	if cfg.Optimizer.MaxExhaustiveRelations <= 0 || cfg.Optimizer.MaxExhaustiveRelations > 62 {
		return errors.Errorf("maxExhaustiveRelations %d out of range (1..62)",
			cfg.Optimizer.MaxExhaustiveRelations)
	}
	if !cfg.Optimizer.EnableHashJoin && !cfg.Optimizer.EnableNLJoin {
		return errors.New("at least one of hash join and nested loop join must be enabled")
	}
	return nil
}

// FindTable returns the stats of the table or nil.
func (cfg *CatalogOptions) FindTable(name string) *TableStats {
	idx := FindIf(cfg.Tables, func(t TableStats) bool {
		return t.Name == name
	})
	if idx < 0 {
		return nil
	}
	return &cfg.Tables[idx]
}
