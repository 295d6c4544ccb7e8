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

package optimizer

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/optimizer/pkg/joinorder"
	"github.com/daviszhen/optimizer/pkg/util"
)

// BenchRow is one solver run on one generated graph.
type BenchRow struct {
	Class     joinorder.GraphClass
	Relations int
	Solver    string
	Cost      float64
	Stats     joinorder.Stats
	Elapsed   time.Duration
}

type benchCase struct {
	class joinorder.GraphClass
	n     int
	graph *joinorder.JoinGraph
	opts  joinorder.Options
}

// RunBenchmark runs every solver on every (class, n) graph of the bench
// options. Graphs depend on the seed only, so all solvers see the same
// graph. Rows come back in (class, n, solver) order.
func RunBenchmark(ctx context.Context, cfg *util.Config) ([]BenchRow, error) {
	bench := cfg.Bench
	if bench.MinRelations < 2 || bench.MaxRelations < bench.MinRelations ||
		bench.MaxRelations > joinorder.MaxRelations {
		return nil, errors.Errorf("invalid relation range %d..%d", bench.MinRelations, bench.MaxRelations)
	}
	var cases []benchCase
	for ci, name := range bench.Classes {
		class, err := joinorder.ParseGraphClass(name)
		if err != nil {
			return nil, err
		}
		for n := bench.MinRelations; n <= bench.MaxRelations; n++ {
			rng := rand.New(rand.NewSource(bench.Seed*1000 + int64(ci)*100 + int64(n)))
			graph, est, err := joinorder.Generate(class, n, rng)
			if err != nil {
				return nil, err
			}
			opts := joinorder.OptionsFromConfig(&cfg.Optimizer, est)
			// every solver runs as configured, no cap
			opts.MaxExhaustiveRelations = 0
			cases = append(cases, benchCase{class: class, n: n, graph: graph, opts: opts})
		}
	}

	rows := make([]BenchRow, len(cases)*len(bench.Solvers))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(bench.Parallel, 1))
	for i, bc := range cases {
		for j, name := range bench.Solvers {
			idx := i*len(bench.Solvers) + j
			bc, name := bc, name
			eg.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				solver, err := joinorder.NewSolver(name, bc.opts)
				if err != nil {
					return err
				}
				start := time.Now()
				_, cost, err := solver.Run(bc.graph)
				if err != nil {
					return errors.Annotatef(err, "%s on %v n=%d", name, bc.class, bc.n)
				}
				rows[idx] = BenchRow{
					Class:     bc.class,
					Relations: bc.n,
					Solver:    name,
					Cost:      cost,
					Stats:     solver.Stats(),
					Elapsed:   time.Since(start),
				}
				util.Debug("bench run",
					zap.String("class", string(bc.class)),
					zap.Int("relations", bc.n),
					zap.String("solver", name),
					zap.Float64("cost", cost))
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// FormatBenchmark renders the rows as a fixed width table.
func FormatBenchmark(rows []BenchRow) string {
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "%-8s %4s %-8s %20s %12s %12s %12s\n",
		"class", "n", "solver", "cost", "c1", "c2", "elapsed")
	for _, row := range rows {
		fmt.Fprintf(&sb, "%-8v %4d %-8s %20.2f %12d %12d %12s\n",
			row.Class, row.Relations, row.Solver, row.Cost,
			row.Stats.C1, row.Stats.C2, row.Elapsed.Round(time.Microsecond))
	}
	return sb.String()
}
