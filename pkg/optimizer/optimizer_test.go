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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/daviszhen/optimizer/pkg/joinorder"
	"github.com/daviszhen/optimizer/pkg/plan"
	"github.com/daviszhen/optimizer/pkg/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testEstimator(n int) *plan.MapEstimator {
	est := plan.NewMapEstimator()
	for i := 0; i < n; i++ {
		est.Rows[uint64(i)] = float64(10 * (i*37%11 + 1))
	}
	return est
}

func starQuery(n int) *plan.LogicalOperator {
	root := joinorder.TableScan(0)
	var preds []*plan.Expr
	for i := 1; i < n; i++ {
		root = plan.NewJoin(root, joinorder.TableScan(i))
		preds = append(preds, joinorder.JoinPredicate(0, i))
	}
	return plan.NewFilter(root, preds...)
}

func TestOptimize(t *testing.T) {
	for _, useSolver := range []bool{true, false} {
		cfg := util.DefaultConfig()
		cfg.Optimizer.UseJoinSolver = useSolver
		opt := NewOptimizer(cfg, testEstimator(4))
		stmt := NewStatement(starQuery(4))
		root, err := opt.Optimize(stmt)
		require.NoError(t, err)
		require.NotNil(t, root)
		assert.Same(t, root, stmt.Physical)
		assert.Greater(t, stmt.Cost, 0.0)
		assert.InEpsilon(t, root.IncCost, stmt.Cost, 1e-12)

		assert.Greater(t, stmt.Arena.Len(), 0)
		root.Walk(func(node *plan.PhysicalOperator) {
			assert.NotEqual(t, plan.POT_MemoRef, node.Typ)
			for _, e := range node.Logical.Exprs() {
				assert.NotZero(t, e.ID)
				assert.Same(t, e, stmt.Arena.Get(e.ID))
			}
		})
	}
}

func TestOptimizeSolverAndRulesAgree(t *testing.T) {
	// ORDER BY the key of a big table that is already stored in that
	// order, joined to a small one
	orderedJoin := func() *plan.LogicalOperator {
		big := joinorder.TableScan(0)
		key := joinorder.JoinPredicate(0, 1).Children[0]
		big.NaturalOrder = plan.AscOrdering([]*plan.Expr{key})
		join := plan.NewJoin(big, joinorder.TableScan(1), joinorder.JoinPredicate(0, 1))
		return plan.NewOrder(join, plan.AscOrdering([]*plan.Expr{key}))
	}
	skewed := plan.NewMapEstimator()
	skewed.Rows[0] = 5000
	skewed.Rows[1] = 10

	cases := []struct {
		name  string
		est   plan.CardEstimator
		query func() *plan.LogicalOperator
	}{
		{"star", testEstimator(3), func() *plan.LogicalOperator { return starQuery(3) }},
		{"ordered join", skewed, orderedJoin},
	}
	for _, c := range cases {
		costs := make([]float64, 0, 2)
		for _, useSolver := range []bool{true, false} {
			cfg := util.DefaultConfig()
			cfg.Optimizer.UseJoinSolver = useSolver
			cfg.Optimizer.DisableCrossJoin = true
			cfg.Optimizer.EnableMergeJoin = false
			opt := NewOptimizer(cfg, c.est)
			stmt := NewStatement(c.query())
			root, err := opt.Optimize(stmt)
			require.NoError(t, err, c.name)
			root.Walk(func(node *plan.PhysicalOperator) {
				assert.NotEqual(t, plan.POT_Sort, node.Typ, c.name)
			})
			costs = append(costs, stmt.Cost)
		}
		assert.InEpsilon(t, costs[0], costs[1], 1e-9, c.name)
	}
}

func TestOptimizeRequiredOrdering(t *testing.T) {
	opt := NewOptimizer(nil, testEstimator(3))
	stmt := NewStatement(starQuery(3))
	key := joinorder.JoinPredicate(1, 2).Children[0]
	stmt.Required = &plan.PhysicalProperty{Ordering: plan.AscOrdering([]*plan.Expr{key})}
	root, err := opt.Optimize(stmt)
	require.NoError(t, err)
	assert.True(t, stmt.Required.SuppliedBy(root.Provided()))

	unordered := NewStatement(starQuery(3))
	_, err = opt.Optimize(unordered)
	require.NoError(t, err)
	assert.Greater(t, stmt.Cost, unordered.Cost)
}

func TestSubqueries(t *testing.T) {
	opt := NewOptimizer(nil, testEstimator(4))
	stmt := NewStatement(starQuery(3))
	sub := NewStatement(starQuery(4))
	stmt.Subqueries = append(stmt.Subqueries, sub)
	_, err := opt.Optimize(stmt)
	require.NoError(t, err)
	require.NotNil(t, sub.Physical)
	assert.NotSame(t, stmt.Memo, sub.Memo)
	assert.NotSame(t, stmt.Arena, sub.Arena)
}

func TestOptimizeErrors(t *testing.T) {
	opt := NewOptimizer(nil, nil)
	_, err := opt.Optimize(&Statement{})
	assert.Error(t, err)

	_, err = opt.CopyOutOptimalPlan(NewStatement(joinorder.TableScan(0)))
	assert.Error(t, err)

	cfg := util.DefaultConfig()
	cfg.Optimizer.FallbackToGOO = false
	opt = NewOptimizer(cfg, nil)
	cross := plan.NewJoin(joinorder.TableScan(0), joinorder.TableScan(1))
	_, err = opt.Optimize(NewStatement(cross))
	require.Error(t, err)
	assert.True(t, plan.IsPlanError(err, plan.ErrDisconnectedJoinRegion))
}

func TestRunJoinSolver(t *testing.T) {
	graph, err := joinorder.ParseGraph("T1*T2, T1*T3, T1*T4, T3*T4, T5*T2, T5*T3, T5*T4")
	require.NoError(t, err)
	opts := joinorder.DefaultOptions()
	opts.Estimator = testEstimator(5)

	_, want, err := RunJoinSolver(graph, util.SolverDPBushy, opts)
	require.NoError(t, err)
	for _, name := range []string{util.SolverDPccp, util.SolverTDBasic} {
		tree, cost, err := RunJoinSolver(graph, name, opts)
		require.NoError(t, err)
		assert.InEpsilon(t, want, cost, 1e-9, name)
		assert.Equal(t, 5, int(tree.TableRefs().Count()))
	}
	_, cost, err := RunJoinSolver(graph, util.SolverGOO, opts)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cost, want*(1-1e-9))

	_, _, err = RunJoinSolver(graph, "nope", opts)
	assert.Error(t, err)
}

func benchConfig() *util.Config {
	cfg := util.DefaultConfig()
	cfg.Bench.MinRelations = 2
	cfg.Bench.MaxRelations = 5
	cfg.Bench.Parallel = 3
	return cfg
}

func TestRunBenchmark(t *testing.T) {
	cfg := benchConfig()
	rows, err := RunBenchmark(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, rows, len(cfg.Bench.Classes)*4*len(cfg.Bench.Solvers))

	// exhaustive solvers agree per graph
	type key struct {
		class joinorder.GraphClass
		n     int
	}
	oracle := make(map[key]float64)
	for _, row := range rows {
		if row.Solver == util.SolverDPBushy {
			oracle[key{row.Class, row.Relations}] = row.Cost
		}
	}
	for _, row := range rows {
		want := oracle[key{row.Class, row.Relations}]
		switch row.Solver {
		case util.SolverDPccp, util.SolverTDBasic:
			assert.InEpsilon(t, want, row.Cost, 1e-9, "%s %v %d", row.Solver, row.Class, row.Relations)
		case util.SolverGOO:
			assert.GreaterOrEqual(t, row.Cost, want*(1-1e-9))
		}
	}
	assert.Contains(t, FormatBenchmark(rows), "dpccp")

	again, err := RunBenchmark(context.Background(), cfg)
	require.NoError(t, err)
	for i := range rows {
		assert.Equal(t, rows[i].Cost, again[i].Cost)
	}
}

func TestBenchmarkParquet(t *testing.T) {
	cfg := benchConfig()
	cfg.Bench.Classes = []string{"star"}
	rows, err := RunBenchmark(context.Background(), cfg)
	require.NoError(t, err)

	fpath := filepath.Join(t.TempDir(), "bench.parquet")
	require.NoError(t, WriteBenchmarkParquet(fpath, rows))
	loaded, err := ReadBenchmarkParquet(fpath)
	require.NoError(t, err)
	require.Len(t, loaded, len(rows))
	for i, row := range rows {
		assert.Equal(t, row.Class, loaded[i].Class)
		assert.Equal(t, row.Relations, loaded[i].Relations)
		assert.Equal(t, row.Solver, loaded[i].Solver)
		assert.Equal(t, row.Cost, loaded[i].Cost)
		assert.Equal(t, row.Stats, loaded[i].Stats)
	}

	_, err = ReadBenchmarkParquet(filepath.Join(t.TempDir(), "missing.parquet"))
	assert.Error(t, err)
}

func TestRunBenchmarkErrors(t *testing.T) {
	cfg := benchConfig()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunBenchmark(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)

	cfg = benchConfig()
	cfg.Bench.Classes = []string{"hexagon"}
	_, err = RunBenchmark(context.Background(), cfg)
	assert.Error(t, err)

	cfg = benchConfig()
	cfg.Bench.MinRelations = 1
	_, err = RunBenchmark(context.Background(), cfg)
	assert.Error(t, err)
}
