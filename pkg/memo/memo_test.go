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

package memo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/optimizer/pkg/joinorder"
	"github.com/daviszhen/optimizer/pkg/plan"
	"github.com/daviszhen/optimizer/pkg/util"
)

func testOptions(useSolver bool) *util.OptimizerOptions {
	cfg := util.DefaultConfig().Optimizer
	cfg.UseJoinSolver = useSolver
	return &cfg
}

func testEstimator() *plan.MapEstimator {
	est := plan.NewMapEstimator()
	for i, rows := range []float64{100, 2000, 50, 700, 10} {
		est.Rows[uint64(i)] = rows
	}
	return est
}

// chainPlan is ((T1 ⋈ T2) ⋈ T3) ... with Ti.ai = Ti+1.ai+1.
func chainPlan(n int) *plan.LogicalOperator {
	root := joinorder.TableScan(0)
	for i := 1; i < n; i++ {
		root = plan.NewJoin(root, joinorder.TableScan(i), joinorder.JoinPredicate(i-1, i))
	}
	return root
}

func col(i int) *plan.Expr {
	return joinorder.JoinPredicate(i, i+1).Children[0]
}

func exploreRoot(t *testing.T, m *Memo, root *plan.LogicalOperator) *CGroup {
	g, err := m.EnqueuePlan(root)
	require.NoError(t, err)
	require.NoError(t, m.ExploreGroup(g))
	return g
}

func TestEnqueueSharesGroups(t *testing.T) {
	m := NewMemo(testOptions(false), testEstimator())
	tree := plan.NewFilter(joinorder.TableScan(0),
		plan.NewFunc(">", col(0), plan.NewConst(int64(5))))
	g1, err := m.EnqueuePlan(tree)
	require.NoError(t, err)
	cnt := len(m.Groups())
	g2, err := m.EnqueuePlan(tree)
	require.NoError(t, err)
	assert.Same(t, g1, g2)
	assert.Equal(t, cnt, len(m.Groups()))
	assert.Equal(t, 1, g1.LogicalMembers())
	// the input is not rewritten
	assert.Equal(t, plan.LOT_Scan, tree.Children[0].Typ)
	for _, g := range m.Groups() {
		for _, child := range g.Logical().Children {
			assert.Equal(t, plan.LOT_MemoRef, child.Typ)
		}
	}
}

func TestExploreIdempotent(t *testing.T) {
	for _, useSolver := range []bool{false, true} {
		m := NewMemo(testOptions(useSolver), testEstimator())
		root := exploreRoot(t, m, chainPlan(4))
		require.NoError(t, m.Validate())

		members := make([]int, len(m.Groups()))
		sigs := make([]uint64, len(m.Groups()))
		for i, g := range m.Groups() {
			members[i] = len(g.Members())
			sigs[i] = g.Signature()
			assert.Equal(t, Explored, g.State())
		}
		require.NoError(t, m.ExploreGroup(root))
		for _, g := range m.Groups() {
			require.NoError(t, m.ExploreGroup(g))
		}
		require.Equal(t, len(members), len(m.Groups()))
		for i, g := range m.Groups() {
			assert.Equal(t, members[i], len(g.Members()))
			assert.Equal(t, sigs[i], g.Signature())
		}
	}
}

func TestJoinRulesKeepSignature(t *testing.T) {
	m := NewMemo(testOptions(false), testEstimator())
	root := exploreRoot(t, m, chainPlan(3))
	// (T1 T2) T3, T3 (T1 T2), T1 (T2 T3), (T2 T3) T1 and more
	assert.Greater(t, root.LogicalMembers(), 2)
	for _, member := range root.Members() {
		assert.Equal(t, root.Signature(), member.Signature())
	}
	require.NoError(t, m.Validate())
}

// badRule adds a filter over the join, which is a different expression.
type badRule struct{}

func (rule *badRule) Name() string {
	return "bad"
}

func (rule *badRule) IsApplicable(member *CGroupMember) bool {
	return !member.IsPhysical() && member.Logical.Typ == plan.LOT_JOIN
}

func (rule *badRule) Apply(m *Memo, g *CGroup, member *CGroupMember) ([]*CGroupMember, error) {
	lo := plan.NewFilter(plan.NewMemoRef(g), plan.NewFunc(">", col(0), plan.NewConst(int64(1))))
	return []*CGroupMember{NewLogicalMember(lo)}, nil
}

func TestSignatureViolation(t *testing.T) {
	if util.InTest {
		t.Skip("invariant violations panic in intest builds")
	}
	m := NewMemo(testOptions(false), testEstimator())
	m.SetRules(append(DefaultRules(m.Options()), &badRule{}))
	g, err := m.EnqueuePlan(chainPlan(2))
	require.NoError(t, err)
	err = m.ExploreGroup(g)
	require.Error(t, err)
	assert.True(t, plan.IsPlanError(err, plan.ErrStructuralInvariant))
}

func TestBestMemberNeedsExploredGroup(t *testing.T) {
	if util.InTest {
		t.Skip("invariant violations panic in intest builds")
	}
	m := NewMemo(testOptions(false), testEstimator())
	g, err := m.EnqueuePlan(joinorder.TableScan(0))
	require.NoError(t, err)
	_, err = m.BestMember(g, plan.EmptyProperty)
	assert.True(t, plan.IsPlanError(err, plan.ErrStructuralInvariant))
}

func TestEnforcement(t *testing.T) {
	m := NewMemo(testOptions(false), testEstimator())
	sorted := joinorder.TableScan(0)
	sorted.NaturalOrder = plan.AscOrdering([]*plan.Expr{col(0)})
	unsorted := joinorder.TableScan(1)
	gs := exploreRoot(t, m, sorted)
	gu := exploreRoot(t, m, unsorted)

	for _, g := range []*CGroup{gs, gu} {
		base, err := m.BestMember(g, plan.EmptyProperty)
		require.NoError(t, err)
		assert.False(t, base.IsEnforced())

		reqs := []*plan.PhysicalProperty{
			{Ordering: plan.AscOrdering([]*plan.Expr{col(0)})},
			{Ordering: plan.AscOrdering([]*plan.Expr{col(1)})},
			{Dist: plan.Distribution{Kind: plan.DistHashed, Keys: []*plan.Expr{col(0)}}},
			{Dist: plan.Distribution{Kind: plan.DistSingleton}},
		}
		for _, req := range reqs {
			best, err := m.BestMember(g, req)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, best.Cost, base.Cost)

			supplied := false
			for _, member := range g.Members() {
				if !member.IsPhysical() {
					continue
				}
				if _, ok := member.Physical.CanProvide(req); ok {
					supplied = true
				}
			}
			if supplied {
				assert.InDelta(t, base.Cost, best.Cost, 1e-9, "%v", req)
				assert.False(t, best.IsEnforced())
			} else {
				assert.Greater(t, best.Cost, base.Cost, "%v", req)
				assert.True(t, best.IsEnforced())
			}

			again, err := m.BestMember(g, req)
			require.NoError(t, err)
			assert.Same(t, best, again)
		}
	}
}

func TestJoinEnforcement(t *testing.T) {
	est := plan.NewMapEstimator()
	est.Rows[0] = 5000
	est.Rows[1] = 10
	ordered := &plan.PhysicalProperty{Ordering: plan.AscOrdering([]*plan.Expr{col(0)})}
	other := &plan.PhysicalProperty{Ordering: plan.AscOrdering([]*plan.Expr{col(1)})}

	for _, useSolver := range []bool{false, true} {
		cfg := testOptions(useSolver)
		// a merge join would supply either order without a sort
		cfg.EnableMergeJoin = false
		m := NewMemo(cfg, est)
		probe := joinorder.TableScan(0)
		probe.NaturalOrder = plan.AscOrdering([]*plan.Expr{col(0)})
		g := exploreRoot(t, m, plan.NewJoin(probe, joinorder.TableScan(1), joinorder.JoinPredicate(0, 1)))
		assert.Equal(t, useSolver, g.IsSolverOwned())

		base, err := m.BestMember(g, plan.EmptyProperty)
		require.NoError(t, err)
		// hash join with the big ordered table on the probe side
		assert.InDelta(t, 10035, base.Cost, 1e-9, "solver=%v", useSolver)

		// the probe side order survives the join
		best, err := m.BestMember(g, ordered)
		require.NoError(t, err)
		assert.False(t, best.IsEnforced(), "solver=%v", useSolver)
		assert.InDelta(t, base.Cost, best.Cost, 1e-9, "solver=%v", useSolver)

		res, err := m.CopyOut(g, ordered)
		require.NoError(t, err)
		assert.True(t, ordered.SuppliedBy(res.Plan.Provided()))
		assert.NotEqual(t, plan.POT_Sort, res.Plan.Typ)

		// the build side order does not
		best, err = m.BestMember(g, other)
		require.NoError(t, err)
		assert.True(t, best.IsEnforced(), "solver=%v", useSolver)
		assert.Greater(t, best.Cost, base.Cost)
	}
}

func TestCostedGroupIsFrozen(t *testing.T) {
	m := NewMemo(testOptions(false), testEstimator())
	var rules []Rule
	for _, rule := range DefaultRules(testOptions(false)) {
		if rule.Name() != "JoinCommutative" {
			rules = append(rules, rule)
		}
	}
	m.SetRules(rules)
	g := exploreRoot(t, m, plan.NewJoin(joinorder.TableScan(0), joinorder.TableScan(1), joinorder.JoinPredicate(0, 1)))
	before, err := m.BestMember(g, plan.EmptyProperty)
	require.NoError(t, err)
	members := len(g.Members())

	// same signature, new member
	swapped, err := m.EnqueuePlan(plan.NewJoin(joinorder.TableScan(1), joinorder.TableScan(0), joinorder.JoinPredicate(0, 1)))
	require.NoError(t, err)
	assert.Same(t, g, swapped)
	assert.Len(t, g.Members(), members)

	after, err := m.BestMember(g, plan.EmptyProperty)
	require.NoError(t, err)
	assert.Same(t, before, after)
	require.NoError(t, m.Validate())
}

func TestUnsatisfiableProperty(t *testing.T) {
	m := NewMemo(testOptions(false), testEstimator())
	// no implementation rule, no physical member
	m.SetRules(nil)
	g := exploreRoot(t, m, joinorder.TableScan(0))
	_, err := m.BestMember(g, plan.EmptyProperty)
	require.Error(t, err)
	assert.True(t, plan.IsPlanError(err, plan.ErrUnsatisfiableProperty))

	_, err = m.BestMember(g, &plan.PhysicalProperty{Ordering: plan.AscOrdering([]*plan.Expr{col(0)})})
	assert.True(t, plan.IsPlanError(err, plan.ErrUnsatisfiableProperty))

	_, err = m.CopyOut(g, plan.EmptyProperty)
	assert.True(t, plan.IsPlanError(err, plan.ErrUnsatisfiableProperty))
}

func checkCopiedPlan(t *testing.T, res *CopyOutResult, n int) {
	scans := make(map[uint64]int)
	res.Plan.Walk(func(node *plan.PhysicalOperator) {
		assert.NotEqual(t, plan.POT_MemoRef, node.Typ)
		assert.Contains(t, res.Substitution, node)
		for _, child := range node.Logical.Children {
			assert.NotEqual(t, plan.LOT_MemoRef, child.Typ)
		}
		if node.Typ == plan.POT_Scan {
			scans[node.Logical.Index]++
		}
	})
	assert.Len(t, scans, n)
	for idx, cnt := range scans {
		assert.Equal(t, 1, cnt, "table %d", idx)
	}
}

func TestCopyOut(t *testing.T) {
	for _, useSolver := range []bool{false, true} {
		m := NewMemo(testOptions(useSolver), testEstimator())
		root := plan.NewFilter(chainPlan(4), plan.NewFunc(">", col(2), plan.NewConst(int64(3))))
		g := exploreRoot(t, m, root)
		best, err := m.BestMember(g, plan.EmptyProperty)
		require.NoError(t, err)

		res, err := m.CopyOut(g, plan.EmptyProperty)
		require.NoError(t, err)
		checkCopiedPlan(t, res, 4)
		assert.InEpsilon(t, best.Cost, res.Plan.IncCost, 1e-9)

		// the copy owns its expressions
		res.Plan.Walk(func(node *plan.PhysicalOperator) {
			if node.Typ.IsEnforcer() {
				return
			}
			src := res.Substitution[node]
			if len(node.Logical.OnConds) > 0 {
				assert.NotSame(t, src.Logical.OnConds[0], node.Logical.OnConds[0])
			}
		})
	}
}

func TestJoinBlockExtraction(t *testing.T) {
	m := NewMemo(testOptions(true), testEstimator())
	joins := plan.NewJoin(plan.NewJoin(joinorder.TableScan(0), joinorder.TableScan(1)), joinorder.TableScan(2))
	local := plan.NewFunc(">", col(0), plan.NewConst(int64(5)))
	wide := plan.NewFunc("<", plan.NewFunc("+", col(0), col(1)), col(2))
	root := plan.NewFilter(joins,
		joinorder.JoinPredicate(0, 1), joinorder.JoinPredicate(1, 2), local, wide)

	g := exploreRoot(t, m, root)
	require.NoError(t, m.Validate())

	// the three-table predicate stays above the block
	require.Equal(t, plan.LOT_Filter, g.Logical().Typ)
	require.Len(t, g.Logical().Filters, 1)
	block := groupOf(g.Logical().Children[0])
	require.True(t, block.IsSolverOwned())
	graph := block.JoinGraph()
	assert.Equal(t, 3, graph.Len())
	assert.Len(t, graph.Preds(), 2)
	assert.True(t, graph.IsConnected(graph.FullSet()))

	// the local predicate is pushed onto T1
	v0 := groupOf(graph.Vertex(0))
	assert.Equal(t, plan.LOT_Filter, v0.Logical().Typ)

	physical := 0
	for _, member := range block.Members() {
		if member.IsPhysical() {
			physical++
			assert.True(t, member.IsSolverOutput())
		}
	}
	assert.Equal(t, 1, physical)

	res, err := m.CopyOut(g, plan.EmptyProperty)
	require.NoError(t, err)
	checkCopiedPlan(t, res, 3)
}

func TestJoinBlockMatchesRules(t *testing.T) {
	est := testEstimator()
	costOf := func(useSolver bool, root *plan.LogicalOperator) float64 {
		cfg := testOptions(useSolver)
		cfg.DisableCrossJoin = true
		cfg.EnableMergeJoin = false
		m := NewMemo(cfg, est)
		g := exploreRoot(t, m, root)
		best, err := m.BestMember(g, plan.EmptyProperty)
		require.NoError(t, err)
		return best.Cost
	}

	solverCost := costOf(true, chainPlan(3))
	ruleCost := costOf(false, chainPlan(3))
	assert.InEpsilon(t, solverCost, ruleCost, 1e-9)

	// a star on T1, the rules explore a subset of the bushy space
	star := plan.NewJoin(
		plan.NewJoin(
			plan.NewJoin(joinorder.TableScan(0), joinorder.TableScan(1), joinorder.JoinPredicate(0, 1)),
			joinorder.TableScan(2), joinorder.JoinPredicate(0, 2)),
		joinorder.TableScan(3), joinorder.JoinPredicate(0, 3))
	solverCost = costOf(true, star)
	ruleCost = costOf(false, star)
	assert.GreaterOrEqual(t, ruleCost, solverCost*(1-1e-9))

	// same cost as running the solver alone
	graph, err := joinorder.NewJoinGraph(
		[]*plan.LogicalOperator{joinorder.TableScan(0), joinorder.TableScan(1), joinorder.TableScan(2)},
		[]*plan.Expr{joinorder.JoinPredicate(0, 1), joinorder.JoinPredicate(1, 2)})
	require.NoError(t, err)
	opts := joinorder.DefaultOptions()
	opts.Estimator = est
	res, err := joinorder.Solve(graph, util.SolverDPBushy, opts)
	require.NoError(t, err)
	assert.InEpsilon(t, res.Cost, costOf(true, chainPlan(3)), 1e-9)
}

func TestDisconnectedJoinBlock(t *testing.T) {
	cross := plan.NewJoin(joinorder.TableScan(0), joinorder.TableScan(1))

	m := NewMemo(testOptions(true), testEstimator())
	g := exploreRoot(t, m, cross)
	res, err := m.CopyOut(g, plan.EmptyProperty)
	require.NoError(t, err)
	assert.Equal(t, plan.POT_NLJoin, res.Plan.Typ)

	cfg := testOptions(true)
	cfg.FallbackToGOO = false
	m = NewMemo(cfg, testEstimator())
	g, err = m.EnqueuePlan(cross)
	require.NoError(t, err)
	err = m.ExploreGroup(g)
	assert.True(t, plan.IsPlanError(err, plan.ErrDisconnectedJoinRegion))
}

func TestOrderedOutput(t *testing.T) {
	m := NewMemo(testOptions(false), testEstimator())
	root := plan.NewOrder(chainPlan(2), plan.AscOrdering([]*plan.Expr{col(0)}))
	g := exploreRoot(t, m, root)
	res, err := m.CopyOut(g, plan.EmptyProperty)
	require.NoError(t, err)
	require.Equal(t, plan.POT_Order, res.Plan.Typ)
	child := res.Plan.Children[0]
	assert.True(t, (&plan.PhysicalProperty{Ordering: root.OrderBys}).SuppliedBy(child.Provided()))
}

func TestOuterJoinIsNotReordered(t *testing.T) {
	m := NewMemo(testOptions(true), testEstimator())
	left := plan.NewJoin(chainPlan(2), joinorder.TableScan(2), joinorder.JoinPredicate(1, 2))
	left.JoinTyp = plan.LOT_JoinTypeLeft
	g := exploreRoot(t, m, left)
	assert.False(t, g.IsSolverOwned())
	assert.Equal(t, 1, g.LogicalMembers())
	assert.True(t, groupOf(g.Logical().Children[0]).IsSolverOwned())

	res, err := m.CopyOut(g, plan.EmptyProperty)
	require.NoError(t, err)
	assert.Equal(t, plan.LOT_JoinTypeLeft, res.Plan.Logical.JoinTyp)
	checkCopiedPlan(t, res, 3)
}

func TestMemoOwner(t *testing.T) {
	if util.InTest {
		t.Skip("invariant violations panic in intest builds")
	}
	m := NewMemo(testOptions(true), testEstimator())
	g, err := m.EnqueuePlan(chainPlan(2))
	require.NoError(t, err)
	done := make(chan error)
	go func() {
		done <- m.ExploreGroup(g)
	}()
	err = <-done
	assert.True(t, plan.IsPlanError(err, plan.ErrStructuralInvariant))
	assert.Equal(t, Unexplored, g.State())
}

func TestMemoString(t *testing.T) {
	m := NewMemo(testOptions(true), testEstimator())
	g := exploreRoot(t, m, chainPlan(3))
	_, err := m.BestMember(g, plan.EmptyProperty)
	require.NoError(t, err)
	s := m.String()
	assert.Contains(t, s, "Memo:")
	assert.Contains(t, s, "JoinBlock")
	assert.Contains(t, s, "join order")
}
