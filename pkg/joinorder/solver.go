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

package joinorder

import (
	"sort"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/daviszhen/optimizer/pkg/plan"
	"github.com/daviszhen/optimizer/pkg/util"
)

// LeafBuilder makes the plan of a single vertex.
type LeafBuilder func(i int, vertex *plan.LogicalOperator) (*plan.PhysicalOperator, error)

type Options struct {
	Estimator plan.CardEstimator
	// Leaf is nil for graphs of base table scans.
	Leaf             LeafBuilder
	EnableHashJoin   bool
	EnableNLJoin     bool
	DisableCrossJoin bool
	// MaxExhaustiveRelations bounds dpbushy, dpccp and tdbasic in Solve.
	// Zero means no bound.
	MaxExhaustiveRelations int
	// FallbackToGOO lets Solve retry a disconnected graph with goo.
	FallbackToGOO bool
}

func DefaultOptions() Options {
	return Options{
		Estimator:              plan.NewMapEstimator(),
		EnableHashJoin:         true,
		EnableNLJoin:           true,
		MaxExhaustiveRelations: 16,
		FallbackToGOO:          true,
	}
}

func OptionsFromConfig(cfg *util.OptimizerOptions, est plan.CardEstimator) Options {
	return Options{
		Estimator:              est,
		EnableHashJoin:         cfg.EnableHashJoin,
		EnableNLJoin:           cfg.EnableNLJoin,
		DisableCrossJoin:       cfg.DisableCrossJoin,
		MaxExhaustiveRelations: cfg.MaxExhaustiveRelations,
		FallbackToGOO:          cfg.FallbackToGOO,
	}
}

// Stats counts the work of a solver run.
//
// C1 is the number of candidate pairs costed by dpbushy and dpccp, the
// number of naive partitions enumerated by tdbasic and the number of
// joinable pairs costed by goo.
// C2 is the number of partitions enumerated by dpbushy, the number of
// connected subgraphs emitted by dpccp, the number of connected pairs
// costed by tdbasic and the number of pairs tried by goo.
type Stats struct {
	C1 uint64
	C2 uint64
}

type Solver interface {
	Name() string
	// Run returns the cheapest join tree of the graph and its cost.
	Run(graph *JoinGraph) (*plan.PhysicalOperator, float64, error)
	Stats() Stats
	BestTree() *BestTree
}

func NewSolver(name string, opts Options) (Solver, error) {
	switch name {
	case util.SolverDPBushy:
		return NewDPBushy(opts), nil
	case util.SolverDPccp:
		return NewDPccp(opts), nil
	case util.SolverGOO:
		return NewGOO(opts), nil
	case util.SolverTDBasic:
		return NewTDBasic(opts), nil
	default:
		return nil, errors.Errorf("unknown join solver %q", name)
	}
}

// CsgCmpPair is a connected subgraph S1 and a connected complement S2
// whose union is connected.
type CsgCmpPair struct {
	S1 BitVector
	S2 BitVector
}

func NewCsgCmpPair(S1, S2 BitVector) CsgCmpPair {
	util.AssertFunc(!S1.Overlaps(S2))
	return CsgCmpPair{S1: S1, S2: S2}
}

func (pair CsgCmpPair) S() BitVector {
	return Union(pair.S1, pair.S2)
}

// Valid checks the pair against the graph.
func (pair CsgCmpPair) Valid(graph *JoinGraph) bool {
	return !pair.S1.Overlaps(pair.S2) &&
		graph.IsConnected(pair.S1) &&
		graph.IsConnected(pair.S2) &&
		graph.IsConnected(pair.S())
}

// resolver holds what every solver shares: the graph, the best plan per
// relation set and the cardinalities.
type resolver struct {
	opts     Options
	graph    *JoinGraph
	bestTree *BestTree
	stats    Stats

	leafCard []float64
	// vertex indexes in original order
	byOrigin []int
	predSel  []float64
	cards    map[BitVector]float64
}

func newResolver(opts Options) resolver {
	if opts.Estimator == nil {
		opts.Estimator = plan.NewMapEstimator()
	}
	return resolver{opts: opts, bestTree: NewBestTree()}
}

func (r *resolver) Stats() Stats {
	return r.stats
}

func (r *resolver) BestTree() *BestTree {
	return r.bestTree
}

func (r *resolver) defaultLeaf(i int, vertex *plan.LogicalOperator) (*plan.PhysicalOperator, error) {
	if vertex.Typ != plan.LOT_Scan {
		return nil, errors.Errorf("vertex %d is a %v, a leaf builder is required", i, vertex.Typ)
	}
	return plan.NewPhysical(plan.POT_Scan, vertex, vertex.Card(r.opts.Estimator)), nil
}

// init resets the state and puts the plan of every vertex in BestTree.
func (r *resolver) init(graph *JoinGraph) error {
	if !r.opts.EnableHashJoin && !r.opts.EnableNLJoin {
		return errors.New("no join implementation enabled")
	}
	n := graph.Len()
	r.graph = graph
	r.bestTree = NewBestTree()
	r.stats = Stats{}
	r.leafCard = make([]float64, n)
	r.cards = make(map[BitVector]float64)
	leaf := r.opts.Leaf
	if leaf == nil {
		leaf = r.defaultLeaf
	}
	for i := 0; i < n; i++ {
		tree, err := leaf(i, graph.Vertex(i))
		if err != nil {
			return err
		}
		r.leafCard[i] = tree.Card
		r.bestTree.Insert(Singleton(i), tree)
	}
	r.byOrigin = make([]int, n)
	for i := range r.byOrigin {
		r.byOrigin[i] = i
	}
	sort.Slice(r.byOrigin, func(a, b int) bool {
		return graph.Origin(r.byOrigin[a]) < graph.Origin(r.byOrigin[b])
	})
	r.predSel = make([]float64, len(graph.Preds()))
	for i, pred := range graph.Preds() {
		r.predSel[i] = r.opts.Estimator.Selectivity(pred)
	}
	return nil
}

// card of the join of S. Multiplication follows the original vertex
// order and the predicate order, so the result does not depend on the
// labeling or on the shape of the tree.
func (r *resolver) card(S BitVector) float64 {
	if c, has := r.cards[S]; has {
		return c
	}
	c := 1.0
	for _, i := range r.byOrigin {
		if S.Has(i) {
			c *= r.leafCard[i]
		}
	}
	for i := range r.predSel {
		if r.graph.PredCover(i).IsSubsetOf(S) {
			c *= r.predSel[i]
		}
	}
	c = max(c, 1)
	r.cards[S] = c
	return c
}

// identifyJoinPred collects the predicates with one end in S1 and the
// other in S2.
func (r *resolver) identifyJoinPred(S1, S2 BitVector) []*plan.Expr {
	var conds []*plan.Expr
	for i, pred := range r.graph.Preds() {
		cover := r.graph.PredCover(i)
		if cover.Overlaps(S1) && cover.Overlaps(S2) {
			conds = append(conds, pred)
		}
	}
	return conds
}

func hasEquiJoin(conds []*plan.Expr) bool {
	for _, cond := range conds {
		if cond.IsEquiJoin() {
			return true
		}
	}
	return false
}

// createMinimalJoinTree tries every join implementation in both
// orientations and records the cheapest in BestTree. It returns false
// when the pair cannot be joined: no predicate while cross joins are not
// allowed, or no enabled implementation applies.
func (r *resolver) createMinimalJoinTree(S1 BitVector, T1 *plan.PhysicalOperator,
	S2 BitVector, T2 *plan.PhysicalOperator, canBeCrossJoin bool) (*plan.PhysicalOperator, bool) {
	conds := r.identifyJoinPred(S1, S2)
	if len(conds) == 0 && !canBeCrossJoin {
		return nil, false
	}
	S := Union(S1, S2)
	card := r.card(S)
	equi := hasEquiJoin(conds)

	var best *plan.PhysicalOperator
	for _, pair := range [2][2]*plan.PhysicalOperator{{T1, T2}, {T2, T1}} {
		left, right := pair[0], pair[1]
		logical := plan.NewJoin(left.Logical, right.Logical, conds...)
		if r.opts.EnableNLJoin {
			nlj := plan.NewPhysical(plan.POT_NLJoin, logical, card, left, right)
			if best == nil || nlj.IncCost < best.IncCost {
				best = nlj
			}
		}
		if r.opts.EnableHashJoin && equi {
			hj := plan.NewPhysical(plan.POT_HashJoin, logical, card, left, right)
			if best == nil || hj.IncCost < best.IncCost {
				best = hj
			}
		}
	}
	if best == nil {
		return nil, false
	}
	r.bestTree.Insert(S, best)
	return best, true
}

// joinPair joins the best plans of S1 and S2.
func (r *resolver) joinPair(S1, S2 BitVector) bool {
	T1, T2 := r.bestTree.Get(S1), r.bestTree.Get(S2)
	if T1 == nil || T2 == nil {
		return false
	}
	_, ok := r.createMinimalJoinTree(S1, T1, S2, T2, false)
	return ok
}

func (r *resolver) checkConnected(name string) error {
	if !r.graph.IsConnected(r.graph.FullSet()) {
		return plan.NewPlanError(plan.ErrDisconnectedJoinRegion,
			"%s: %d relations are not connected by join predicates", name, r.graph.Len())
	}
	return nil
}

func (r *resolver) result(name string) (*plan.PhysicalOperator, float64, error) {
	tree := r.bestTree.Get(r.graph.FullSet())
	if tree == nil {
		return nil, 0, plan.NewPlanError(plan.ErrDisconnectedJoinRegion,
			"%s: no join tree covers all %d relations", name, r.graph.Len())
	}
	util.Debug("join order solved",
		zap.String("solver", name),
		zap.Int("relations", r.graph.Len()),
		zap.Uint64("c1", r.stats.C1),
		zap.Uint64("c2", r.stats.C2),
		zap.Float64("cost", tree.IncCost))
	return tree, tree.IncCost, nil
}

// Result is the outcome of Solve.
type Result struct {
	Tree     *plan.PhysicalOperator
	Cost     float64
	Solver   string
	Stats    Stats
	BestTree *BestTree
}

// Solve runs the named solver. Exhaustive solvers give way to goo above
// MaxExhaustiveRelations, and on a disconnected graph when FallbackToGOO
// is set.
func Solve(graph *JoinGraph, name string, opts Options) (*Result, error) {
	if name != util.SolverGOO && opts.MaxExhaustiveRelations > 0 &&
		graph.Len() > opts.MaxExhaustiveRelations {
		util.Info("join block exceeds the exhaustive search limit, use goo",
			zap.String("solver", name),
			zap.Int("relations", graph.Len()),
			zap.Int("limit", opts.MaxExhaustiveRelations))
		name = util.SolverGOO
	}
	solver, err := NewSolver(name, opts)
	if err != nil {
		return nil, err
	}
	tree, cost, err := solver.Run(graph)
	if err != nil && name != util.SolverGOO && opts.FallbackToGOO &&
		plan.IsPlanError(err, plan.ErrDisconnectedJoinRegion) {
		util.Info("join block is disconnected, fall back to goo",
			zap.String("solver", name),
			zap.Error(err))
		solver = NewGOO(opts)
		tree, cost, err = solver.Run(graph)
	}
	if err != nil {
		return nil, err
	}
	return &Result{
		Tree:     tree,
		Cost:     cost,
		Solver:   solver.Name(),
		Stats:    solver.Stats(),
		BestTree: solver.BestTree(),
	}, nil
}
