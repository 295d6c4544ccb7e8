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
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/daviszhen/optimizer/pkg/joinorder"
	"github.com/daviszhen/optimizer/pkg/memo"
	"github.com/daviszhen/optimizer/pkg/plan"
	"github.com/daviszhen/optimizer/pkg/util"
)

// Statement is one query being planned. Every statement and every
// subquery gets its own memo.
type Statement struct {
	Root *plan.LogicalOperator
	// Required is the property the consumer needs. nil means none.
	Required   *plan.PhysicalProperty
	Subqueries []*Statement
	Arena      *plan.ExprArena

	Memo  *memo.Memo
	Group *memo.CGroup

	Physical *plan.PhysicalOperator
	// Substitution maps the nodes of Physical to the memo nodes they
	// were copied from.
	Substitution map[*plan.PhysicalOperator]*plan.PhysicalOperator
	Cost         float64
}

func NewStatement(root *plan.LogicalOperator) *Statement {
	return &Statement{
		Root:     root,
		Required: plan.EmptyProperty,
		Arena:    plan.NewExprArena(),
	}
}

type Optimizer struct {
	cfg *util.Config
	est plan.CardEstimator
}

func NewOptimizer(cfg *util.Config, est plan.CardEstimator) *Optimizer {
	if cfg == nil {
		cfg = util.DefaultConfig()
	}
	if est == nil {
		est = plan.NewCatalogEstimator(&cfg.Catalog)
	}
	return &Optimizer{cfg: cfg, est: est}
}

// ExploreRoot builds the memo of the statement and its subqueries and
// explores it to the fixpoint.
func (opt *Optimizer) ExploreRoot(stmt *Statement) error {
	if stmt == nil || stmt.Root == nil {
		return errors.New("empty statement")
	}
	for _, sub := range stmt.Subqueries {
		if err := opt.ExploreRoot(sub); err != nil {
			return errors.Annotate(err, "subquery")
		}
	}
	stmt.Memo = memo.NewMemo(&opt.cfg.Optimizer, opt.est)
	g, err := stmt.Memo.EnqueuePlan(stmt.Root)
	if err != nil {
		return err
	}
	if err = stmt.Memo.ExploreGroup(g); err != nil {
		return err
	}
	stmt.Group = g
	if opt.cfg.Debug.PrintMemo {
		util.Info("memo explored", zap.String("memo", stmt.Memo.String()))
	}
	return nil
}

// CopyOutOptimalPlan extracts the cheapest plan of an explored
// statement and registers its expressions in the statement arena.
func (opt *Optimizer) CopyOutOptimalPlan(stmt *Statement) (*plan.PhysicalOperator, error) {
	if stmt.Group == nil {
		return nil, errors.New("statement is not explored")
	}
	for _, sub := range stmt.Subqueries {
		if _, err := opt.CopyOutOptimalPlan(sub); err != nil {
			return nil, errors.Annotate(err, "subquery")
		}
	}
	res, err := stmt.Memo.CopyOut(stmt.Group, stmt.Required)
	if err != nil {
		return nil, err
	}
	res.Plan.Walk(func(node *plan.PhysicalOperator) {
		for _, e := range node.Logical.Exprs() {
			stmt.Arena.Register(e)
		}
	})
	stmt.Physical = res.Plan
	stmt.Substitution = res.Substitution
	stmt.Cost = res.Plan.IncCost
	return res.Plan, nil
}

// Optimize explores the statement and copies out its plan.
func (opt *Optimizer) Optimize(stmt *Statement) (root *plan.PhysicalOperator, err error) {
	defer func() {
		if rErr := recover(); rErr != nil {
			err = util.ConvertPanicError(rErr)
			root = nil
		}
	}()
	start := time.Now()
	if err = opt.ExploreRoot(stmt); err != nil {
		return nil, err
	}
	if root, err = opt.CopyOutOptimalPlan(stmt); err != nil {
		return nil, err
	}
	util.Info("statement optimized",
		zap.Int("groups", len(stmt.Memo.Groups())),
		zap.Float64("cost", stmt.Cost),
		zap.Duration("elapsed", time.Since(start)))
	if opt.cfg.Debug.PrintPlan {
		util.Info("optimal plan", zap.String("plan", root.String()))
	}
	return root, nil
}

// RunJoinSolver orders a join graph outside of any memo.
func RunJoinSolver(graph *joinorder.JoinGraph, algorithm string, opts joinorder.Options) (*plan.PhysicalOperator, float64, error) {
	res, err := joinorder.Solve(graph, algorithm, opts)
	if err != nil {
		return nil, 0, err
	}
	return res.Tree, res.Cost, nil
}
