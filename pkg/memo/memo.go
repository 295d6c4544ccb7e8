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
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/petermattis/goid"
	"github.com/xlab/treeprint"
	"go.uber.org/zap"

	"github.com/daviszhen/optimizer/pkg/joinorder"
	"github.com/daviszhen/optimizer/pkg/plan"
	"github.com/daviszhen/optimizer/pkg/util"
)

// Memo holds the groups of one statement. It is not safe for concurrent
// use and checks that every call comes from the goroutine that built it.
type Memo struct {
	cfg   *util.OptimizerOptions
	est   plan.CardEstimator
	rules []Rule

	groups []*CGroup
	bySig  map[uint64]*CGroup
	owner  int64
}

func NewMemo(cfg *util.OptimizerOptions, est plan.CardEstimator) *Memo {
	if cfg == nil {
		cfg = &util.DefaultConfig().Optimizer
	}
	if est == nil {
		est = plan.NewCatalogEstimator(nil)
	}
	return &Memo{
		cfg:   cfg,
		est:   est,
		rules: DefaultRules(cfg),
		bySig: make(map[uint64]*CGroup),
		owner: goid.Get(),
	}
}

// SetRules replaces the rule registry. Rules run in order.
func (m *Memo) SetRules(rules []Rule) {
	m.rules = rules
}

func (m *Memo) Rules() []Rule {
	return m.rules
}

func (m *Memo) Groups() []*CGroup {
	return m.groups
}

func (m *Memo) Estimator() plan.CardEstimator {
	return m.est
}

func (m *Memo) Options() *util.OptimizerOptions {
	return m.cfg
}

// GroupBySignature returns nil for unknown signatures.
func (m *Memo) GroupBySignature(sig uint64) *CGroup {
	return m.bySig[sig]
}

func (m *Memo) checkOwner() error {
	if id := goid.Get(); id != m.owner {
		return m.invariantError("memo owned by goroutine %d is used from goroutine %d", m.owner, id)
	}
	return nil
}

// invariantError reports a rule or memo bug. Builds with the intest tag
// panic instead.
func (m *Memo) invariantError(format string, args ...any) error {
	err := plan.NewPlanError(plan.ErrStructuralInvariant, format, args...)
	util.Error("memo invariant violated", zap.Error(err))
	if util.InTest {
		panic(err)
	}
	return err
}

// EnqueuePlan inserts the tree bottom-up and returns the group of its
// root. The tree itself is left untouched.
func (m *Memo) EnqueuePlan(root *plan.LogicalOperator) (*CGroup, error) {
	if err := m.checkOwner(); err != nil {
		return nil, err
	}
	return m.insert(root)
}

func (m *Memo) insert(node *plan.LogicalOperator) (*CGroup, error) {
	if node.Typ == plan.LOT_MemoRef {
		g := groupOf(node)
		if g.Logical().Typ == plan.LOT_MemoRef {
			return nil, m.invariantError("group #%d wraps another group reference", g.id)
		}
		return g, nil
	}
	if isJoinRegion(node) {
		if m.cfg.UseJoinSolver {
			return m.insertJoinBlock(node)
		}
		node = pushPredicates(node, nil)
	}
	lo := node.ShallowCopy()
	for i, child := range node.Children {
		cg, err := m.insert(child)
		if err != nil {
			return nil, err
		}
		lo.Children[i] = plan.NewMemoRef(cg)
	}
	return m.addExpr(lo)
}

// addExpr files a node whose children are group references. A group is
// frozen once it has been costed: later members would be missed by the
// memoized best plans, so they are dropped.
func (m *Memo) addExpr(lo *plan.LogicalOperator) (*CGroup, error) {
	sig := lo.Signature()
	if g, has := m.bySig[sig]; has {
		if g.IsSolverOwned() {
			return g, nil
		}
		member := NewLogicalMember(lo)
		if len(g.best) > 0 {
			if !g.contains(member) {
				util.Debug("memo group is costed, member dropped",
					zap.Int("group", g.id),
					zap.Stringer("op", lo.Typ))
			}
			return g, nil
		}
		if g.addMember(member) && g.state == Explored {
			// late arrival, give it the rules now
			if err := m.exploreMembers(g); err != nil {
				return nil, err
			}
		}
		return g, nil
	}
	return m.newGroup(sig, lo), nil
}

func (m *Memo) newGroup(sig uint64, lo *plan.LogicalOperator) *CGroup {
	g := newCGroup(m, len(m.groups), sig, lo)
	m.groups = append(m.groups, g)
	m.bySig[sig] = g
	util.Debug("new memo group",
		zap.Int("group", g.id),
		zap.Stringer("op", lo.Typ),
		zap.Float64("card", g.card))
	return g
}

func isInnerJoin(node *plan.LogicalOperator) bool {
	return node.Typ == plan.LOT_JOIN && node.JoinTyp.IsInnerLike()
}

// isJoinRegion is true for an inner or cross join, optionally under a
// filter.
func isJoinRegion(node *plan.LogicalOperator) bool {
	if isInnerJoin(node) {
		return true
	}
	return node.Typ == plan.LOT_Filter && isInnerJoin(node.Children[0])
}

// collectJoinRegion gathers the maximal region of inner joins and
// filters below node. Everything else is a vertex.
func collectJoinRegion(node *plan.LogicalOperator, vertices []*plan.LogicalOperator, preds []*plan.Expr) ([]*plan.LogicalOperator, []*plan.Expr) {
	switch {
	case isInnerJoin(node):
		for _, cond := range node.OnConds {
			preds = append(preds, plan.SplitConjuncts(cond)...)
		}
		for _, child := range node.Children {
			vertices, preds = collectJoinRegion(child, vertices, preds)
		}
	case isJoinRegion(node):
		for _, filter := range node.Filters {
			preds = append(preds, plan.SplitConjuncts(filter)...)
		}
		vertices, preds = collectJoinRegion(node.Children[0], vertices, preds)
	default:
		vertices = append(vertices, node)
	}
	return vertices, preds
}

// pushPredicates moves every conjunct to the lowest join or leaf whose
// tables cover it.
func pushPredicates(node *plan.LogicalOperator, preds []*plan.Expr) *plan.LogicalOperator {
	switch {
	case isInnerJoin(node):
		left, right := node.Children[0], node.Children[1]
		lt, rt := left.TableRefs(), right.TableRefs()
		var lpreds, rpreds, conds []*plan.Expr
		for _, cond := range node.OnConds {
			preds = append(preds, plan.SplitConjuncts(cond)...)
		}
		for _, pred := range preds {
			tables := pred.TableRefs()
			switch {
			case tables.None():
				conds = append(conds, pred)
			case lt.IsSuperSet(tables):
				lpreds = append(lpreds, pred)
			case rt.IsSuperSet(tables):
				rpreds = append(rpreds, pred)
			default:
				conds = append(conds, pred)
			}
		}
		return plan.NewJoin(pushPredicates(left, lpreds), pushPredicates(right, rpreds), conds...)
	case isJoinRegion(node):
		for _, filter := range node.Filters {
			preds = append(preds, plan.SplitConjuncts(filter)...)
		}
		return pushPredicates(node.Children[0], preds)
	case len(preds) == 0:
		return node
	default:
		return plan.NewFilter(node, preds...)
	}
}

// insertJoinBlock turns a join region into a solver-owned group.
// Single-vertex conjuncts are pushed onto their vertex, two-vertex
// conjuncts become graph edges and the rest stay in a filter above the
// block.
func (m *Memo) insertJoinBlock(node *plan.LogicalOperator) (*CGroup, error) {
	vertices, preds := collectJoinRegion(node, nil, nil)
	if len(vertices) > joinorder.MaxRelations {
		util.Warn("join region is too large for the join order solvers, use rules",
			zap.Int("relations", len(vertices)))
		node = pushPredicates(node, nil)
		lo := node.ShallowCopy()
		for i, child := range node.Children {
			cg, err := m.insert(child)
			if err != nil {
				return nil, err
			}
			lo.Children[i] = plan.NewMemoRef(cg)
		}
		return m.addExpr(lo)
	}

	pushed := make([][]*plan.Expr, len(vertices))
	vtables := make([]*bitset.BitSet, len(vertices))
	for i, vertex := range vertices {
		vtables[i] = vertex.TableRefs()
	}
	var edges, residual []*plan.Expr
	for _, pred := range preds {
		tables := pred.TableRefs()
		var touched []int
		for i, vt := range vtables {
			if vt.IntersectionCardinality(tables) > 0 {
				touched = append(touched, i)
			}
		}
		switch {
		case len(touched) == 1 && vtables[touched[0]].IsSuperSet(tables):
			pushed[touched[0]] = append(pushed[touched[0]], pred)
		case len(touched) == 2 && vtables[touched[0]].Union(vtables[touched[1]]).IsSuperSet(tables):
			edges = append(edges, pred)
		default:
			residual = append(residual, pred)
		}
	}

	refs := make([]*plan.LogicalOperator, len(vertices))
	for i, vertex := range vertices {
		if len(pushed[i]) > 0 {
			vertex = plan.NewFilter(vertex, pushed[i]...)
		}
		vg, err := m.insert(vertex)
		if err != nil {
			return nil, err
		}
		refs[i] = plan.NewMemoRef(vg)
	}

	block := plan.NewJoinBlock(refs, edges)
	sig := block.Signature()
	g, has := m.bySig[sig]
	if !has {
		graph, err := joinorder.NewJoinGraph(refs, edges)
		if err != nil {
			return nil, err
		}
		g = m.newGroup(sig, block)
		g.graph = graph
		util.Debug("join block",
			zap.Int("group", g.id),
			zap.Int("relations", graph.Len()),
			zap.Int("preds", len(edges)))
	}
	if len(residual) == 0 {
		return g, nil
	}
	return m.addExpr(plan.NewFilter(plan.NewMemoRef(g), residual...))
}

// Validate checks the structure of every group.
func (m *Memo) Validate() error {
	for _, g := range m.groups {
		for i, member := range g.members {
			lo := member.Logical
			if member.IsPhysical() {
				lo = member.Physical.Logical
			}
			if !member.solver {
				for _, child := range lo.Children {
					if child.Typ != plan.LOT_MemoRef {
						return m.invariantError("group #%d member %d has an inline %v child", g.id, i, child.Typ)
					}
					if child.Ref.Logical().Typ == plan.LOT_MemoRef {
						return m.invariantError("group #%d member %d has a double indirection", g.id, i)
					}
				}
			}
			if g.IsSolverOwned() {
				continue
			}
			if sig := member.Signature(); sig != g.signature {
				return m.invariantError("group #%d member %d signature %x, want %x", g.id, i, sig, g.signature)
			}
			for j := i + 1; j < len(g.members); j++ {
				if member.Equal(g.members[j]) {
					return m.invariantError("group #%d members %d and %d are equal", g.id, i, j)
				}
			}
		}
	}
	return nil
}

func (m *Memo) Print(tree treeprint.Tree) {
	for _, g := range m.groups {
		branch := tree.AddBranch(fmt.Sprintf("Group #%d sig=%016x card=%.0f %v", g.id, g.signature, g.card, g.state))
		if g.IsSolverOwned() {
			branch.AddMetaNode("relations", fmt.Sprintf("%d", g.graph.Len()))
		}
		for i, member := range g.members {
			branch.AddNode(fmt.Sprintf("%d: %v", i, member))
		}
		for _, key := range g.bestKeys() {
			best := g.best[key]
			if best.err != nil {
				branch.AddMetaNode(best.Required.String(), "unsatisfiable")
				continue
			}
			branch.AddMetaNode(best.Required.String(), best.String())
		}
	}
}

func (m *Memo) String() string {
	tree := treeprint.NewWithRoot("Memo:")
	m.Print(tree)
	return tree.String()
}
