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
	"github.com/daviszhen/optimizer/pkg/plan"
	"github.com/daviszhen/optimizer/pkg/util"
)

// Rule rewrites a logical member into equivalent members. Transformation
// rules return logical members, implementation rules physical ones. A
// rule must keep the signature of the group.
type Rule interface {
	Name() string
	IsApplicable(member *CGroupMember) bool
	Apply(m *Memo, g *CGroup, member *CGroupMember) ([]*CGroupMember, error)
}

// DefaultRules is the registry used by NewMemo.
func DefaultRules(cfg *util.OptimizerOptions) []Rule {
	rules := []Rule{
		&JoinCommutative{},
		&JoinAssociative{DisableCrossJoin: cfg.DisableCrossJoin},
		newImplementRule("Scan2Scan", plan.LOT_Scan, plan.POT_Scan, nil),
		newImplementRule("Filter2Filter", plan.LOT_Filter, plan.POT_Filter, nil),
		newImplementRule("Agg2HashAgg", plan.LOT_AggGroup, plan.POT_HashAgg, nil),
		newImplementRule("Order2Order", plan.LOT_Order, plan.POT_Order, nil),
		newImplementRule("Limit2Limit", plan.LOT_Limit, plan.POT_Limit, nil),
		newImplementRule("Project2Project", plan.LOT_Project, plan.POT_Project, nil),
	}
	if cfg.EnableHashJoin {
		rules = append(rules, newImplementRule("Join2HashJoin", plan.LOT_JOIN, plan.POT_HashJoin, hasJoinKeys))
	}
	if cfg.EnableMergeJoin {
		rules = append(rules, newImplementRule("Join2MergeJoin", plan.LOT_JOIN, plan.POT_MergeJoin,
			func(lo *plan.LogicalOperator) bool {
				return lo.JoinTyp == plan.LOT_JoinTypeInner && hasJoinKeys(lo)
			}))
	}
	// nested loops run any join. Keep them when nothing else can.
	nlj := func(lo *plan.LogicalOperator) bool {
		return cfg.EnableNLJoin || !cfg.EnableHashJoin || !hasJoinKeys(lo)
	}
	rules = append(rules, newImplementRule("Join2NLJoin", plan.LOT_JOIN, plan.POT_NLJoin, nlj))
	if cfg.EnableStreamAgg {
		rules = append(rules, newImplementRule("Agg2StreamAgg", plan.LOT_AggGroup, plan.POT_StreamAgg,
			func(lo *plan.LogicalOperator) bool {
				return len(lo.GroupBys) > 0
			}))
	}
	return rules
}

func hasJoinKeys(lo *plan.LogicalOperator) bool {
	lkeys, _ := plan.EquiJoinKeys(lo.OnConds, lo.Children[0].TableRefs(), lo.Children[1].TableRefs())
	return len(lkeys) > 0
}

func logicalInnerJoin(member *CGroupMember) bool {
	return !member.IsPhysical() && isInnerJoin(member.Logical)
}

// JoinCommutative: A ⋈ B => B ⋈ A
type JoinCommutative struct{}

func (rule *JoinCommutative) Name() string {
	return "JoinCommutative"
}

func (rule *JoinCommutative) IsApplicable(member *CGroupMember) bool {
	return logicalInnerJoin(member)
}

func (rule *JoinCommutative) Apply(m *Memo, g *CGroup, member *CGroupMember) ([]*CGroupMember, error) {
	lo := member.Logical.ShallowCopy()
	util.Swap(lo.Children, 0, 1)
	return []*CGroupMember{NewLogicalMember(lo)}, nil
}

// JoinAssociative: A ⋈ (B ⋈ C) => (A ⋈ B) ⋈ C for every inner join
// member of the right group. Conditions move to the lowest join that
// covers them.
type JoinAssociative struct {
	DisableCrossJoin bool
}

func (rule *JoinAssociative) Name() string {
	return "JoinAssociative"
}

func (rule *JoinAssociative) IsApplicable(member *CGroupMember) bool {
	if !logicalInnerJoin(member) {
		return false
	}
	right := member.Logical.Children[1]
	return right.Typ == plan.LOT_MemoRef
}

func (rule *JoinAssociative) Apply(m *Memo, g *CGroup, member *CGroupMember) ([]*CGroupMember, error) {
	lo := member.Logical
	A := lo.Children[0]
	rg := groupOf(lo.Children[1])
	if rg.IsSolverOwned() {
		return nil, nil
	}
	var ret []*CGroupMember
	for _, rm := range rg.members {
		if !logicalInnerJoin(rm) {
			continue
		}
		B, C := rm.Logical.Children[0], rm.Logical.Children[1]
		abTables := A.TableRefs().Union(B.TableRefs())
		var abConds, topConds []*plan.Expr
		for _, cond := range append(util.CopyTo(lo.OnConds), rm.Logical.OnConds...) {
			tables := cond.TableRefs()
			if !tables.None() && abTables.IsSuperSet(tables) {
				abConds = append(abConds, cond)
			} else {
				topConds = append(topConds, cond)
			}
		}
		if rule.DisableCrossJoin && (util.Empty(abConds) || util.Empty(topConds)) {
			continue
		}
		AB := plan.NewJoin(A, B, abConds...)
		ret = append(ret, NewLogicalMember(plan.NewJoin(AB, C, topConds...)))
	}
	return ret, nil
}

// implementRule maps one logical operator to one physical operator
// with the children left as group references.
type implementRule struct {
	name       string
	lot        plan.LOT
	pot        plan.POT
	applicable func(lo *plan.LogicalOperator) bool
}

func newImplementRule(name string, lot plan.LOT, pot plan.POT, applicable func(lo *plan.LogicalOperator) bool) Rule {
	return &implementRule{name: name, lot: lot, pot: pot, applicable: applicable}
}

func (rule *implementRule) Name() string {
	return rule.name
}

func (rule *implementRule) IsApplicable(member *CGroupMember) bool {
	if member.IsPhysical() || member.Logical.Typ != rule.lot {
		return false
	}
	return rule.applicable == nil || rule.applicable(member.Logical)
}

func (rule *implementRule) Apply(m *Memo, g *CGroup, member *CGroupMember) ([]*CGroupMember, error) {
	lo := member.Logical
	children := make([]*plan.PhysicalOperator, len(lo.Children))
	for i, child := range lo.Children {
		children[i] = plan.NewPhysicalMemoRef(groupOf(child), 0)
	}
	return []*CGroupMember{NewPhysicalMember(plan.NewPhysical(rule.pot, lo, g.Card(), children...))}, nil
}
