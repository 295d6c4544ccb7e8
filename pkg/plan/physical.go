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

package plan

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/xlab/treeprint"
)

type POT int

const (
	POT_Scan POT = iota
	POT_Filter
	POT_NLJoin
	POT_HashJoin
	POT_MergeJoin
	POT_HashAgg
	POT_StreamAgg
	POT_Order
	POT_Limit
	POT_Project
	// enforcers
	POT_Sort
	POT_Exchange
	POT_MemoRef
)

func (pt POT) String() string {
	switch pt {
	case POT_Scan:
		return "Scan"
	case POT_Filter:
		return "Filter"
	case POT_NLJoin:
		return "NestLoopJoin"
	case POT_HashJoin:
		return "HashJoin"
	case POT_MergeJoin:
		return "MergeJoin"
	case POT_HashAgg:
		return "HashAggregate"
	case POT_StreamAgg:
		return "StreamAggregate"
	case POT_Order:
		return "Order"
	case POT_Limit:
		return "Limit"
	case POT_Project:
		return "Project"
	case POT_Sort:
		return "Sort"
	case POT_Exchange:
		return "Exchange"
	case POT_MemoRef:
		return "MemoRef"
	default:
		panic(fmt.Sprintf("usp %d", pt))
	}
}

func (pt POT) IsJoin() bool {
	return pt == POT_NLJoin || pt == POT_HashJoin || pt == POT_MergeJoin
}

func (pt POT) IsEnforcer() bool {
	return pt == POT_Sort || pt == POT_Exchange
}

type PhysicalOperator struct {
	Typ      POT
	Logical  *LogicalOperator
	Children []*PhysicalOperator

	// memo ref
	Ref GroupRef
	// sort enforcer
	Ordering Ordering
	// exchange enforcer
	Dist Distribution

	Card float64
	// Cost is the cost of the node itself.
	Cost float64
	// IncCost is Cost plus the inclusive cost of the children.
	IncCost float64
}

// NewPhysical implements logical over children. Card is the output
// rows of the node.
func NewPhysical(typ POT, logical *LogicalOperator, card float64, children ...*PhysicalOperator) *PhysicalOperator {
	po := &PhysicalOperator{
		Typ:      typ,
		Logical:  logical,
		Children: children,
		Card:     card,
	}
	po.ComputeCost()
	return po
}

// NewPhysicalMemoRef is a leaf standing for the best plan of a group.
// incCost is that plan's inclusive cost.
func NewPhysicalMemoRef(ref GroupRef, incCost float64) *PhysicalOperator {
	return &PhysicalOperator{
		Typ:     POT_MemoRef,
		Logical: NewMemoRef(ref),
		Ref:     ref,
		Card:    ref.Card(),
		IncCost: incCost,
	}
}

func NewSortEnforcer(child *PhysicalOperator, ordering Ordering) *PhysicalOperator {
	po := &PhysicalOperator{
		Typ:      POT_Sort,
		Logical:  child.Logical,
		Children: []*PhysicalOperator{child},
		Ordering: ordering,
		Card:     child.Card,
	}
	po.ComputeCost()
	return po
}

func NewExchangeEnforcer(child *PhysicalOperator, dist Distribution) *PhysicalOperator {
	po := &PhysicalOperator{
		Typ:      POT_Exchange,
		Logical:  child.Logical,
		Children: []*PhysicalOperator{child},
		Dist:     dist,
		Card:     child.Card,
	}
	po.ComputeCost()
	return po
}

// ComputeCost sets Cost and IncCost from the children.
func (po *PhysicalOperator) ComputeCost() {
	po.Cost = po.LocalCost()
	po.IncCost = po.Cost
	for _, child := range po.Children {
		po.IncCost += child.IncCost
	}
}

// ChildrenCost is IncCost without the node itself.
func (po *PhysicalOperator) ChildrenCost() float64 {
	var sum float64
	for _, child := range po.Children {
		sum += child.IncCost
	}
	return sum
}

// TableRefs of the logical node implemented.
func (po *PhysicalOperator) TableRefs() *bitset.BitSet {
	return po.Logical.TableRefs()
}

// JoinKeys pairs the equality conditions of a join as (left, right)
// keys in condition order.
func (po *PhysicalOperator) JoinKeys() ([]*Expr, []*Expr) {
	if po.Logical == nil || len(po.Children) != 2 {
		return nil, nil
	}
	return EquiJoinKeys(po.Logical.OnConds,
		po.Logical.Children[0].TableRefs(),
		po.Logical.Children[1].TableRefs())
}

// EquiJoinKeys returns the sides of the equalities in conds that compare
// an expression on the left tables with one on the right tables.
func EquiJoinKeys(conds []*Expr, left, right *bitset.BitSet) ([]*Expr, []*Expr) {
	var lkeys, rkeys []*Expr
	for _, cond := range conds {
		if !cond.IsEqual() {
			continue
		}
		a, b := cond.Children[0], cond.Children[1]
		at, bt := a.TableRefs(), b.TableRefs()
		if at.None() || bt.None() {
			continue
		}
		switch {
		case left.IsSuperSet(at) && right.IsSuperSet(bt):
			lkeys = append(lkeys, a)
			rkeys = append(rkeys, b)
		case left.IsSuperSet(bt) && right.IsSuperSet(at):
			lkeys = append(lkeys, b)
			rkeys = append(rkeys, a)
		}
	}
	return lkeys, rkeys
}

func orderingTables(ordering Ordering) *bitset.BitSet {
	set := bitset.New(8)
	for _, item := range ordering {
		item.Expr.collectTables(set)
	}
	return set
}

// CanProvide reports whether the operator can deliver the required
// property and, if so, what each child must supply in turn. Enforcers
// and memo references are not members of any group and provide nothing.
func (po *PhysicalOperator) CanProvide(required *PhysicalProperty) ([]*PhysicalProperty, bool) {
	if required == nil {
		required = EmptyProperty
	}
	if required.Dist.Kind == DistHashed {
		return nil, false
	}
	// children inherit the distribution, orderings are decided per operator
	childDist := &PhysicalProperty{Dist: required.Dist}
	reqOrder := required.Ordering
	lo := po.Logical

	switch po.Typ {
	case POT_Scan:
		if len(reqOrder) > 0 && !reqOrder.IsPrefixOf(lo.NaturalOrder) {
			return nil, false
		}
		return nil, true
	case POT_Filter, POT_Project:
		return []*PhysicalProperty{required}, true
	case POT_Limit:
		if len(reqOrder) > 0 {
			return nil, false
		}
		return []*PhysicalProperty{childDist}, true
	case POT_Order:
		if !reqOrder.IsPrefixOf(lo.OrderBys) {
			return nil, false
		}
		return []*PhysicalProperty{{Ordering: lo.OrderBys, Dist: required.Dist}}, true
	case POT_NLJoin, POT_HashJoin:
		if len(reqOrder) == 0 {
			return []*PhysicalProperty{childDist, childDist}, true
		}
		// the outer side keeps its order
		if lo.Children[0].TableRefs().IsSuperSet(orderingTables(reqOrder)) {
			return []*PhysicalProperty{required, childDist}, true
		}
		return nil, false
	case POT_MergeJoin:
		lkeys, rkeys := po.JoinKeys()
		if len(lkeys) == 0 {
			return nil, false
		}
		lorder := AscOrdering(lkeys)
		if !reqOrder.IsPrefixOf(lorder) {
			return nil, false
		}
		return []*PhysicalProperty{
			{Ordering: lorder, Dist: required.Dist},
			{Ordering: AscOrdering(rkeys), Dist: required.Dist},
		}, true
	case POT_HashAgg:
		if len(reqOrder) > 0 {
			return nil, false
		}
		return []*PhysicalProperty{childDist}, true
	case POT_StreamAgg:
		order := AscOrdering(lo.GroupBys)
		if !reqOrder.IsPrefixOf(order) {
			return nil, false
		}
		return []*PhysicalProperty{{Ordering: order, Dist: required.Dist}}, true
	default:
		return nil, false
	}
}

// Provided is the property the operator delivers when its children
// supply what CanProvide asked for.
func (po *PhysicalOperator) Provided() *PhysicalProperty {
	children := make([]*PhysicalProperty, len(po.Children))
	for i, child := range po.Children {
		children[i] = child.Provided()
	}
	return po.ProvidedFrom(children)
}

// ProvidedFrom is Provided with children[i] standing for what the i-th
// child delivers. A group reference delivers nothing on its own.
func (po *PhysicalOperator) ProvidedFrom(children []*PhysicalProperty) *PhysicalProperty {
	singleton := Distribution{Kind: DistSingleton}
	switch po.Typ {
	case POT_Sort:
		return &PhysicalProperty{Ordering: po.Ordering, Dist: children[0].Dist}
	case POT_Exchange:
		return &PhysicalProperty{Dist: po.Dist}
	case POT_Scan:
		return &PhysicalProperty{Ordering: po.Logical.NaturalOrder, Dist: singleton}
	case POT_Order:
		return &PhysicalProperty{Ordering: po.Logical.OrderBys, Dist: singleton}
	case POT_Filter, POT_Project:
		return children[0]
	case POT_NLJoin, POT_HashJoin:
		return &PhysicalProperty{Ordering: children[0].Ordering, Dist: singleton}
	case POT_MergeJoin:
		lkeys, _ := po.JoinKeys()
		return &PhysicalProperty{Ordering: AscOrdering(lkeys), Dist: singleton}
	case POT_StreamAgg:
		return &PhysicalProperty{Ordering: AscOrdering(po.Logical.GroupBys), Dist: singleton}
	default:
		return &PhysicalProperty{Dist: singleton}
	}
}

// Walk visits the tree in pre-order.
func (po *PhysicalOperator) Walk(fn func(node *PhysicalOperator)) {
	fn(po)
	for _, child := range po.Children {
		child.Walk(fn)
	}
}

func (po *PhysicalOperator) Print(tree treeprint.Tree) {
	if po == nil {
		return
	}
	cost := fmt.Sprintf("(card=%.0f cost=%.2f)", po.Card, po.IncCost)
	switch po.Typ {
	case POT_MemoRef:
		tree.AddNode(fmt.Sprintf("Group #%d %s", po.Ref.GroupID(), cost))
		return
	case POT_Scan:
		tree = tree.AddBranch(fmt.Sprintf("Scan %s", cost))
		tableInfo := po.Logical.Table
		if len(po.Logical.Alias) != 0 && po.Logical.Alias != po.Logical.Table {
			tableInfo = fmt.Sprintf("%v %v", po.Logical.Table, po.Logical.Alias)
		}
		tree.AddMetaNode("table", tableInfo)
	case POT_Filter:
		tree = tree.AddBranch(fmt.Sprintf("Filter %s", cost))
		tree.AddMetaNode("exprs", exprsString(po.Logical.Filters))
	case POT_NLJoin, POT_HashJoin, POT_MergeJoin:
		tree = tree.AddBranch(fmt.Sprintf("%v (%v) %s", po.Typ, po.Logical.JoinTyp, cost))
		if len(po.Logical.OnConds) > 0 {
			tree.AddMetaNode("on", exprsString(po.Logical.OnConds))
		}
	case POT_HashAgg, POT_StreamAgg:
		tree = tree.AddBranch(fmt.Sprintf("%v %s", po.Typ, cost))
		if len(po.Logical.GroupBys) > 0 {
			tree.AddMetaNode("groupExprs", exprsString(po.Logical.GroupBys))
		}
		if len(po.Logical.Aggs) > 0 {
			tree.AddMetaNode("aggExprs", exprsString(po.Logical.Aggs))
		}
	case POT_Order:
		tree = tree.AddBranch(fmt.Sprintf("Order %s", cost))
		tree.AddMetaNode("exprs", po.Logical.OrderBys.String())
	case POT_Limit:
		tree = tree.AddBranch(fmt.Sprintf("Limit %d offset %d %s", po.Logical.Limit, po.Logical.Offset, cost))
	case POT_Project:
		tree = tree.AddBranch(fmt.Sprintf("Project %s", cost))
		tree.AddMetaNode("exprs", exprsString(po.Logical.Projects))
	case POT_Sort:
		tree = tree.AddBranch(fmt.Sprintf("Sort %s", cost))
		tree.AddMetaNode("order", po.Ordering.String())
	case POT_Exchange:
		tree = tree.AddBranch(fmt.Sprintf("Exchange %s", cost))
		tree.AddMetaNode("dist", po.Dist.String())
	default:
		panic(fmt.Sprintf("usp %v", po.Typ))
	}
	for _, child := range po.Children {
		child.Print(tree)
	}
}

func (po *PhysicalOperator) String() string {
	tree := treeprint.NewWithRoot("PhysicalPlan:")
	po.Print(tree)
	return tree.String()
}
