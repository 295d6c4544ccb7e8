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
	"github.com/dgryski/go-farm"
	"github.com/xlab/treeprint"
)

type LOT int

const (
	LOT_Scan LOT = iota
	LOT_Filter
	LOT_JOIN
	LOT_AggGroup
	LOT_Order
	LOT_Limit
	LOT_Project
	// LOT_JoinBlock is a region of inner joins handed to a join order solver.
	LOT_JoinBlock
	// LOT_MemoRef stands for a memo group.
	LOT_MemoRef
)

func (lt LOT) String() string {
	switch lt {
	case LOT_Scan:
		return "Scan"
	case LOT_Filter:
		return "Filter"
	case LOT_JOIN:
		return "Join"
	case LOT_AggGroup:
		return "Aggregate"
	case LOT_Order:
		return "Order"
	case LOT_Limit:
		return "Limit"
	case LOT_Project:
		return "Project"
	case LOT_JoinBlock:
		return "JoinBlock"
	case LOT_MemoRef:
		return "MemoRef"
	default:
		panic(fmt.Sprintf("usp %d", lt))
	}
}

type LOT_JoinType int

const (
	LOT_JoinTypeCross LOT_JoinType = iota
	LOT_JoinTypeInner
	LOT_JoinTypeLeft
	LOT_JoinTypeSEMI
	LOT_JoinTypeANTI
)

func (lojt LOT_JoinType) String() string {
	switch lojt {
	case LOT_JoinTypeCross:
		return "cross"
	case LOT_JoinTypeInner:
		return "inner"
	case LOT_JoinTypeLeft:
		return "left"
	case LOT_JoinTypeSEMI:
		return "semi"
	case LOT_JoinTypeANTI:
		return "anti"
	default:
		panic(fmt.Sprintf("usp %d", lojt))
	}
}

// IsInnerLike is true for joins that may be reordered freely.
func (lojt LOT_JoinType) IsInnerLike() bool {
	return lojt == LOT_JoinTypeCross || lojt == LOT_JoinTypeInner
}

// GroupRef is the view of a memo group seen from plan nodes.
type GroupRef interface {
	GroupID() int
	Signature() uint64
	// Logical is the first logical member of the group.
	Logical() *LogicalOperator
	Card() float64
}

type LogicalOperator struct {
	Typ      LOT
	Children []*LogicalOperator

	// scan
	Index    uint64 // table index
	Database string
	Table    string
	Alias    string
	// NaturalOrder is the order the scan returns rows in.
	NaturalOrder Ordering

	// filter. Conjuncts.
	Filters []*Expr

	// join, join block. Conjuncts.
	JoinTyp LOT_JoinType
	OnConds []*Expr

	// aggregate
	GroupBys []*Expr
	Aggs     []*Expr

	// order
	OrderBys Ordering

	// limit
	Limit  uint64
	Offset uint64

	// project
	Projects []*Expr

	// memo ref
	Ref GroupRef
}

func NewScan(index uint64, table string) *LogicalOperator {
	return &LogicalOperator{
		Typ:   LOT_Scan,
		Index: index,
		Table: table,
	}
}

func NewFilter(child *LogicalOperator, filters ...*Expr) *LogicalOperator {
	return &LogicalOperator{
		Typ:      LOT_Filter,
		Children: []*LogicalOperator{child},
		Filters:  filters,
	}
}

// NewJoin builds an inner join, or a cross join when there is no condition.
func NewJoin(left, right *LogicalOperator, onConds ...*Expr) *LogicalOperator {
	typ := LOT_JoinTypeInner
	if len(onConds) == 0 {
		typ = LOT_JoinTypeCross
	}
	return &LogicalOperator{
		Typ:      LOT_JOIN,
		Children: []*LogicalOperator{left, right},
		JoinTyp:  typ,
		OnConds:  onConds,
	}
}

func NewAggregate(child *LogicalOperator, groupBys, aggs []*Expr) *LogicalOperator {
	return &LogicalOperator{
		Typ:      LOT_AggGroup,
		Children: []*LogicalOperator{child},
		GroupBys: groupBys,
		Aggs:     aggs,
	}
}

func NewOrder(child *LogicalOperator, orderBys Ordering) *LogicalOperator {
	return &LogicalOperator{
		Typ:      LOT_Order,
		Children: []*LogicalOperator{child},
		OrderBys: orderBys,
	}
}

func NewLimit(child *LogicalOperator, limit, offset uint64) *LogicalOperator {
	return &LogicalOperator{
		Typ:      LOT_Limit,
		Children: []*LogicalOperator{child},
		Limit:    limit,
		Offset:   offset,
	}
}

func NewProject(child *LogicalOperator, projects ...*Expr) *LogicalOperator {
	return &LogicalOperator{
		Typ:      LOT_Project,
		Children: []*LogicalOperator{child},
		Projects: projects,
	}
}

func NewJoinBlock(vertices []*LogicalOperator, preds []*Expr) *LogicalOperator {
	return &LogicalOperator{
		Typ:      LOT_JoinBlock,
		Children: vertices,
		JoinTyp:  LOT_JoinTypeInner,
		OnConds:  preds,
	}
}

func NewMemoRef(ref GroupRef) *LogicalOperator {
	return &LogicalOperator{
		Typ: LOT_MemoRef,
		Ref: ref,
	}
}

// Deref follows a memo reference. Other nodes are returned as is.
func (lo *LogicalOperator) Deref() *LogicalOperator {
	if lo.Typ == LOT_MemoRef {
		return lo.Ref.Logical()
	}
	return lo
}

// ShallowCopy copies the node with the same children slice contents.
func (lo *LogicalOperator) ShallowCopy() *LogicalOperator {
	ret := *lo
	ret.Children = append([]*LogicalOperator(nil), lo.Children...)
	return &ret
}

// CopyWithChildren deep copies the expressions of the node and takes
// the new children.
func (lo *LogicalOperator) CopyWithChildren(children []*LogicalOperator) *LogicalOperator {
	ret := *lo
	ret.Children = children
	ret.NaturalOrder = lo.NaturalOrder.Copy()
	ret.Filters = CopyExprs(lo.Filters)
	ret.OnConds = CopyExprs(lo.OnConds)
	ret.GroupBys = CopyExprs(lo.GroupBys)
	ret.Aggs = CopyExprs(lo.Aggs)
	ret.OrderBys = lo.OrderBys.Copy()
	ret.Projects = CopyExprs(lo.Projects)
	return &ret
}

// Exprs lists every expression owned by the node.
func (lo *LogicalOperator) Exprs() []*Expr {
	ret := make([]*Expr, 0)
	for _, item := range lo.NaturalOrder {
		ret = append(ret, item.Expr)
	}
	ret = append(ret, lo.Filters...)
	ret = append(ret, lo.OnConds...)
	ret = append(ret, lo.GroupBys...)
	ret = append(ret, lo.Aggs...)
	for _, item := range lo.OrderBys {
		ret = append(ret, item.Expr)
	}
	ret = append(ret, lo.Projects...)
	return ret
}

// TableRefs returns the table indexes produced by the subtree.
func (lo *LogicalOperator) TableRefs() *bitset.BitSet {
	set := bitset.New(8)
	lo.collectTables(set)
	return set
}

func (lo *LogicalOperator) collectTables(set *bitset.BitSet) {
	switch lo.Typ {
	case LOT_Scan:
		set.Set(uint(lo.Index))
	case LOT_MemoRef:
		lo.Ref.Logical().collectTables(set)
	default:
		for _, child := range lo.Children {
			child.collectTables(set)
		}
	}
}

var innerJoinSeed = farm.Fingerprint64([]byte("inner join"))

// Signature is a structural hash. Inner and cross joins add up the
// signatures of their children, the hash of their conditions and a
// per-join constant, so commuting and reassociating a join tree keeps
// the signature as long as the conditions are only moved around.
// Filters and group-by keys are hashed as sets. Aggregates, projections
// and orderings are hashed in order.
func (lo *LogicalOperator) Signature() uint64 {
	switch lo.Typ {
	case LOT_MemoRef:
		return lo.Ref.Signature()
	case LOT_Scan:
		return hashOrdered(uint64(lo.Typ), farm.Fingerprint64([]byte(lo.Table)), lo.Index)
	case LOT_JOIN:
		if lo.JoinTyp.IsInnerLike() {
			return lo.Children[0].Signature() + lo.Children[1].Signature() +
				ConjunctsHash(lo.OnConds) + innerJoinSeed
		}
		return hashOrdered(uint64(lo.Typ), uint64(lo.JoinTyp),
			lo.Children[0].Signature(), lo.Children[1].Signature(),
			ConjunctsHash(lo.OnConds))
	case LOT_JoinBlock:
		sig := ConjunctsHash(lo.OnConds)
		for i, child := range lo.Children {
			sig += child.Signature()
			if i > 0 {
				sig += innerJoinSeed
			}
		}
		return sig
	case LOT_Filter:
		return hashOrdered(uint64(lo.Typ), lo.Children[0].Signature(), ConjunctsHash(lo.Filters))
	case LOT_AggGroup:
		return hashOrdered(uint64(lo.Typ), lo.Children[0].Signature(),
			ConjunctsHash(lo.GroupBys), exprsHashOrdered(lo.Aggs))
	case LOT_Order:
		return hashOrdered(uint64(lo.Typ), lo.Children[0].Signature(), lo.OrderBys.hash())
	case LOT_Limit:
		return hashOrdered(uint64(lo.Typ), lo.Children[0].Signature(), lo.Limit, lo.Offset)
	case LOT_Project:
		return hashOrdered(uint64(lo.Typ), lo.Children[0].Signature(), exprsHashOrdered(lo.Projects))
	default:
		panic(fmt.Sprintf("usp %v", lo.Typ))
	}
}

func sameChild(a, b *LogicalOperator) bool {
	if a.Typ == LOT_MemoRef && b.Typ == LOT_MemoRef {
		return a.Ref.GroupID() == b.Ref.GroupID()
	}
	if a.Typ == LOT_MemoRef || b.Typ == LOT_MemoRef {
		return false
	}
	return a.Equal(b)
}

// Equal is structural equality. Children that are memo references are
// equal when they point to the same group.
func (lo *LogicalOperator) Equal(o *LogicalOperator) bool {
	if lo == o {
		return true
	}
	if lo == nil || o == nil {
		return false
	}
	if lo.Typ != o.Typ || len(lo.Children) != len(o.Children) {
		return false
	}
	for i, child := range lo.Children {
		if !sameChild(child, o.Children[i]) {
			return false
		}
	}
	switch lo.Typ {
	case LOT_MemoRef:
		return lo.Ref.GroupID() == o.Ref.GroupID()
	case LOT_Scan:
		return lo.Index == o.Index && lo.Table == o.Table
	case LOT_Filter:
		return ConjunctsEqual(lo.Filters, o.Filters)
	case LOT_JOIN, LOT_JoinBlock:
		return lo.JoinTyp == o.JoinTyp && ConjunctsEqual(lo.OnConds, o.OnConds)
	case LOT_AggGroup:
		return ConjunctsEqual(lo.GroupBys, o.GroupBys) && exprsEqual(lo.Aggs, o.Aggs)
	case LOT_Order:
		return lo.OrderBys.Equal(o.OrderBys)
	case LOT_Limit:
		return lo.Limit == o.Limit && lo.Offset == o.Offset
	case LOT_Project:
		return exprsEqual(lo.Projects, o.Projects)
	default:
		panic(fmt.Sprintf("usp %v", lo.Typ))
	}
}

// Card estimates the output rows of the subtree.
func (lo *LogicalOperator) Card(est CardEstimator) float64 {
	var card float64
	switch lo.Typ {
	case LOT_MemoRef:
		return lo.Ref.Card()
	case LOT_Scan:
		card = est.TableCard(lo)
	case LOT_Filter:
		card = lo.Children[0].Card(est) * conjunctsSelectivity(est, lo.Filters)
	case LOT_JOIN:
		left := lo.Children[0].Card(est)
		right := lo.Children[1].Card(est)
		sel := conjunctsSelectivity(est, lo.OnConds)
		switch lo.JoinTyp {
		case LOT_JoinTypeLeft:
			card = max(left*right*sel, left)
		case LOT_JoinTypeSEMI:
			card = min(left, left*right*sel)
		case LOT_JoinTypeANTI:
			card = max(left-min(left, left*right*sel), 1)
		default:
			card = left * right * sel
		}
	case LOT_JoinBlock:
		card = 1
		for _, child := range lo.Children {
			card *= child.Card(est)
		}
		for _, cond := range lo.OnConds {
			card *= est.Selectivity(cond)
		}
	case LOT_AggGroup:
		card = 1
		if len(lo.GroupBys) > 0 {
			card = lo.Children[0].Card(est) / 10
		}
	case LOT_Order, LOT_Project:
		card = lo.Children[0].Card(est)
	case LOT_Limit:
		card = min(lo.Children[0].Card(est), float64(lo.Limit))
	default:
		panic(fmt.Sprintf("usp %v", lo.Typ))
	}
	return max(card, 1)
}

func conjunctsSelectivity(est CardEstimator, conds []*Expr) float64 {
	sel := 1.0
	for _, cond := range conds {
		sel *= est.Selectivity(cond)
	}
	return sel
}

func (lo *LogicalOperator) Print(tree treeprint.Tree) {
	if lo == nil {
		return
	}
	switch lo.Typ {
	case LOT_MemoRef:
		tree.AddNode(fmt.Sprintf("Group #%d", lo.Ref.GroupID()))
		return
	case LOT_Scan:
		tree = tree.AddBranch("Scan:")
		tree.AddMetaNode("index", fmt.Sprintf("%d", lo.Index))
		tableInfo := lo.Table
		if len(lo.Alias) != 0 && lo.Alias != lo.Table {
			tableInfo = fmt.Sprintf("%v %v", lo.Table, lo.Alias)
		}
		tree.AddMetaNode("table", tableInfo)
		if len(lo.NaturalOrder) > 0 {
			tree.AddMetaNode("order", lo.NaturalOrder.String())
		}
	case LOT_Filter:
		tree = tree.AddBranch("Filter:")
		tree.AddMetaNode("exprs", exprsString(lo.Filters))
	case LOT_JOIN:
		tree = tree.AddBranch(fmt.Sprintf("Join (%v):", lo.JoinTyp))
		if len(lo.OnConds) > 0 {
			tree.AddMetaNode("on", exprsString(lo.OnConds))
		}
	case LOT_JoinBlock:
		tree = tree.AddBranch("JoinBlock:")
		tree.AddMetaNode("preds", exprsString(lo.OnConds))
	case LOT_AggGroup:
		tree = tree.AddBranch("Aggregate:")
		if len(lo.GroupBys) > 0 {
			tree.AddMetaNode("groupExprs", exprsString(lo.GroupBys))
		}
		if len(lo.Aggs) > 0 {
			tree.AddMetaNode("aggExprs", exprsString(lo.Aggs))
		}
	case LOT_Order:
		tree = tree.AddBranch("Order:")
		tree.AddMetaNode("exprs", lo.OrderBys.String())
	case LOT_Limit:
		tree = tree.AddBranch(fmt.Sprintf("Limit: %d offset %d", lo.Limit, lo.Offset))
	case LOT_Project:
		tree = tree.AddBranch("Project:")
		tree.AddMetaNode("exprs", exprsString(lo.Projects))
	default:
		panic(fmt.Sprintf("usp %v", lo.Typ))
	}
	for _, child := range lo.Children {
		child.Print(tree)
	}
}

func (lo *LogicalOperator) String() string {
	tree := treeprint.NewWithRoot("LogicalPlan:")
	lo.Print(tree)
	return tree.String()
}
