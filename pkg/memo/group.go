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

	"github.com/daviszhen/optimizer/pkg/joinorder"
	"github.com/daviszhen/optimizer/pkg/plan"
)

type ExploreState int

const (
	Unexplored ExploreState = iota
	Exploring
	Explored
)

func (state ExploreState) String() string {
	switch state {
	case Unexplored:
		return "unexplored"
	case Exploring:
		return "exploring"
	case Explored:
		return "explored"
	default:
		panic(fmt.Sprintf("usp explore state %d", state))
	}
}

// CGroupMember is one logical or physical expression of a group. The
// children of a member are memo references.
type CGroupMember struct {
	Logical  *plan.LogicalOperator
	Physical *plan.PhysicalOperator
	// solver marks the join tree of a solver-owned group. Its children
	// are inline plans whose leaves are memo references.
	solver bool
}

func NewLogicalMember(logical *plan.LogicalOperator) *CGroupMember {
	return &CGroupMember{Logical: logical}
}

func NewPhysicalMember(physical *plan.PhysicalOperator) *CGroupMember {
	return &CGroupMember{Physical: physical}
}

func (member *CGroupMember) IsPhysical() bool {
	return member.Physical != nil
}

// IsSolverOutput reports whether the member was produced by a join
// order solver.
func (member *CGroupMember) IsSolverOutput() bool {
	return member.solver
}

// Signature of the logical expression the member stands for.
func (member *CGroupMember) Signature() uint64 {
	if member.IsPhysical() {
		return member.Physical.Logical.Signature()
	}
	return member.Logical.Signature()
}

func (member *CGroupMember) Equal(o *CGroupMember) bool {
	if member.IsPhysical() != o.IsPhysical() {
		return false
	}
	if !member.IsPhysical() {
		return member.Logical.Equal(o.Logical)
	}
	return member.Physical.Typ == o.Physical.Typ &&
		member.Physical.Logical.Equal(o.Physical.Logical)
}

func (member *CGroupMember) String() string {
	if member.IsPhysical() {
		po := member.Physical
		if member.solver {
			return fmt.Sprintf("%v (join order) cost=%.2f", po.Typ, po.IncCost)
		}
		return fmt.Sprintf("%v%s", po.Typ, childrenString(po.Logical))
	}
	return fmt.Sprintf("%v%s", member.Logical.Typ, childrenString(member.Logical))
}

func childrenString(lo *plan.LogicalOperator) string {
	if len(lo.Children) == 0 {
		return ""
	}
	s := " ["
	for i, child := range lo.Children {
		if i > 0 {
			s += " "
		}
		if child.Typ == plan.LOT_MemoRef {
			s += fmt.Sprintf("#%d", child.Ref.GroupID())
		} else {
			s += child.Typ.String()
		}
	}
	return s + "]"
}

// CGroup is an equivalence class of plans sharing one signature.
type CGroup struct {
	memo      *Memo
	id        int
	signature uint64
	card      float64
	members   []*CGroupMember
	// explored[i] is set once the rules ran on members[i]
	explored *bitset.BitSet
	state    ExploreState
	// graph is set for solver-owned groups
	graph *joinorder.JoinGraph
	best  map[string]*Best
}

func newCGroup(memo *Memo, id int, signature uint64, logical *plan.LogicalOperator) *CGroup {
	g := &CGroup{
		memo:      memo,
		id:        id,
		signature: signature,
		explored:  bitset.New(8),
		best:      make(map[string]*Best),
	}
	g.members = append(g.members, NewLogicalMember(logical))
	g.card = logical.Card(memo.est)
	return g
}

func (g *CGroup) GroupID() int {
	return g.id
}

func (g *CGroup) Signature() uint64 {
	return g.signature
}

// Logical is the first logical member.
func (g *CGroup) Logical() *plan.LogicalOperator {
	return g.members[0].Logical
}

func (g *CGroup) Card() float64 {
	return g.card
}

func (g *CGroup) Members() []*CGroupMember {
	return g.members
}

func (g *CGroup) State() ExploreState {
	return g.state
}

// IsSolverOwned reports whether the group is a join block ordered by a
// join order solver.
func (g *CGroup) IsSolverOwned() bool {
	return g.graph != nil
}

func (g *CGroup) JoinGraph() *joinorder.JoinGraph {
	return g.graph
}

// LogicalMembers counts the logical members.
func (g *CGroup) LogicalMembers() int {
	cnt := 0
	for _, member := range g.members {
		if !member.IsPhysical() {
			cnt++
		}
	}
	return cnt
}

func (g *CGroup) contains(member *CGroupMember) bool {
	for _, m := range g.members {
		if m.Equal(member) {
			return true
		}
	}
	return false
}

// addMember appends member unless an equal one exists.
func (g *CGroup) addMember(member *CGroupMember) bool {
	if g.contains(member) {
		return false
	}
	g.members = append(g.members, member)
	return true
}

var _ plan.GroupRef = &CGroup{}

func groupOf(node *plan.LogicalOperator) *CGroup {
	return node.Ref.(*CGroup)
}

func physicalGroupOf(node *plan.PhysicalOperator) *CGroup {
	return node.Ref.(*CGroup)
}
