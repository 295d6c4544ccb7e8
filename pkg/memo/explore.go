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
	"go.uber.org/zap"

	"github.com/daviszhen/optimizer/pkg/joinorder"
	"github.com/daviszhen/optimizer/pkg/plan"
	"github.com/daviszhen/optimizer/pkg/util"
)

// ExploreGroup runs the rules to a fixpoint on g and every group below
// it. A group is explored once; later calls return at once.
func (m *Memo) ExploreGroup(g *CGroup) error {
	if err := m.checkOwner(); err != nil {
		return err
	}
	return m.exploreGroup(g)
}

func (m *Memo) exploreGroup(g *CGroup) error {
	if g.state != Unexplored {
		return nil
	}
	g.state = Exploring
	var err error
	if g.IsSolverOwned() {
		err = m.exploreJoinBlock(g)
	} else {
		err = m.exploreMembers(g)
	}
	if err != nil {
		return err
	}
	g.state = Explored
	util.Debug("group explored",
		zap.Int("group", g.id),
		zap.Int("members", len(g.members)))
	return nil
}

// exploreMembers applies the rules to each member not seen yet.
// Members appended meanwhile are picked up by the same loop.
func (m *Memo) exploreMembers(g *CGroup) error {
	for i := 0; i < len(g.members); i++ {
		if g.explored.Test(uint(i)) {
			continue
		}
		g.explored.Set(uint(i))
		member := g.members[i]
		if member.IsPhysical() {
			continue
		}
		for _, child := range member.Logical.Children {
			if err := m.exploreGroup(groupOf(child)); err != nil {
				return err
			}
		}
		for _, rule := range m.rules {
			if !rule.IsApplicable(member) {
				continue
			}
			results, err := rule.Apply(m, g, member)
			if err != nil {
				return err
			}
			for _, result := range results {
				if err = m.addRuleMember(g, rule, result); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// addRuleMember files the children of a new member into the memo, then
// checks its signature and drops it if the group has it already.
func (m *Memo) addRuleMember(g *CGroup, rule Rule, member *CGroupMember) error {
	lo := member.Logical
	if member.IsPhysical() {
		lo = member.Physical.Logical
	} else {
		for i, child := range lo.Children {
			if child.Typ == plan.LOT_MemoRef {
				continue
			}
			cg, err := m.insert(child)
			if err != nil {
				return err
			}
			lo.Children[i] = plan.NewMemoRef(cg)
		}
	}
	if sig := lo.Signature(); sig != g.signature {
		return m.invariantError("rule %s changed the signature of group #%d from %x to %x",
			rule.Name(), g.id, g.signature, sig)
	}
	if g.addMember(member) {
		util.Debug("rule applied",
			zap.String("rule", rule.Name()),
			zap.Int("group", g.id),
			zap.Stringer("member", member))
	}
	return nil
}

// exploreJoinBlock explores the vertices as ordinary groups and hands
// the graph to the configured join order solver. Its tree is the only
// physical member of the group.
func (m *Memo) exploreJoinBlock(g *CGroup) error {
	for _, vertex := range g.graph.Vertices() {
		if err := m.exploreGroup(groupOf(vertex)); err != nil {
			return err
		}
	}
	opts := joinorder.OptionsFromConfig(m.cfg, m.est)
	opts.Leaf = func(i int, vertex *plan.LogicalOperator) (*plan.PhysicalOperator, error) {
		vg := groupOf(vertex)
		best, err := m.bestMember(vg, plan.EmptyProperty)
		if err != nil {
			return nil, err
		}
		return plan.NewPhysicalMemoRef(vg, best.Cost), nil
	}
	res, err := joinorder.Solve(g.graph, m.cfg.JoinSolver, opts)
	if err != nil {
		return err
	}
	g.members = append(g.members, &CGroupMember{Physical: res.Tree, solver: true})
	for i := range g.members {
		g.explored.Set(uint(i))
	}
	util.Debug("join block solved",
		zap.Int("group", g.id),
		zap.String("solver", res.Solver),
		zap.Float64("cost", res.Cost))
	return nil
}
