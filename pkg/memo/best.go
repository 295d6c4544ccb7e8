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
	"sort"

	"github.com/daviszhen/optimizer/pkg/plan"
)

// Best is the cheapest way found for a group to supply a property.
type Best struct {
	Required *plan.PhysicalProperty
	// Member is nil when an enforcer is on top.
	Member    *CGroupMember
	ChildReqs []*plan.PhysicalProperty
	// Enforcer is a Sort or an Exchange over the best plan of the
	// same group for Input.
	Enforcer *plan.PhysicalOperator
	Input    *plan.PhysicalProperty
	Cost     float64

	err      error
	visiting bool
}

// IsEnforced reports whether the property is supplied by an enforcer.
func (best *Best) IsEnforced() bool {
	return best.Enforcer != nil
}

func (best *Best) String() string {
	if best.Enforcer != nil {
		return fmt.Sprintf("%v over %v cost=%.2f", best.Enforcer.Typ, best.Input, best.Cost)
	}
	return fmt.Sprintf("%v cost=%.2f", best.Member, best.Cost)
}

func (g *CGroup) bestKeys() []string {
	keys := make([]string, 0, len(g.best))
	for key := range g.best {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// BestMember returns the cheapest member of an explored group that
// supplies req, possibly under an enforcer. Results are memoized per
// group and property.
func (m *Memo) BestMember(g *CGroup, req *plan.PhysicalProperty) (*Best, error) {
	if err := m.checkOwner(); err != nil {
		return nil, err
	}
	return m.bestMember(g, req)
}

func (m *Memo) bestMember(g *CGroup, req *plan.PhysicalProperty) (*Best, error) {
	if req == nil {
		req = plan.EmptyProperty
	}
	if g.state != Explored {
		return nil, m.invariantError("group #%d is %v, costing needs an explored group", g.id, g.state)
	}
	key := req.Key()
	if best, has := g.best[key]; has {
		if best.visiting {
			return nil, m.invariantError("group #%d depends on itself under %v", g.id, req)
		}
		return best, best.err
	}
	g.best[key] = &Best{Required: req, visiting: true}
	best, err := m.computeBest(g, req)
	if err != nil {
		best = &Best{Required: req, err: err}
	}
	g.best[key] = best
	return best, err
}

func (m *Memo) computeBest(g *CGroup, req *plan.PhysicalProperty) (*Best, error) {
	var best *Best
	consider := func(cand *Best) {
		if best == nil || cand.Cost < best.Cost {
			best = cand
		}
	}

	for _, member := range g.members {
		if !member.IsPhysical() {
			continue
		}
		if member.solver {
			if !req.IsEmpty() {
				provided, err := m.treeProvided(member.Physical)
				if err != nil {
					return nil, err
				}
				if !req.SuppliedBy(provided) {
					continue
				}
			}
			consider(&Best{Required: req, Member: member, Cost: member.Physical.IncCost})
			continue
		}
		childReqs, ok := member.Physical.CanProvide(req)
		if !ok {
			continue
		}
		cost := member.Physical.Cost
		feasible := true
		for i, child := range member.Physical.Children {
			childBest, err := m.bestMember(physicalGroupOf(child), childReqs[i])
			if err != nil {
				if plan.IsPlanError(err, plan.ErrUnsatisfiableProperty) {
					feasible = false
					break
				}
				return nil, err
			}
			cost += childBest.Cost
		}
		if feasible {
			consider(&Best{Required: req, Member: member, ChildReqs: childReqs, Cost: cost})
		}
	}

	// enforcers
	var input *plan.PhysicalProperty
	switch {
	case len(req.Ordering) > 0:
		input = req.WithoutOrdering()
	case req.Dist.Kind != plan.DistAny:
		input = plan.EmptyProperty
	}
	if input != nil {
		inputBest, err := m.bestMember(g, input)
		switch {
		case err == nil:
			source := plan.NewPhysicalMemoRef(g, inputBest.Cost)
			var enforcer *plan.PhysicalOperator
			if len(req.Ordering) > 0 {
				enforcer = plan.NewSortEnforcer(source, req.Ordering)
			} else {
				enforcer = plan.NewExchangeEnforcer(source, req.Dist)
			}
			consider(&Best{Required: req, Enforcer: enforcer, Input: input, Cost: enforcer.IncCost})
		case !plan.IsPlanError(err, plan.ErrUnsatisfiableProperty):
			return nil, err
		}
	}

	if best == nil {
		return nil, plan.NewPlanError(plan.ErrUnsatisfiableProperty,
			"group #%d has no plan for %v", g.id, req)
	}
	return best, nil
}

// providedBy is what the plan copied out of g for req delivers.
func (m *Memo) providedBy(g *CGroup, req *plan.PhysicalProperty) (*plan.PhysicalProperty, error) {
	best, err := m.bestMember(g, req)
	if err != nil {
		return nil, err
	}
	if best.Enforcer != nil {
		input, err := m.providedBy(g, best.Input)
		if err != nil {
			return nil, err
		}
		return best.Enforcer.ProvidedFrom([]*plan.PhysicalProperty{input}), nil
	}
	if best.Member.solver {
		return m.treeProvided(best.Member.Physical)
	}
	po := best.Member.Physical
	children := make([]*plan.PhysicalProperty, len(po.Children))
	for i, child := range po.Children {
		if children[i], err = m.providedBy(physicalGroupOf(child), best.ChildReqs[i]); err != nil {
			return nil, err
		}
	}
	return po.ProvidedFrom(children), nil
}

// treeProvided is what a solver tree delivers once its group references
// are copied out under the empty property.
func (m *Memo) treeProvided(po *plan.PhysicalOperator) (*plan.PhysicalProperty, error) {
	if po.Typ == plan.POT_MemoRef {
		return m.providedBy(physicalGroupOf(po), plan.EmptyProperty)
	}
	children := make([]*plan.PhysicalProperty, len(po.Children))
	for i, child := range po.Children {
		var err error
		if children[i], err = m.treeProvided(child); err != nil {
			return nil, err
		}
	}
	return po.ProvidedFrom(children), nil
}

// CopyOutResult is a plan free of group references. Substitution maps
// every node of Plan to the memo node it was copied from.
type CopyOutResult struct {
	Plan         *plan.PhysicalOperator
	Substitution map[*plan.PhysicalOperator]*plan.PhysicalOperator
}

// CopyOut builds the cheapest plan of g for req. The memo is not changed
// and shares no node or expression with the result.
func (m *Memo) CopyOut(g *CGroup, req *plan.PhysicalProperty) (*CopyOutResult, error) {
	if err := m.checkOwner(); err != nil {
		return nil, err
	}
	res := &CopyOutResult{
		Substitution: make(map[*plan.PhysicalOperator]*plan.PhysicalOperator),
	}
	root, err := m.copyOut(g, req, res.Substitution)
	if err != nil {
		return nil, err
	}
	res.Plan = root
	return res, nil
}

func (m *Memo) copyOut(g *CGroup, req *plan.PhysicalProperty,
	subst map[*plan.PhysicalOperator]*plan.PhysicalOperator) (*plan.PhysicalOperator, error) {
	best, err := m.bestMember(g, req)
	if err != nil {
		return nil, err
	}
	if best.Enforcer != nil {
		input, err := m.copyOut(g, best.Input, subst)
		if err != nil {
			return nil, err
		}
		var node *plan.PhysicalOperator
		if best.Enforcer.Typ == plan.POT_Sort {
			node = plan.NewSortEnforcer(input, best.Enforcer.Ordering.Copy())
		} else {
			node = plan.NewExchangeEnforcer(input, best.Enforcer.Dist.Copy())
		}
		subst[node] = best.Enforcer
		return node, nil
	}
	if best.Member.solver {
		return m.copyInline(best.Member.Physical, subst)
	}
	po := best.Member.Physical
	children := make([]*plan.PhysicalOperator, len(po.Children))
	for i, child := range po.Children {
		if children[i], err = m.copyOut(physicalGroupOf(child), best.ChildReqs[i], subst); err != nil {
			return nil, err
		}
	}
	return m.copyNode(po, children, subst), nil
}

// copyInline copies a solver tree. Its leaves are resolved to the best
// plans of their groups.
func (m *Memo) copyInline(po *plan.PhysicalOperator,
	subst map[*plan.PhysicalOperator]*plan.PhysicalOperator) (*plan.PhysicalOperator, error) {
	if po.Typ == plan.POT_MemoRef {
		return m.copyOut(physicalGroupOf(po), plan.EmptyProperty, subst)
	}
	children := make([]*plan.PhysicalOperator, len(po.Children))
	for i, child := range po.Children {
		var err error
		if children[i], err = m.copyInline(child, subst); err != nil {
			return nil, err
		}
	}
	return m.copyNode(po, children, subst), nil
}

func (m *Memo) copyNode(po *plan.PhysicalOperator, children []*plan.PhysicalOperator,
	subst map[*plan.PhysicalOperator]*plan.PhysicalOperator) *plan.PhysicalOperator {
	logicalChildren := make([]*plan.LogicalOperator, len(children))
	for i, child := range children {
		logicalChildren[i] = child.Logical
	}
	node := plan.NewPhysical(po.Typ, po.Logical.CopyWithChildren(logicalChildren), po.Card, children...)
	subst[node] = po
	return node
}
