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
	"github.com/daviszhen/optimizer/pkg/plan"
	"github.com/daviszhen/optimizer/pkg/util"
)

// GOO is greedy operator ordering: join the cheapest pair of partial
// plans until one plan is left. Cross joins are allowed unless disabled.
//
// L. Fegaras. A new heuristic for optimizing large queries. DEXA 1998.
type GOO struct {
	resolver
}

func NewGOO(opts Options) *GOO {
	return &GOO{resolver: newResolver(opts)}
}

func (goo *GOO) Name() string {
	return util.SolverGOO
}

func (goo *GOO) Run(graph *JoinGraph) (*plan.PhysicalOperator, float64, error) {
	if err := goo.init(graph); err != nil {
		return nil, 0, err
	}

	n := graph.Len()
	trees := make([]*plan.PhysicalOperator, 0, n)
	sets := make([]BitVector, 0, n)
	for i := 0; i < n; i++ {
		trees = append(trees, goo.bestTree.Get(Singleton(i)))
		sets = append(sets, Singleton(i))
	}

	canBeCrossJoin := !goo.opts.DisableCrossJoin
	for len(trees) > 1 {
		var best *plan.PhysicalOperator
		bi, bj := -1, -1
		for i := 0; i < len(trees); i++ {
			for j := i + 1; j < len(trees); j++ {
				goo.stats.C2++
				join, ok := goo.createMinimalJoinTree(sets[i], trees[i], sets[j], trees[j], canBeCrossJoin)
				if !ok {
					continue
				}
				goo.stats.C1++
				if best == nil || join.IncCost < best.IncCost {
					best = join
					bi, bj = i, j
				}
			}
		}
		if best == nil {
			return nil, 0, plan.NewPlanError(plan.ErrDisconnectedJoinRegion,
				"%s: %d partial plans left and none can be joined", goo.Name(), len(trees))
		}
		merged := Union(sets[bi], sets[bj])
		// bj > bi, remove bj first
		trees = append(trees[:bj], trees[bj+1:]...)
		sets = append(sets[:bj], sets[bj+1:]...)
		trees = append(trees[:bi], trees[bi+1:]...)
		sets = append(sets[:bi], sets[bi+1:]...)
		trees = append(trees, best)
		sets = append(sets, merged)
	}
	return goo.result(goo.Name())
}
