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

// TDBasic solves BestTree[S] on demand, top down, with naive
// partitioning and memoization.
type TDBasic struct {
	resolver
}

func NewTDBasic(opts Options) *TDBasic {
	return &TDBasic{resolver: newResolver(opts)}
}

func (td *TDBasic) Name() string {
	return util.SolverTDBasic
}

func (td *TDBasic) Run(graph *JoinGraph) (*plan.PhysicalOperator, float64, error) {
	if err := td.init(graph); err != nil {
		return nil, 0, err
	}
	if err := td.checkConnected(td.Name()); err != nil {
		return nil, 0, err
	}
	td.solve(graph.FullSet())
	return td.result(td.Name())
}

// solve returns the best plan of the connected set S.
func (td *TDBasic) solve(S BitVector) *plan.PhysicalOperator {
	if tree := td.bestTree.Get(S); tree != nil {
		return tree
	}
	it := NewSubsetEnumerator(S, false)
	for S1, ok := it.Next(); ok; S1, ok = it.Next() {
		td.stats.C1++
		S2 := CoveredSubtract(S, S1)
		if S1 >= S2 {
			continue
		}
		if !td.graph.IsConnected(S1) || !td.graph.IsConnected(S2) {
			continue
		}
		td.stats.C2++
		T1 := td.solve(S1)
		T2 := td.solve(S2)
		if T1 == nil || T2 == nil {
			continue
		}
		td.createMinimalJoinTree(S1, T1, S2, T2, false)
	}
	return td.bestTree.Get(S)
}
