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

// DPBushy enumerates every partition of every connected relation set
// bottom up. It is exhaustive over bushy trees without cross joins and
// serves as the reference for the other solvers.
type DPBushy struct {
	resolver
}

func NewDPBushy(opts Options) *DPBushy {
	return &DPBushy{resolver: newResolver(opts)}
}

func (dp *DPBushy) Name() string {
	return util.SolverDPBushy
}

func (dp *DPBushy) Run(graph *JoinGraph) (*plan.PhysicalOperator, float64, error) {
	if err := dp.init(graph); err != nil {
		return nil, 0, err
	}
	if err := dp.checkConnected(dp.Name()); err != nil {
		return nil, 0, err
	}

	full := graph.FullSet()
	for S := BitVector(1); S <= full; S++ {
		if dp.bestTree.Has(S) {
			continue
		}
		if !graph.IsConnected(S) {
			// partitions of S are only counted
			dp.stats.C2 += uint64(1)<<S.Count() - 2
			continue
		}
		it := NewSubsetEnumerator(S, false)
		for S1, ok := it.Next(); ok; S1, ok = it.Next() {
			dp.stats.C2++
			S2 := CoveredSubtract(S, S1)
			// S1 < S2 skips the commuted duplicate
			if S1 >= S2 {
				continue
			}
			if !graph.IsConnected(S1) || !graph.IsConnected(S2) {
				continue
			}
			dp.stats.C1++
			dp.joinPair(S1, S2)
		}
	}
	return dp.result(dp.Name())
}
