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

// DPccp enumerates only csg-cmp pairs. The graph is relabeled in
// breadth first order first, the enumeration relies on it.
//
// G. Moerkotte and T. Neumann. Analysis of two existing and one new
// dynamic programming algorithm for the generation of optimal bushy join
// trees without cross products. VLDB 2006.
type DPccp struct {
	resolver
}

func NewDPccp(opts Options) *DPccp {
	return &DPccp{resolver: newResolver(opts)}
}

func (dp *DPccp) Name() string {
	return util.SolverDPccp
}

func (dp *DPccp) Run(graph *JoinGraph) (*plan.PhysicalOperator, float64, error) {
	graph = graph.Clone()
	graph.ReorderBFS()
	if err := dp.init(graph); err != nil {
		return nil, 0, err
	}
	if err := dp.checkConnected(dp.Name()); err != nil {
		return nil, 0, err
	}

	EnumerateCsgCmpPairs(graph, func(pair CsgCmpPair) {
		dp.stats.C1++
		dp.joinPair(pair.S1, pair.S2)
	}, func(BitVector) {
		dp.stats.C2++
	})
	return dp.result(dp.Name())
}

// EnumerateCsgCmpPairs emits every csg-cmp pair of a breadth first
// ordered graph once. Subsets come before their supersets. onCsg, if not
// nil, sees every connected subgraph.
func EnumerateCsgCmpPairs(graph *JoinGraph, onPair func(CsgCmpPair), onCsg func(BitVector)) {
	enumerateCsg(graph, func(S1 BitVector) {
		if onCsg != nil {
			onCsg(S1)
		}
		enumerateCmp(graph, S1, func(S2 BitVector) {
			onPair(NewCsgCmpPair(S1, S2))
		})
	})
}

// enumerateCsg emits the connected subgraphs. For i from n-1 down to 0
// it emits {vi} and the connected sets grown from it with neighbours
// above i.
func enumerateCsg(graph *JoinGraph, emit func(BitVector)) {
	for i := graph.Len() - 1; i >= 0; i-- {
		VI := Singleton(i)
		emit(VI)
		enumerateCsgRec(graph, VI, PrefixSet(i), emit)
	}
}

// enumerateCsgRec extends S with every non-empty subset of its
// neighbourhood outside X, then recurses with the neighbourhood
// excluded.
func enumerateCsgRec(graph *JoinGraph, S, X BitVector, emit func(BitVector)) {
	N := Subtract(graph.NeighboursExcluding(S), X)
	if N == EmptySet {
		return
	}
	subsets := Subsets(N, true)
	for _, SPrime := range subsets {
		emit(Union(S, SPrime))
	}
	for _, SPrime := range subsets {
		enumerateCsgRec(graph, Union(S, SPrime), Union(X, N), emit)
	}
}

// enumerateCmp emits the connected complements of S1 that only use
// vertices above min(S1).
func enumerateCmp(graph *JoinGraph, S1 BitVector, emit func(BitVector)) {
	X := Union(PrefixSet(S1.MinIndex()), S1)
	N := Subtract(graph.NeighboursExcluding(S1), X)
	for _, vi := range N.Descending() {
		VI := Singleton(vi)
		emit(VI)
		enumerateCsgRec(graph, VI, Union(X, Intersect(PrefixSet(vi), N)), emit)
	}
}
