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
)

const (
	hashBuildFactor    = 1.5
	hashAggFactor      = 1.2
	exchangeRowFactor  = 2.0
	mergeJoinRowFactor = 1.0
)

// LocalCost is the cost of the node excluding its children. It depends
// on Card and the Card of the children only.
func (po *PhysicalOperator) LocalCost() float64 {
	switch po.Typ {
	case POT_MemoRef:
		return 0
	case POT_Scan:
		return po.Card
	case POT_Filter, POT_Project, POT_StreamAgg:
		return po.Children[0].Card
	case POT_Limit:
		return po.Card
	case POT_Order:
		// the input arrives sorted
		return 0
	case POT_NLJoin:
		return po.Children[0].Card * po.Children[1].Card
	case POT_HashJoin:
		// build on the right, probe with the left
		return hashBuildFactor*po.Children[1].Card + po.Children[0].Card + po.Card
	case POT_MergeJoin:
		return mergeJoinRowFactor*(po.Children[0].Card+po.Children[1].Card) + po.Card
	case POT_HashAgg:
		return hashAggFactor * po.Children[0].Card
	case POT_Sort:
		n := po.Children[0].Card
		return n*log2(n) + n
	case POT_Exchange:
		return exchangeRowFactor * po.Children[0].Card
	default:
		panic(fmt.Sprintf("usp %v", po.Typ))
	}
}
