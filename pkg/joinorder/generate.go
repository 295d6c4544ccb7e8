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
	"fmt"
	"math/rand"
	"slices"
	"strings"

	"github.com/pingcap/errors"

	"github.com/daviszhen/optimizer/pkg/plan"
)

type GraphClass string

const (
	ClassChain  GraphClass = "chain"
	ClassStar   GraphClass = "star"
	ClassCycle  GraphClass = "cycle"
	ClassTree   GraphClass = "tree"
	ClassClique GraphClass = "clique"
	ClassRandom GraphClass = "random"
)

var AllGraphClasses = []GraphClass{
	ClassChain,
	ClassStar,
	ClassCycle,
	ClassTree,
	ClassClique,
	ClassRandom,
}

func ParseGraphClass(s string) (GraphClass, error) {
	class := GraphClass(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(AllGraphClasses, class) {
		return "", errors.Errorf("unknown graph class %q", s)
	}
	return class, nil
}

// Generate builds a random graph of the class over tables T1..Tn. The
// returned estimator holds random row counts for the tables.
func Generate(class GraphClass, n int, rng *rand.Rand) (*JoinGraph, *plan.MapEstimator, error) {
	if n < 1 {
		return nil, nil, errors.Errorf("graph needs at least one relation, got %d", n)
	}
	var joins [][2]int
	switch class {
	case ClassChain:
		joins = chainJoins(n, rng)
	case ClassStar:
		joins = starJoins(n, rng)
	case ClassCycle:
		joins = cycleJoins(n, rng)
	case ClassTree:
		joins = treeJoins(n, rng)
	case ClassClique:
		joins = cliqueJoins(n)
	case ClassRandom:
		joins = randomJoins(n, rng)
	default:
		return nil, nil, errors.Errorf("unknown graph class %q", class)
	}
	est := plan.NewMapEstimator()
	for i := 0; i < n; i++ {
		est.Rows[uint64(i)] = float64(10 * (1 + rng.Intn(10000)))
	}
	graph, err := buildGraph(n, joins)
	if err != nil {
		return nil, nil, err
	}
	return graph, est, nil
}

// chain: T_p0 - T_p1 - ... for a random permutation p.
func chainJoins(n int, rng *rand.Rand) [][2]int {
	order := rng.Perm(n)
	joins := make([][2]int, 0, n-1)
	for i := 0; i < n-1; i++ {
		joins = append(joins, [2]int{order[i], order[i+1]})
	}
	return joins
}

// star: a random center joined with every other relation.
func starJoins(n int, rng *rand.Rand) [][2]int {
	center := rng.Intn(n)
	joins := make([][2]int, 0, n-1)
	for i := 0; i < n; i++ {
		if i != center {
			joins = append(joins, [2]int{center, i})
		}
	}
	return joins
}

// cycle: a chain closed at both ends. Below three relations it is a chain.
func cycleJoins(n int, rng *rand.Rand) [][2]int {
	order := rng.Perm(n)
	joins := make([][2]int, 0, n)
	for i := 0; i < n-1; i++ {
		joins = append(joins, [2]int{order[i], order[i+1]})
	}
	if n >= 3 {
		joins = append(joins, [2]int{order[0], order[n-1]})
	}
	return joins
}

// tree: each relation of a random permutation hangs off a random
// relation placed before it.
func treeJoins(n int, rng *rand.Rand) [][2]int {
	dst := rng.Perm(n)
	src := []int{dst[len(dst)-1]}
	dst = dst[:len(dst)-1]
	joins := make([][2]int, 0, n-1)
	for len(dst) > 0 {
		a := src[rng.Intn(len(src))]
		b := dst[len(dst)-1]
		dst = dst[:len(dst)-1]
		joins = append(joins, [2]int{a, b})
		src = append(src, b)
	}
	return joins
}

func cliqueJoins(n int) [][2]int {
	joins := make([][2]int, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			joins = append(joins, [2]int{i, j})
		}
	}
	return joins
}

// random: a random tree plus random extra edges, n-1 to n(n-1)/2 edges.
func randomJoins(n int, rng *rand.Rand) [][2]int {
	joins := treeJoins(n, rng)
	maxEdges := n * (n - 1) / 2
	nedges := n - 1 + rng.Intn(maxEdges-(n-1)+1)
	has := func(a, b int) bool {
		return slices.ContainsFunc(joins, func(j [2]int) bool {
			return (j[0] == a && j[1] == b) || (j[0] == b && j[1] == a)
		})
	}
	for len(joins) < nedges {
		a, b := rng.Intn(n), rng.Intn(n)
		if a != b && !has(a, b) {
			joins = append(joins, [2]int{a, b})
		}
	}
	return joins
}

func tableName(i int) string {
	return fmt.Sprintf("T%d", i+1)
}

// TableScan is the vertex for relation i: table T{i+1} with index i.
func TableScan(i int) *plan.LogicalOperator {
	return plan.NewScan(uint64(i), tableName(i))
}

// JoinPredicate is T{a+1}.a{a+1} = T{b+1}.a{b+1}.
func JoinPredicate(a, b int) *plan.Expr {
	return plan.NewEqual(
		plan.NewColumn(uint64(a), tableName(a), fmt.Sprintf("a%d", a+1), 0),
		plan.NewColumn(uint64(b), tableName(b), fmt.Sprintf("a%d", b+1), 0),
	)
}

func buildGraph(n int, joins [][2]int) (*JoinGraph, error) {
	vertices := make([]*plan.LogicalOperator, n)
	for i := range vertices {
		vertices[i] = TableScan(i)
	}
	preds := make([]*plan.Expr, len(joins))
	for i, j := range joins {
		preds[i] = JoinPredicate(j[0], j[1])
	}
	return NewJoinGraph(vertices, preds)
}

// ParseGraph reads a graph like "T1*T2, T1*T3, T2*T3". Tables are named
// T1..Tn, n is the highest table mentioned.
func ParseGraph(s string) (*JoinGraph, error) {
	var joins [][2]int
	n := 0
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sides := strings.Split(part, "*")
		if len(sides) != 2 {
			return nil, errors.Errorf("invalid join %q, expected Ti*Tj", part)
		}
		var pair [2]int
		for k, side := range sides {
			var idx int
			if _, err := fmt.Sscanf(strings.TrimSpace(side), "T%d", &idx); err != nil || idx < 1 {
				return nil, errors.Errorf("invalid table %q in join %q", side, part)
			}
			pair[k] = idx - 1
			n = max(n, idx)
		}
		if pair[0] == pair[1] {
			return nil, errors.Errorf("self join %q", part)
		}
		joins = append(joins, pair)
	}
	if n == 0 {
		return nil, errors.Errorf("no join in %q", s)
	}
	return buildGraph(n, joins)
}
