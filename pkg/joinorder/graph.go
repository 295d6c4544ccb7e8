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
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/pingcap/errors"
	"github.com/xlab/treeprint"

	"github.com/daviszhen/optimizer/pkg/plan"
)

// JoinGraph has one vertex per relation of a join block and one edge per
// join predicate.
type JoinGraph struct {
	vertices []*plan.LogicalOperator
	// origins[i] is the index vertex i had when the graph was built.
	origins []int
	// adjacency[i] is the set of vertices joined with vertex i.
	adjacency []BitVector
	preds     []*plan.Expr
	// predCover[i] is the pair of vertices preds[i] references.
	predCover []BitVector
}

// NewJoinGraph builds the graph. Every predicate must reference exactly
// two vertices.
func NewJoinGraph(vertices []*plan.LogicalOperator, preds []*plan.Expr) (*JoinGraph, error) {
	if len(vertices) == 0 {
		return nil, errors.New("join graph without vertices")
	}
	if len(vertices) > MaxRelations {
		return nil, errors.Errorf("join graph has %d vertices, at most %d supported",
			len(vertices), MaxRelations)
	}
	graph := &JoinGraph{
		vertices:  vertices,
		origins:   make([]int, len(vertices)),
		adjacency: make([]BitVector, len(vertices)),
		preds:     preds,
		predCover: make([]BitVector, len(preds)),
	}
	for i := range vertices {
		graph.origins[i] = i
	}

	tables := make([]*bitset.BitSet, len(vertices))
	for i, vertex := range vertices {
		tables[i] = vertex.TableRefs()
	}
	for i, pred := range preds {
		refs := pred.TableRefs()
		var cover BitVector
		for j, vt := range tables {
			if vt.IntersectionCardinality(refs) > 0 {
				cover |= Singleton(j)
			}
		}
		if cover.Count() != 2 {
			return nil, errors.Errorf("join predicate %s references %d relations, expected 2",
				pred, cover.Count())
		}
		graph.predCover[i] = cover
	}
	graph.buildAdjacency()
	return graph, nil
}

func (graph *JoinGraph) buildAdjacency() {
	for i := range graph.adjacency {
		graph.adjacency[i] = EmptySet
	}
	for _, cover := range graph.predCover {
		a, b := cover.MinIndex(), cover.MaxIndex()
		graph.adjacency[a] |= Singleton(b)
		graph.adjacency[b] |= Singleton(a)
	}
}

func (graph *JoinGraph) Len() int {
	return len(graph.vertices)
}

func (graph *JoinGraph) Vertex(i int) *plan.LogicalOperator {
	return graph.vertices[i]
}

func (graph *JoinGraph) Vertices() []*plan.LogicalOperator {
	return graph.vertices
}

// Origin is the index the vertex had before any reordering.
func (graph *JoinGraph) Origin(i int) int {
	return graph.origins[i]
}

func (graph *JoinGraph) Preds() []*plan.Expr {
	return graph.preds
}

func (graph *JoinGraph) PredCover(i int) BitVector {
	return graph.predCover[i]
}

func (graph *JoinGraph) FullSet() BitVector {
	return FullSet(len(graph.vertices))
}

func (graph *JoinGraph) NeighboursOf(i int) BitVector {
	return graph.adjacency[i]
}

// Neighbours is the union of the adjacency of the members of S. It may
// contain members of S.
func (graph *JoinGraph) Neighbours(S BitVector) BitVector {
	var ret BitVector
	for _, i := range S.Ascending() {
		ret |= graph.adjacency[i]
	}
	return ret
}

// NeighboursExcluding is Neighbours(S) \ S.
func (graph *JoinGraph) NeighboursExcluding(S BitVector) BitVector {
	return Subtract(graph.Neighbours(S), S)
}

// IsConnected reports whether the subgraph induced by S is connected.
// The empty set is not connected.
func (graph *JoinGraph) IsConnected(S BitVector) bool {
	if S == EmptySet {
		return false
	}
	return graph.reach(S.MinIndex(), S) == S
}

// reach is the set of members of S reachable from start inside S.
func (graph *JoinGraph) reach(start int, S BitVector) BitVector {
	visited := Singleton(start)
	frontier := visited
	for frontier != EmptySet {
		next := EmptySet
		for _, i := range frontier.Ascending() {
			next |= graph.adjacency[i] & S
		}
		frontier = Subtract(next, visited)
		visited |= frontier
	}
	return visited
}

// BFS returns the vertices of S in breadth first order from start. Only
// vertices reachable inside S are returned.
func (graph *JoinGraph) BFS(start int, S BitVector) []int {
	if !S.Has(start) {
		return nil
	}
	order := []int{start}
	visited := Singleton(start)
	for head := 0; head < len(order); head++ {
		nbrs := Subtract(graph.adjacency[order[head]]&S, visited)
		for _, n := range nbrs.Ascending() {
			order = append(order, n)
			visited |= Singleton(n)
		}
	}
	return order
}

// ReorderBFS relabels the vertices in breadth first order from vertex 0.
// Vertices of other components follow, each component in its own
// breadth first order.
func (graph *JoinGraph) ReorderBFS() {
	n := len(graph.vertices)
	full := graph.FullSet()
	order := make([]int, 0, n)
	var visited BitVector
	for visited != full {
		start := Subtract(full, visited).MinIndex()
		comp := graph.BFS(start, Subtract(full, visited))
		for _, v := range comp {
			visited |= Singleton(v)
		}
		order = append(order, comp...)
	}

	newIdx := make([]int, n)
	vertices := make([]*plan.LogicalOperator, n)
	origins := make([]int, n)
	for to, from := range order {
		newIdx[from] = to
		vertices[to] = graph.vertices[from]
		origins[to] = graph.origins[from]
	}
	graph.vertices = vertices
	graph.origins = origins
	for i, cover := range graph.predCover {
		graph.predCover[i] = remap(cover, newIdx)
	}
	graph.buildAdjacency()
}

func remap(S BitVector, newIdx []int) BitVector {
	var ret BitVector
	for _, i := range S.Ascending() {
		ret |= Singleton(newIdx[i])
	}
	return ret
}

// SubGraph is the graph induced by S. Predicates with an endpoint
// outside S are dropped. Vertices keep their relative order.
func (graph *JoinGraph) SubGraph(S BitVector) *JoinGraph {
	members := S.Ascending()
	newIdx := make([]int, len(graph.vertices))
	sub := &JoinGraph{
		vertices:  make([]*plan.LogicalOperator, 0, len(members)),
		origins:   make([]int, 0, len(members)),
		adjacency: make([]BitVector, len(members)),
	}
	for to, from := range members {
		newIdx[from] = to
		sub.vertices = append(sub.vertices, graph.vertices[from])
		sub.origins = append(sub.origins, graph.origins[from])
	}
	for i, cover := range graph.predCover {
		if !cover.IsSubsetOf(S) {
			continue
		}
		sub.preds = append(sub.preds, graph.preds[i])
		sub.predCover = append(sub.predCover, remap(cover, newIdx))
	}
	sub.buildAdjacency()
	return sub
}

// Clone copies the graph structure. Vertices and predicates are shared.
func (graph *JoinGraph) Clone() *JoinGraph {
	return &JoinGraph{
		vertices:  append([]*plan.LogicalOperator(nil), graph.vertices...),
		origins:   append([]int(nil), graph.origins...),
		adjacency: append([]BitVector(nil), graph.adjacency...),
		preds:     append([]*plan.Expr(nil), graph.preds...),
		predCover: append([]BitVector(nil), graph.predCover...),
	}
}

func (graph *JoinGraph) vertexName(i int) string {
	vertex := graph.vertices[i]
	switch vertex.Typ {
	case plan.LOT_Scan:
		if vertex.Alias != "" {
			return vertex.Alias
		}
		return vertex.Table
	case plan.LOT_MemoRef:
		return fmt.Sprintf("Group #%d", vertex.Ref.GroupID())
	default:
		return vertex.Typ.String()
	}
}

func (graph *JoinGraph) Print(tree treeprint.Tree) {
	tree = tree.AddBranch(fmt.Sprintf("JoinGraph: %d vertices, %d edges",
		len(graph.vertices), len(graph.preds)))
	vertices := tree.AddBranch("vertices")
	for i := range graph.vertices {
		vertices.AddNode(fmt.Sprintf("%d: %s joins %v", i, graph.vertexName(i), graph.adjacency[i]))
	}
	edges := tree.AddBranch("edges")
	for i, pred := range graph.preds {
		edges.AddNode(fmt.Sprintf("%v: %s", graph.predCover[i], pred))
	}
}

func (graph *JoinGraph) String() string {
	tree := treeprint.New()
	graph.Print(tree)
	return strings.TrimSpace(tree.String())
}
