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

	"github.com/tidwall/btree"
	"github.com/xlab/treeprint"

	"github.com/daviszhen/optimizer/pkg/plan"
)

type bestTreeEntry struct {
	set  BitVector
	tree *plan.PhysicalOperator
	// candidates are trees that were replaced by cheaper ones
	candidates []*plan.PhysicalOperator
}

// BestTree maps a relation set to the cheapest plan found for it.
// Entries are never removed.
type BestTree struct {
	entries *btree.BTreeG[*bestTreeEntry]
}

func NewBestTree() *BestTree {
	return &BestTree{
		entries: btree.NewBTreeG[*bestTreeEntry](func(a, b *bestTreeEntry) bool {
			return a.set < b.set
		}),
	}
}

func (bt *BestTree) get(S BitVector) *bestTreeEntry {
	entry, ok := bt.entries.Get(&bestTreeEntry{set: S})
	if !ok {
		return nil
	}
	return entry
}

// Get returns the best plan of S or nil.
func (bt *BestTree) Get(S BitVector) *plan.PhysicalOperator {
	if entry := bt.get(S); entry != nil {
		return entry.tree
	}
	return nil
}

func (bt *BestTree) Has(S BitVector) bool {
	return bt.get(S) != nil
}

// Insert records tree for S if S has no plan yet or tree is strictly
// cheaper. The replaced plan is kept as a candidate.
func (bt *BestTree) Insert(S BitVector, tree *plan.PhysicalOperator) bool {
	entry := bt.get(S)
	if entry == nil {
		bt.entries.Set(&bestTreeEntry{set: S, tree: tree})
		return true
	}
	if tree.IncCost < entry.tree.IncCost {
		entry.candidates = append(entry.candidates, entry.tree)
		entry.tree = tree
		return true
	}
	return false
}

// Candidates lists the plans of S that were replaced.
func (bt *BestTree) Candidates(S BitVector) []*plan.PhysicalOperator {
	if entry := bt.get(S); entry != nil {
		return entry.candidates
	}
	return nil
}

func (bt *BestTree) Len() int {
	return bt.entries.Len()
}

// Sets lists the solved relation sets ascending.
func (bt *BestTree) Sets() []BitVector {
	ret := make([]BitVector, 0, bt.entries.Len())
	bt.entries.Scan(func(entry *bestTreeEntry) bool {
		ret = append(ret, entry.set)
		return true
	})
	return ret
}

func (bt *BestTree) Print(tree treeprint.Tree) {
	tree = tree.AddBranch(fmt.Sprintf("BestTree: %d sets", bt.entries.Len()))
	bt.entries.Scan(func(entry *bestTreeEntry) bool {
		tree.AddNode(fmt.Sprintf("%v: %v cost=%.2f candidates=%d",
			entry.set, entry.tree.Typ, entry.tree.IncCost, len(entry.candidates)))
		return true
	})
}

func (bt *BestTree) String() string {
	tree := treeprint.New()
	bt.Print(tree)
	return strings.TrimSpace(tree.String())
}
