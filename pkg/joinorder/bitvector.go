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
	"math/bits"
	"strings"

	"github.com/daviszhen/optimizer/pkg/util"
)

// MaxRelations is the widest relation set a BitVector can hold.
const MaxRelations = 62

// BitVector is a set of relations. Bit i is relation i.
type BitVector int64

const EmptySet BitVector = 0

func Singleton(i int) BitVector {
	util.AssertFunc(i >= 0 && i <= MaxRelations)
	return BitVector(1) << i
}

// FullSet is {0..n-1}.
func FullSet(n int) BitVector {
	util.AssertFunc(n >= 0 && n <= MaxRelations)
	return BitVector(1)<<n - 1
}

// PrefixSet is {0..i}.
func PrefixSet(i int) BitVector {
	return FullSet(i + 1)
}

func Union(a, b BitVector) BitVector {
	return a | b
}

func Intersect(a, b BitVector) BitVector {
	return a & b
}

// Subtract removes b from a. Members of b outside a are ignored.
func Subtract(a, b BitVector) BitVector {
	return a &^ b
}

// CoveredSubtract is a - b where b must be a subset of a.
func CoveredSubtract(a, b BitVector) BitVector {
	util.AssertFunc(a&b == b)
	return a - b
}

func (s BitVector) Count() int {
	return bits.OnesCount64(uint64(s))
}

func (s BitVector) IsEmpty() bool {
	return s == EmptySet
}

func (s BitVector) Has(i int) bool {
	return s&Singleton(i) != 0
}

func (s BitVector) IsSubsetOf(super BitVector) bool {
	return s&super == s
}

func (s BitVector) Overlaps(o BitVector) bool {
	return s&o != 0
}

// MinIndex is the lowest member. The set must not be empty.
func (s BitVector) MinIndex() int {
	util.AssertFunc(s != EmptySet)
	return bits.TrailingZeros64(uint64(s))
}

// MaxIndex is the highest member. The set must not be empty.
func (s BitVector) MaxIndex() int {
	util.AssertFunc(s != EmptySet)
	return 63 - bits.LeadingZeros64(uint64(s))
}

// Ascending lists the members from low to high.
func (s BitVector) Ascending() []int {
	ret := make([]int, 0, s.Count())
	for rest := uint64(s); rest != 0; rest &= rest - 1 {
		ret = append(ret, bits.TrailingZeros64(rest))
	}
	return ret
}

// Descending lists the members from high to low.
func (s BitVector) Descending() []int {
	ret := s.Ascending()
	for i, j := 0, len(ret)-1; i < j; i, j = i+1, j-1 {
		ret[i], ret[j] = ret[j], ret[i]
	}
	return ret
}

func (s BitVector) String() string {
	bb := strings.Builder{}
	bb.WriteString("{")
	for i, t := range s.Ascending() {
		if i > 0 {
			bb.WriteString(", ")
		}
		bb.WriteString(fmt.Sprintf("%d", t))
	}
	bb.WriteString("}")
	return bb.String()
}

// SubsetEnumerator walks the subsets of a set in increasing order with
// the Vance-Maier recurrence S1 = S & (S1 - S).
type SubsetEnumerator struct {
	set         BitVector
	cur         BitVector
	includeFull bool
	done        bool
}

// NewSubsetEnumerator yields the non-empty proper subsets of set, and set
// itself when includeFull is true.
func NewSubsetEnumerator(set BitVector, includeFull bool) *SubsetEnumerator {
	return &SubsetEnumerator{
		set:         set,
		includeFull: includeFull,
		done:        set == EmptySet,
	}
}

// Next returns the next subset, false when exhausted.
func (it *SubsetEnumerator) Next() (BitVector, bool) {
	if it.done {
		return EmptySet, false
	}
	it.cur = it.set & (it.cur - it.set)
	if it.cur == it.set {
		it.done = true
		if !it.includeFull {
			return EmptySet, false
		}
	}
	return it.cur, true
}

// Subsets collects what the enumerator yields.
func Subsets(set BitVector, includeFull bool) []BitVector {
	ret := make([]BitVector, 0, 1<<set.Count())
	it := NewSubsetEnumerator(set, includeFull)
	for s, ok := it.Next(); ok; s, ok = it.Next() {
		ret = append(ret, s)
	}
	return ret
}
