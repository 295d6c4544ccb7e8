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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitVectorBasics(t *testing.T) {
	S := Union(Union(Singleton(0), Singleton(1)), Singleton(6))
	assert.Equal(t, BitVector(0b1000011), S)
	assert.Equal(t, 3, S.Count())
	assert.Equal(t, []int{0, 1, 6}, S.Ascending())
	assert.Equal(t, []int{6, 1, 0}, S.Descending())
	assert.Equal(t, 0, S.MinIndex())
	assert.Equal(t, 6, S.MaxIndex())
	assert.Equal(t, BitVector(15), PrefixSet(3))
	assert.Equal(t, BitVector(1), PrefixSet(0))
	assert.Equal(t, BitVector(0b111), FullSet(3))
	assert.Equal(t, "{0, 1, 6}", S.String())

	assert.Equal(t, Singleton(6), CoveredSubtract(S, Union(Singleton(0), Singleton(1))))
	assert.Panics(t, func() {
		CoveredSubtract(S, Singleton(2))
	})
	// general subtract ignores members not in S
	assert.Equal(t, Singleton(6), Subtract(S, FullSet(3)))
	assert.True(t, Singleton(1).IsSubsetOf(S))
	assert.False(t, Singleton(2).IsSubsetOf(S))
}

func TestBitVectorLaws(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		A := BitVector(rng.Int63()) & FullSet(MaxRelations)
		B := BitVector(rng.Int63()) & FullSet(MaxRelations)
		assert.Equal(t, Union(A, B), Union(B, A))
		assert.Equal(t, Intersect(A, B), Intersect(B, A))
		assert.Equal(t, EmptySet, Subtract(A, A))
		assert.Equal(t, A.Count()+B.Count(), Union(A, B).Count()+Intersect(A, B).Count())
		assert.True(t, A >= 0 && B >= 0)
	}
}

func TestSubsetEnumerator(t *testing.T) {
	sets := []BitVector{
		Singleton(3),
		FullSet(2),
		FullSet(5),
		0b1010_0110,
		Union(Singleton(0), Singleton(40)),
		FullSet(10),
	}
	for _, S := range sets {
		k := S.Count()
		for _, includeFull := range []bool{false, true} {
			subsets := Subsets(S, includeFull)
			expect := 1<<k - 2
			if includeFull {
				expect++
			}
			require.Len(t, subsets, expect, "set %v", S)

			seen := make(map[BitVector]bool)
			for _, S1 := range subsets {
				assert.False(t, seen[S1], "duplicate %v", S1)
				seen[S1] = true
				assert.NotEqual(t, EmptySet, S1)
				assert.True(t, S1.IsSubsetOf(S))
				if !includeFull {
					assert.NotEqual(t, S, S1)
				}
			}
		}
	}
	assert.Empty(t, Subsets(EmptySet, true))
}

func TestSubsetEnumeratorOrder(t *testing.T) {
	S := BitVector(0b1011)
	assert.Equal(t, []BitVector{0b1, 0b10, 0b11, 0b1000, 0b1001, 0b1010}, Subsets(S, false))
}
