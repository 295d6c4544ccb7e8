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
	"strings"
)

type OrderItem struct {
	Expr *Expr
	Desc bool
}

func (item OrderItem) equal(o OrderItem) bool {
	return item.Desc == o.Desc && item.Expr.equal(o.Expr)
}

func (item OrderItem) String() string {
	if item.Desc {
		return item.Expr.String() + " desc"
	}
	return item.Expr.String() + " asc"
}

type Ordering []OrderItem

// AscOrdering orders by every expr ascending.
func AscOrdering(exprs []*Expr) Ordering {
	ret := make(Ordering, len(exprs))
	for i, e := range exprs {
		ret[i] = OrderItem{Expr: e}
	}
	return ret
}

// IsPrefixOf reports whether o is satisfied by an input ordered by other.
func (o Ordering) IsPrefixOf(other Ordering) bool {
	if len(o) > len(other) {
		return false
	}
	for i, item := range o {
		if !item.equal(other[i]) {
			return false
		}
	}
	return true
}

func (o Ordering) Equal(other Ordering) bool {
	return len(o) == len(other) && o.IsPrefixOf(other)
}

// Copy deep copies the expressions.
func (o Ordering) Copy() Ordering {
	if o == nil {
		return nil
	}
	ret := make(Ordering, len(o))
	for i, item := range o {
		ret[i] = OrderItem{Expr: item.Expr.Copy(), Desc: item.Desc}
	}
	return ret
}

func (o Ordering) hash() uint64 {
	vals := make([]uint64, 0, 2*len(o))
	for _, item := range o {
		desc := uint64(0)
		if item.Desc {
			desc = 1
		}
		vals = append(vals, item.Expr.Hash(), desc)
	}
	return hashOrdered(vals...)
}

func (o Ordering) String() string {
	parts := make([]string, len(o))
	for i, item := range o {
		parts[i] = item.String()
	}
	return strings.Join(parts, ", ")
}

type DistKind int

const (
	DistAny DistKind = iota
	// DistSingleton is all rows on one node.
	DistSingleton
	// DistHashed is rows partitioned by the hash of Keys.
	DistHashed
)

func (kind DistKind) String() string {
	switch kind {
	case DistAny:
		return "any"
	case DistSingleton:
		return "singleton"
	case DistHashed:
		return "hashed"
	default:
		panic(fmt.Sprintf("usp dist kind %d", kind))
	}
}

type Distribution struct {
	Kind DistKind
	Keys []*Expr
}

func (dist Distribution) Equal(o Distribution) bool {
	return dist.Kind == o.Kind && exprsEqual(dist.Keys, o.Keys)
}

func (dist Distribution) Copy() Distribution {
	return Distribution{Kind: dist.Kind, Keys: CopyExprs(dist.Keys)}
}

func (dist Distribution) String() string {
	if dist.Kind == DistHashed {
		return fmt.Sprintf("hashed(%s)", exprsString(dist.Keys))
	}
	return dist.Kind.String()
}

// PhysicalProperty is what a consumer requires from the output of a plan.
// The zero value requires nothing.
type PhysicalProperty struct {
	Ordering Ordering
	Dist     Distribution
}

var EmptyProperty = &PhysicalProperty{}

func (prop *PhysicalProperty) IsEmpty() bool {
	return prop == nil || (len(prop.Ordering) == 0 && prop.Dist.Kind == DistAny)
}

// SuppliedBy reports whether an output with the provided property
// satisfies prop.
func (prop *PhysicalProperty) SuppliedBy(provided *PhysicalProperty) bool {
	if prop.IsEmpty() {
		return true
	}
	if provided == nil {
		return false
	}
	if !prop.Ordering.IsPrefixOf(provided.Ordering) {
		return false
	}
	if prop.Dist.Kind == DistAny {
		return true
	}
	return prop.Dist.Equal(provided.Dist)
}

// WithoutOrdering keeps only the distribution.
func (prop *PhysicalProperty) WithoutOrdering() *PhysicalProperty {
	if prop == nil {
		return EmptyProperty
	}
	return &PhysicalProperty{Dist: prop.Dist}
}

// Key identifies the property in per-group memo tables.
func (prop *PhysicalProperty) Key() string {
	if prop.IsEmpty() {
		return ""
	}
	h := hashOrdered(prop.Ordering.hash(), uint64(prop.Dist.Kind), exprsHashOrdered(prop.Dist.Keys))
	return fmt.Sprintf("%016x", h)
}

func (prop *PhysicalProperty) String() string {
	if prop.IsEmpty() {
		return "{}"
	}
	parts := make([]string, 0, 2)
	if len(prop.Ordering) > 0 {
		parts = append(parts, "order: "+prop.Ordering.String())
	}
	if prop.Dist.Kind != DistAny {
		parts = append(parts, "dist: "+prop.Dist.String())
	}
	return "{" + strings.Join(parts, "; ") + "}"
}
