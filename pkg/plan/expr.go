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
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/dgryski/go-farm"
	"github.com/huandu/go-clone"
)

type ET int

const (
	ET_Column ET = iota //column
	ET_Const            //constant
	ET_Func             //scalar function or operator
	ET_Aggr             //aggregate function
)

func (et ET) String() string {
	switch et {
	case ET_Column:
		return "column"
	case ET_Const:
		return "const"
	case ET_Func:
		return "func"
	case ET_Aggr:
		return "aggr"
	default:
		panic(fmt.Sprintf("usp expr type %d", et))
	}
}

// ColumnBind is (table index, column index).
type ColumnBind [2]uint64

func (bind ColumnBind) Table() uint64 {
	return bind[0]
}

func (bind ColumnBind) Column() uint64 {
	return bind[1]
}

func (bind ColumnBind) String() string {
	return fmt.Sprintf("[%d,%d]", bind[0], bind[1])
}

// ExprID is assigned by an ExprArena. Zero means unassigned.
type ExprID uint64

type Expr struct {
	Typ ET
	ID  ExprID

	Table  string     // column: table name
	Name   string     // column name, function or aggregate name
	ColRef ColumnBind // column: table index, column index
	Value  any        // const

	Children []*Expr
}

func NewColumn(tblIdx uint64, table, name string, colIdx uint64) *Expr {
	return &Expr{
		Typ:    ET_Column,
		Table:  table,
		Name:   name,
		ColRef: ColumnBind{tblIdx, colIdx},
	}
}

func NewConst(v any) *Expr {
	return &Expr{
		Typ:   ET_Const,
		Value: v,
	}
}

func NewFunc(name string, args ...*Expr) *Expr {
	return &Expr{
		Typ:      ET_Func,
		Name:     name,
		Children: args,
	}
}

func NewAggr(name string, args ...*Expr) *Expr {
	return &Expr{
		Typ:      ET_Aggr,
		Name:     name,
		Children: args,
	}
}

// NewEqual builds lhs = rhs.
func NewEqual(lhs, rhs *Expr) *Expr {
	return NewFunc("=", lhs, rhs)
}

func (e *Expr) IsAnd() bool {
	return e != nil && e.Typ == ET_Func && e.Name == "and"
}

func (e *Expr) IsEqual() bool {
	return e != nil && e.Typ == ET_Func && e.Name == "=" && len(e.Children) == 2
}

// IsEquiJoin reports lhs = rhs where both sides are columns of different tables.
func (e *Expr) IsEquiJoin() bool {
	if !e.IsEqual() {
		return false
	}
	l, r := e.Children[0], e.Children[1]
	return l.Typ == ET_Column && r.Typ == ET_Column && l.ColRef.Table() != r.ColRef.Table()
}

func (e *Expr) equal(o *Expr) bool {
	if e == nil && o == nil {
		return true
	} else if e == nil || o == nil {
		return false
	}
	if e.Typ != o.Typ {
		return false
	}
	switch e.Typ {
	case ET_Column:
		return e.ColRef == o.ColRef
	case ET_Const:
		return fmt.Sprint(e.Value) == fmt.Sprint(o.Value)
	case ET_Func, ET_Aggr:
		if e.Name != o.Name || len(e.Children) != len(o.Children) {
			return false
		}
		for i, child := range e.Children {
			if !child.equal(o.Children[i]) {
				return false
			}
		}
		return true
	default:
		panic(fmt.Sprintf("usp expr type %d", e.Typ))
	}
}

func (e *Expr) Equal(o *Expr) bool {
	return e.equal(o)
}

// Copy returns a deep copy sharing nothing with e.
func (e *Expr) Copy() *Expr {
	if e == nil {
		return nil
	}
	return clone.Clone(e).(*Expr)
}

func CopyExprs(exprs []*Expr) []*Expr {
	if exprs == nil {
		return nil
	}
	ret := make([]*Expr, len(exprs))
	for i, e := range exprs {
		ret[i] = e.Copy()
	}
	return ret
}

// Hash is a structural hash. It ignores the ID.
func (e *Expr) Hash() uint64 {
	if e == nil {
		return 0
	}
	buf := make([]byte, 0, 32)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Typ))
	switch e.Typ {
	case ET_Column:
		buf = binary.LittleEndian.AppendUint64(buf, e.ColRef[0])
		buf = binary.LittleEndian.AppendUint64(buf, e.ColRef[1])
	case ET_Const:
		buf = append(buf, fmt.Sprint(e.Value)...)
	case ET_Func, ET_Aggr:
		buf = append(buf, e.Name...)
		for _, child := range e.Children {
			buf = binary.LittleEndian.AppendUint64(buf, child.Hash())
		}
	}
	return farm.Fingerprint64(buf)
}

// TableRefs returns the table indexes referenced by e.
func (e *Expr) TableRefs() *bitset.BitSet {
	set := bitset.New(8)
	e.collectTables(set)
	return set
}

func (e *Expr) collectTables(set *bitset.BitSet) {
	if e == nil {
		return
	}
	if e.Typ == ET_Column {
		set.Set(uint(e.ColRef.Table()))
		return
	}
	for _, child := range e.Children {
		child.collectTables(set)
	}
}

func (e *Expr) String() string {
	if e == nil {
		return ""
	}
	switch e.Typ {
	case ET_Column:
		if e.Table != "" {
			return fmt.Sprintf("%s.%s", e.Table, e.Name)
		}
		return fmt.Sprintf("%s#%v", e.Name, e.ColRef)
	case ET_Const:
		if s, ok := e.Value.(string); ok {
			return fmt.Sprintf("'%s'", s)
		}
		return fmt.Sprint(e.Value)
	case ET_Func:
		switch e.Name {
		case "=", "<>", "<", "<=", ">", ">=", "+", "-", "*", "/":
			if len(e.Children) == 2 {
				return fmt.Sprintf("%s %s %s", e.Children[0], e.Name, e.Children[1])
			}
		case "and", "or":
			parts := make([]string, len(e.Children))
			for i, child := range e.Children {
				parts[i] = child.String()
			}
			return "(" + strings.Join(parts, " "+e.Name+" ") + ")"
		}
		fallthrough
	case ET_Aggr:
		parts := make([]string, len(e.Children))
		for i, child := range e.Children {
			parts[i] = child.String()
		}
		return fmt.Sprintf("%s(%s)", e.Name, strings.Join(parts, ", "))
	default:
		panic(fmt.Sprintf("usp expr type %d", e.Typ))
	}
}

// SplitConjuncts flattens nested ANDs.
func SplitConjuncts(e *Expr) []*Expr {
	if e == nil {
		return nil
	}
	if !e.IsAnd() {
		return []*Expr{e}
	}
	ret := make([]*Expr, 0, len(e.Children))
	for _, child := range e.Children {
		ret = append(ret, SplitConjuncts(child)...)
	}
	return ret
}

// CombineConjuncts is the inverse of SplitConjuncts. Nil for an empty list.
func CombineConjuncts(exprs []*Expr) *Expr {
	switch len(exprs) {
	case 0:
		return nil
	case 1:
		return exprs[0]
	default:
		return NewFunc("and", exprs...)
	}
}

// ConjunctsHash is insensitive to the order of the list. Duplicates
// do not cancel.
func ConjunctsHash(exprs []*Expr) uint64 {
	var h uint64
	for _, e := range exprs {
		h += mix64(e.Hash())
	}
	return h
}

// ConjunctsEqual compares two lists as multisets.
func ConjunctsEqual(a, b []*Expr) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, x := range a {
		found := false
		for j, y := range b {
			if !used[j] && x.equal(y) {
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func exprsEqual(a, b []*Expr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}

func exprsString(exprs []*Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

// mix64 is the splitmix64 finalizer.
func mix64(h uint64) uint64 {
	h ^= h >> 30
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 27
	h *= 0x94d049bb133111eb
	h ^= h >> 31
	return h
}

// hashOrdered combines values in order.
func hashOrdered(vals ...uint64) uint64 {
	buf := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	return farm.Fingerprint64(buf)
}

func exprsHashOrdered(exprs []*Expr) uint64 {
	vals := make([]uint64, len(exprs))
	for i, e := range exprs {
		vals[i] = e.Hash()
	}
	return hashOrdered(vals...)
}

// ExprArena hands out monotonically increasing ids to expressions. One
// arena is owned by a statement.
type ExprArena struct {
	exprs []*Expr
}

func NewExprArena() *ExprArena {
	return &ExprArena{}
}

// Register assigns ids to e and all its children.
func (arena *ExprArena) Register(e *Expr) ExprID {
	if e == nil {
		return 0
	}
	for _, child := range e.Children {
		arena.Register(child)
	}
	arena.exprs = append(arena.exprs, e)
	e.ID = ExprID(len(arena.exprs))
	return e.ID
}

func (arena *ExprArena) Get(id ExprID) *Expr {
	if id == 0 || int(id) > len(arena.exprs) {
		return nil
	}
	return arena.exprs[id-1]
}

func (arena *ExprArena) Len() int {
	return len(arena.exprs)
}

func log2(v float64) float64 {
	if v <= 1 {
		return 0
	}
	return math.Log2(v)
}
