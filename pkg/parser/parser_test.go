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

package parser

import (
	"testing"

	dec "github.com/govalues/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/optimizer/pkg/plan"
	"github.com/daviszhen/optimizer/pkg/util"
)

func TestParser(t *testing.T) {
	stmts, err := Parse("SELECT 42")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(stmts))
	assert.Equal(t, int32(42), stmts[0].Stmt.GetSelectStmt().GetTargetList()[0].GetResTarget().GetVal().GetAConst().GetIval().Ival)
}

func TestSchema(t *testing.T) {
	schs := []string{
		"create schema s1",
		"create schema if not exists s1",
	}

	for _, sch := range schs {
		stmts, err := Parse(sch)
		require.NoError(t, err)
		require.Equal(t, 1, len(stmts))
	}
}

func testCatalog() *util.CatalogOptions {
	return &util.CatalogOptions{
		Tables: []util.TableStats{
			{Name: "orders", Rows: 15000, Columns: []string{"o_orderkey", "o_custkey", "o_total"}, SortedBy: "o_orderkey"},
			{Name: "customer", Rows: 1500, Columns: []string{"c_custkey", "c_name", "c_nation"}},
			{Name: "nation", Rows: 25},
		},
	}
}

func TestBuildQuery(t *testing.T) {
	sql := `SELECT c.c_name, count(*), sum(o_total)
		FROM orders, customer c
		WHERE o_custkey = c.c_custkey AND o_total > 100
		GROUP BY c.c_name
		ORDER BY c.c_name DESC
		LIMIT 10 OFFSET 5`
	root, err := BuildQuery(sql, testCatalog())
	require.NoError(t, err)

	require.Equal(t, plan.LOT_Limit, root.Typ)
	assert.Equal(t, uint64(10), root.Limit)
	assert.Equal(t, uint64(5), root.Offset)

	order := root.Children[0]
	require.Equal(t, plan.LOT_Order, order.Typ)
	require.Len(t, order.OrderBys, 1)
	assert.True(t, order.OrderBys[0].Desc)

	agg := order.Children[0]
	require.Equal(t, plan.LOT_AggGroup, agg.Typ)
	assert.Len(t, agg.GroupBys, 1)
	assert.Len(t, agg.Aggs, 2)

	filter := agg.Children[0]
	require.Equal(t, plan.LOT_Filter, filter.Typ)
	require.Len(t, filter.Filters, 2)
	assert.True(t, filter.Filters[0].IsEquiJoin())

	join := filter.Children[0]
	require.Equal(t, plan.LOT_JOIN, join.Typ)
	assert.Equal(t, plan.LOT_JoinTypeCross, join.JoinTyp)
	orders, customer := join.Children[0], join.Children[1]
	assert.Equal(t, "orders", orders.Table)
	assert.Equal(t, uint64(0), orders.Index)
	require.Len(t, orders.NaturalOrder, 1)
	assert.Equal(t, "o_orderkey", orders.NaturalOrder[0].Expr.Name)
	assert.Equal(t, "customer", customer.Table)
	assert.Equal(t, "c", customer.Alias)
	assert.Equal(t, uint64(1), customer.Index)
	assert.Empty(t, customer.NaturalOrder)

	// o_custkey is column 1 of orders
	lhs := filter.Filters[0].Children[0]
	assert.Equal(t, plan.ColumnBind{0, 1}, lhs.ColRef)
}

func TestBuildQueryJoinSyntax(t *testing.T) {
	sql := `SELECT * FROM orders o JOIN customer c ON o.o_custkey = c.c_custkey
		LEFT JOIN nation n ON c.c_nation = n.n_nationkey
		WHERE o.o_total BETWEEN 1 AND 10`
	root, err := BuildQuery(sql, testCatalog())
	require.NoError(t, err)
	require.Equal(t, plan.LOT_Filter, root.Typ)
	// between becomes two comparisons
	require.Len(t, root.Filters, 2)
	assert.Equal(t, ">=", root.Filters[0].Name)
	assert.Equal(t, "<=", root.Filters[1].Name)

	left := root.Children[0]
	require.Equal(t, plan.LOT_JOIN, left.Typ)
	assert.Equal(t, plan.LOT_JoinTypeLeft, left.JoinTyp)
	inner := left.Children[0]
	assert.Equal(t, plan.LOT_JoinTypeInner, inner.JoinTyp)
	assert.Len(t, inner.OnConds, 1)
	assert.Equal(t, 3, int(root.TableRefs().Count()))
}

func TestBuildQueryProject(t *testing.T) {
	root, err := BuildQuery("SELECT a, b + 1 FROM t WHERE a < 3 ORDER BY b", nil)
	require.NoError(t, err)
	require.Equal(t, plan.LOT_Project, root.Typ)
	assert.Len(t, root.Projects, 2)
	assert.Equal(t, plan.LOT_Order, root.Children[0].Typ)

	root, err = BuildQuery("SELECT a FROM t WHERE b > 1.50", nil)
	require.NoError(t, err)
	filter := root.Children[0]
	require.Equal(t, plan.LOT_Filter, filter.Typ)
	price, ok := filter.Filters[0].Children[1].Value.(dec.Decimal)
	require.True(t, ok)
	assert.Equal(t, "1.50", price.String())
}

func TestBuildQueryErrors(t *testing.T) {
	cases := []string{
		"SELEC 1",
		"SELECT 1",
		"INSERT INTO orders VALUES (1)",
		"SELECT * FROM lineitem",
		"SELECT * FROM orders, orders",
		"SELECT * FROM orders WHERE o_missing = 1",
		"SELECT * FROM orders, nation WHERE n_name = 'x'",
		"SELECT * FROM orders x WHERE y.o_total = 1",
		"SELECT * FROM orders LIMIT -1",
		"SELECT * FROM orders FULL JOIN customer ON o_custkey = c_custkey",
		"SELECT 1; SELECT 2",
	}
	for _, sql := range cases {
		_, err := BuildQuery(sql, testCatalog())
		assert.Error(t, err, sql)
	}
}
