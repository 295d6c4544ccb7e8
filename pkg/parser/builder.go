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
	"strings"

	dec "github.com/govalues/decimal"
	pg_query "github.com/pganalyze/pg_query_go/v5"
	"github.com/pingcap/errors"

	"github.com/daviszhen/optimizer/pkg/plan"
	"github.com/daviszhen/optimizer/pkg/util"
)

var aggNames = map[string]bool{
	"count": true,
	"sum":   true,
	"min":   true,
	"max":   true,
	"avg":   true,
}

type tableBinding struct {
	index   uint64
	name    string
	alias   string
	stats   *util.TableStats
	columns map[string]uint64
	scan    *plan.LogicalOperator
}

// column returns the index of the column, adding it when the table has
// no column list.
func (tb *tableBinding) column(name string) (uint64, bool) {
	if idx, has := tb.columns[name]; has {
		return idx, true
	}
	if tb.stats != nil && len(tb.stats.Columns) > 0 {
		return 0, false
	}
	idx := uint64(len(tb.columns))
	tb.columns[name] = idx
	return idx, true
}

type queryBuilder struct {
	catalog *util.CatalogOptions
	est     *plan.CatalogEstimator
	tables  []*tableBinding
	byAlias map[string]*tableBinding
}

// BuildQuery turns a single SELECT over base tables into a logical tree:
// the FROM items joined left to right, WHERE as a filter on top, then
// aggregation, ordering, limit and projection. The catalog may be nil.
func BuildQuery(sql string, catalog *util.CatalogOptions) (*plan.LogicalOperator, error) {
	sel, err := ParseSelect(sql)
	if err != nil {
		return nil, err
	}
	if catalog == nil {
		catalog = &util.CatalogOptions{}
	}
	b := &queryBuilder{
		catalog: catalog,
		est:     plan.NewCatalogEstimator(catalog),
		byAlias: make(map[string]*tableBinding),
	}
	return b.buildSelect(sel)
}

func (b *queryBuilder) buildSelect(sel *pg_query.SelectStmt) (*plan.LogicalOperator, error) {
	if len(sel.GetFromClause()) == 0 {
		return nil, errors.New("FROM clause is required")
	}
	var root *plan.LogicalOperator
	for _, item := range sel.GetFromClause() {
		node, err := b.buildTable(item)
		if err != nil {
			return nil, err
		}
		if root == nil {
			root = node
		} else {
			root = plan.NewJoin(root, node)
		}
	}

	if where := sel.GetWhereClause(); where != nil {
		cond, err := b.bindExpr(where)
		if err != nil {
			return nil, err
		}
		root = plan.NewFilter(root, plan.SplitConjuncts(cond)...)
	}

	var projects, aggs []*plan.Expr
	star := false
	for _, target := range sel.GetTargetList() {
		val := target.GetResTarget().GetVal()
		if ref := val.GetColumnRef(); ref != nil && util.Back(ref.GetFields()).GetAStar() != nil {
			star = true
			continue
		}
		e, err := b.bindExpr(val)
		if err != nil {
			return nil, err
		}
		if e.Typ == plan.ET_Aggr {
			aggs = append(aggs, e)
		} else {
			projects = append(projects, e)
		}
	}
	var groupBys []*plan.Expr
	for _, item := range sel.GetGroupClause() {
		e, err := b.bindExpr(item)
		if err != nil {
			return nil, err
		}
		groupBys = append(groupBys, e)
	}
	if len(groupBys) > 0 || len(aggs) > 0 {
		root = plan.NewAggregate(root, groupBys, aggs)
		// the aggregate outputs the keys and the aggregates
		projects = nil
	}

	if len(sel.GetSortClause()) > 0 {
		var orderBys plan.Ordering
		for _, item := range sel.GetSortClause() {
			sortBy := item.GetSortBy()
			e, err := b.bindExpr(sortBy.GetNode())
			if err != nil {
				return nil, err
			}
			orderBys = append(orderBys, plan.OrderItem{
				Expr: e,
				Desc: sortBy.GetSortbyDir() == pg_query.SortByDir_SORTBY_DESC,
			})
		}
		root = plan.NewOrder(root, orderBys)
	}

	if count := sel.GetLimitCount(); count != nil {
		limit, err := intConst(count)
		if err != nil {
			return nil, errors.Annotate(err, "limit")
		}
		var offset uint64
		if off := sel.GetLimitOffset(); off != nil {
			if offset, err = intConst(off); err != nil {
				return nil, errors.Annotate(err, "offset")
			}
		}
		root = plan.NewLimit(root, limit, offset)
	}

	if !star && len(projects) > 0 {
		root = plan.NewProject(root, projects...)
	}
	return root, nil
}

func intConst(node *pg_query.Node) (uint64, error) {
	ival := node.GetAConst().GetIval()
	if ival == nil || ival.GetIval() < 0 {
		return 0, errors.Errorf("expected a non-negative integer, got %v", node)
	}
	return uint64(ival.GetIval()), nil
}

func (b *queryBuilder) buildTable(node *pg_query.Node) (*plan.LogicalOperator, error) {
	switch realNode := node.GetNode().(type) {
	case *pg_query.Node_RangeVar:
		return b.addTable(realNode.RangeVar)
	case *pg_query.Node_JoinExpr:
		join := realNode.JoinExpr
		left, err := b.buildTable(join.GetLarg())
		if err != nil {
			return nil, err
		}
		right, err := b.buildTable(join.GetRarg())
		if err != nil {
			return nil, err
		}
		var conds []*plan.Expr
		if quals := join.GetQuals(); quals != nil {
			cond, err := b.bindExpr(quals)
			if err != nil {
				return nil, err
			}
			conds = plan.SplitConjuncts(cond)
		}
		ret := plan.NewJoin(left, right, conds...)
		switch join.GetJointype() {
		case pg_query.JoinType_JOIN_INNER:
		case pg_query.JoinType_JOIN_LEFT:
			ret.JoinTyp = plan.LOT_JoinTypeLeft
		default:
			return nil, errors.Errorf("unsupported join type %v", join.GetJointype())
		}
		return ret, nil
	default:
		return nil, errors.Errorf("unsupported FROM item %T", realNode)
	}
}

func (b *queryBuilder) addTable(rv *pg_query.RangeVar) (*plan.LogicalOperator, error) {
	name := rv.GetRelname()
	alias := name
	if rv.GetAlias() != nil && rv.GetAlias().GetAliasname() != "" {
		alias = rv.GetAlias().GetAliasname()
	}
	if _, has := b.byAlias[alias]; has {
		return nil, errors.Errorf("duplicate table name %s", alias)
	}
	stats := b.catalog.FindTable(name)
	if stats == nil && len(b.catalog.Tables) > 0 {
		return nil, errors.Errorf("unknown table %s", name)
	}
	tb := &tableBinding{
		index:   uint64(len(b.tables)),
		name:    name,
		alias:   alias,
		stats:   stats,
		columns: make(map[string]uint64),
	}
	if stats != nil {
		for i, col := range stats.Columns {
			tb.columns[col] = uint64(i)
		}
		if stats.SortedBy != "" {
			tb.column(stats.SortedBy)
		}
	}
	tb.scan = plan.NewScan(tb.index, name)
	tb.scan.Database = rv.GetSchemaname()
	tb.scan.Alias = alias
	tb.scan.NaturalOrder = b.est.NaturalOrder(name, tb.index, tb.columns)
	b.tables = append(b.tables, tb)
	b.byAlias[alias] = tb
	return tb.scan, nil
}

func (b *queryBuilder) bindColumn(ref *pg_query.ColumnRef) (*plan.Expr, error) {
	fields := ref.GetFields()
	var table, column string
	switch len(fields) {
	case 1:
		column = fields[0].GetString_().GetSval()
	case 2:
		table = fields[0].GetString_().GetSval()
		column = fields[1].GetString_().GetSval()
	default:
		return nil, errors.Errorf("unsupported column reference %v", ref)
	}

	if table != "" {
		tb, has := b.byAlias[table]
		if !has {
			return nil, errors.Errorf("unknown table %s", table)
		}
		idx, ok := tb.column(column)
		if !ok {
			return nil, errors.Errorf("table %s has no column %s", table, column)
		}
		return plan.NewColumn(tb.index, tb.name, column, idx), nil
	}

	var found *tableBinding
	for _, tb := range b.tables {
		known := tb.stats != nil && len(tb.stats.Columns) > 0
		if _, has := tb.columns[column]; has || (!known && len(b.tables) == 1) {
			if found != nil {
				return nil, errors.Errorf("column %s is ambiguous", column)
			}
			found = tb
		}
	}
	if found == nil {
		return nil, errors.Errorf("can not resolve column %s, qualify it with a table", column)
	}
	idx, _ := found.column(column)
	return plan.NewColumn(found.index, found.name, column, idx), nil
}

func (b *queryBuilder) bindExprs(nodes []*pg_query.Node) ([]*plan.Expr, error) {
	ret := make([]*plan.Expr, 0, len(nodes))
	for _, node := range nodes {
		e, err := b.bindExpr(node)
		if err != nil {
			return nil, err
		}
		ret = append(ret, e)
	}
	return ret, nil
}

func (b *queryBuilder) bindExpr(node *pg_query.Node) (*plan.Expr, error) {
	switch realNode := node.GetNode().(type) {
	case *pg_query.Node_ColumnRef:
		return b.bindColumn(realNode.ColumnRef)
	case *pg_query.Node_AConst:
		return bindConst(realNode.AConst)
	case *pg_query.Node_TypeCast:
		return b.bindExpr(realNode.TypeCast.GetArg())
	case *pg_query.Node_BoolExpr:
		args, err := b.bindExprs(realNode.BoolExpr.GetArgs())
		if err != nil {
			return nil, err
		}
		switch realNode.BoolExpr.GetBoolop() {
		case pg_query.BoolExprType_AND_EXPR:
			return plan.CombineConjuncts(args), nil
		case pg_query.BoolExprType_OR_EXPR:
			return plan.NewFunc("or", args...), nil
		default:
			return plan.NewFunc("not", args...), nil
		}
	case *pg_query.Node_AExpr:
		return b.bindAExpr(realNode.AExpr)
	case *pg_query.Node_FuncCall:
		fc := realNode.FuncCall
		name := strings.ToLower(util.Back(fc.GetFuncname()).GetString_().GetSval())
		args, err := b.bindExprs(fc.GetArgs())
		if err != nil {
			return nil, err
		}
		if aggNames[name] {
			return plan.NewAggr(name, args...), nil
		}
		return plan.NewFunc(name, args...), nil
	default:
		return nil, errors.Errorf("unsupported expression %T", realNode)
	}
}

func (b *queryBuilder) bindAExpr(expr *pg_query.A_Expr) (*plan.Expr, error) {
	left, err := b.bindExpr(expr.GetLexpr())
	if err != nil {
		return nil, err
	}
	switch expr.GetKind() {
	case pg_query.A_Expr_Kind_AEXPR_OP, pg_query.A_Expr_Kind_AEXPR_LIKE:
		right, err := b.bindExpr(expr.GetRexpr())
		if err != nil {
			return nil, err
		}
		op := util.Back(expr.GetName()).GetString_().GetSval()
		if expr.GetKind() == pg_query.A_Expr_Kind_AEXPR_LIKE {
			op = "like"
		}
		return plan.NewFunc(op, left, right), nil
	case pg_query.A_Expr_Kind_AEXPR_BETWEEN:
		bounds, err := b.bindExprs(expr.GetRexpr().GetList().GetItems())
		if err != nil {
			return nil, err
		}
		if len(bounds) != 2 {
			return nil, errors.Errorf("between needs two bounds, got %d", len(bounds))
		}
		return plan.CombineConjuncts([]*plan.Expr{
			plan.NewFunc(">=", left, bounds[0]),
			plan.NewFunc("<=", left.Copy(), bounds[1]),
		}), nil
	default:
		return nil, errors.Errorf("unsupported operator kind %v", expr.GetKind())
	}
}

func bindConst(c *pg_query.A_Const) (*plan.Expr, error) {
	switch val := c.GetVal().(type) {
	case *pg_query.A_Const_Ival:
		return plan.NewConst(int64(val.Ival.GetIval())), nil
	case *pg_query.A_Const_Sval:
		return plan.NewConst(val.Sval.GetSval()), nil
	case *pg_query.A_Const_Fval:
		// numeric literals stay exact
		d, err := dec.Parse(val.Fval.GetFval())
		if err != nil {
			return nil, errors.Trace(err)
		}
		return plan.NewConst(d), nil
	case *pg_query.A_Const_Boolval:
		return plan.NewConst(val.Boolval.GetBoolval()), nil
	default:
		if c.GetIsnull() {
			return plan.NewConst(nil), nil
		}
		return nil, errors.Errorf("unsupported constant %v", c)
	}
}
