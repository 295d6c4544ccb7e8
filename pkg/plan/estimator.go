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
	"github.com/daviszhen/optimizer/pkg/util"
)

const (
	defaultTableRows      = 1000
	defaultEqConstSel     = 0.1
	defaultRangeSel       = 1.0 / 3
	defaultPredicateSel   = 0.5
	defaultCardWithNoStat = 1.0
)

// CardEstimator is the statistics oracle consulted by the optimizer.
type CardEstimator interface {
	// TableCard is the row count of a base table scan.
	TableCard(scan *LogicalOperator) float64
	// Selectivity is the fraction of rows passing the predicate.
	Selectivity(pred *Expr) float64
}

// CatalogEstimator reads table row counts from the configured catalog.
type CatalogEstimator struct {
	tables map[string]util.TableStats
}

func NewCatalogEstimator(catalog *util.CatalogOptions) *CatalogEstimator {
	est := &CatalogEstimator{
		tables: make(map[string]util.TableStats),
	}
	if catalog != nil {
		for _, table := range catalog.Tables {
			est.tables[table.Name] = table
		}
	}
	return est
}

func (est *CatalogEstimator) rows(table string) float64 {
	if stats, has := est.tables[table]; has && stats.Rows > 0 {
		return stats.Rows
	}
	return defaultTableRows
}

func (est *CatalogEstimator) TableCard(scan *LogicalOperator) float64 {
	return est.rows(scan.Table)
}

func (est *CatalogEstimator) Selectivity(pred *Expr) float64 {
	return estimateSelectivity(pred, func(col *Expr) float64 {
		return est.rows(col.Table)
	})
}

// NaturalOrder is the ordering a scan of the table supplies.
func (est *CatalogEstimator) NaturalOrder(table string, index uint64, columns map[string]uint64) Ordering {
	stats, has := est.tables[table]
	if !has || stats.SortedBy == "" {
		return nil
	}
	colIdx, ok := columns[stats.SortedBy]
	if !ok {
		return nil
	}
	return Ordering{{Expr: NewColumn(index, table, stats.SortedBy, colIdx)}}
}

// MapEstimator keeps row counts per table index. It serves synthetic
// join graphs.
type MapEstimator struct {
	Rows map[uint64]float64
}

func NewMapEstimator() *MapEstimator {
	return &MapEstimator{Rows: make(map[uint64]float64)}
}

func (est *MapEstimator) rows(index uint64) float64 {
	if rows, has := est.Rows[index]; has && rows > 0 {
		return rows
	}
	return defaultTableRows
}

func (est *MapEstimator) TableCard(scan *LogicalOperator) float64 {
	return est.rows(scan.Index)
}

func (est *MapEstimator) Selectivity(pred *Expr) float64 {
	return estimateSelectivity(pred, func(col *Expr) float64 {
		return est.rows(col.ColRef.Table())
	})
}

// estimateSelectivity treats an equality between columns of two tables as
// a key/foreign key join.
func estimateSelectivity(pred *Expr, rows func(col *Expr) float64) float64 {
	if pred == nil {
		return defaultCardWithNoStat
	}
	if pred.IsAnd() {
		sel := 1.0
		for _, child := range pred.Children {
			sel *= estimateSelectivity(child, rows)
		}
		return sel
	}
	if pred.Typ != ET_Func {
		return defaultPredicateSel
	}
	switch pred.Name {
	case "=":
		if pred.IsEquiJoin() {
			return 1 / max(rows(pred.Children[0]), rows(pred.Children[1]), 1)
		}
		return defaultEqConstSel
	case "<", "<=", ">", ">=":
		return defaultRangeSel
	default:
		return defaultPredicateSel
	}
}
