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

package main

import (
	"context"
	"path/filepath"
	"strings"

	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/lib/pq/oid"
	"go.uber.org/zap"

	"github.com/daviszhen/optimizer/pkg/optimizer"
	"github.com/daviszhen/optimizer/pkg/parser"
	"github.com/daviszhen/optimizer/pkg/plan"
	"github.com/daviszhen/optimizer/pkg/util"
)

var runCfg = util.DefaultConfig()

func init() {
	loadConfig()
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "optimizer.toml"

func loadConfig() {
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if !util.FileIsValid(fpath) {
			continue
		}
		cfg, err := util.LoadConfig(fpath)
		if err != nil {
			util.Error("load config file failed",
				zap.String("fpath", fpath),
				zap.Error(err))
			continue
		}
		runCfg = cfg
		util.InitLogger(runCfg.Debug.LogLevel)
		return
	}
	util.Warn("optimizer.toml does not exist, use the default config")
}

func main() {
	addr := "127.0.0.1:5432"
	util.Info("listen", zap.String("addr", addr))
	if err := wire.ListenAndServe(addr, handler); err != nil {
		util.Error("server stopped", zap.Error(err))
	}
}

// handler plans the query and answers with its explain text, one row
// per line.
func handler(ctx context.Context, query string) (wire.PreparedStatements, error) {
	util.Info("incoming SQL :", zap.String("query", query))
	sql := strings.TrimSpace(query)
	if len(sql) >= 8 && strings.EqualFold(sql[:8], "explain ") {
		sql = sql[8:]
	}
	root, err := parser.BuildQuery(sql, &runCfg.Catalog)
	if err != nil {
		return nil, err
	}
	opt := optimizer.NewOptimizer(runCfg, plan.NewCatalogEstimator(&runCfg.Catalog))
	stmt := optimizer.NewStatement(root)
	physical, err := opt.Optimize(stmt)
	if err != nil {
		util.Error("optimize failed", zap.String("query", query), zap.Error(err))
		return nil, err
	}
	execCtx := ExecCtx{
		lines: strings.Split(strings.TrimRight(physical.String(), "\n"), "\n"),
	}
	cols := wire.Columns{
		{
			Name:  "QUERY PLAN",
			Oid:   oid.T_varchar,
			Width: -1,
		},
	}
	return wire.Prepared(
		wire.NewStatement(execCtx.handleX,
			wire.WithColumns(cols),
		),
	), nil
}

type ExecCtx struct {
	lines []string
}

func (exec *ExecCtx) handleX(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
	for _, line := range exec.lines {
		if err := writer.Row([]any{line}); err != nil {
			return err
		}
	}
	return writer.Complete("EXPLAIN")
}
