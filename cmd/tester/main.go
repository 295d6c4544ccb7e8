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
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/daviszhen/optimizer/pkg/joinorder"
	"github.com/daviszhen/optimizer/pkg/optimizer"
	"github.com/daviszhen/optimizer/pkg/parser"
	"github.com/daviszhen/optimizer/pkg/plan"
	"github.com/daviszhen/optimizer/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initBenchCmd()
	initExplainCmd()
	initGraphCmd()
	RootCmd.PersistentFlags().StringVar(&testerCfg.Optimizer.JoinSolver, "solver", testerCfg.Optimizer.JoinSolver,
		"join order solver. dpbushy, dpccp, goo, tdbasic")
	RootCmd.PersistentFlags().StringVar(&testerCfg.Debug.LogLevel, "log_level", testerCfg.Debug.LogLevel, "log level")
	viper.BindPFlag("optimizer.joinSolver", RootCmd.PersistentFlags().Lookup("solver"))
	viper.BindPFlag("debug.logLevel", RootCmd.PersistentFlags().Lookup("log_level"))
}

var testerCfg = util.DefaultConfig()

///root cmd

var info = "tester"
var RootCmd = &cobra.Command{
	Use:          "tester",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use tester --help or -h")
	},
}

func initOptimizerOptions() error {
	testerCfg.Optimizer.JoinSolver = viper.GetString("optimizer.joinSolver")
	if viper.IsSet("optimizer.useJoinSolver") {
		testerCfg.Optimizer.UseJoinSolver = viper.GetBool("optimizer.useJoinSolver")
	}
	testerCfg.Debug.LogLevel = viper.GetString("debug.logLevel")
	testerCfg.Debug.PrintMemo = viper.GetBool("debug.printMemo")
	util.InitLogger(testerCfg.Debug.LogLevel)
	return testerCfg.Validate()
}

//bench cmd

var benchInfo = "compare the join order solvers on generated join graphs"
var benchParquet string
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: benchInfo,
	Long:  benchInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initBenchCfg(); err != nil {
			return err
		}
		rows, err := optimizer.RunBenchmark(cmd.Context(), testerCfg)
		if err != nil {
			return err
		}
		fmt.Print(optimizer.FormatBenchmark(rows))
		if benchParquet != "" {
			return optimizer.WriteBenchmarkParquet(benchParquet, rows)
		}
		return nil
	},
}

func initBenchCfg() error {
	testerCfg.Bench.Classes = viper.GetStringSlice("bench.classes")
	testerCfg.Bench.Solvers = viper.GetStringSlice("bench.solvers")
	testerCfg.Bench.MinRelations = viper.GetInt("bench.minRelations")
	testerCfg.Bench.MaxRelations = viper.GetInt("bench.maxRelations")
	testerCfg.Bench.Parallel = viper.GetInt("bench.parallel")
	testerCfg.Bench.Seed = viper.GetInt64("bench.seed")
	return initOptimizerOptions()
}

func initBenchCmd() {
	RootCmd.AddCommand(benchCmd)
	bench := &testerCfg.Bench
	benchCmd.Flags().StringSliceVar(&bench.Classes, "classes", bench.Classes, "graph classes. chain, star, cycle, tree, clique, random")
	benchCmd.Flags().StringSliceVar(&bench.Solvers, "solvers", bench.Solvers, "solvers to compare")
	benchCmd.Flags().IntVar(&bench.MinRelations, "min", bench.MinRelations, "smallest graph")
	benchCmd.Flags().IntVar(&bench.MaxRelations, "max", bench.MaxRelations, "largest graph")
	benchCmd.Flags().IntVar(&bench.Parallel, "parallel", bench.Parallel, "solver runs in parallel")
	benchCmd.Flags().Int64Var(&bench.Seed, "seed", bench.Seed, "random seed of the generators")
	benchCmd.Flags().StringVar(&benchParquet, "parquet", "", "also save the rows to this parquet file")

	viper.BindPFlag("bench.classes", benchCmd.Flags().Lookup("classes"))
	viper.BindPFlag("bench.solvers", benchCmd.Flags().Lookup("solvers"))
	viper.BindPFlag("bench.minRelations", benchCmd.Flags().Lookup("min"))
	viper.BindPFlag("bench.maxRelations", benchCmd.Flags().Lookup("max"))
	viper.BindPFlag("bench.parallel", benchCmd.Flags().Lookup("parallel"))
	viper.BindPFlag("bench.seed", benchCmd.Flags().Lookup("seed"))
}

//explain cmd

var explainInfo = "optimize a query and print its plan"
var explainSQL string
var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: explainInfo,
	Long:  explainInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initOptimizerOptions(); err != nil {
			return err
		}
		root, err := parser.BuildQuery(explainSQL, &testerCfg.Catalog)
		if err != nil {
			return err
		}
		fmt.Println(root.String())
		opt := optimizer.NewOptimizer(testerCfg, plan.NewCatalogEstimator(&testerCfg.Catalog))
		stmt := optimizer.NewStatement(root)
		physical, err := opt.Optimize(stmt)
		if err != nil {
			return err
		}
		if testerCfg.Debug.PrintMemo {
			fmt.Println(stmt.Memo.String())
		}
		fmt.Println(physical.String())
		fmt.Printf("cost %.2f\n", stmt.Cost)
		return nil
	},
}

func initExplainCmd() {
	RootCmd.AddCommand(explainCmd)
	explainCmd.Flags().StringVar(&explainSQL, "sql", "", "query to optimize")
	explainCmd.Flags().Bool("use_join_solver", testerCfg.Optimizer.UseJoinSolver, "order join blocks with the solver instead of the join rules")
	explainCmd.Flags().Bool("print_memo", false, "print the memo")
	explainCmd.MarkFlagRequired("sql")

	viper.BindPFlag("optimizer.useJoinSolver", explainCmd.Flags().Lookup("use_join_solver"))
	viper.BindPFlag("debug.printMemo", explainCmd.Flags().Lookup("print_memo"))
}

//graph cmd

var graphInfo = "solve a join graph like T1*T2,T2*T3 with every solver"
var graphSpec string
var graphRows []int
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: graphInfo,
	Long:  graphInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initOptimizerOptions(); err != nil {
			return err
		}
		graph, err := joinorder.ParseGraph(graphSpec)
		if err != nil {
			return err
		}
		est := plan.NewMapEstimator()
		for i, rows := range graphRows {
			est.Rows[uint64(i)] = float64(rows)
		}
		fmt.Println(graph.String())
		opts := joinorder.OptionsFromConfig(&testerCfg.Optimizer, est)
		for _, name := range []string{util.SolverDPBushy, util.SolverDPccp, util.SolverTDBasic, util.SolverGOO} {
			res, err := joinorder.Solve(graph, name, opts)
			if err != nil {
				util.Error("solve failed", zap.String("solver", name), zap.Error(err))
				continue
			}
			fmt.Printf("%s: cost %.2f c1 %d c2 %d\n", res.Solver, res.Cost, res.Stats.C1, res.Stats.C2)
			fmt.Println(res.Tree.String())
		}
		return nil
	},
}

func initGraphCmd() {
	RootCmd.AddCommand(graphCmd)
	graphCmd.Flags().StringVar(&graphSpec, "spec", "", "join graph. T1*T2,T1*T3")
	graphCmd.Flags().IntSliceVar(&graphRows, "rows", nil, "rows of T1, T2, ... default 1000")
	graphCmd.MarkFlagRequired("spec")
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "optimizer.toml"

// loadConfig reads optimizer.toml into testerCfg and viper. Flags
// override the file.
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
			os.Exit(1)
		}
		viper.SetConfigFile(fpath)
		if err = viper.ReadInConfig(); err != nil {
			util.Error("viper load config file failed",
				zap.String("fpath", fpath),
				zap.Error(err))
			os.Exit(1)
		}
		testerCfg.Optimizer = cfg.Optimizer
		testerCfg.Catalog = cfg.Catalog
		return
	}
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
