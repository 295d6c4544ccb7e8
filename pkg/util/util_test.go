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

package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	fpath := filepath.Join(dir, "optimizer.toml")
	err := os.WriteFile(fpath, []byte(`
[optimizer]
joinSolver = "goo"
enableMergeJoin = false

[[catalog.tables]]
name = "orders"
rows = 1500
columns = ["o_orderkey", "o_custkey"]
sortedBy = "o_orderkey"

[bench]
classes = ["star"]
`), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(fpath)
	require.NoError(t, err)
	assert.Equal(t, SolverGOO, cfg.Optimizer.JoinSolver)
	assert.False(t, cfg.Optimizer.EnableMergeJoin)
	//untouched keys keep the defaults
	assert.True(t, cfg.Optimizer.EnableHashJoin)
	assert.Equal(t, 16, cfg.Optimizer.MaxExhaustiveRelations)
	assert.Equal(t, []string{"star"}, cfg.Bench.Classes)
	assert.Equal(t, 10, cfg.Bench.MaxRelations)

	orders := cfg.Catalog.FindTable("orders")
	require.NotNil(t, orders)
	assert.Equal(t, 1500.0, orders.Rows)
	assert.Equal(t, "o_orderkey", orders.SortedBy)
	assert.Len(t, orders.Columns, 2)
	assert.Nil(t, cfg.Catalog.FindTable("lineitem"))

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[optimizer]\njoinSolver = \"greedy\"\n"), 0644))
	_, err = LoadConfig(bad)
	assert.ErrorContains(t, err, "greedy")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Optimizer.MaxExhaustiveRelations = 63
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Optimizer.EnableHashJoin = false
	cfg.Optimizer.EnableNLJoin = false
	assert.Error(t, cfg.Validate())
}

func TestLogger(t *testing.T) {
	old := Logger()
	defer SetLogger(old)

	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))
	Debug("hidden")
	Info("shown", zap.Int("groups", 3))
	Warn("warned")
	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "shown", entry.Message)
	assert.Equal(t, int64(3), entry.ContextMap()["groups"])

	SetLogger(nil)
	assert.NotNil(t, Logger())
}

func TestStl(t *testing.T) {
	data := []int{1, 2, 3}
	assert.Equal(t, 3, Back(data))
	assert.False(t, Empty(data))
	assert.True(t, Empty([]int(nil)))
	assert.Equal(t, 1, FindIf(data, func(i int) bool { return i == 2 }))
	assert.Equal(t, -1, FindIf(data, func(i int) bool { return i == 5 }))

	cp := CopyTo(data)
	Swap(cp, 0, 2)
	Swap(cp, 0, 9)
	assert.Equal(t, []int{3, 2, 1}, cp)
	assert.Equal(t, []int{1, 2, 3}, data)
	assert.Panics(t, func() { Back([]int{}) })
}
