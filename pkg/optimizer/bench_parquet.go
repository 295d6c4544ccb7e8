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

package optimizer

import (
	"time"

	"github.com/pingcap/errors"
	pqLocal "github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	pqReader "github.com/xitongsys/parquet-go/reader"
	pqWriter "github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"github.com/daviszhen/optimizer/pkg/joinorder"
	"github.com/daviszhen/optimizer/pkg/util"
)

// benchRecord is the parquet layout of a BenchRow.
type benchRecord struct {
	Class     string  `parquet:"name=class, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Relations int32   `parquet:"name=relations, type=INT32"`
	Solver    string  `parquet:"name=solver, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Cost      float64 `parquet:"name=cost, type=DOUBLE"`
	C1        int64   `parquet:"name=c1, type=INT64"`
	C2        int64   `parquet:"name=c2, type=INT64"`
	ElapsedUs int64   `parquet:"name=elapsed_us, type=INT64"`
}

// WriteBenchmarkParquet stores the rows in a parquet file, one row group.
func WriteBenchmarkParquet(fpath string, rows []BenchRow) (err error) {
	fw, err := pqLocal.NewLocalFileWriter(fpath)
	if err != nil {
		return errors.Annotatef(err, "create %s", fpath)
	}
	defer func() {
		if cerr := fw.Close(); err == nil && cerr != nil {
			err = errors.Trace(cerr)
		}
	}()
	pw, err := pqWriter.NewParquetWriter(fw, new(benchRecord), 1)
	if err != nil {
		return errors.Trace(err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		rec := benchRecord{
			Class:     string(row.Class),
			Relations: int32(row.Relations),
			Solver:    row.Solver,
			Cost:      row.Cost,
			C1:        int64(row.Stats.C1),
			C2:        int64(row.Stats.C2),
			ElapsedUs: row.Elapsed.Microseconds(),
		}
		if err = pw.Write(rec); err != nil {
			return errors.Trace(err)
		}
	}
	if err = pw.WriteStop(); err != nil {
		return errors.Trace(err)
	}
	util.Info("benchmark saved",
		zap.String("fpath", fpath),
		zap.Int("rows", len(rows)))
	return nil
}

// ReadBenchmarkParquet loads rows saved by WriteBenchmarkParquet.
// Elapsed is kept with microsecond precision.
func ReadBenchmarkParquet(fpath string) ([]BenchRow, error) {
	fr, err := pqLocal.NewLocalFileReader(fpath)
	if err != nil {
		return nil, errors.Annotatef(err, "open %s", fpath)
	}
	defer fr.Close()
	pr, err := pqReader.NewParquetReader(fr, new(benchRecord), 1)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer pr.ReadStop()
	recs := make([]benchRecord, pr.GetNumRows())
	if err = pr.Read(&recs); err != nil {
		return nil, errors.Trace(err)
	}
	rows := make([]BenchRow, len(recs))
	for i, rec := range recs {
		rows[i] = BenchRow{
			Class:     joinorder.GraphClass(rec.Class),
			Relations: int(rec.Relations),
			Solver:    rec.Solver,
			Cost:      rec.Cost,
			Stats:     joinorder.Stats{C1: uint64(rec.C1), C2: uint64(rec.C2)},
			Elapsed:   time.Duration(rec.ElapsedUs) * time.Microsecond,
		}
	}
	return rows, nil
}
