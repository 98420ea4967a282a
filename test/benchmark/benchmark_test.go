// Package benchmark provides performance benchmarks for the runtrail
// capture pipeline.
package benchmark

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runtrail/runtrail"
	"github.com/runtrail/runtrail/internal/frame"
	"github.com/runtrail/runtrail/internal/storage"
	"github.com/runtrail/runtrail/internal/wal"
	"github.com/runtrail/runtrail/pkg/types"
)

// BenchmarkRecordCodec measures record encode/decode round-trips.
// Every captured record pays this cost once on append and once on
// replay.
func BenchmarkRecordCodec(b *testing.B) {
	rec := sampleHistoryRecord(42)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		data, err := types.EncodeRecord(rec)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := types.DecodeRecord(data); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkLogAppend measures run log append throughput. Appends are
// synchronous on the dispatch path, so this bounds how fast a run can
// emit records.
func BenchmarkLogAppend(b *testing.B) {
	tmpDir, err := os.MkdirTemp("", "runtrail-bench-wal-*")
	if err != nil {
		b.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	log, err := wal.Open(filepath.Join(tmpDir, "run.wal"), wal.DefaultSyncInterval)
	if err != nil {
		b.Fatal(err)
	}
	defer log.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := log.Append(sampleHistoryRecord(int64(i))); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "records/sec")
}

// BenchmarkOfflineLogging measures end-to-end offline logging: the
// public Log call through the dispatcher into the run log.
func BenchmarkOfflineLogging(b *testing.B) {
	tmpDir, err := os.MkdirTemp("", "runtrail-bench-run-*")
	if err != nil {
		b.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	run, err := runtrail.Init(&runtrail.Settings{
		RunID:   "bench",
		Project: "bench",
		Dir:     tmpDir,
		Offline: true,
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := run.Log(map[string]any{
			"loss":     rand.Float64(),
			"accuracy": rand.Float64(),
			"lr":       0.001,
		}); err != nil {
			b.Fatal(err)
		}
	}

	b.StopTimer()
	if err := run.Finish(); err != nil {
		b.Fatal(err)
	}
	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "rows/sec")
}

// BenchmarkFrameWrite measures the framing layer in isolation: length
// prefix, checksum and payload write.
func BenchmarkFrameWrite(b *testing.B) {
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	buf.Grow(1024)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		buf.Reset()
		if _, err := frame.Write(&buf, payload); err != nil {
			b.Fatal(err)
		}
	}

	b.SetBytes(int64(len(payload)))
}

// BenchmarkLocalStorageUpload measures artifact upload throughput to
// local object storage with 1MB files.
func BenchmarkLocalStorageUpload(b *testing.B) {
	tmpDir, err := os.MkdirTemp("", "runtrail-bench-storage-*")
	if err != nil {
		b.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := storage.NewLocalStorage(filepath.Join(tmpDir, "objects"))
	if err != nil {
		b.Fatal(err)
	}

	testFile := filepath.Join(tmpDir, "artifact.dat")
	testData := make([]byte, 1024*1024)
	for i := range testData {
		testData[i] = byte(i % 256)
	}
	if err := os.WriteFile(testFile, testData, 0o644); err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		objectPath := fmt.Sprintf("runs/bench/files/artifact_%d.dat", i)
		if _, err := store.Upload(ctx, testFile, objectPath); err != nil {
			b.Fatal(err)
		}
	}

	b.SetBytes(int64(len(testData)))
}

// sampleHistoryRecord builds a history record with a realistic mix of
// reserved keys and metrics.
func sampleHistoryRecord(step int64) types.Record {
	now := time.Now()
	return types.Record{
		Data: types.HistoryEntry{
			Values: map[string]any{
				"_step":      step,
				"_timestamp": float64(now.UnixNano()) / 1e9,
				"_runtime":   float64(step) * 0.25,
				"loss":       1.0 / float64(step+1),
				"accuracy":   0.5 + float64(step%100)/200,
				"lr":         0.001,
				"epoch":      step / 100,
				"grad_norm":  2.718,
			},
		},
	}
}
