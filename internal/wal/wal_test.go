package wal

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/runtrail/runtrail/internal/observability"
	"github.com/runtrail/runtrail/internal/rterrors"
	"github.com/runtrail/runtrail/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLog_AppendAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	log, err := Open(path, DefaultSyncInterval)
	assert.NoError(t, err)

	records := []types.Record{
		{Control: types.Control{NeedsResponse: true, RequestID: 1},
			Data: types.RunUpdate{RunID: "r1", Project: "demo", Config: map[string]any{"lr": 0.1}}},
		{Data: types.HistoryEntry{Values: map[string]any{"_step": int64(0), "a": int64(1)}}},
		{Data: types.HistoryEntry{Values: map[string]any{"_step": int64(1), "a": int64(2)}}},
		{Data: types.RunExit{ExitCode: 0}},
	}
	for _, rec := range records {
		n, err := log.Append(rec)
		assert.NoError(t, err)
		assert.Greater(t, n, 0)
	}
	assert.NoError(t, log.Close())

	got, skipped, err := ReadAll(path)
	assert.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Len(t, got, len(records))

	// Arrival order is preserved.
	assert.Equal(t, types.KindRunUpdate, got[0].Kind())
	assert.Equal(t, uint64(1), got[0].Control.RequestID)
	assert.Equal(t, types.KindHistoryEntry, got[1].Kind())
	assert.Equal(t, types.KindHistoryEntry, got[2].Kind())
	assert.Equal(t, types.KindRunExit, got[3].Kind())

	step, ok := got[1].Data.(types.HistoryEntry).Step()
	assert.True(t, ok)
	assert.Equal(t, int64(0), step)
}

func TestLog_ReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	log, err := Open(path, DefaultSyncInterval)
	assert.NoError(t, err)
	_, err = log.Append(types.Record{Data: types.RunExit{ExitCode: 1}})
	assert.NoError(t, err)
	assert.NoError(t, log.Close())

	log, err = Open(path, DefaultSyncInterval)
	assert.NoError(t, err)
	_, err = log.Append(types.Record{Data: types.RunExit{ExitCode: 2}})
	assert.NoError(t, err)
	assert.NoError(t, log.Close())

	got, _, err := ReadAll(path)
	assert.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int32(1), got[0].Data.(types.RunExit).ExitCode)
	assert.Equal(t, int32(2), got[1].Data.(types.RunExit).ExitCode)
}

func TestLog_TruncatedTailStopsCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	log, err := Open(path, DefaultSyncInterval)
	assert.NoError(t, err)
	_, err = log.Append(types.Record{Data: types.HistoryEntry{Values: map[string]any{"_step": int64(0)}}})
	assert.NoError(t, err)
	_, err = log.Append(types.Record{Data: types.HistoryEntry{Values: map[string]any{"_step": int64(1)}}})
	assert.NoError(t, err)
	assert.NoError(t, log.Close())

	// Tear the final frame the way a crash mid-append would.
	stat, err := os.Stat(path)
	assert.NoError(t, err)
	assert.NoError(t, os.Truncate(path, stat.Size()-5))

	got, skipped, err := ReadAll(path)
	assert.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Len(t, got, 1)
}

func TestLog_CorruptFrameIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	log, err := Open(path, DefaultSyncInterval)
	assert.NoError(t, err)
	_, err = log.Append(types.Record{Data: types.OutputLine{Stream: types.StreamStdout, Text: "epoch 1 done, metrics look stable\n", At: time.Now()}})
	assert.NoError(t, err)
	_, err = log.Append(types.Record{Data: types.RunExit{ExitCode: 0}})
	assert.NoError(t, err)
	assert.NoError(t, log.Close())

	// Flip a payload byte inside the first frame.
	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	data[frameDataStart()+4] ^= 0xFF
	assert.NoError(t, os.WriteFile(path, data, 0o644))

	got, skipped, err := ReadAll(path)
	assert.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Len(t, got, 1)
	assert.Equal(t, types.KindRunExit, got[0].Kind())
}

// frameDataStart returns the offset of the first frame's payload:
// the 5-byte file header plus the 9-byte frame header.
func frameDataStart() int {
	return 5 + 9
}

func TestLog_OpenFailureIsFatalLocal(t *testing.T) {
	dir := t.TempDir()
	// A directory at the log path makes the open fail.
	path := filepath.Join(dir, FileName)
	assert.NoError(t, os.Mkdir(path, 0o755))

	_, err := Open(path, DefaultSyncInterval)
	assert.Error(t, err)
	assert.True(t, rterrors.IsFatalLocal(err))
}

func TestLog_AppendAfterCloseLatchesFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	log, err := Open(path, DefaultSyncInterval)
	assert.NoError(t, err)
	assert.NoError(t, log.Close())

	_, err = log.Append(types.Record{Data: types.RunExit{ExitCode: 0}})
	assert.Error(t, err)
	assert.True(t, rterrors.IsFatalLocal(err))

	// The failure is latched: the same error comes back again.
	_, err2 := log.Append(types.Record{Data: types.RunExit{ExitCode: 0}})
	assert.Equal(t, err, err2)
	assert.Error(t, log.Err())
}

func TestWriter_AppendsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	log, err := Open(path, DefaultSyncInterval)
	assert.NoError(t, err)

	writer := NewWriter(log, 8, observability.NewPipelineStats(), testLogger())
	writer.Start()

	for step := int64(0); step < 5; step++ {
		err := writer.Append(types.Record{Data: types.HistoryEntry{
			Values: map[string]any{"_step": step},
		}})
		assert.NoError(t, err)
	}
	writer.Stop()
	assert.NoError(t, log.Close())

	got, _, err := ReadAll(path)
	assert.NoError(t, err)
	assert.Len(t, got, 5)
	for i, rec := range got {
		step, ok := rec.Data.(types.HistoryEntry).Step()
		assert.True(t, ok)
		assert.Equal(t, int64(i), step)
	}
}

func TestWriter_SurfacesFatalToCaller(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	log, err := Open(path, DefaultSyncInterval)
	assert.NoError(t, err)
	assert.NoError(t, log.Close()) // next append fails

	writer := NewWriter(log, 8, nil, testLogger())
	writer.Start()
	defer writer.Stop()

	err = writer.Append(types.Record{Data: types.RunExit{ExitCode: 0}})
	assert.True(t, rterrors.IsFatalLocal(err))
}

func TestWriter_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	log, err := Open(path, DefaultSyncInterval)
	assert.NoError(t, err)
	defer log.Close()

	writer := NewWriter(log, 8, nil, testLogger())
	writer.Start()
	writer.Stop()
	writer.Stop()
}
