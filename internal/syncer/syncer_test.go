package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runtrail/runtrail/internal/observability"
	"github.com/runtrail/runtrail/internal/rterrors"
	"github.com/runtrail/runtrail/internal/wal"
	"github.com/runtrail/runtrail/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeService is an in-memory tracking service: registry upserts,
// heartbeats and filestream pushes land here.
type fakeService struct {
	mu         sync.Mutex
	upserts    int
	heartbeats int
	lines      map[string][]string
	complete   bool
	exitCode   int32

	storageID    string
	upsertStatus int
	upsertDelay  time.Duration
}

func newFakeService() *fakeService {
	return &fakeService{storageID: "stor-9", lines: make(map[string][]string)}
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/runs/upsert", func(w http.ResponseWriter, r *http.Request) {
		if f.upsertDelay > 0 {
			time.Sleep(f.upsertDelay)
		}
		f.mu.Lock()
		f.upserts++
		status := f.upsertStatus
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"code":"REJECTED","message":"run rejected"}}`)
			return
		}
		fmt.Fprintf(w, `{"run":{"storage_id":"%s"}}`, f.storageID)
	})
	mux.HandleFunc("/runs/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.heartbeats++
		f.mu.Unlock()
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/runs/", func(w http.ResponseWriter, r *http.Request) {
		var p struct {
			Files map[string]struct {
				Offset  int      `json:"offset"`
				Content []string `json:"content"`
			} `json:"files"`
			Complete *bool  `json:"complete"`
			ExitCode *int32 `json:"exitcode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		for name, chunk := range p.Files {
			f.lines[name] = append(f.lines[name], chunk.Content...)
		}
		if p.Complete != nil && *p.Complete {
			f.complete = true
		}
		if p.ExitCode != nil {
			f.exitCode = *p.ExitCode
		}
		f.mu.Unlock()
		fmt.Fprint(w, `{}`)
	})
	return mux
}

func (f *fakeService) fileLines(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines[name]...)
}

func writeRunWAL(t *testing.T, path string, recs ...types.Record) {
	t.Helper()
	log, err := wal.Open(path, time.Hour)
	require.NoError(t, err)
	for _, rec := range recs {
		_, err := log.Append(rec)
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())
}

func offlineRunRecords() []types.Record {
	return []types.Record{
		{Data: types.RunUpdate{RunID: "run-1", Project: "demo", Config: map[string]any{"lr": 0.01}}},
		{Data: types.ConfigUpdate{RunID: "run-1", Delta: map[string]any{"epochs": int64(3)}}},
		{Data: types.HistoryEntry{Values: map[string]any{"a": 1.0, "_step": int64(0)}}},
		{Data: types.HistoryEntry{Values: map[string]any{"a": 2.0, "_step": int64(1)}}},
		{Data: types.OutputLine{Stream: types.StreamStdout, Text: "done\n", At: time.Unix(120, 0)}},
		{Data: types.RunExit{ExitCode: 3}},
	}
}

func newTestSyncer(t *testing.T, baseURL string, mutate func(*Config)) (*Syncer, *Catalog) {
	t.Helper()
	catalog, err := NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	cfg := Config{
		BaseURL:           baseURL,
		Catalog:           catalog,
		HeartbeatInterval: time.Hour,
		Stats:             observability.NewPipelineStats(),
		Logger:            testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), catalog
}

func TestSyncFileReplaysAndMarks(t *testing.T) {
	svc := newFakeService()
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	walPath := filepath.Join(t.TempDir(), "run.wal")
	writeRunWAL(t, walPath, offlineRunRecords()...)

	s, catalog := newTestSyncer(t, srv.URL, nil)
	res, err := s.SyncFile(context.Background(), walPath)
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "stor-9", res.StorageID)
	assert.Equal(t, 6, res.Records)
	assert.False(t, res.AlreadySynced)

	// RunUpdate and ConfigUpdate each upsert.
	assert.Equal(t, 2, svc.upserts)

	history := svc.fileLines("history.jsonl")
	require.Len(t, history, 2)
	assert.Contains(t, history[0], `"a":1`)
	assert.Contains(t, history[0], `"_step":0`)
	assert.Contains(t, history[1], `"a":2`)
	assert.Contains(t, history[1], `"_step":1`)

	output := svc.fileLines("output.log")
	require.Len(t, output, 1)
	assert.Contains(t, output[0], "done")

	assert.True(t, svc.complete)
	assert.Equal(t, int32(3), svc.exitCode)

	synced, err := catalog.IsSynced(context.Background(), walPath)
	require.NoError(t, err)
	assert.True(t, synced)

	// A second invocation skips the file entirely.
	res, err = s.SyncFile(context.Background(), walPath)
	require.NoError(t, err)
	assert.True(t, res.AlreadySynced)
	assert.Equal(t, 2, svc.upserts)
}

func TestSyncFileDryRun(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "run.wal")
	writeRunWAL(t, walPath, offlineRunRecords()...)

	s, catalog := newTestSyncer(t, "", func(cfg *Config) {
		cfg.DryRun = true
	})
	res, err := s.SyncFile(context.Background(), walPath)
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 6, res.Records)
	assert.Empty(t, res.StorageID)

	synced, err := catalog.IsSynced(context.Background(), walPath)
	require.NoError(t, err)
	assert.False(t, synced)
}

func TestSyncFileRejectedRunNotMarked(t *testing.T) {
	svc := newFakeService()
	svc.upsertStatus = http.StatusUnprocessableEntity
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	walPath := filepath.Join(t.TempDir(), "run.wal")
	writeRunWAL(t, walPath, offlineRunRecords()...)

	s, catalog := newTestSyncer(t, srv.URL, nil)
	res, err := s.SyncFile(context.Background(), walPath)
	require.Error(t, err)
	assert.Equal(t, rterrors.CategoryNetwork, rterrors.GetCategory(err))
	assert.Empty(t, res.StorageID)

	synced, err := catalog.IsSynced(context.Background(), walPath)
	require.NoError(t, err)
	assert.False(t, synced)
}

func TestSyncFileWithoutRunMetadata(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "run.wal")
	writeRunWAL(t, walPath, types.Record{
		Data: types.HistoryEntry{Values: map[string]any{"a": 1.0}},
	})

	s, _ := newTestSyncer(t, "http://localhost:1", nil)
	_, err := s.SyncFile(context.Background(), walPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no run metadata")
}

func TestSyncFileMissingLog(t *testing.T) {
	s, _ := newTestSyncer(t, "http://localhost:1", nil)
	_, err := s.SyncFile(context.Background(), filepath.Join(t.TempDir(), "gone.wal"))
	require.Error(t, err)
	assert.True(t, rterrors.IsFatalLocal(err))
}

func TestHeartbeatDuringReplay(t *testing.T) {
	svc := newFakeService()
	svc.upsertDelay = 200 * time.Millisecond
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	walPath := filepath.Join(t.TempDir(), "run.wal")
	writeRunWAL(t, walPath,
		types.Record{Data: types.RunUpdate{RunID: "run-1"}},
		types.Record{Data: types.RunExit{ExitCode: 0}},
	)

	s, _ := newTestSyncer(t, srv.URL, func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})
	_, err := s.SyncFile(context.Background(), walPath)
	require.NoError(t, err)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.GreaterOrEqual(t, svc.heartbeats, 1)
}

func TestSyncDirCollectsResults(t *testing.T) {
	svc := newFakeService()
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "run-a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "run-b"), 0o755))
	writeRunWAL(t, filepath.Join(root, "run-a", "run.wal"), offlineRunRecords()...)
	// No run metadata: this one fails, the other still syncs.
	writeRunWAL(t, filepath.Join(root, "run-b", "run.wal"), types.Record{
		Data: types.HistoryEntry{Values: map[string]any{"a": 1.0}},
	})

	s, _ := newTestSyncer(t, srv.URL, nil)
	results, err := s.SyncDir(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, "stor-9", results[0].StorageID)
	assert.Error(t, results[1].Err)
}
