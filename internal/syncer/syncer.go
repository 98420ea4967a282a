// Package syncer replays offline run logs against the remote service.
// Each log is read back in append order and driven through the same
// network sender a live run uses, so delivery order and finish
// semantics match the online pipeline exactly.
package syncer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/runtrail/runtrail/internal/api"
	"github.com/runtrail/runtrail/internal/filestream"
	"github.com/runtrail/runtrail/internal/observability"
	"github.com/runtrail/runtrail/internal/rterrors"
	"github.com/runtrail/runtrail/internal/sender"
	"github.com/runtrail/runtrail/internal/storage"
	"github.com/runtrail/runtrail/internal/upload"
	"github.com/runtrail/runtrail/internal/wal"
	"github.com/runtrail/runtrail/pkg/types"
)

// DefaultHeartbeatInterval spaces registry keep-alives during long
// replays.
const DefaultHeartbeatInterval = 30 * time.Second

// Config wires a Syncer.
type Config struct {
	// BaseURL is the service root records are replayed against.
	BaseURL string
	APIKey  string

	// Store receives files referenced by FileChange records. Nil
	// disables uploads.
	Store storage.ObjectStorage

	// Catalog remembers completed logs. Nil disables bookkeeping.
	Catalog *Catalog

	// DryRun reports what would be sent without any network traffic.
	DryRun bool

	// HeartbeatInterval spaces keep-alive calls while a replay runs.
	// Zero means the default.
	HeartbeatInterval time.Duration

	Stats  *observability.PipelineStats
	Logger *slog.Logger
}

// Result summarizes one log's replay.
type Result struct {
	WALPath       string
	RunID         string
	StorageID     string
	Records       int
	SkippedFrames int
	AlreadySynced bool

	// Err is set by SyncDir for logs that failed to replay.
	Err error
}

// Syncer replays run logs. Safe for sequential reuse across files; the
// per-file network session is built and torn down inside SyncFile.
type Syncer struct {
	cfg    Config
	stats  *observability.PipelineStats
	logger *slog.Logger
}

// New creates a Syncer.
func New(cfg Config) *Syncer {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Stats == nil {
		cfg.Stats = observability.NewPipelineStats()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Syncer{cfg: cfg, stats: cfg.Stats, logger: cfg.Logger}
}

// SyncFile replays one run log. The log is marked in the catalog only
// when every record was delivered, so a failed replay is retried by
// the next invocation.
func (s *Syncer) SyncFile(ctx context.Context, walPath string) (*Result, error) {
	if s.cfg.BaseURL == "" && !s.cfg.DryRun {
		return nil, rterrors.New(rterrors.CategoryValidation, rterrors.CodeInvalidSettings,
			"sync requires a service base URL")
	}

	if s.cfg.Catalog != nil && !s.cfg.DryRun {
		synced, err := s.cfg.Catalog.IsSynced(ctx, walPath)
		if err != nil {
			return nil, err
		}
		if synced {
			s.logger.Debug("run log already synced, skipping", "log", walPath)
			return &Result{WALPath: walPath, AlreadySynced: true}, nil
		}
	}

	records, skipped, err := wal.ReadAll(walPath)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryFatalLocal, rterrors.CodeLogOpenFailed,
			fmt.Sprintf("failed to read run log %s", walPath), err)
	}
	if skipped > 0 {
		s.logger.Warn("corrupt frames skipped during replay", "log", walPath, "skipped", skipped)
	}

	var runID string
	counts := make(map[types.RecordKind]int)
	for _, rec := range records {
		counts[rec.Kind()]++
		if runID == "" {
			if ru, ok := rec.Data.(types.RunUpdate); ok {
				runID = ru.RunID
			}
		}
	}
	if runID == "" {
		return nil, rterrors.New(rterrors.CategoryInternal, rterrors.CodeUnexpected,
			fmt.Sprintf("run log %s carries no run metadata", walPath))
	}

	res := &Result{
		WALPath:       walPath,
		RunID:         runID,
		Records:       len(records),
		SkippedFrames: skipped,
	}

	if s.cfg.DryRun {
		s.logger.Info("dry run: would replay run log",
			"log", walPath,
			"run_id", runID,
			"records", len(records),
			"history_rows", counts[types.KindHistoryEntry],
			"file_changes", counts[types.KindFileChange],
		)
		return res, nil
	}

	before := s.stats.Snapshot()
	run := s.replay(ctx, runID, records)
	after := s.stats.Snapshot()
	res.StorageID = run.StorageID

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if run.StorageID == "" {
		return res, rterrors.New(rterrors.CategoryNetwork, rterrors.CodeUpsertFailed,
			fmt.Sprintf("run %s was not registered during replay", runID))
	}
	failures := (after.SendFailures - before.SendFailures) + (after.UploadsFailed - before.UploadsFailed)
	if failures > 0 {
		return res, rterrors.New(rterrors.CategoryNetwork, rterrors.CodeStreamFailed,
			fmt.Sprintf("replay of %s completed with %d delivery failures", walPath, failures))
	}

	if s.cfg.Catalog != nil {
		if err := s.cfg.Catalog.MarkSynced(ctx, walPath, runID, run.StorageID, len(records)); err != nil {
			return res, err
		}
	}
	s.logger.Info("run log synced",
		"log", walPath,
		"run_id", runID,
		"storage_id", run.StorageID,
		"records", len(records),
	)
	return res, nil
}

// replay drives the records through a fresh sender session and returns
// the run entity as the service left it.
func (s *Syncer) replay(ctx context.Context, runID string, records []types.Record) *types.Run {
	run := &types.Run{RunID: runID, State: types.RunPending, StartTime: time.Now()}

	registry := api.New(api.Config{
		BaseURL: s.cfg.BaseURL,
		APIKey:  s.cfg.APIKey,
		Logger:  s.logger,
	})
	stream := filestream.New(filestream.Config{
		BaseURL: s.cfg.BaseURL,
		APIKey:  s.cfg.APIKey,
		RunID:   runID,
		Stats:   s.stats,
		Logger:  s.logger,
	})
	stream.Start()
	var uploads sender.UploadQueue = sender.OfflineUploads{}
	if s.cfg.Store != nil {
		q := upload.NewQueue(upload.Config{
			Store:  s.cfg.Store,
			RunID:  runID,
			Stats:  s.stats,
			Logger: s.logger,
		})
		q.Start()
		uploads = q
	}

	replies := make(chan types.Reply, 8)
	snd := sender.New(sender.Config{
		Run:      run,
		Registry: registry,
		Stream:   stream,
		Uploads:  uploads,
		Replies:  replies,
		Stats:    s.stats,
		Logger:   s.logger,
	})
	snd.Start()

	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go s.heartbeatLoop(ctx, registry, runID, hbStop, hbDone)

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		// Replayed records are fire-and-forget: nobody waits on the
		// reply channel here.
		rec.Control = types.Control{}
		snd.Deliver(rec)
	}
	snd.CloseAndWait()
	close(hbStop)
	<-hbDone
	return run
}

// heartbeatLoop tells the registry the run is alive while its records
// are still in flight.
func (s *Syncer) heartbeatLoop(ctx context.Context, registry *api.Client, runID string, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registry.Heartbeat(ctx, runID); err != nil {
				s.logger.Debug("sync heartbeat failed", "run_id", runID, "error", err)
			}
		}
	}
}

// SyncDir replays every .wal file found under root, in path order.
// Per-file failures are collected on the results, not returned, so one
// bad log does not block the rest.
func (s *Syncer) SyncDir(ctx context.Context, root string) ([]*Result, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".wal" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInternal, rterrors.CodeDirectoryUnavailable,
			fmt.Sprintf("failed to scan %s for run logs", root), err)
	}
	sort.Strings(paths)

	var results []*Result
	for _, path := range paths {
		res, err := s.SyncFile(ctx, path)
		if err != nil {
			s.logger.Warn("run log sync failed", "log", path, "error", err)
			if res == nil {
				res = &Result{WALPath: path}
			}
			res.Err = err
		}
		results = append(results, res)
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}
