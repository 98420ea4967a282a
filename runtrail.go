// Package runtrail records experiment runs. Metrics, configuration,
// console output and changed files are captured as records, appended
// to a local durable log, and delivered to the tracking service in the
// background. Offline runs skip delivery; the runtrail-sync tool
// replays their logs later.
//
// A minimal run:
//
//	run, err := runtrail.Init(&runtrail.Settings{Project: "demo"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	run.Log(map[string]any{"loss": 0.7})
//	run.Finish()
package runtrail

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/runtrail/runtrail/internal/backend"
	"github.com/runtrail/runtrail/internal/observability"
	"github.com/runtrail/runtrail/internal/rterrors"
	"github.com/runtrail/runtrail/internal/storage"
	"github.com/runtrail/runtrail/pkg/types"
)

// Init resolves settings, starts the capture pipeline and registers
// the run with the service (acknowledged locally for offline runs).
// The returned Run must be finished with Finish.
func Init(settings *Settings) (*Run, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	settings.Resolve()
	if err := settings.Validate(); err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeInvalidSettings,
			"invalid run settings", err)
	}
	if err := settings.EnsureDirectories(); err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryFatalLocal, rterrors.CodeDirectoryUnavailable,
			"failed to prepare run directory", err)
	}

	logger := settings.Logger
	var logFile *os.File
	if logger == nil {
		f, err := os.OpenFile(settings.DebugLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, rterrors.Wrap(rterrors.CategoryFatalLocal, rterrors.CodeDirectoryUnavailable,
				"failed to open debug log", err)
		}
		logFile = f
		logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	online := !settings.Offline && settings.BaseURL != ""
	var store storage.ObjectStorage
	if online {
		st, err := newStore(settings)
		if err != nil {
			closeQuietly(logFile)
			return nil, rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeInvalidSettings,
				"failed to initialize file storage", err)
		}
		store = st
	}

	b := backend.New(backend.Config{
		Run: &types.Run{
			RunID:     settings.RunID,
			Project:   settings.Project,
			Entity:    settings.Entity,
			State:     types.RunPending,
			StartTime: settings.StartTime,
		},
		WALPath:      settings.WALPath(),
		SyncInterval: settings.SyncInterval,
		Offline:      settings.Offline,
		BaseURL:      settings.BaseURL,
		APIKey:       settings.APIKey,
		Store:        store,
		RecordCap:    settings.RecordQueueCap,
		Stats:        observability.NewPipelineStats(),
		Logger:       logger,
	})
	if err := b.EnsureLaunched(); err != nil {
		closeQuietly(logFile)
		return nil, err
	}

	// The initial upsert carries the run configuration plus host
	// metadata; a follow-up delta makes the config its own durable
	// record so sync can replay it without the upsert.
	cfg := make(map[string]any, len(settings.Config)+2)
	for k, v := range settings.Config {
		cfg[k] = v
	}
	cfg["_host"] = settings.Hostname
	cfg["_startedAt"] = settings.StartTime.UTC().Format(time.RFC3339)

	res, err := b.SendAndWait(types.Record{Data: types.RunUpdate{
		RunID:       settings.RunID,
		DisplayName: settings.DisplayName,
		Project:     settings.Project,
		Entity:      settings.Entity,
		Config:      cfg,
	}}, settings.ReplyTimeout)
	if err != nil {
		b.Shutdown()
		closeQuietly(logFile)
		return nil, err
	}
	b.Send(types.Record{Data: types.ConfigUpdate{RunID: settings.RunID, Delta: cfg}})

	logger.Info("run initialized",
		"run_id", settings.RunID,
		"storage_id", res.StorageID,
		"dir", settings.RunDir,
		"offline", !online,
	)

	return &Run{
		settings: settings,
		backend:  b,
		logger:   logger,
		logFile:  logFile,
		runID:    settings.RunID,
		state:    types.RunActive,
		result:   res,
	}, nil
}

func newStore(s *Settings) (storage.ObjectStorage, error) {
	switch s.Storage.Type {
	case "s3":
		store, err := storage.NewS3Storage(context.Background(), s.Storage.S3.Bucket, storage.S3Config{
			Region:       s.Storage.S3.Region,
			Endpoint:     s.Storage.S3.Endpoint,
			UsePathStyle: s.Storage.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := storage.NewLocalStorage(s.Storage.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func closeQuietly(f *os.File) {
	if f != nil {
		f.Close()
	}
}
