// Package backend is the producer-side handle on the capture pipeline.
// It launches the worker goroutines (dispatcher, durable-log writer,
// network sender) behind the four-channel boundary and exposes the
// send, request/reply, and shutdown operations the run facade uses.
package backend

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runtrail/runtrail/internal/api"
	"github.com/runtrail/runtrail/internal/dispatch"
	"github.com/runtrail/runtrail/internal/filestream"
	"github.com/runtrail/runtrail/internal/observability"
	"github.com/runtrail/runtrail/internal/rterrors"
	"github.com/runtrail/runtrail/internal/sender"
	"github.com/runtrail/runtrail/internal/storage"
	"github.com/runtrail/runtrail/internal/upload"
	"github.com/runtrail/runtrail/internal/wal"
	"github.com/runtrail/runtrail/pkg/types"
)

// DefaultReplyTimeout bounds SendAndWait when the caller passes no
// deadline of its own.
const DefaultReplyTimeout = 30 * time.Second

// Config wires a Backend. Run and WALPath must be set; an empty
// BaseURL (or Offline) keeps every record local to the durable log.
type Config struct {
	Run *types.Run

	// WALPath is the run's durable log file.
	WALPath      string
	SyncInterval time.Duration

	// Offline forces the no-op network collaborators even when a
	// BaseURL is configured.
	Offline bool

	BaseURL string
	APIKey  string

	// Store receives changed files. Nil disables uploads.
	Store storage.ObjectStorage

	// RecordCap and RequestCap size the two producer-facing queues.
	RecordCap  int
	RequestCap int

	Stats  *observability.PipelineStats
	Logger *slog.Logger
}

// Backend supervises one run's worker pipeline. EnsureLaunched is
// idempotent, SendAndWait admits one outstanding request at a time,
// and Shutdown drains everything exactly once. Safe for concurrent
// use.
type Backend struct {
	cfg    Config
	stats  *observability.PipelineStats
	logger *slog.Logger

	mu       sync.Mutex
	queues   *dispatch.Queues
	disp     *dispatch.Dispatcher
	log      *wal.Log
	latch    *rterrors.Latch
	launched atomic.Bool
	closed   atomic.Bool

	// reqMu serializes SendAndWait: one outstanding request per
	// backend, so a late reply can only belong to an abandoned call.
	reqMu     sync.Mutex
	nextReqID atomic.Uint64
}

// New creates an unlaunched Backend.
func New(cfg Config) *Backend {
	if cfg.Stats == nil {
		cfg.Stats = observability.NewPipelineStats()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Backend{
		cfg:    cfg,
		stats:  cfg.Stats,
		logger: cfg.Logger,
		latch:  &rterrors.Latch{},
	}
}

// EnsureLaunched opens the durable log and starts the worker
// goroutines. Later calls are no-ops. A failed launch is fatal: the
// pipeline cannot guarantee crash-safety without its log.
func (b *Backend) EnsureLaunched() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return rterrors.New(rterrors.CategoryFatalLocal, rterrors.CodePipelineClosed,
			"pipeline already shut down")
	}
	if b.launched.Load() {
		return nil
	}

	log, err := wal.Open(b.cfg.WALPath, b.cfg.SyncInterval)
	if err != nil {
		b.latch.Set(err)
		return err
	}
	b.log = log

	writer := wal.NewWriter(log, b.cfg.RecordCap, b.stats, b.logger)
	writer.Start()

	registry, stream, uploads := b.collaborators()
	b.queues = dispatch.NewQueues(b.cfg.RecordCap, b.cfg.RequestCap)

	snd := sender.New(sender.Config{
		Run:      b.cfg.Run,
		Registry: registry,
		Stream:   stream,
		Uploads:  uploads,
		Replies:  b.queues.Replies,
		Stats:    b.stats,
		Logger:   b.logger,
	})
	snd.Start()

	b.disp = dispatch.New(dispatch.Config{
		Queues: b.queues,
		Log:    writer,
		Sender: snd,
		Latch:  b.latch,
		Stats:  b.stats,
		Logger: b.logger,
	})
	b.disp.Start()

	b.launched.Store(true)
	b.logger.Debug("pipeline launched",
		"run_id", b.cfg.Run.RunID,
		"log", b.cfg.WALPath,
		"offline", b.offline(),
	)
	return nil
}

func (b *Backend) offline() bool {
	return b.cfg.Offline || b.cfg.BaseURL == ""
}

// collaborators builds the sender's network side. Offline runs get
// no-ops: the durable log already has every record and a later sync
// replays it.
func (b *Backend) collaborators() (sender.Registry, sender.Stream, sender.UploadQueue) {
	if b.offline() {
		return sender.OfflineRegistry{}, sender.OfflineStream{}, sender.OfflineUploads{}
	}

	registry := api.New(api.Config{
		BaseURL: b.cfg.BaseURL,
		APIKey:  b.cfg.APIKey,
		Logger:  b.logger,
	})

	stream := filestream.New(filestream.Config{
		BaseURL: b.cfg.BaseURL,
		APIKey:  b.cfg.APIKey,
		RunID:   b.cfg.Run.RunID,
		Stats:   b.stats,
		Logger:  b.logger,
	})
	stream.Start()

	var uploads sender.UploadQueue = sender.OfflineUploads{}
	if b.cfg.Store != nil {
		q := upload.NewQueue(upload.Config{
			Store:  b.cfg.Store,
			RunID:  b.cfg.Run.RunID,
			Stats:  b.stats,
			Logger: b.logger,
		})
		q.Start()
		uploads = q
	}
	return registry, stream, uploads
}

// Send enqueues one fire-and-forget record and wakes the dispatcher.
// Best-effort by contract: there is no delivery confirmation, and a
// record racing Shutdown may be dropped.
func (b *Backend) Send(rec types.Record) {
	if !b.launched.Load() || b.closed.Load() {
		b.stats.RecordDroppedRecord()
		return
	}
	b.queues.Records <- rec
	b.queues.Notify <- dispatch.SignalRecord
}

// SendAndWait enqueues a request record and blocks for its reply, up
// to timeout (DefaultReplyTimeout when zero). On timeout the eventual
// reply is discarded by request ID, so a slow worker cannot corrupt a
// later call. A latched fatal error short-circuits before anything is
// enqueued.
func (b *Backend) SendAndWait(rec types.Record, timeout time.Duration) (*types.RunResult, error) {
	if err := b.latch.Err(); err != nil {
		return nil, err
	}
	if !b.launched.Load() || b.closed.Load() {
		return nil, rterrors.New(rterrors.CategoryFatalLocal, rterrors.CodePipelineClosed,
			"pipeline not running")
	}
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}

	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	id := b.nextReqID.Add(1)
	rec.Control.NeedsResponse = true
	rec.Control.RequestID = id

	b.queues.Requests <- rec
	b.queues.Notify <- dispatch.SignalRequest

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case reply := <-b.queues.Replies:
			if reply.RequestID != id {
				// A reply to an abandoned earlier request.
				continue
			}
			if reply.Err != "" {
				if fatal := b.latch.Err(); fatal != nil {
					return nil, fatal
				}
				return nil, rterrors.New(rterrors.CategoryNetwork, rterrors.CodeUpsertFailed, reply.Err)
			}
			return reply.Run, nil
		case <-timer.C:
			return nil, rterrors.NewTimeout(
				fmt.Sprintf("no reply to %s within %s", rec.Kind(), timeout))
		}
	}
}

// Shutdown signals the dispatcher, waits for the drain and the ordered
// collaborator finish, then closes the durable log. Only the first
// call does the work; every call reports the latched fatal error, if
// any.
func (b *Backend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.launched.Load() || b.closed.Load() {
		return b.latch.Err()
	}
	b.closed.Store(true)

	b.queues.Notify <- dispatch.SignalShutdown
	<-b.disp.Done()

	if err := b.log.Close(); err != nil {
		b.latch.Set(err)
	}
	b.logger.Debug("pipeline shut down", "run_id", b.cfg.Run.RunID)
	return b.latch.Err()
}

// Err exposes the pipeline's latched fatal error, if any.
func (b *Backend) Err() error {
	return b.latch.Err()
}

// Stats exposes the pipeline counters shared by every component.
func (b *Backend) Stats() *observability.PipelineStats {
	return b.stats
}
