// Package upload runs the asynchronous file-upload queue. Changed
// files are fingerprinted by content hash so unchanged notifications
// are skipped, and a small worker pool moves the rest to object
// storage while the run proceeds.
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/runtrail/runtrail/internal/observability"
	"github.com/runtrail/runtrail/internal/rterrors"
	"github.com/runtrail/runtrail/internal/storage"
)

// DefaultWorkers is the upload worker pool size.
const DefaultWorkers = 8

const jobQueueCap = 4096

// Config wires an upload queue.
type Config struct {
	Store storage.ObjectStorage

	// RunID scopes object keys: runs/<RunID>/files/<logical_name>.
	RunID string

	Workers int

	Stats  *observability.PipelineStats
	Logger *slog.Logger
}

type job struct {
	logicalName string
	absPath     string
}

// Queue uploads changed run files. NotifyFileChanged coalesces
// repeated notifications for a file that is already queued; the
// workers skip uploads whose content hash matches the last stored
// version.
type Queue struct {
	store   storage.ObjectStorage
	runID   string
	workers int

	jobs chan job

	mu       sync.Mutex
	closed   bool
	queued   map[string]bool
	uploaded map[string]string // logical name -> content hash of last stored version
	failed   int

	// sends tracks notifications between the queued-flag update and
	// the channel send, so Finish can close the channel safely.
	sends     sync.WaitGroup
	workersWG sync.WaitGroup

	stats  *observability.PipelineStats
	logger *slog.Logger
}

// NewQueue creates an upload queue. Start must be called before use.
func NewQueue(cfg Config) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stats := cfg.Stats
	if stats == nil {
		stats = observability.NewPipelineStats()
	}
	return &Queue{
		store:    cfg.Store,
		runID:    cfg.RunID,
		workers:  workers,
		jobs:     make(chan job, jobQueueCap),
		queued:   make(map[string]bool),
		uploaded: make(map[string]string),
		stats:    stats,
		logger:   logger,
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.workersWG.Add(1)
		go q.worker()
	}
}

// NotifyFileChanged queues one file for upload. A file already waiting
// in the queue is not queued twice; its eventual upload reads the
// latest content anyway.
func (q *Queue) NotifyFileChanged(logicalName, absPath string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Debug("file change after queue close, dropped", "file", logicalName)
		return
	}
	if q.queued[logicalName] {
		q.mu.Unlock()
		q.stats.RecordUpload(true)
		return
	}
	q.queued[logicalName] = true
	q.sends.Add(1)
	q.mu.Unlock()

	q.jobs <- job{logicalName: logicalName, absPath: absPath}
	q.sends.Done()
}

// Finish stops intake, waits for every queued upload to complete, and
// reports whether any failed. Called exactly once at shutdown.
func (q *Queue) Finish() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.sends.Wait()
	close(q.jobs)
	q.workersWG.Wait()

	q.mu.Lock()
	failed := q.failed
	q.mu.Unlock()
	if failed > 0 {
		return rterrors.New(rterrors.CategoryNetwork, rterrors.CodeUploadFailed,
			fmt.Sprintf("%d file upload(s) failed", failed))
	}
	return nil
}

// PrintStatus logs a summary of what the queue did. Called after
// Finish.
func (q *Queue) PrintStatus() {
	q.mu.Lock()
	uploaded := len(q.uploaded)
	failed := q.failed
	q.mu.Unlock()
	q.logger.Info("file uploads", "uploaded", uploaded, "failed", failed)
}

func (q *Queue) worker() {
	defer q.workersWG.Done()
	for j := range q.jobs {
		q.mu.Lock()
		delete(q.queued, j.logicalName)
		q.mu.Unlock()
		q.process(j)
	}
}

func (q *Queue) process(j job) {
	hash, err := hashFile(j.absPath)
	if err != nil {
		// The producer may have removed the file between the change
		// notification and now.
		q.recordFailure(j.logicalName, fmt.Errorf("failed to hash file: %w", err))
		return
	}

	q.mu.Lock()
	unchanged := q.uploaded[j.logicalName] == hash
	q.mu.Unlock()
	if unchanged {
		q.stats.RecordUpload(true)
		return
	}

	objectPath := fmt.Sprintf("runs/%s/files/%s", q.runID, j.logicalName)
	etag, err := q.store.Upload(context.Background(), j.absPath, objectPath)
	if err != nil {
		q.recordFailure(j.logicalName, err)
		return
	}

	q.mu.Lock()
	q.uploaded[j.logicalName] = hash
	q.mu.Unlock()
	q.stats.RecordUpload(false)
	q.logger.Debug("file uploaded", "file", j.logicalName, "etag", etag)
}

func (q *Queue) recordFailure(logicalName string, err error) {
	q.mu.Lock()
	q.failed++
	q.mu.Unlock()
	q.stats.RecordUploadFailure()
	q.logger.Warn("file upload failed", "file", logicalName, "error", err)
}

// hashFile fingerprints file content with murmur3-128.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := murmur3.New128()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2), nil
}
