package wal

import (
	"log/slog"
	"sync"

	"github.com/runtrail/runtrail/internal/observability"
	"github.com/runtrail/runtrail/pkg/types"
)

// appendRequest pairs a record with the channel its caller blocks on.
type appendRequest struct {
	rec types.Record
	ack chan error
}

// Writer runs the log's dedicated append goroutine. The dispatcher is
// its only client: Append enqueues the record and blocks until the
// goroutine has made it durable, so a nil return means the record is
// on disk (flushed) before anything is sent over the network.
type Writer struct {
	log    *Log
	in     chan appendRequest
	done   chan struct{}
	stats  *observability.PipelineStats
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWriter wraps the log in an append queue of the given capacity.
func NewWriter(log *Log, queueCap int, stats *observability.PipelineStats, logger *slog.Logger) *Writer {
	if queueCap <= 0 {
		queueCap = 64
	}
	return &Writer{
		log:    log,
		in:     make(chan appendRequest, queueCap),
		done:   make(chan struct{}),
		stats:  stats,
		logger: logger,
	}
}

// Start launches the append goroutine. Idempotent.
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

func (w *Writer) run() {
	defer close(w.done)
	for req := range w.in {
		n, err := w.log.Append(req.rec)
		if err != nil {
			w.logger.Error("durable log append failed",
				"kind", req.rec.Kind(),
				"error", err,
			)
		} else if w.stats != nil {
			w.stats.RecordAppend(n)
		}
		req.ack <- err
	}
}

// Append makes one record durable. It must only be called from the
// dispatcher loop, never after Stop.
func (w *Writer) Append(rec types.Record) error {
	ack := make(chan error, 1)
	w.in <- appendRequest{rec: rec, ack: ack}
	return <-ack
}

// Stop closes the queue and waits for the goroutine to finish the
// appends already enqueued. Idempotent.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.in)
	})
	<-w.done
}
