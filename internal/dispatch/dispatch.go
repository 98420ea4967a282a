// Package dispatch implements the worker's control loop: the notify
// channel protocol, fan-out of records to the durable log and the
// network sender, and drain-based shutdown.
package dispatch

import (
	"log/slog"

	"github.com/runtrail/runtrail/internal/observability"
	"github.com/runtrail/runtrail/internal/rterrors"
	"github.com/runtrail/runtrail/pkg/types"
)

// Signal tags one wake-up on the notify channel, telling the
// dispatcher which queue just received an item so it never has to
// poll both.
type Signal uint8

const (
	// SignalRecord: one item was enqueued on the records queue.
	SignalRecord Signal = iota + 1

	// SignalRequest: one item was enqueued on the requests queue.
	SignalRequest

	// SignalShutdown: stop accepting new signals and drain both
	// queues to empty.
	SignalShutdown
)

// String names the signal for logs.
func (s Signal) String() string {
	switch s {
	case SignalRecord:
		return "record"
	case SignalRequest:
		return "request"
	case SignalShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Queues bundles the four channels crossing the producer/worker
// boundary. The notify channel is sized so that a producer which
// successfully enqueued an item can always queue its signal without
// blocking.
type Queues struct {
	Records  chan types.Record
	Requests chan types.Record
	Replies  chan types.Reply
	Notify   chan Signal
}

// NewQueues allocates the channel set with the given data capacities.
func NewQueues(recordCap, requestCap int) *Queues {
	if recordCap <= 0 {
		recordCap = 512
	}
	if requestCap <= 0 {
		requestCap = 8
	}
	return &Queues{
		Records:  make(chan types.Record, recordCap),
		Requests: make(chan types.Record, requestCap),
		Replies:  make(chan types.Reply, requestCap),
		// One slot per possible outstanding item plus the shutdown
		// signal itself.
		Notify: make(chan Signal, recordCap+requestCap+1),
	}
}

// Appender is the durable-log goroutine as the dispatcher sees it:
// Append returns only once the record is durable.
type Appender interface {
	Append(types.Record) error
	Stop()
}

// Deliverer is the network sender as the dispatcher sees it. Deliver
// hands over a record that is already durable; CloseAndWait closes the
// sender's input and blocks through its ordered finish sequence.
type Deliverer interface {
	Deliver(types.Record)
	CloseAndWait()
}

// Config wires a Dispatcher.
type Config struct {
	Queues *Queues
	Log    Appender
	Sender Deliverer
	Latch  *rterrors.Latch
	Stats  *observability.PipelineStats
	Logger *slog.Logger
}

// Dispatcher is the worker's main loop. It has two states: running,
// where it blocks on the notify channel and services one queue item
// per signal, and draining, entered on the shutdown signal, where it
// empties both queues and then joins the log and sender goroutines.
type Dispatcher struct {
	q      *Queues
	log    Appender
	sender Deliverer
	latch  *rterrors.Latch
	stats  *observability.PipelineStats
	logger *slog.Logger
	done   chan struct{}
}

// New creates a Dispatcher. The latch is shared with the producer
// handle so a fatal-local failure is visible on its next blocking
// call.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		q:      cfg.Queues,
		log:    cfg.Log,
		sender: cfg.Sender,
		latch:  cfg.Latch,
		stats:  cfg.Stats,
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine.
func (d *Dispatcher) Start() {
	go d.run()
}

// Done is closed once the loop has drained and joined its workers.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		sig := <-d.q.Notify
		if sig == SignalShutdown {
			break
		}
		// Enqueue and notify are separate operations on the producer
		// side; the only guarantee is that an item is queued no later
		// than its signal. A signal that finds its queue empty is
		// tolerated: whatever is still queued gets swept by a later
		// signal or by the shutdown drain.
		switch sig {
		case SignalRecord:
			select {
			case rec := <-d.q.Records:
				d.process(rec)
			default:
			}
		case SignalRequest:
			select {
			case rec := <-d.q.Requests:
				d.process(rec)
			default:
			}
		default:
			d.logger.Warn("unknown dispatch signal", "signal", sig)
		}
	}

	d.drain()

	// Join order: the sender first (it owns the collaborator finish
	// sequence), then the log writer.
	d.sender.CloseAndWait()
	d.log.Stop()
}

// drain services both queues until they are confirmed empty. Requests
// are preferred so a blocked producer gets its reply first.
func (d *Dispatcher) drain() {
	for {
		processed := false
		select {
		case rec := <-d.q.Requests:
			d.process(rec)
			processed = true
		default:
		}
		select {
		case rec := <-d.q.Records:
			d.process(rec)
			processed = true
		default:
		}
		if !processed {
			return
		}
	}
}

// process appends one record to the durable log and, once durable,
// hands it to the sender. After a fatal-local failure records are
// counted and dropped, with error replies for requests so the
// producer unblocks.
func (d *Dispatcher) process(rec types.Record) {
	if err := d.latch.Err(); err != nil {
		d.replyError(rec, err)
		d.stats.RecordDroppedRecord()
		return
	}

	if err := d.log.Append(rec); err != nil {
		if d.latch.Set(err) {
			d.logger.Error("pipeline failed", "error", err)
		}
		d.replyError(rec, err)
		d.stats.RecordDroppedRecord()
		return
	}

	d.stats.RecordDispatch(rec.Kind())
	d.sender.Deliver(rec)
}

// replyError unblocks a waiting producer when its request cannot be
// served. Non-blocking: the producer may have timed out and left.
func (d *Dispatcher) replyError(rec types.Record, err error) {
	if !rec.Control.NeedsResponse {
		return
	}
	select {
	case d.q.Replies <- types.Reply{RequestID: rec.Control.RequestID, Err: err.Error()}:
	default:
	}
}
