// Package sender applies records against the remote service. It owns
// the run's network session: metadata upserts through the run
// registry, history and console lines through the append stream, and
// changed files through the upload queue. No other component issues
// remote calls.
package sender

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/runtrail/runtrail/internal/observability"
	"github.com/runtrail/runtrail/pkg/types"
)

// Logical file names on the append stream.
const (
	HistoryFileName = "history.jsonl"
	OutputFileName  = "output.log"
)

// DefaultUpsertTimeout bounds one registry round-trip, on top of the
// client's own retries.
const DefaultUpsertTimeout = 30 * time.Second

// Stream is the line-oriented append-stream collaborator. Push is
// fire-and-forget per call; the implementation provides at-least-once
// delivery with internal retry. Finish declares the stream complete
// and blocks until buffered lines are delivered.
type Stream interface {
	Push(fileName, line string)
	Finish(exitCode int32) error
}

// UploadQueue is the asynchronous file-upload collaborator. Finish is
// called exactly once at shutdown and blocks until the queue drains.
type UploadQueue interface {
	NotifyFileChanged(logicalName, absPath string)
	Finish() error
	PrintStatus()
}

// Registry is the run-registry API.
type Registry interface {
	UpsertRun(ctx context.Context, update *types.RunUpdate) (*types.RunResult, error)
}

// Config wires a Sender.
type Config struct {
	Run      *types.Run
	Registry Registry
	Stream   Stream
	Uploads  UploadQueue
	Replies  chan<- types.Reply

	// QueueCap is the input channel capacity; the dispatcher blocks
	// once it is full.
	QueueCap int

	// UpsertTimeout bounds one registry call. Zero means the default.
	UpsertTimeout time.Duration

	Stats  *observability.PipelineStats
	Logger *slog.Logger
}

// Sender consumes durable records from its input channel until it is
// closed, then runs the ordered finish sequence: flush buffered
// console output, drain the upload queue and report its status, and
// finally declare the history stream complete. Files referenced by
// the last history rows are queued before the stream closes.
type Sender struct {
	in   chan types.Record
	done chan struct{}

	run           *types.Run
	registry      Registry
	stream        Stream
	uploads       UploadQueue
	replies       chan<- types.Reply
	upsertTimeout time.Duration

	// partial holds not-yet-terminated console output per stream tag;
	// console writers may flush mid-line.
	partial map[types.StreamTag]string

	exitCode int32

	stats  *observability.PipelineStats
	logger *slog.Logger
}

// New creates a Sender.
func New(cfg Config) *Sender {
	queueCap := cfg.QueueCap
	if queueCap <= 0 {
		queueCap = 256
	}
	upsertTimeout := cfg.UpsertTimeout
	if upsertTimeout <= 0 {
		upsertTimeout = DefaultUpsertTimeout
	}
	return &Sender{
		in:            make(chan types.Record, queueCap),
		done:          make(chan struct{}),
		run:           cfg.Run,
		registry:      cfg.Registry,
		stream:        cfg.Stream,
		uploads:       cfg.Uploads,
		replies:       cfg.Replies,
		upsertTimeout: upsertTimeout,
		partial:       make(map[types.StreamTag]string),
		stats:         cfg.Stats,
		logger:        cfg.Logger,
	}
}

// Start launches the sender goroutine.
func (s *Sender) Start() {
	go s.loop()
}

// Deliver enqueues one durable record for handling. Called only by
// the dispatcher loop.
func (s *Sender) Deliver(rec types.Record) {
	s.in <- rec
}

// CloseAndWait closes the input and blocks through the finish
// sequence. Called only by the dispatcher, exactly once.
func (s *Sender) CloseAndWait() {
	close(s.in)
	<-s.done
}

func (s *Sender) loop() {
	defer close(s.done)
	for rec := range s.in {
		s.handle(rec)
	}
	s.finish()
}

// handle applies one record. The switch is exhaustive over the record
// union; an unknown variant is a bug in the producer.
func (s *Sender) handle(rec types.Record) {
	switch data := rec.Data.(type) {
	case types.RunUpdate:
		s.handleRunUpdate(rec.Control, data)
	case types.ConfigUpdate:
		s.handleConfigUpdate(data)
	case types.HistoryEntry:
		s.handleHistory(data)
	case types.OutputLine:
		s.handleOutput(data)
	case types.FileChange:
		s.handleFileChange(data)
	case types.RunExit:
		s.exitCode = data.ExitCode
		s.logger.Debug("run exit recorded", "exit_code", data.ExitCode)
	default:
		s.logger.Warn("unhandled record kind", "kind", rec.Kind())
	}
}

// handleRunUpdate upserts run metadata and, for requests, replies with
// the server-assigned fields.
func (s *Sender) handleRunUpdate(ctrl types.Control, update types.RunUpdate) {
	s.run.MergeConfig(update.Config)

	ctx, cancel := context.WithTimeout(context.Background(), s.upsertTimeout)
	defer cancel()

	res, err := s.registry.UpsertRun(ctx, &update)
	if err != nil {
		s.stats.RecordSendFailure()
		s.logger.Warn("run upsert failed", "run_id", update.RunID, "error", err)
		s.reply(ctrl, nil, err)
		return
	}

	s.run.ApplyResult(res)
	s.logger.Info("run upserted",
		"run_id", s.run.RunID,
		"storage_id", s.run.StorageID,
		"project", s.run.Project,
	)
	// The reply reflects the run's retained state, not the raw
	// response: a storage ID is assigned at most once.
	s.reply(ctrl, &types.RunResult{
		StorageID:   s.run.StorageID,
		DisplayName: s.run.DisplayName,
		Project:     s.run.Project,
		Entity:      s.run.Entity,
	}, nil)
}

// handleConfigUpdate folds a delta into the run config and upserts.
// Never replies, even when asked: config deltas are not synchronous
// by contract.
func (s *Sender) handleConfigUpdate(update types.ConfigUpdate) {
	s.run.MergeConfig(update.Delta)

	ctx, cancel := context.WithTimeout(context.Background(), s.upsertTimeout)
	defer cancel()

	_, err := s.registry.UpsertRun(ctx, &types.RunUpdate{
		RunID:  s.run.RunID,
		Config: s.run.Config,
	})
	if err != nil {
		s.stats.RecordSendFailure()
		s.logger.Warn("config upsert failed", "run_id", s.run.RunID, "error", err)
	}
}

// handleHistory appends one JSON line to the history stream. One
// record in, one push out; nothing is coalesced here.
func (s *Sender) handleHistory(entry types.HistoryEntry) {
	line, err := json.Marshal(entry.Values)
	if err != nil {
		s.logger.Warn("history row not JSON-serializable, dropped", "error", err)
		return
	}
	s.stream.Push(HistoryFileName, string(line))
	s.stats.RecordLinePushed()
}

// handleOutput buffers console text per stream until a line
// terminator arrives, then pushes decorated full lines.
func (s *Sender) handleOutput(line types.OutputLine) {
	buf := s.partial[line.Stream] + line.Text
	for {
		idx := strings.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		s.pushOutputLine(line.Stream, buf[:idx], line.At)
		buf = buf[idx+1:]
	}
	s.partial[line.Stream] = buf
}

// pushOutputLine decorates one complete console line with a timestamp
// prefix (and an ERROR marker for stderr) and pushes it.
func (s *Sender) pushOutputLine(stream types.StreamTag, text string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	var b strings.Builder
	if stream == types.StreamStderr {
		b.WriteString("ERROR ")
	}
	b.WriteString(at.UTC().Format(time.RFC3339))
	b.WriteString(" ")
	b.WriteString(text)
	s.stream.Push(OutputFileName, b.String())
	s.stats.RecordLinePushed()
}

// handleFileChange forwards each changed file to the upload queue.
func (s *Sender) handleFileChange(change types.FileChange) {
	for _, file := range change.Files {
		s.uploads.NotifyFileChanged(file.LogicalName, file.AbsolutePath)
		s.stats.RecordFileQueued()
	}
}

// finish runs the shutdown sequence. Order matters: the upload queue
// drains before the history stream is declared complete, so files
// referenced by final history rows are uploaded under the run.
func (s *Sender) finish() {
	for stream, rest := range s.partial {
		if rest != "" {
			s.pushOutputLine(stream, rest, time.Now())
		}
	}

	if err := s.uploads.Finish(); err != nil {
		s.stats.RecordSendFailure()
		s.logger.Warn("upload queue finish failed", "error", err)
	}
	s.uploads.PrintStatus()

	if err := s.stream.Finish(s.exitCode); err != nil {
		s.stats.RecordSendFailure()
		s.logger.Warn("history stream finish failed", "error", err)
	}

	s.run.State = types.RunFinished
	s.logger.Info("sender finished", "run_id", s.run.RunID, "exit_code", s.exitCode)
}

// reply routes a response to a waiting producer. Non-blocking: the
// producer may have timed out and stopped waiting, in which case the
// reply is discarded.
func (s *Sender) reply(ctrl types.Control, result *types.RunResult, err error) {
	if !ctrl.NeedsResponse {
		return
	}
	rep := types.Reply{RequestID: ctrl.RequestID, Run: result}
	if err != nil {
		rep.Err = err.Error()
	}
	select {
	case s.replies <- rep:
	default:
		s.logger.Debug("reply dropped, no waiter", "request_id", ctrl.RequestID)
	}
}
