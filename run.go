package runtrail

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/runtrail/runtrail/internal/backend"
	"github.com/runtrail/runtrail/internal/ingest"
	"github.com/runtrail/runtrail/internal/rterrors"
	"github.com/runtrail/runtrail/pkg/types"
)

// Run is the handle on one tracked run. All methods are safe for
// concurrent use. The handle is single-shot: after Finish every
// operation fails fast.
type Run struct {
	mu       sync.Mutex
	settings *Settings
	backend  *backend.Backend
	ingester *ingest.Ingester
	logger   *slog.Logger
	logFile  *os.File

	runID  string
	state  types.RunState
	result *types.RunResult

	// step is the next auto-assigned _step. An explicit _step in Log
	// overrides and advances it.
	step int64

	finished  bool
	finishErr error
}

// ID returns the client-chosen run identifier.
func (r *Run) ID() string { return r.runID }

// StorageID returns the service-assigned identifier. For offline runs
// it equals ID.
func (r *Run) StorageID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return ""
	}
	return r.result.StorageID
}

// State returns the run's lifecycle state.
func (r *Run) State() types.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Dir returns the run directory.
func (r *Run) Dir() string { return r.settings.RunDir }

// guard rejects operations on a finished or failed run. Callers hold
// r.mu.
func (r *Run) guard() error {
	if r.finished {
		return rterrors.New(rterrors.CategoryFatalLocal, rterrors.CodePipelineClosed,
			"run already finished")
	}
	return r.backend.Err()
}

// Log records one history row. _step is auto-assigned from a monotonic
// counter unless the values carry their own, which also advances the
// counter past it; _timestamp and _runtime are filled in when absent.
// Delivery is best-effort: Log only errors when the run is finished or
// the pipeline has failed.
func (r *Run) Log(values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(); err != nil {
		return err
	}

	vals := make(map[string]any, len(values)+3)
	for k, v := range values {
		vals[k] = v
	}
	entry := types.HistoryEntry{Values: vals}
	if step, ok := entry.Step(); ok {
		vals["_step"] = step
		r.step = step + 1
	} else {
		vals["_step"] = r.step
		r.step++
	}
	now := time.Now()
	if _, ok := vals["_timestamp"]; !ok {
		vals["_timestamp"] = float64(now.UnixNano()) / 1e9
	}
	if _, ok := vals["_runtime"]; !ok {
		vals["_runtime"] = now.Sub(r.settings.StartTime).Seconds()
	}

	r.backend.Send(types.Record{Data: entry})
	return nil
}

// UpdateConfig applies a configuration delta, last-write-wins per key.
func (r *Run) UpdateConfig(delta map[string]any) error {
	if len(delta) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(); err != nil {
		return err
	}

	d := make(map[string]any, len(delta))
	for k, v := range delta {
		d[k] = v
	}
	r.backend.Send(types.Record{Data: types.ConfigUpdate{RunID: r.runID, Delta: d}})
	return nil
}

// SaveFile queues one file for upload under its logical name. The file
// is read at upload time; it must outlive the call.
func (r *Run) SaveFile(logicalName, absPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(); err != nil {
		return err
	}
	if logicalName == "" {
		return rterrors.New(rterrors.CategoryValidation, rterrors.CodeInvalidSettings,
			"logical file name must not be empty")
	}
	abs, err := filepath.Abs(absPath)
	if err != nil {
		return rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeInvalidSettings,
			fmt.Sprintf("failed to resolve file path %s", absPath), err)
	}

	r.backend.Send(types.Record{Data: types.FileChange{
		Files: []types.FileRef{{LogicalName: logicalName, AbsolutePath: abs}},
	}})
	return nil
}

// OutputWriter returns a writer that captures console output on the
// given stream. Wrap os.Stdout/os.Stderr with io.MultiWriter to both
// display and record.
func (r *Run) OutputWriter(stream types.StreamTag) io.Writer {
	return &outputWriter{run: r, stream: stream}
}

type outputWriter struct {
	run    *Run
	stream types.StreamTag
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.run.mu.Lock()
	defer w.run.mu.Unlock()
	if err := w.run.guard(); err != nil {
		return 0, err
	}
	w.run.backend.Send(types.Record{Data: types.OutputLine{
		Stream: w.stream,
		Text:   string(p),
		At:     time.Now(),
	}})
	return len(p), nil
}

// WatchDirectory ingests event files written under dir into the run's
// history. The first watched directory anchors relative namespaces for
// directories watched after it; pass namespace to override. Watching
// the same directory twice is a no-op.
func (r *Run) WatchDirectory(dir, namespace string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(); err != nil {
		return err
	}

	if r.ingester == nil {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeInvalidSettings,
				fmt.Sprintf("failed to resolve event directory %s", dir), err)
		}
		r.ingester = ingest.NewIngester(ingest.Config{
			Root:          abs,
			Hostname:      r.settings.Hostname,
			StartTime:     r.settings.StartTime,
			RunID:         r.runID,
			Emit:          func(rec types.Record) { r.backend.Send(rec) },
			PollInterval:  r.settings.Ingest.PollInterval,
			GracePeriod:   r.settings.Ingest.GracePeriod,
			ConsumerDelay: r.settings.Ingest.ConsumerDelay,
			MaxRowBytes:   r.settings.Ingest.MaxRowBytes,
			Stats:         r.backend.Stats(),
			Logger:        r.logger,
		})
	}
	return r.ingester.Watch(dir, namespace)
}

// Finish closes the run with exit code zero. See FinishWithExit.
func (r *Run) Finish() error { return r.FinishWithExit(0) }

// FinishWithExit stops ingestion, records the exit marker and shuts
// the pipeline down, draining everything already queued. Idempotent;
// repeated calls return the first result.
func (r *Run) FinishWithExit(exitCode int32) error {
	r.mu.Lock()
	if r.finished {
		err := r.finishErr
		r.mu.Unlock()
		return err
	}
	r.finished = true
	ing := r.ingester
	r.mu.Unlock()

	// Ingestion first: its final rows must precede the exit marker.
	if ing != nil {
		ing.Stop()
	}
	r.backend.Send(types.Record{Data: types.RunExit{ExitCode: exitCode}})
	err := r.backend.Shutdown()

	r.mu.Lock()
	r.state = types.RunFinished
	r.finishErr = err
	logFile := r.logFile
	r.logFile = nil
	r.mu.Unlock()

	r.logger.Info("run finished",
		"run_id", r.runID,
		"exit_code", exitCode,
		"stats", r.backend.Stats().Snapshot().String(),
	)
	closeQuietly(logFile)
	return err
}
