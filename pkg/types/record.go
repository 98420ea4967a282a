// Package types provides the core record and run types for runtrail.
package types

import "time"

// StreamTag identifies the console stream an OutputLine was captured from.
type StreamTag string

const (
	StreamStdout StreamTag = "stdout"
	StreamStderr StreamTag = "stderr"
)

// RecordKind names one variant of the Record union.
type RecordKind string

const (
	KindRunUpdate    RecordKind = "run_update"
	KindConfigUpdate RecordKind = "config_update"
	KindHistoryEntry RecordKind = "history_entry"
	KindOutputLine   RecordKind = "output_line"
	KindFileChange   RecordKind = "file_change"
	KindRunExit      RecordKind = "run_exit"
)

// Control carries delivery metadata alongside a record's payload.
type Control struct {
	// NeedsResponse marks the record as a request: the worker routes a
	// Reply back on the reply channel after handling it.
	NeedsResponse bool `json:"needs_response,omitempty"`

	// RequestID correlates a request with its Reply. Assigned by the
	// producer; zero for fire-and-forget records.
	RequestID uint64 `json:"request_id,omitempty"`
}

// Record is the unit of data exchanged between the producer, the durable
// log, and the network sender. A Record is immutable once constructed:
// it is produced once, appended to the durable log exactly once, and
// handled by the network sender at most once.
type Record struct {
	Control Control `json:"control"`
	Data    Data    `json:"data"`
}

// Kind returns the variant tag of the record's payload.
func (r Record) Kind() RecordKind { return r.Data.kind() }

// Data is the closed set of record payload variants. The unexported
// method seals the set so dispatch sites can type-switch exhaustively.
type Data interface {
	kind() RecordKind
}

// RunUpdate creates or updates the run's metadata on the remote service.
// Sent as a request when the producer needs the server-assigned fields.
type RunUpdate struct {
	// RunID is the client-chosen run identifier.
	RunID string `json:"run_id"`

	// DisplayName is the human-readable run name, if the client set one.
	DisplayName string `json:"display_name,omitempty"`

	// Project and Entity scope the run on the remote service.
	Project string `json:"project,omitempty"`
	Entity  string `json:"entity,omitempty"`

	// Config is the full run configuration at the time of the update.
	Config map[string]any `json:"config,omitempty"`
}

// ConfigUpdate carries a configuration delta, last-write-wins per key.
// Always fire-and-forget: config deltas are not synchronous by contract.
type ConfigUpdate struct {
	RunID string         `json:"run_id"`
	Delta map[string]any `json:"delta"`
}

// HistoryEntry is one logged step: a JSON-serializable key to value
// mapping including the reserved _step, _timestamp and _runtime keys.
type HistoryEntry struct {
	Values map[string]any `json:"values"`
}

// Step returns the value of the reserved _step key, if present.
func (h HistoryEntry) Step() (int64, bool) {
	v, ok := h.Values["_step"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// OutputLine is a chunk of captured console output. Text is raw writer
// output and may end mid-line; the sender reassembles full lines.
type OutputLine struct {
	Stream StreamTag `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// FileRef names one changed file: the logical name it is stored under
// remotely, and the absolute local path to read it from.
type FileRef struct {
	LogicalName  string `json:"logical_name"`
	AbsolutePath string `json:"absolute_path"`
}

// FileChange announces files whose content changed and should be
// queued for upload.
type FileChange struct {
	Files []FileRef `json:"files"`
}

// RunExit is the shutdown marker: the last record of a run, carrying
// the process exit code reported to the history stream on finish.
type RunExit struct {
	ExitCode int32 `json:"exit_code"`
}

func (RunUpdate) kind() RecordKind    { return KindRunUpdate }
func (ConfigUpdate) kind() RecordKind { return KindConfigUpdate }
func (HistoryEntry) kind() RecordKind { return KindHistoryEntry }
func (OutputLine) kind() RecordKind   { return KindOutputLine }
func (FileChange) kind() RecordKind   { return KindFileChange }
func (RunExit) kind() RecordKind      { return KindRunExit }

// Reply is the worker's response to a request record.
type Reply struct {
	// RequestID echoes the request's Control.RequestID.
	RequestID uint64 `json:"request_id"`

	// Run carries the server-assigned run fields for RunUpdate requests.
	Run *RunResult `json:"run,omitempty"`

	// Err is the failure message when the request could not be served.
	Err string `json:"error,omitempty"`
}

// RunResult is the server's view of a run after an upsert.
type RunResult struct {
	StorageID   string `json:"storage_id"`
	DisplayName string `json:"display_name"`
	Project     string `json:"project"`
	Entity      string `json:"entity"`
}
