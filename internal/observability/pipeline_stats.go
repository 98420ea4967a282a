// Package observability provides pipeline statistics tracking for
// shutdown summaries and upload status reporting.
package observability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/runtrail/runtrail/pkg/types"
)

// PipelineStats counts what moved through one run's pipeline. All
// methods are O(1) and thread-safe; the pipeline components share one
// instance per run.
type PipelineStats struct {
	mu sync.RWMutex

	startedAt time.Time

	dispatched     map[types.RecordKind]int64
	appends        int64
	appendedBytes  int64
	droppedRecords int64

	eventsIngested int64
	historyRows    int64
	droppedKeys    int64

	linesPushed      int64
	filesQueued      int64
	uploadsCompleted int64
	uploadsDeduped   int64
	uploadsFailed    int64
	sendFailures     int64
}

// NewPipelineStats creates a new statistics tracker.
func NewPipelineStats() *PipelineStats {
	return &PipelineStats{
		startedAt:  time.Now(),
		dispatched: make(map[types.RecordKind]int64),
	}
}

// RecordDispatch counts one record leaving the dispatcher loop.
func (p *PipelineStats) RecordDispatch(kind types.RecordKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatched[kind]++
}

// RecordAppend counts one durable-log append of n encoded bytes.
func (p *PipelineStats) RecordAppend(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appends++
	p.appendedBytes += int64(n)
}

// RecordDroppedRecord counts a record discarded because the pipeline
// had already failed or finished.
func (p *PipelineStats) RecordDroppedRecord() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.droppedRecords++
}

// RecordEventIngested counts one event popped by the ordering consumer.
func (p *PipelineStats) RecordEventIngested() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eventsIngested++
}

// RecordHistoryRow counts one flushed ingestion history row.
func (p *PipelineStats) RecordHistoryRow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyRows++
}

// RecordDroppedKeys counts keys removed from an oversized history row.
func (p *PipelineStats) RecordDroppedKeys(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.droppedKeys += int64(n)
}

// RecordLinePushed counts one line handed to the append stream.
func (p *PipelineStats) RecordLinePushed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linesPushed++
}

// RecordFileQueued counts one changed file handed to the upload queue.
func (p *PipelineStats) RecordFileQueued() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filesQueued++
}

// RecordUpload counts one finished upload job. Deduped jobs are those
// skipped because the file content had not changed since the last
// upload.
func (p *PipelineStats) RecordUpload(deduped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if deduped {
		p.uploadsDeduped++
	} else {
		p.uploadsCompleted++
	}
}

// RecordUploadFailure counts one upload job that failed after retries.
func (p *PipelineStats) RecordUploadFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploadsFailed++
}

// RecordSendFailure counts one remote call that failed after the
// owning collaborator's retries.
func (p *PipelineStats) RecordSendFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendFailures++
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Uptime           time.Duration
	Dispatched       map[types.RecordKind]int64
	Appends          int64
	AppendedBytes    int64
	DroppedRecords   int64
	EventsIngested   int64
	HistoryRows      int64
	DroppedKeys      int64
	LinesPushed      int64
	FilesQueued      int64
	UploadsCompleted int64
	UploadsDeduped   int64
	UploadsFailed    int64
	SendFailures     int64
}

// Snapshot returns a copy of the current counters.
func (p *PipelineStats) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	dispatched := make(map[types.RecordKind]int64, len(p.dispatched))
	for k, v := range p.dispatched {
		dispatched[k] = v
	}

	return Snapshot{
		Uptime:           time.Since(p.startedAt),
		Dispatched:       dispatched,
		Appends:          p.appends,
		AppendedBytes:    p.appendedBytes,
		DroppedRecords:   p.droppedRecords,
		EventsIngested:   p.eventsIngested,
		HistoryRows:      p.historyRows,
		DroppedKeys:      p.droppedKeys,
		LinesPushed:      p.linesPushed,
		FilesQueued:      p.filesQueued,
		UploadsCompleted: p.uploadsCompleted,
		UploadsDeduped:   p.uploadsDeduped,
		UploadsFailed:    p.uploadsFailed,
		SendFailures:     p.sendFailures,
	}
}

// String renders the snapshot as a single-line summary for the
// end-of-run report.
func (s Snapshot) String() string {
	kinds := make([]string, 0, len(s.Dispatched))
	for k := range s.Dispatched {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	var b strings.Builder
	fmt.Fprintf(&b, "dispatched={")
	for i, k := range kinds {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s:%d", k, s.Dispatched[types.RecordKind(k)])
	}
	fmt.Fprintf(&b, "} appends=%d logged_bytes=%d events=%d rows=%d lines=%d files=%d uploads=%d deduped=%d",
		s.Appends, s.AppendedBytes, s.EventsIngested, s.HistoryRows,
		s.LinesPushed, s.FilesQueued, s.UploadsCompleted, s.UploadsDeduped)
	if s.DroppedRecords > 0 || s.DroppedKeys > 0 {
		fmt.Fprintf(&b, " dropped_records=%d dropped_keys=%d", s.DroppedRecords, s.DroppedKeys)
	}
	if s.UploadsFailed > 0 || s.SendFailures > 0 {
		fmt.Fprintf(&b, " upload_failures=%d send_failures=%d", s.UploadsFailed, s.SendFailures)
	}
	return b.String()
}
