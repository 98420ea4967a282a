package ingest

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/runtrail/runtrail/internal/observability"
	"github.com/runtrail/runtrail/pkg/types"
)

const (
	// DefaultConsumerDelay holds popped events back after consumer start,
	// giving interleaved files time to sort into wall-clock order before
	// rows are cut.
	DefaultConsumerDelay = 10 * time.Second

	// DefaultMaxRowBytes caps one serialized history row.
	DefaultMaxRowBytes = 4 << 20

	// rowSizeMargin keeps capped rows comfortably under the limit.
	rowSizeMargin = 100_000

	consumerPopWait  = 1 * time.Second
	consumerPushback = 100 * time.Millisecond
)

// reservedRowKeys are injected bookkeeping keys that the size cap never
// drops.
var reservedRowKeys = map[string]bool{
	"_step":      true,
	"_timestamp": true,
	"_runtime":   true,
}

// row accumulates the values of one source step for one namespace.
type row struct {
	srcStep  int64
	wallTime float64
	values   map[string]any
}

// consumer drains the shared queue and folds events into per-namespace
// history rows. A row flushes when its namespace reports a different
// source step, and every open row flushes at shutdown. Emitted rows
// carry a per-namespace _step counter, so step numbers stay strictly
// increasing even when a producer rewrites earlier steps.
type consumer struct {
	queue *Queue
	emit  func(types.Record)

	runID    string
	runStart time.Time

	delay       time.Duration
	popWait     time.Duration
	pushback    time.Duration
	maxRowBytes int

	startedAt time.Time
	rows      map[string]*row
	steps     map[string]int64

	stop chan struct{}
	done chan struct{}

	stats  *observability.PipelineStats
	logger *slog.Logger
}

func (c *consumer) start() {
	if c.popWait <= 0 {
		c.popWait = consumerPopWait
	}
	if c.pushback <= 0 {
		c.pushback = consumerPushback
	}
	if c.maxRowBytes <= 0 {
		c.maxRowBytes = DefaultMaxRowBytes
	}
	c.startedAt = time.Now()
	c.rows = make(map[string]*row)
	c.steps = make(map[string]int64)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run()
}

// halt drains the queue, flushes open rows, and waits for the loop.
func (c *consumer) halt() {
	close(c.stop)
	<-c.done
}

func (c *consumer) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *consumer) run() {
	defer close(c.done)

	for {
		it, ok := c.queue.TryPop()
		if !ok {
			select {
			case <-c.stop:
				for {
					it, ok := c.queue.TryPop()
					if !ok {
						break
					}
					c.handle(it)
				}
				c.flushAll()
				return
			case <-time.After(c.popWait):
			}
			continue
		}
		if time.Since(c.startedAt) < c.delay && !c.stopping() {
			c.queue.Reinsert(it)
			time.Sleep(c.pushback)
			continue
		}
		c.handle(it)
	}
}

func (c *consumer) handle(it *item) {
	c.stats.RecordEventIngested()

	ns := it.namespace
	r := c.rows[ns]
	if r != nil && it.event.Step != r.srcStep {
		c.flushRow(ns, r)
		r = nil
	}
	if r == nil {
		r = &row{srcStep: it.event.Step, values: make(map[string]any)}
		c.rows[ns] = r
	}

	if it.event.WallTime > r.wallTime {
		r.wallTime = it.event.WallTime
	}
	r.values[namespacedTag("global_step", ns)] = it.event.Step
	for _, v := range it.event.Values {
		key := namespacedTag(v.Tag, ns)
		if v.Kind == KindChart {
			r.values[key] = chartValue{raw: v.Val}
		} else {
			r.values[key] = v.Val
		}
	}
}

// flushRow closes a row: charts are split into their config hint and
// table data, bookkeeping keys are injected, the size cap is applied,
// and the row is emitted as a HistoryEntry.
func (c *consumer) flushRow(ns string, r *row) {
	delete(c.rows, ns)
	if len(r.values) == 0 {
		return
	}
	step := c.steps[ns]
	c.steps[ns] = step + 1

	values := make(map[string]any, len(r.values)+3)
	for k, v := range r.values {
		cv, ok := v.(chartValue)
		if !ok {
			values[k] = v
			continue
		}
		hint, data := cv.split()
		c.emit(types.Record{Data: types.ConfigUpdate{
			RunID: c.runID,
			Delta: map[string]any{"_visualize": map[string]any{k: hint}},
		}})
		values[k+"_table"] = data
	}
	values["_step"] = step
	values["_timestamp"] = r.wallTime
	values["_runtime"] = r.wallTime - float64(c.runStart.UnixNano())/1e9

	if dropped := capRowSize(values, c.maxRowBytes); len(dropped) > 0 {
		c.logger.Warn("history row exceeds size cap, dropping largest keys",
			"namespace", ns, "step", step, "dropped", dropped)
		c.stats.RecordDroppedKeys(len(dropped))
	}

	c.emit(types.Record{Data: types.HistoryEntry{Values: values}})
	c.stats.RecordHistoryRow()
}

func (c *consumer) flushAll() {
	namespaces := make([]string, 0, len(c.rows))
	for ns := range c.rows {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	for _, ns := range namespaces {
		c.flushRow(ns, c.rows[ns])
	}
}

// chartValue defers chart splitting until row flush, when the config
// side-channel update is emitted next to the data row.
type chartValue struct {
	raw any
}

// split separates a chart into its rendering hint and its table data.
// Charts arrive as {"spec": ..., "data": ...}; anything else passes
// through whole on both sides.
func (c chartValue) split() (any, any) {
	if m, ok := c.raw.(map[string]any); ok {
		hint, hasHint := m["spec"]
		data, hasData := m["data"]
		if hasHint || hasData {
			return hint, data
		}
	}
	return c.raw, c.raw
}

func namespacedTag(tag, namespace string) string {
	if namespace == "" {
		return tag
	}
	return namespace + "/" + tag
}

// capRowSize drops the largest non-reserved keys, largest first, until
// the serialized row fits under maxBytes less a safety margin. Returns
// the dropped keys. An oversized step degrades to a partial row; it
// never fails the stream.
func capRowSize(values map[string]any, maxBytes int) []string {
	encoded, err := json.Marshal(values)
	if err != nil || len(encoded) <= maxBytes {
		return nil
	}

	type keySize struct {
		key  string
		size int
	}
	sizes := make([]keySize, 0, len(values))
	for k, v := range values {
		if reservedRowKeys[k] {
			continue
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(v)
		sizes = append(sizes, keySize{key: k, size: len(kb) + len(vb) + 2})
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i].size > sizes[j].size })

	var dropped []string
	remaining := len(encoded)
	for _, ks := range sizes {
		if remaining <= maxBytes-rowSizeMargin {
			break
		}
		delete(values, ks.key)
		remaining -= ks.size
		dropped = append(dropped, ks.key)
	}
	return dropped
}
