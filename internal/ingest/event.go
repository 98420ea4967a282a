// Package ingest bridges externally written event-log directories into
// the run's record stream. Per-directory watchers tail growing event
// files and push parsed events into a shared time-ordered queue; a
// single consumer folds the ordered events into per-namespace history
// rows and emits them as records.
package ingest

// EventMagic marks event files produced by instrumentation writers.
var EventMagic = [4]byte{'R', 'T', 'E', 'V'}

// ValueKind tags one logged value inside an event.
type ValueKind string

const (
	// KindScalar is a single float64 metric.
	KindScalar ValueKind = "scalar"
	// KindTensor is a numeric array.
	KindTensor ValueKind = "tensor"
	// KindText is a string value.
	KindText ValueKind = "text"
	// KindChart is a chart payload: the rendering hint travels on the
	// config side-channel and the chart's data stays in the row.
	KindChart ValueKind = "chart"
)

// Value is one tagged value inside an event.
type Value struct {
	Tag  string    `cbor:"tag"`
	Kind ValueKind `cbor:"kind"`
	Val  any       `cbor:"value"`
}

// Event is one parsed entry from a watched event file. WallTime is the
// writer's clock at emit time; ordering across files follows it, not
// arrival order.
type Event struct {
	WallTime float64 `cbor:"wall_time"`
	Step     int64   `cbor:"step"`
	Values   []Value `cbor:"values"`
}
