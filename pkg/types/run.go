package types

import "time"

// RunState is the lifecycle state of a tracked run.
type RunState string

const (
	// RunPending: created locally, not yet acknowledged by the service.
	RunPending RunState = "pending"

	// RunActive: the first upsert succeeded and assigned a storage ID.
	RunActive RunState = "active"

	// RunFinished: the run was closed and all pending records flushed.
	RunFinished RunState = "finished"
)

// Run is one tracked experiment. Exactly one Run exists per worker
// instance; it is the unit of network session affinity (one history
// stream session, one upload queue).
type Run struct {
	// RunID is chosen by the client before any network traffic.
	RunID string `json:"run_id"`

	// StorageID is assigned by the service on the first successful
	// upsert and never reassigned.
	StorageID string `json:"storage_id,omitempty"`

	// DisplayName, Project and Entity are server-assigned (the server
	// may canonicalize or fill in defaults for what the client sent).
	DisplayName string `json:"display_name,omitempty"`
	Project     string `json:"project,omitempty"`
	Entity      string `json:"entity,omitempty"`

	// Config is the accumulated run configuration, last-write-wins
	// per key.
	Config map[string]any `json:"config,omitempty"`

	// State is the current lifecycle state.
	State RunState `json:"state"`

	// StartTime is when the producer created the run.
	StartTime time.Time `json:"start_time"`
}

// ApplyResult folds the server-assigned fields from an upsert into the
// run. StorageID is assigned at most once: later results may refresh
// names but never reassign the ID.
func (r *Run) ApplyResult(res *RunResult) {
	if res == nil {
		return
	}
	if r.StorageID == "" {
		r.StorageID = res.StorageID
	}
	if res.DisplayName != "" {
		r.DisplayName = res.DisplayName
	}
	if res.Project != "" {
		r.Project = res.Project
	}
	if res.Entity != "" {
		r.Entity = res.Entity
	}
	if r.State == RunPending {
		r.State = RunActive
	}
}

// MergeConfig applies a config delta, last-write-wins per key.
func (r *Run) MergeConfig(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	if r.Config == nil {
		r.Config = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		r.Config[k] = v
	}
}
