package record

import (
	"encoding/json"
	"time"
)

// Kind names a registered record kind. Leaf kinds dispatch a single task;
// service kinds run multi-round workflows that spawn child records.
const (
	KindSinglepoint = "singlepoint"
	KindScan        = "scan"
)

// Record is one requested unit of work and its lifecycle state. Records are
// deduplicated on (kind, specification, context), so many submissions may
// resolve to the same record.
type Record struct {
	ID       int64    `json:"id"`
	Kind     string   `json:"kind"`
	SpecID   int64    `json:"spec_id"`
	Status   Status   `json:"status"`
	Tag      string   `json:"tag"`
	Priority Priority `json:"priority"`

	// Manager is the name of the manager that last touched this record,
	// empty until first claimed.
	Manager string `json:"manager,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`

	// Properties holds the finalized results for completed records
	// (aggregate results for services, scalar returns for leaf records).
	Properties json.RawMessage `json:"properties,omitempty"`

	// Context is the kind-specific input document the record was submitted
	// with, populated on request.
	Context json.RawMessage `json:"context,omitempty"`

	// ChildIDs lists dependent child records, populated on request.
	ChildIDs []int64 `json:"child_ids,omitempty"`

	// Task and Service expose the record's live dispatch row, populated on
	// request while the record is waiting or running.
	Task    *Task    `json:"task,omitempty"`
	Service *Service `json:"service,omitempty"`
}

// Task is the dispatchable unit of a leaf record. At most one live task
// exists per record, and only while the record is waiting or running.
type Task struct {
	ID       int64    `json:"id"`
	RecordID int64    `json:"record_id"`
	Tag      string   `json:"tag"`
	Priority Priority `json:"priority"`

	// RequiredPrograms must be a subset of a manager's advertised programs
	// for the task to be claimable by it.
	RequiredPrograms []string `json:"required_programs"`

	// Function names the computation entrypoint; Args carries its arguments,
	// compressed with ArgsCompression.
	Function        string      `json:"function"`
	Args            []byte      `json:"args,omitempty"`
	ArgsCompression Compression `json:"args_compression"`

	// Owner is the manager currently holding the lease, empty if unclaimed.
	Owner string `json:"owner,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Service is the dispatchable unit of an iterative record. The orchestrator
// drives it: each round it inspects the dependency records, folds their
// results into State, and either spawns the next dependency batch or
// finalizes the parent record.
type Service struct {
	ID           int64    `json:"id"`
	RecordID     int64    `json:"record_id"`
	Tag          string   `json:"tag"`
	Priority     Priority `json:"priority"`
	FindExisting bool     `json:"find_existing"`

	// State is the opaque, kind-specific iteration state. StateVersion
	// increments on every swap; writers must present the version they read.
	State        json.RawMessage `json:"state,omitempty"`
	StateVersion int64           `json:"state_version"`

	CreatedAt time.Time `json:"created_at"`

	Dependencies []ServiceDependency `json:"dependencies,omitempty"`
}

// ServiceDependency links a service to one child record of its current
// iteration. Extras carries kind-specific metadata describing the child's
// role (grid point index, chain position, ...).
type ServiceDependency struct {
	ServiceID int64           `json:"service_id"`
	RecordID  int64           `json:"record_id"`
	Extras    json.RawMessage `json:"extras,omitempty"`
}

type ManagerStatus string

const (
	ManagerActive   ManagerStatus = "active"
	ManagerInactive ManagerStatus = "inactive"
)

// Manager is a registered compute worker.
type Manager struct {
	Name     string   `json:"name"`
	Cluster  string   `json:"cluster"`
	Hostname string   `json:"hostname"`
	Tags     []string `json:"tags"`
	Programs []string `json:"programs"`

	Status        ManagerStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	ModifiedAt    time.Time     `json:"modified_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`

	ManagerCounters

	// Utilization gauges from the most recent heartbeat, zeroed on
	// deactivation.
	ActiveTasks  int64   `json:"active_tasks"`
	ActiveCores  int64   `json:"active_cores"`
	ActiveMemory float64 `json:"active_memory"`
}

// ManagerCounters accumulate over the manager's lifetime, updated from
// heartbeat stats.
type ManagerCounters struct {
	Claimed   int64 `json:"claimed"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`

	TotalWalltime float64 `json:"total_walltime"`
}

// ManagerStats is the utilization snapshot a manager reports with each
// heartbeat. Counter fields are deltas since the previous heartbeat.
type ManagerStats struct {
	ActiveTasks  int64   `json:"active_tasks"`
	ActiveCores  int64   `json:"active_cores"`
	ActiveMemory float64 `json:"active_memory"`

	Claimed   int64 `json:"claimed"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`

	TotalWalltime float64 `json:"total_walltime"`
}

// InfoBackup is an append-only snapshot of (status, tag, priority) taken
// before a bulk or automated change, consumed by revert.
type InfoBackup struct {
	ID          int64     `json:"id"`
	RecordID    int64     `json:"record_id"`
	OldStatus   Status    `json:"old_status"`
	OldTag      string    `json:"old_tag"`
	OldPriority Priority  `json:"old_priority"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// FunctionCompute is the entrypoint name tasks of the built-in leaf kinds
// carry; managers dispatch on it.
const FunctionCompute = "qcengine.compute"

// ComputeArgs is the argument document behind the compressed Args of a
// FunctionCompute task.
type ComputeArgs struct {
	Specification Specification   `json:"specification"`
	Molecule      json.RawMessage `json:"molecule"`
}

// Result is what a manager returns for one claimed task.
type Result struct {
	Success bool `json:"success"`

	// Properties carries the computed outputs on success.
	Properties json.RawMessage `json:"properties,omitempty"`

	Stdout []byte `json:"stdout,omitempty"`
	Stderr []byte `json:"stderr,omitempty"`

	Error *ComputeError `json:"error,omitempty"`

	// Walltime is the wall-clock seconds the execution took.
	Walltime float64 `json:"walltime,omitempty"`
}

// ComputeError describes a failed execution. Type drives the automatic
// reset policy (see ErrorClass).
type ComputeError struct {
	Type    string `json:"error_type"`
	Message string `json:"error_message"`
}

// HistoryEntry is one execution attempt of a record, appended on every
// result submission so retries stay auditable.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	RecordID   int64     `json:"record_id"`
	Status     Status    `json:"status"`
	Manager    string    `json:"manager"`
	ModifiedAt time.Time `json:"modified_at"`
	Walltime   float64   `json:"walltime,omitempty"`
}

// Comment is an administrative note attached to a record.
type Comment struct {
	ID        int64     `json:"id"`
	RecordID  int64     `json:"record_id"`
	User      string    `json:"user,omitempty"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// OutputType labels a stored compressed output blob.
type OutputType string

const (
	OutputStdout OutputType = "stdout"
	OutputStderr OutputType = "stderr"
	OutputError  OutputType = "error"
)
