package api

import (
	"encoding/json"
	"fmt"

	"github.com/latticeproject/lattice/build"
	"github.com/latticeproject/lattice/engine"
	"github.com/latticeproject/lattice/record"
)

// SubmitParams is one record submission. Optional fields default server
// side: nil Priority means normal, nil FindExisting means deduplicate.
type SubmitParams struct {
	Kind          string               `json:"kind"`
	Specification record.Specification `json:"specification"`
	Context       json.RawMessage      `json:"context"`

	Tag          string           `json:"tag,omitempty"`
	Priority     *record.Priority `json:"priority,omitempty"`
	FindExisting *bool            `json:"find_existing,omitempty"`
}

type SubmitResult struct {
	ID      int64 `json:"id"`
	Created bool  `json:"created"`
}

// ReturnResult reports a TaskReturn call. Rejected entries name results the
// server refused, typically because the lease was lost to a sweep.
type ReturnResult struct {
	NAccepted int                     `json:"n_accepted"`
	Rejected  []engine.RejectedResult `json:"rejected,omitempty"`
}

type APIVersion struct {
	Version    string        `json:"version"`
	APIVersion build.Version `json:"api_version"`
}

func (v APIVersion) String() string {
	return fmt.Sprintf("%s+api%s", v.Version, v.APIVersion.String())
}

// ServerStats is a point-in-time utilization snapshot.
type ServerStats struct {
	Records        map[record.Status]int64 `json:"records"`
	QueueDepth     int64                   `json:"queue_depth"`
	ActiveServices int64                   `json:"active_services"`
	ActiveManagers int64                   `json:"active_managers"`
}
