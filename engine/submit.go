package engine

import (
	"context"
	"encoding/json"
	"strings"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/metrics"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

// Submission is one requested computation.
type Submission struct {
	Kind          string
	Specification record.Specification
	Context       json.RawMessage

	Tag      string
	Priority record.Priority

	// FindExisting dedups against prior records with the same kind,
	// specification and context. A forced-new record is itself invisible
	// to later dedup lookups.
	FindExisting bool
}

// BatchResult reports, per input position, whether the submission created a
// record or resolved to an existing one. IDs preserves input order.
type BatchResult struct {
	IDs []int64 `json:"ids"`

	NumInserted int `json:"num_inserted"`
	NumExisting int `json:"num_existing"`

	InsertedIdx []int `json:"inserted_idx,omitempty"`
	ExistingIdx []int `json:"existing_idx,omitempty"`
}

// Submit plans the submission with its kind and inserts (or finds) the
// record.
func (e *Engine) Submit(ctx context.Context, sub Submission) (int64, bool, error) {
	kind, err := e.kinds.get(sub.Kind)
	if err != nil {
		return 0, false, err
	}
	if sub.Priority < record.PriorityLow || sub.Priority > record.PriorityHigh {
		return 0, false, xerrors.Errorf("priority %d out of range", sub.Priority)
	}

	ctag := strings.ToLower(strings.TrimSpace(sub.Tag))
	if ctag == "" {
		ctag = "*"
	}

	spec := sub.Specification.Canonicalize()
	specID, err := e.store.UpsertSpecification(ctx, spec)
	if err != nil {
		return 0, false, err
	}

	task, service, err := kind.Plan(&spec, sub.Context)
	if err != nil {
		return 0, false, xerrors.Errorf("planning %s submission: %w", kind.Name(), err)
	}
	if service != nil {
		service.FindExisting = sub.FindExisting
	}

	id, created, err := e.store.FindOrCreateRecord(ctx, store.NewRecord{
		Kind:         kind.Name(),
		SpecID:       specID,
		Context:      sub.Context,
		Tag:          ctag,
		Priority:     sub.Priority,
		FindExisting: sub.FindExisting,
		Task:         task,
		Service:      service,
	})
	if err != nil {
		return 0, false, err
	}

	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Kind, kind.Name()))
	if created {
		stats.Record(ctx, metrics.RecordsSubmitted.M(1))
		e.journal.RecordEvent(e.evtRecordStatus, func() interface{} {
			return recordStatusEvt{RecordID: id, Kind: kind.Name(), To: record.StatusWaiting}
		})
	} else {
		stats.Record(ctx, metrics.RecordsDeduplicated.M(1))
	}
	return id, created, nil
}

// SubmitBatch submits each entry in order, stopping at the first hard
// failure. Entries resolved by dedup are reported in ExistingIdx.
func (e *Engine) SubmitBatch(ctx context.Context, subs []Submission) (*BatchResult, error) {
	res := &BatchResult{IDs: make([]int64, 0, len(subs))}
	for i, sub := range subs {
		id, created, err := e.Submit(ctx, sub)
		if err != nil {
			return nil, xerrors.Errorf("submission %d: %w", i, err)
		}
		res.IDs = append(res.IDs, id)
		if created {
			res.NumInserted++
			res.InsertedIdx = append(res.InsertedIdx, i)
		} else {
			res.NumExisting++
			res.ExistingIdx = append(res.ExistingIdx, i)
		}
	}
	return res, nil
}

// recordStatusEvt is the journal payload for record lifecycle changes.
type recordStatusEvt struct {
	RecordID int64
	Kind     string `json:",omitempty"`
	To       record.Status
	Manager  string `json:",omitempty"`
}
