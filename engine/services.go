package engine

import (
	"context"
	"errors"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/metrics"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

// IterateServices runs one orchestrator pass over the active services,
// highest priority first. A service still waiting on dependencies is left
// alone; the rest get one Iterate call each, spawning their next dependency
// batch or finalizing. Returns how many services moved.
func (e *Engine) IterateServices(ctx context.Context) (int, error) {
	jobs, err := e.store.ActiveServices(ctx, e.cfg.MaxActiveServices)
	if err != nil {
		return 0, err
	}

	var moved int
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return moved, ctx.Err()
		default:
		}

		ok, err := e.iterateService(ctx, job)
		if err != nil {
			log.Errorw("service iteration failed", "record", job.Service.RecordID, "kind", job.Kind, "err", err)
			continue
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

func (e *Engine) iterateService(ctx context.Context, job store.ServiceJob) (bool, error) {
	deps, err := e.store.ServiceDependencies(ctx, job.Service.ID)
	if err != nil {
		return false, err
	}

	var failed []int64
	for _, dep := range deps {
		if !dep.Status.Finished() {
			// current batch still in flight, retried next pass
			return false, nil
		}
		if dep.Status != record.StatusComplete {
			failed = append(failed, dep.RecordID)
		}
	}

	recordID := job.Service.RecordID

	if len(failed) > 0 {
		depErr := &record.DependencyFailedError{ServiceRecordID: recordID, FailedIDs: failed}
		if err := e.failService(ctx, recordID, "dependency_error", depErr.Error()); err != nil {
			return false, err
		}
		return true, nil
	}

	kind, err := e.kinds.service(job.Kind)
	if err != nil {
		return false, err
	}
	spec, err := e.store.GetSpecification(ctx, job.SpecID)
	if err != nil {
		return false, err
	}

	outcome, err := kind.Iterate(IterationJob{
		RecordID:      recordID,
		Specification: spec,
		Context:       job.Context,
		State:         job.Service.State,
		Dependencies:  deps,
	})
	if err != nil {
		log.Warnw("service kind errored", "record", recordID, "kind", job.Kind, "err", err)
		if err := e.failService(ctx, recordID, "service_iteration_error", err.Error()); err != nil {
			return false, err
		}
		return true, nil
	}

	sctx, _ := tag.New(ctx, tag.Upsert(metrics.Kind, job.Kind))
	stats.Record(sctx, metrics.ServiceIterations.M(1))

	if outcome.Done {
		if err := e.store.CompleteService(ctx, recordID, outcome.Properties, nil); err != nil {
			return false, err
		}
		e.journal.RecordEvent(e.evtRecordStatus, func() interface{} {
			return recordStatusEvt{RecordID: recordID, Kind: job.Kind, To: record.StatusComplete}
		})
		return true, nil
	}

	children := make([]store.NewChild, 0, len(outcome.Children))
	for _, cs := range outcome.Children {
		child, err := e.planChild(ctx, job, cs)
		if err != nil {
			return false, err
		}
		children = append(children, child)
	}

	childIDs, err := e.store.AdvanceService(ctx, store.AdvanceParams{
		ServiceID:        job.Service.ID,
		RecordID:         recordID,
		PrevStateVersion: job.Service.StateVersion,
		State:            outcome.State,
		Children:         children,
	})
	if errors.Is(err, store.ErrStaleService) {
		// someone else advanced it; the next pass works from the new state
		log.Debugw("service advanced elsewhere", "record", recordID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.journal.RecordEvent(e.evtServiceIteration, func() interface{} {
		return serviceIterationEvt{RecordID: recordID, Kind: job.Kind, Children: childIDs}
	})
	return true, nil
}

// planChild turns a ChildSpec emitted by a service kind into an insertable
// dependency record. Children inherit the service's tag, priority and dedup
// behavior.
func (e *Engine) planChild(ctx context.Context, job store.ServiceJob, cs ChildSpec) (store.NewChild, error) {
	kind, err := e.kinds.get(cs.Kind)
	if err != nil {
		return store.NewChild{}, err
	}
	spec := cs.Specification.Canonicalize()
	specID, err := e.store.UpsertSpecification(ctx, spec)
	if err != nil {
		return store.NewChild{}, err
	}
	task, service, err := kind.Plan(&spec, cs.Context)
	if err != nil {
		return store.NewChild{}, xerrors.Errorf("planning %s dependency: %w", cs.Kind, err)
	}
	if service != nil {
		service.FindExisting = job.Service.FindExisting
	}
	return store.NewChild{
		NewRecord: store.NewRecord{
			Kind:         kind.Name(),
			SpecID:       specID,
			Context:      cs.Context,
			Tag:          job.Service.Tag,
			Priority:     job.Service.Priority,
			FindExisting: job.Service.FindExisting,
			Task:         task,
			Service:      service,
		},
		Extras: cs.Extras,
	}, nil
}

// failService moves the service record to error with a synthesized error
// output.
func (e *Engine) failService(ctx context.Context, recordID int64, errType, message string) error {
	outputs, err := resultOutputs(record.Result{
		Error: &record.ComputeError{Type: errType, Message: message},
	})
	if err != nil {
		return err
	}
	if err := e.store.FailService(ctx, recordID, outputs); err != nil {
		return err
	}
	e.journal.RecordEvent(e.evtRecordStatus, func() interface{} {
		return recordStatusEvt{RecordID: recordID, To: record.StatusError}
	})
	return nil
}

// serviceIterationEvt is the journal payload for one orchestrator advance.
type serviceIterationEvt struct {
	RecordID int64
	Kind     string
	Children []int64 `json:",omitempty"`
}
