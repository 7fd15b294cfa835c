package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

// UpdateResult reports a bulk lifecycle operation: how many records moved,
// and per record why the rest did not.
type UpdateResult struct {
	NUpdated int           `json:"n_updated"`
	Errors   []RecordError `json:"errors,omitempty"`
}

type RecordError struct {
	RecordID int64  `json:"record_id"`
	Reason   string `json:"reason"`
}

// applyBulk runs op over the ids, sorting outcomes into updates, per-record
// rejections and infrastructure failures. Rejections never abort the batch.
func (e *Engine) applyBulk(ctx context.Context, ids []int64, op func(context.Context, int64) error) (*UpdateResult, error) {
	res := &UpdateResult{}
	var merr *multierror.Error
	for _, id := range ids {
		err := op(ctx, id)
		switch {
		case err == nil:
			res.NUpdated++
		case isRecordRejection(err):
			res.Errors = append(res.Errors, RecordError{RecordID: id, Reason: err.Error()})
		default:
			merr = multierror.Append(merr, xerrors.Errorf("record %d: %w", id, err))
		}
	}
	return res, merr.ErrorOrNil()
}

// CancelRecords cancels each record. Service records have their outstanding
// dependencies cancelled first, recursively, so no orphaned tasks keep
// running.
func (e *Engine) CancelRecords(ctx context.Context, ids []int64) (*UpdateResult, error) {
	return e.applyBulk(ctx, ids, e.cancelRecord)
}

func (e *Engine) cancelRecord(ctx context.Context, id int64) error {
	deps, err := e.store.UnfinishedDependencies(ctx, id)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if err := e.cancelRecord(ctx, dep); err != nil {
			var it *record.InvalidTransitionError
			if errors.As(err, &it) {
				// the dependency finished while we were walking
				continue
			}
			return err
		}
	}

	if err := e.store.CancelRecord(ctx, id); err != nil {
		return err
	}
	e.journal.RecordEvent(e.evtRecordStatus, func() interface{} {
		return recordStatusEvt{RecordID: id, To: record.StatusCancelled}
	})
	return nil
}

// InvalidateRecords marks completed records as scientifically unsound,
// keeping their results readable.
func (e *Engine) InvalidateRecords(ctx context.Context, ids []int64) (*UpdateResult, error) {
	return e.applyBulk(ctx, ids, func(ctx context.Context, id int64) error {
		if err := e.store.InvalidateRecord(ctx, id); err != nil {
			return err
		}
		e.journal.RecordEvent(e.evtRecordStatus, func() interface{} {
			return recordStatusEvt{RecordID: id, To: record.StatusInvalid}
		})
		return nil
	})
}

// DeleteRecords deletes records, softly by default. With cascade set, each
// record's children go first, recursively. Hard deletes remove the rows;
// records other live services depend on are rejected.
func (e *Engine) DeleteRecords(ctx context.Context, ids []int64, soft, cascade bool) (*UpdateResult, error) {
	return e.applyBulk(ctx, ids, func(ctx context.Context, id int64) error {
		return e.deleteRecord(ctx, id, soft, cascade)
	})
}

func (e *Engine) deleteRecord(ctx context.Context, id int64, soft, cascade bool) error {
	if cascade {
		children, err := e.store.GetChildren(ctx, id)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := e.deleteRecord(ctx, child, soft, cascade); err != nil {
				var it *record.InvalidTransitionError
				if errors.As(err, &it) {
					// already deleted through another parent
					continue
				}
				return err
			}
		}
	}

	if soft {
		if err := e.store.SoftDeleteRecord(ctx, id); err != nil {
			return err
		}
		e.journal.RecordEvent(e.evtRecordStatus, func() interface{} {
			return recordStatusEvt{RecordID: id, To: record.StatusDeleted}
		})
		return nil
	}
	return e.store.HardDeleteRecord(ctx, id)
}

// ResetRecords returns errored records to the queue with fresh dispatch
// payloads. Manual resets clear the automatic retry counters.
func (e *Engine) ResetRecords(ctx context.Context, ids []int64) (*UpdateResult, error) {
	return e.applyBulk(ctx, ids, func(ctx context.Context, id int64) error {
		return e.requeueRecord(ctx, id, func(task *store.TaskPayload, service *store.ServicePayload) error {
			return e.store.ResetRecord(ctx, id, "", task, service)
		})
	})
}

// RevertRecords undoes cancellations and invalidations: the records return
// to waiting with the tag and priority they had before the terminal change.
func (e *Engine) RevertRecords(ctx context.Context, ids []int64) (*UpdateResult, error) {
	return e.applyBulk(ctx, ids, func(ctx context.Context, id int64) error {
		return e.requeueRecord(ctx, id, func(task *store.TaskPayload, service *store.ServicePayload) error {
			return e.store.RevertRecord(ctx, id, record.StatusWaiting, task, service)
		})
	})
}

func (e *Engine) requeueRecord(ctx context.Context, id int64, write func(*store.TaskPayload, *store.ServicePayload) error) error {
	task, service, err := e.planPayloads(ctx, id)
	if err != nil {
		return err
	}
	if err := write(task, service); err != nil {
		return err
	}
	e.journal.RecordEvent(e.evtRecordStatus, func() interface{} {
		return recordStatusEvt{RecordID: id, To: record.StatusWaiting}
	})
	return nil
}

// ModifyRecords changes tag and/or priority on each record, following
// through to live task and service rows so dispatch ordering tracks the
// change.
func (e *Engine) ModifyRecords(ctx context.Context, ids []int64, tag *string, priority *record.Priority) (*UpdateResult, error) {
	if tag != nil {
		t := strings.ToLower(strings.TrimSpace(*tag))
		if t == "" {
			return nil, xerrors.Errorf("tag must not be empty")
		}
		tag = &t
	}
	if priority != nil && (*priority < record.PriorityLow || *priority > record.PriorityHigh) {
		return nil, xerrors.Errorf("priority %d out of range", *priority)
	}
	return e.applyBulk(ctx, ids, func(ctx context.Context, id int64) error {
		return e.store.UpdateRecordInfo(ctx, id, tag, priority)
	})
}
