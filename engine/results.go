package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/metrics"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

// RejectedResult explains why one returned result was not applied.
type RejectedResult struct {
	RecordID int64  `json:"record_id"`
	Reason   string `json:"reason"`
}

// SubmitResults ingests finished task results from a manager, keyed by
// record id. Per-record rejections (lost lease, record no longer active)
// are reported back rather than failing the call; infrastructure errors
// abort it.
func (e *Engine) SubmitResults(ctx context.Context, manager string, results map[int64]record.Result) (int, []RejectedResult, error) {
	if len(results) > e.cfg.ReturnLimit {
		return 0, nil, xerrors.Errorf("%d results in one submission, limit is %d", len(results), e.cfg.ReturnLimit)
	}

	m, err := e.store.GetManager(ctx, manager)
	if err != nil {
		return 0, nil, err
	}
	if m.Status != record.ManagerActive {
		return 0, nil, &record.ManagerNotActiveError{Name: manager}
	}

	ids := make([]int64, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	mctx, _ := tag.New(ctx, tag.Upsert(metrics.ManagerName, manager))

	var accepted int
	var rejected []RejectedResult
	for _, id := range ids {
		err := e.applyResult(ctx, manager, id, results[id])
		switch {
		case err == nil:
			accepted++
			stats.Record(mctx, metrics.ResultsAccepted.M(1))
		case isRecordRejection(err):
			rejected = append(rejected, RejectedResult{RecordID: id, Reason: err.Error()})
			stats.Record(mctx, metrics.ResultsRejected.M(1))
			log.Warnw("result rejected", "record", id, "manager", manager, "reason", err)
		default:
			return accepted, rejected, err
		}
	}
	return accepted, rejected, nil
}

func (e *Engine) applyResult(ctx context.Context, manager string, id int64, res record.Result) error {
	outputs, err := resultOutputs(res)
	if err != nil {
		return err
	}

	if res.Success {
		if err := e.store.CompleteRecord(ctx, store.CompleteParams{
			RecordID:   id,
			Manager:    manager,
			Properties: res.Properties,
			Outputs:    outputs,
			Walltime:   res.Walltime,
		}); err != nil {
			return err
		}
		stats.Record(ctx, metrics.ResultWalltime.M(res.Walltime*1000))
		e.journal.RecordEvent(e.evtRecordStatus, func() interface{} {
			return recordStatusEvt{RecordID: id, To: record.StatusComplete, Manager: manager}
		})
		return nil
	}

	if err := e.store.FailRecord(ctx, store.FailParams{
		RecordID: id,
		Manager:  manager,
		Outputs:  outputs,
		Walltime: res.Walltime,
	}); err != nil {
		return err
	}
	e.journal.RecordEvent(e.evtRecordStatus, func() interface{} {
		return recordStatusEvt{RecordID: id, To: record.StatusError, Manager: manager}
	})

	if e.cfg.AutoReset {
		class := record.ErrorClassUnknown
		if res.Error != nil {
			class = record.ClassifyError(res.Error.Type)
		}
		// reset failures leave the record in error, which is already a
		// consistent outcome
		if err := e.autoReset(ctx, id, class); err != nil {
			log.Errorw("automatic reset failed", "record", id, "class", class, "err", err)
		}
	}
	return nil
}

// autoReset requeues an errored record while its class counter is under the
// configured limit.
func (e *Engine) autoReset(ctx context.Context, id int64, class record.ErrorClass) error {
	limit := e.cfg.AutoResetLimits[class]
	if limit <= 0 {
		return nil
	}
	counts, err := e.store.GetResetCounts(ctx, id)
	if err != nil {
		return err
	}
	if counts[class] >= limit {
		log.Infow("record exhausted its automatic resets", "record", id, "class", class, "count", counts[class])
		return nil
	}

	task, service, err := e.planPayloads(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.ResetRecord(ctx, id, class, task, service); err != nil {
		return err
	}

	rctx, _ := tag.New(ctx, tag.Upsert(metrics.ErrorClass, string(class)))
	stats.Record(rctx, metrics.TaskResets.M(1))
	e.journal.RecordEvent(e.evtRecordStatus, func() interface{} {
		return recordStatusEvt{RecordID: id, To: record.StatusWaiting}
	})
	return nil
}

// planPayloads rebuilds the dispatch payload of an existing record from its
// stored submission.
func (e *Engine) planPayloads(ctx context.Context, id int64) (*store.TaskPayload, *store.ServicePayload, error) {
	sub, err := e.store.GetRecordSubmission(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	kind, err := e.kinds.get(sub.Kind)
	if err != nil {
		return nil, nil, err
	}
	task, service, err := kind.Plan(sub.Specification, sub.Context)
	if err != nil {
		return nil, nil, err
	}
	if service != nil {
		service.FindExisting = sub.FindExisting
	}
	return task, service, nil
}

func resultOutputs(res record.Result) ([]store.ResultOutput, error) {
	var outs []store.ResultOutput
	add := func(typ record.OutputType, data []byte) error {
		if len(data) == 0 {
			return nil
		}
		compressed, err := record.Compress(data, record.CompressionZstd)
		if err != nil {
			return xerrors.Errorf("compressing %s output: %w", typ, err)
		}
		outs = append(outs, store.ResultOutput{Type: typ, Compression: record.CompressionZstd, Data: compressed})
		return nil
	}

	if err := add(record.OutputStdout, res.Stdout); err != nil {
		return nil, err
	}
	if err := add(record.OutputStderr, res.Stderr); err != nil {
		return nil, err
	}
	if res.Error != nil {
		errJSON, err := json.Marshal(res.Error)
		if err != nil {
			return nil, err
		}
		if err := add(record.OutputError, errJSON); err != nil {
			return nil, err
		}
	}
	return outs, nil
}

// isRecordRejection separates per-record business rejections from
// infrastructure failures.
func isRecordRejection(err error) bool {
	var (
		notOwner   *record.NotOwnerError
		notActive  *record.NotActiveError
		notFound   *record.NotFoundError
		transition *record.InvalidTransitionError
		referenced *record.StillReferencedError
	)
	return errors.As(err, &notOwner) ||
		errors.As(err, &notActive) ||
		errors.As(err, &notFound) ||
		errors.As(err, &transition) ||
		errors.As(err, &referenced)
}
