package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/record"
)

// TaskPayload is the dispatch payload for a leaf record: what a manager will
// eventually execute. Args are stored as handed in, so callers compress
// before building the payload.
type TaskPayload struct {
	Function         string
	Args             []byte
	ArgsCompression  record.Compression
	RequiredPrograms []string
}

// ServicePayload is the dispatch payload for an iterative record.
type ServicePayload struct {
	State        json.RawMessage
	FindExisting bool
}

// NewRecord describes a record to insert together with its dispatch payload.
// Exactly one of Task and Service must be set.
type NewRecord struct {
	Kind     string
	SpecID   int64
	Context  json.RawMessage
	Tag      string
	Priority record.Priority

	// FindExisting enables deduplication: a prior record with the same
	// (kind, specification, context) is returned instead of inserting.
	FindExisting bool

	Task    *TaskPayload
	Service *ServicePayload
}

// Include selects which related data GetRecords loads alongside the base
// record rows.
type Include struct {
	Context  bool `json:"context,omitempty"`
	Task     bool `json:"task,omitempty"`
	Service  bool `json:"service,omitempty"`
	Children bool `json:"children,omitempty"`
}

// FindOrCreateRecord inserts the record in waiting status along with its
// task or service row, all in one transaction. With FindExisting set, a
// record already owning the dedup key is returned instead and nothing is
// written.
func (s *Store) FindOrCreateRecord(ctx context.Context, nr NewRecord) (id int64, created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		id, created, err = s.findOrCreateRecordTx(ctx, tx, nr)
		return err
	})
	return id, created, err
}

func (s *Store) findOrCreateRecordTx(ctx context.Context, tx *sql.Tx, nr NewRecord) (int64, bool, error) {
	if (nr.Task == nil) == (nr.Service == nil) {
		return 0, false, xerrors.Errorf("record of kind %s needs exactly one dispatch payload", nr.Kind)
	}

	var key sql.NullString
	if nr.FindExisting {
		k, err := dedupKey(nr.Kind, nr.SpecID, nr.Context)
		if err != nil {
			return 0, false, err
		}
		key = sql.NullString{String: k, Valid: true}

		var existing int64
		err = tx.StmtContext(ctx, s.stmts.getRecordIDByDedupKey).QueryRowContext(ctx, k).Scan(&existing)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, false, xerrors.Errorf("dedup lookup: %w", err)
		}
	}

	now := nowMillis()
	res, err := tx.StmtContext(ctx, s.stmts.insertRecord).ExecContext(ctx,
		nr.Kind, nr.SpecID, nullableBlob(nr.Context), key, record.StatusWaiting, nr.Tag, int64(nr.Priority), now, now)
	if err != nil {
		if isUniqueConstraintErr(err) && key.Valid {
			// lost a dedup race to a concurrent writer
			var existing int64
			if err := tx.StmtContext(ctx, s.stmts.getRecordIDByDedupKey).QueryRowContext(ctx, key.String).Scan(&existing); err != nil {
				return 0, false, xerrors.Errorf("dedup lookup after conflict: %w", err)
			}
			return existing, false, nil
		}
		return 0, false, xerrors.Errorf("inserting record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}

	if nr.Task != nil {
		if err := s.insertTaskTx(ctx, tx, id, nr.Tag, nr.Priority, nr.Task, now); err != nil {
			return 0, false, err
		}
	}
	if nr.Service != nil {
		if err := s.insertServiceTx(ctx, tx, id, nr.Tag, nr.Priority, nr.Service, now); err != nil {
			return 0, false, err
		}
	}

	return id, true, nil
}

func (s *Store) insertTaskTx(ctx context.Context, tx *sql.Tx, recordID int64, tag string, prio record.Priority, p *TaskPayload, now int64) error {
	progs, err := marshalStringList(p.RequiredPrograms)
	if err != nil {
		return err
	}

	res, err := tx.StmtContext(ctx, s.stmts.insertTask).ExecContext(ctx,
		recordID, tag, int64(prio), p.Function, nullableBlob(p.Args), string(p.ArgsCompression), progs, now)
	if err != nil {
		return xerrors.Errorf("inserting task for record %d: %w", recordID, err)
	}
	taskID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, prog := range p.RequiredPrograms {
		if _, err := tx.StmtContext(ctx, s.stmts.insertTaskProgram).ExecContext(ctx, taskID, prog); err != nil {
			return xerrors.Errorf("inserting task program %q: %w", prog, err)
		}
	}
	return nil
}

func (s *Store) insertServiceTx(ctx context.Context, tx *sql.Tx, recordID int64, tag string, prio record.Priority, p *ServicePayload, now int64) error {
	fe := 0
	if p.FindExisting {
		fe = 1
	}
	if _, err := tx.StmtContext(ctx, s.stmts.insertService).ExecContext(ctx,
		recordID, tag, int64(prio), fe, nullableBlob(p.State), now); err != nil {
		return xerrors.Errorf("inserting service for record %d: %w", recordID, err)
	}
	return nil
}

// recordMeta is the slice of a record row that state transitions need.
type recordMeta struct {
	kind     string
	status   record.Status
	tag      string
	priority record.Priority
}

func (s *Store) recordMetaTx(ctx context.Context, tx *sql.Tx, id int64) (recordMeta, error) {
	var m recordMeta
	var status string
	var prio int64
	err := tx.StmtContext(ctx, s.stmts.getRecordMeta).QueryRowContext(ctx, id).Scan(&m.kind, &status, &m.tag, &prio)
	if errors.Is(err, sql.ErrNoRows) {
		return m, &record.NotFoundError{What: "record", ID: id}
	}
	if err != nil {
		return m, xerrors.Errorf("loading record %d: %w", id, err)
	}
	m.status = record.Status(status)
	m.priority = record.Priority(prio)
	return m, nil
}

func (s *Store) backupTx(ctx context.Context, tx *sql.Tx, id int64, m recordMeta, now int64) error {
	if _, err := tx.StmtContext(ctx, s.stmts.insertInfoBackup).ExecContext(ctx,
		id, string(m.status), m.tag, int64(m.priority), now); err != nil {
		return xerrors.Errorf("snapshotting record %d: %w", id, err)
	}
	return nil
}

func (s *Store) latestBackupTx(ctx context.Context, tx *sql.Tx, id int64) (*record.InfoBackup, error) {
	var bk record.InfoBackup
	var status string
	var prio, modified int64
	err := tx.StmtContext(ctx, s.stmts.getLatestInfoBackup).QueryRowContext(ctx, id).Scan(
		&bk.ID, &status, &bk.OldTag, &prio, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("loading backup for record %d: %w", id, err)
	}
	bk.RecordID = id
	bk.OldStatus = record.Status(status)
	bk.OldPriority = record.Priority(prio)
	bk.ModifiedAt = fromMillis(modified)
	return &bk, nil
}

func (s *Store) dropDispatchRowsTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.StmtContext(ctx, s.stmts.deleteTaskForRecord).ExecContext(ctx, id); err != nil {
		return xerrors.Errorf("deleting task for record %d: %w", id, err)
	}
	if _, err := tx.StmtContext(ctx, s.stmts.deleteServiceForRecord).ExecContext(ctx, id); err != nil {
		return xerrors.Errorf("deleting service for record %d: %w", id, err)
	}
	return nil
}

// transitionTerminalTx moves a record onto one of the dead-end statuses,
// snapshotting its info and dropping the live task or service row.
func (s *Store) transitionTerminalTx(ctx context.Context, tx *sql.Tx, id int64, to record.Status) error {
	m, err := s.recordMetaTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := record.ValidateTransition(m.status, to); err != nil {
		return err
	}

	now := nowMillis()
	if err := s.backupTx(ctx, tx, id, m, now); err != nil {
		return err
	}
	if err := s.dropDispatchRowsTx(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.StmtContext(ctx, s.stmts.updateRecordStatus).ExecContext(ctx, string(to), now, id); err != nil {
		return xerrors.Errorf("updating record %d status: %w", id, err)
	}
	return nil
}

// CancelRecord moves a record to cancelled, dropping its live task or
// service entry. Results returned for it afterwards are rejected.
func (s *Store) CancelRecord(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.transitionTerminalTx(ctx, tx, id, record.StatusCancelled)
	})
}

// InvalidateRecord marks a completed record's results as invalid.
func (s *Store) InvalidateRecord(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.transitionTerminalTx(ctx, tx, id, record.StatusInvalid)
	})
}

// SoftDeleteRecord marks a record deleted without removing the row, so the
// id stays resolvable and the change stays revertable by hand if needed.
func (s *Store) SoftDeleteRecord(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.transitionTerminalTx(ctx, tx, id, record.StatusDeleted)
	})
}

// HardDeleteRecord removes the record row and everything hanging off it.
// Records other services still depend on cannot be removed.
func (s *Store) HardDeleteRecord(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var dependents int64
		if err := tx.StmtContext(ctx, s.stmts.countServiceDependents).QueryRowContext(ctx, id).Scan(&dependents); err != nil {
			return xerrors.Errorf("counting dependents of record %d: %w", id, err)
		}
		if dependents > 0 {
			return &record.StillReferencedError{RecordID: id, Dependents: dependents}
		}

		res, err := tx.StmtContext(ctx, s.stmts.deleteRecord).ExecContext(ctx, id)
		if err != nil {
			return xerrors.Errorf("deleting record %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &record.NotFoundError{What: "record", ID: id}
		}
		return nil
	})
}

// ResetRecord returns an errored record to the queue with a fresh dispatch
// payload. A non-empty class bumps that class's automatic reset counter;
// manual resets pass the empty class and clear the counters instead.
func (s *Store) ResetRecord(ctx context.Context, id int64, class record.ErrorClass, task *TaskPayload, service *ServicePayload) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.recordMetaTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := record.ValidateTransition(m.status, record.StatusWaiting); err != nil {
			return err
		}

		now := nowMillis()
		if err := s.backupTx(ctx, tx, id, m, now); err != nil {
			return err
		}

		if class != "" {
			if _, err := tx.StmtContext(ctx, s.stmts.bumpResetCount).ExecContext(ctx, id, string(class)); err != nil {
				return xerrors.Errorf("bumping reset count for record %d: %w", id, err)
			}
		} else {
			if _, err := tx.StmtContext(ctx, s.stmts.clearResetCounts).ExecContext(ctx, id); err != nil {
				return xerrors.Errorf("clearing reset counts for record %d: %w", id, err)
			}
		}

		return s.requeueTx(ctx, tx, id, m.tag, m.priority, record.StatusWaiting, task, service, now)
	})
}

// RevertRecord undoes a terminal status: the newest info snapshot is
// consumed to restore tag and priority, retry counters are cleared, and a
// fresh dispatch payload is queued.
func (s *Store) RevertRecord(ctx context.Context, id int64, target record.Status, task *TaskPayload, service *ServicePayload) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.recordMetaTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := record.ValidateTransition(m.status, target); err != nil {
			return err
		}

		now := nowMillis()
		tag, prio := m.tag, m.priority

		bk, err := s.latestBackupTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if bk != nil {
			tag, prio = bk.OldTag, bk.OldPriority
			if _, err := tx.StmtContext(ctx, s.stmts.deleteInfoBackup).ExecContext(ctx, bk.ID); err != nil {
				return xerrors.Errorf("consuming backup %d: %w", bk.ID, err)
			}
			if _, err := tx.StmtContext(ctx, s.stmts.updateRecordInfo).ExecContext(ctx, tag, int64(prio), now, id); err != nil {
				return xerrors.Errorf("restoring record %d info: %w", id, err)
			}
		}

		if _, err := tx.StmtContext(ctx, s.stmts.clearResetCounts).ExecContext(ctx, id); err != nil {
			return xerrors.Errorf("clearing reset counts for record %d: %w", id, err)
		}

		return s.requeueTx(ctx, tx, id, tag, prio, target, task, service, now)
	})
}

func (s *Store) requeueTx(ctx context.Context, tx *sql.Tx, id int64, tag string, prio record.Priority, to record.Status, task *TaskPayload, service *ServicePayload, now int64) error {
	// stale dispatch rows should never exist here, but make requeue
	// idempotent about them
	if err := s.dropDispatchRowsTx(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.StmtContext(ctx, s.stmts.updateRecordStatus).ExecContext(ctx, string(to), now, id); err != nil {
		return xerrors.Errorf("updating record %d status: %w", id, err)
	}

	if task != nil {
		return s.insertTaskTx(ctx, tx, id, tag, prio, task, now)
	}
	if service != nil {
		return s.insertServiceTx(ctx, tx, id, tag, prio, service, now)
	}
	return xerrors.Errorf("record %d requeued without a dispatch payload", id)
}

// UpdateRecordInfo changes the tag and/or priority of a record, mirroring
// the change onto its live task or service row so claim matching and
// orchestrator ordering follow.
func (s *Store) UpdateRecordInfo(ctx context.Context, id int64, tag *string, priority *record.Priority) error {
	if tag == nil && priority == nil {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.recordMetaTx(ctx, tx, id)
		if err != nil {
			return err
		}

		newTag, newPrio := m.tag, m.priority
		if tag != nil {
			newTag = *tag
		}
		if priority != nil {
			newPrio = *priority
		}
		if newTag == m.tag && newPrio == m.priority {
			return nil
		}

		now := nowMillis()
		if err := s.backupTx(ctx, tx, id, m, now); err != nil {
			return err
		}
		if _, err := tx.StmtContext(ctx, s.stmts.updateRecordInfo).ExecContext(ctx, newTag, int64(newPrio), now, id); err != nil {
			return xerrors.Errorf("updating record %d info: %w", id, err)
		}
		if _, err := tx.StmtContext(ctx, s.stmts.updateTaskInfo).ExecContext(ctx, newTag, int64(newPrio), id); err != nil {
			return xerrors.Errorf("updating task info for record %d: %w", id, err)
		}
		if _, err := tx.StmtContext(ctx, s.stmts.updateServiceInfo).ExecContext(ctx, newTag, int64(newPrio), id); err != nil {
			return xerrors.Errorf("updating service info for record %d: %w", id, err)
		}
		return nil
	})
}

// ResultOutput is one output blob attached to a record by a result or a
// service failure.
type ResultOutput struct {
	Type        record.OutputType
	Compression record.Compression
	Data        []byte
}

// CompleteParams finalizes a successful task execution.
type CompleteParams struct {
	RecordID   int64
	Manager    string
	Properties json.RawMessage
	Outputs    []ResultOutput
	Walltime   float64
}

// CompleteRecord moves a running record to complete: the task row is
// dropped, properties are stored, a history entry is appended and the
// outputs are upserted. The posting manager must hold the task lease.
func (s *Store) CompleteRecord(ctx context.Context, p CompleteParams) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkOwnershipTx(ctx, tx, p.RecordID, p.Manager); err != nil {
			return err
		}
		m, err := s.recordMetaTx(ctx, tx, p.RecordID)
		if err != nil {
			return err
		}
		if err := record.ValidateTransition(m.status, record.StatusComplete); err != nil {
			return err
		}

		now := nowMillis()
		if _, err := tx.StmtContext(ctx, s.stmts.deleteTaskForRecord).ExecContext(ctx, p.RecordID); err != nil {
			return xerrors.Errorf("deleting task for record %d: %w", p.RecordID, err)
		}
		if _, err := tx.StmtContext(ctx, s.stmts.finishRecord).ExecContext(ctx,
			string(record.StatusComplete), p.Manager, nullableBlob(p.Properties), now, p.RecordID); err != nil {
			return xerrors.Errorf("completing record %d: %w", p.RecordID, err)
		}
		if err := s.appendHistoryTx(ctx, tx, p.RecordID, record.StatusComplete, p.Manager, p.Walltime, now); err != nil {
			return err
		}
		return s.upsertOutputsTx(ctx, tx, p.RecordID, p.Outputs)
	})
}

// FailParams finalizes a failed task execution.
type FailParams struct {
	RecordID int64
	Manager  string
	Outputs  []ResultOutput
	Walltime float64
}

// FailRecord moves a running record to error. The record info is
// snapshotted first so a later revert can restore it.
func (s *Store) FailRecord(ctx context.Context, p FailParams) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkOwnershipTx(ctx, tx, p.RecordID, p.Manager); err != nil {
			return err
		}
		m, err := s.recordMetaTx(ctx, tx, p.RecordID)
		if err != nil {
			return err
		}
		if err := record.ValidateTransition(m.status, record.StatusError); err != nil {
			return err
		}

		now := nowMillis()
		if err := s.backupTx(ctx, tx, p.RecordID, m, now); err != nil {
			return err
		}
		if _, err := tx.StmtContext(ctx, s.stmts.deleteTaskForRecord).ExecContext(ctx, p.RecordID); err != nil {
			return xerrors.Errorf("deleting task for record %d: %w", p.RecordID, err)
		}
		if _, err := tx.StmtContext(ctx, s.stmts.finishRecord).ExecContext(ctx,
			string(record.StatusError), p.Manager, nil, now, p.RecordID); err != nil {
			return xerrors.Errorf("failing record %d: %w", p.RecordID, err)
		}
		if err := s.appendHistoryTx(ctx, tx, p.RecordID, record.StatusError, p.Manager, p.Walltime, now); err != nil {
			return err
		}
		return s.upsertOutputsTx(ctx, tx, p.RecordID, p.Outputs)
	})
}

// checkOwnershipTx verifies the record still has a live task and that the
// manager holds its lease.
func (s *Store) checkOwnershipTx(ctx context.Context, tx *sql.Tx, recordID int64, manager string) error {
	var owner sql.NullString
	err := tx.StmtContext(ctx, s.stmts.getTaskOwner).QueryRowContext(ctx, recordID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return &record.NotActiveError{RecordID: recordID}
	}
	if err != nil {
		return xerrors.Errorf("loading task owner for record %d: %w", recordID, err)
	}
	if !owner.Valid || owner.String != manager {
		return &record.NotOwnerError{Manager: manager, RecordID: recordID}
	}
	return nil
}

func (s *Store) appendHistoryTx(ctx context.Context, tx *sql.Tx, recordID int64, status record.Status, manager string, walltime float64, now int64) error {
	if _, err := tx.StmtContext(ctx, s.stmts.insertHistory).ExecContext(ctx,
		recordID, string(status), manager, walltime, now); err != nil {
		return xerrors.Errorf("appending history for record %d: %w", recordID, err)
	}
	return nil
}

func (s *Store) upsertOutputsTx(ctx context.Context, tx *sql.Tx, recordID int64, outputs []ResultOutput) error {
	for _, o := range outputs {
		if _, err := tx.StmtContext(ctx, s.stmts.upsertOutput).ExecContext(ctx,
			recordID, string(o.Type), string(o.Compression), o.Data); err != nil {
			return xerrors.Errorf("storing %s output for record %d: %w", o.Type, recordID, err)
		}
	}
	return nil
}

// GetRecord loads one record, or a NotFoundError.
func (s *Store) GetRecord(ctx context.Context, id int64, inc Include) (*record.Record, error) {
	recs, err := s.GetRecords(ctx, []int64{id}, inc)
	if err != nil {
		return nil, err
	}
	if recs[0] == nil {
		return nil, &record.NotFoundError{What: "record", ID: id}
	}
	return recs[0], nil
}

// GetRecords loads records by id, preserving order. Missing ids produce nil
// slots rather than an error.
func (s *Store) GetRecords(ctx context.Context, ids []int64, inc Include) ([]*record.Record, error) {
	out := make([]*record.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `SELECT id, kind, spec_id, status, tag, priority, manager, properties, created_at, modified_at
		FROM records WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, xerrors.Errorf("loading records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[int64]*record.Record, len(ids))
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, id := range ids {
		out[i] = byID[id]
	}

	for _, r := range out {
		if r == nil {
			continue
		}
		if err := s.fillIncludes(ctx, r, inc); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) fillIncludes(ctx context.Context, r *record.Record, inc Include) error {
	if inc.Context {
		var context []byte
		if err := s.stmts.getRecordContext.QueryRowContext(ctx, r.ID).Scan(&context); err != nil {
			return xerrors.Errorf("loading context for record %d: %w", r.ID, err)
		}
		r.Context = context
	}
	if inc.Task {
		t, err := s.GetTaskForRecord(ctx, r.ID)
		if err != nil {
			return err
		}
		r.Task = t
	}
	if inc.Service {
		svc, err := s.GetServiceForRecord(ctx, r.ID)
		if err != nil {
			return err
		}
		r.Service = svc
	}
	if inc.Children {
		children, err := s.GetChildren(ctx, r.ID)
		if err != nil {
			return err
		}
		r.ChildIDs = children
	}
	return nil
}

func scanRecord(rows *sql.Rows) (*record.Record, error) {
	var (
		r                 record.Record
		status            string
		prio              int64
		props             []byte
		created, modified int64
	)
	if err := rows.Scan(&r.ID, &r.Kind, &r.SpecID, &status, &r.Tag, &prio, &r.Manager, &props, &created, &modified); err != nil {
		return nil, xerrors.Errorf("scanning record row: %w", err)
	}
	r.Status = record.Status(status)
	r.Priority = record.Priority(prio)
	r.Properties = props
	r.CreatedAt = fromMillis(created)
	r.ModifiedAt = fromMillis(modified)
	return &r, nil
}

// GetChildren returns the ids of the record's direct children.
func (s *Store) GetChildren(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.stmts.getChildren.QueryContext(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("loading children of record %d: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var child int64
		if err := rows.Scan(&child); err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, rows.Err()
}

// Submission is the stored input of a record, sufficient to rebuild its
// dispatch payload. FindExisting reflects whether the original submission
// participated in deduplication.
type Submission struct {
	Kind          string
	Specification *record.Specification
	Context       json.RawMessage
	FindExisting  bool
}

// GetRecordSubmission returns the record's stored submission.
func (s *Store) GetRecordSubmission(ctx context.Context, id int64) (*Submission, error) {
	r, err := s.GetRecord(ctx, id, Include{Context: true})
	if err != nil {
		return nil, err
	}
	spec, err := s.GetSpecification(ctx, r.SpecID)
	if err != nil {
		return nil, err
	}
	var findExisting bool
	if err := s.stmts.getRecordDedup.QueryRowContext(ctx, id).Scan(&findExisting); err != nil {
		return nil, xerrors.Errorf("loading dedup flag for record %d: %w", id, err)
	}
	return &Submission{Kind: r.Kind, Specification: spec, Context: r.Context, FindExisting: findExisting}, nil
}

// GetResetCounts returns the per-class automatic reset counters of a record.
func (s *Store) GetResetCounts(ctx context.Context, id int64) (map[record.ErrorClass]int, error) {
	rows, err := s.stmts.getResetCounts.QueryContext(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("loading reset counts for record %d: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[record.ErrorClass]int)
	for rows.Next() {
		var class string
		var count int
		if err := rows.Scan(&class, &count); err != nil {
			return nil, err
		}
		out[record.ErrorClass(class)] = count
	}
	return out, rows.Err()
}

// GetHistory returns the record's execution attempts, oldest first.
func (s *Store) GetHistory(ctx context.Context, id int64) ([]record.HistoryEntry, error) {
	rows, err := s.stmts.getHistory.QueryContext(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("loading history for record %d: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var out []record.HistoryEntry
	for rows.Next() {
		var (
			h        record.HistoryEntry
			status   string
			modified int64
		)
		if err := rows.Scan(&h.ID, &h.RecordID, &status, &h.Manager, &h.Walltime, &modified); err != nil {
			return nil, err
		}
		h.Status = record.Status(status)
		h.ModifiedAt = fromMillis(modified)
		out = append(out, h)
	}
	return out, rows.Err()
}

// AddComment attaches an administrative note to a record.
func (s *Store) AddComment(ctx context.Context, id int64, user, comment string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.recordMetaTx(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.StmtContext(ctx, s.stmts.insertComment).ExecContext(ctx,
			id, user, comment, nowMillis()); err != nil {
			return xerrors.Errorf("adding comment to record %d: %w", id, err)
		}
		return nil
	})
}

// GetComments returns the record's comments, oldest first.
func (s *Store) GetComments(ctx context.Context, id int64) ([]record.Comment, error) {
	rows, err := s.stmts.getComments.QueryContext(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("loading comments for record %d: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var out []record.Comment
	for rows.Next() {
		var (
			c       record.Comment
			created int64
		)
		if err := rows.Scan(&c.ID, &c.RecordID, &c.User, &c.Comment, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = fromMillis(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetOutput returns one stored output blob, still compressed.
func (s *Store) GetOutput(ctx context.Context, id int64, typ record.OutputType) (*ResultOutput, error) {
	var (
		compression string
		data        []byte
	)
	err := s.stmts.getOutput.QueryRowContext(ctx, id, string(typ)).Scan(&compression, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &record.NotFoundError{What: string(typ) + " output for record", ID: id}
	}
	if err != nil {
		return nil, xerrors.Errorf("loading %s output for record %d: %w", typ, id, err)
	}
	return &ResultOutput{Type: typ, Compression: record.Compression(compression), Data: data}, nil
}

// CountRecordsByStatus returns how many records sit in each status.
func (s *Store) CountRecordsByStatus(ctx context.Context) (map[record.Status]int64, error) {
	rows, err := s.stmts.countByStatus.QueryContext(ctx)
	if err != nil {
		return nil, xerrors.Errorf("counting records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[record.Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[record.Status(status)] = count
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
