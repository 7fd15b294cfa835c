package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/record"
)

// ErrStaleService is returned when a service write lost an optimistic
// concurrency race: the state_version the caller iterated from is no longer
// current.
var ErrStaleService = errors.New("service state changed since it was read")

// ServiceJob is an active service joined with the bits of its parent record
// an orchestrator iteration needs.
type ServiceJob struct {
	Service record.Service

	Kind    string
	Status  record.Status
	SpecID  int64
	Context json.RawMessage
}

// Dependency is a service dependency joined with the dependency record's
// current status and properties.
type Dependency struct {
	RecordID   int64
	Extras     json.RawMessage
	Status     record.Status
	Properties json.RawMessage
}

// ActiveServices returns up to limit services whose parent record is still
// waiting or running, highest priority first, oldest first within a
// priority.
func (s *Store) ActiveServices(ctx context.Context, limit int) ([]ServiceJob, error) {
	rows, err := s.stmts.activeServices.QueryContext(ctx, limit)
	if err != nil {
		return nil, xerrors.Errorf("querying active services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ServiceJob
	for rows.Next() {
		var (
			j             ServiceJob
			prio          int64
			fe            int
			state         []byte
			created       int64
			status        string
			parentContext []byte
		)
		if err := rows.Scan(&j.Service.ID, &j.Service.RecordID, &j.Service.Tag, &prio, &fe, &state, &j.Service.StateVersion, &created,
			&j.Kind, &status, &j.SpecID, &parentContext); err != nil {
			return nil, xerrors.Errorf("scanning service row: %w", err)
		}
		j.Service.Priority = record.Priority(prio)
		j.Service.FindExisting = fe != 0
		j.Service.State = state
		j.Service.CreatedAt = fromMillis(created)
		j.Status = record.Status(status)
		j.Context = parentContext
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountActiveServices counts services whose parent record is waiting or
// running.
func (s *Store) CountActiveServices(ctx context.Context) (int64, error) {
	var n int64
	if err := s.stmts.countActiveServices.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, xerrors.Errorf("counting active services: %w", err)
	}
	return n, nil
}

// GetServiceForRecord returns the record's live service row, or nil when
// the record has none.
func (s *Store) GetServiceForRecord(ctx context.Context, recordID int64) (*record.Service, error) {
	var (
		svc     record.Service
		prio    int64
		fe      int
		state   []byte
		created int64
	)
	err := s.stmts.getServiceForRecord.QueryRowContext(ctx, recordID).Scan(
		&svc.ID, &svc.RecordID, &svc.Tag, &prio, &fe, &state, &svc.StateVersion, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("loading service for record %d: %w", recordID, err)
	}
	svc.Priority = record.Priority(prio)
	svc.FindExisting = fe != 0
	svc.State = state
	svc.CreatedAt = fromMillis(created)

	deps, err := s.ServiceDependencies(ctx, svc.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range deps {
		svc.Dependencies = append(svc.Dependencies, record.ServiceDependency{
			ServiceID: svc.ID,
			RecordID:  d.RecordID,
			Extras:    d.Extras,
		})
	}
	return &svc, nil
}

// ServiceDependencies returns the service's dependencies in insertion
// order, each joined with the dependency record's status and properties.
func (s *Store) ServiceDependencies(ctx context.Context, serviceID int64) ([]Dependency, error) {
	rows, err := s.stmts.getServiceDependencies.QueryContext(ctx, serviceID)
	if err != nil {
		return nil, xerrors.Errorf("querying dependencies of service %d: %w", serviceID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Dependency
	for rows.Next() {
		var (
			d      Dependency
			extras []byte
			status string
			props  []byte
		)
		if err := rows.Scan(&d.RecordID, &extras, &status, &props); err != nil {
			return nil, xerrors.Errorf("scanning dependency row: %w", err)
		}
		d.Extras = extras
		d.Status = record.Status(status)
		d.Properties = props
		out = append(out, d)
	}
	return out, rows.Err()
}

// NewChild is a dependency record an iteration spawns, carried with the
// extras the orchestrator wants back when the child finishes.
type NewChild struct {
	NewRecord
	Extras json.RawMessage
}

// AdvanceParams is the write set of one service iteration.
type AdvanceParams struct {
	ServiceID        int64
	RecordID         int64
	PrevStateVersion int64
	State            json.RawMessage
	Children         []NewChild
}

// AdvanceService applies one orchestrator iteration atomically: the state
// document is swapped under an optimistic version check, the dependency set
// is replaced with the new children (creating or deduplicating their
// records), and the parent record moves to running on its first iteration.
// A lost version race returns ErrStaleService and writes nothing.
func (s *Store) AdvanceService(ctx context.Context, p AdvanceParams) (childIDs []int64, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		childIDs = nil

		res, err := tx.StmtContext(ctx, s.stmts.updateServiceState).ExecContext(ctx,
			nullableBlob(p.State), p.ServiceID, p.PrevStateVersion)
		if err != nil {
			return xerrors.Errorf("updating service %d state: %w", p.ServiceID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStaleService
		}

		if _, err := tx.StmtContext(ctx, s.stmts.deleteServiceDependencies).ExecContext(ctx, p.ServiceID); err != nil {
			return xerrors.Errorf("clearing dependencies of service %d: %w", p.ServiceID, err)
		}

		for _, child := range p.Children {
			id, _, err := s.findOrCreateRecordTx(ctx, tx, child.NewRecord)
			if err != nil {
				return xerrors.Errorf("creating dependency record: %w", err)
			}
			if _, err := tx.StmtContext(ctx, s.stmts.insertServiceDependency).ExecContext(ctx, p.ServiceID, id, nullableBlob(child.Extras)); err != nil {
				return xerrors.Errorf("linking dependency %d: %w", id, err)
			}
			if _, err := tx.StmtContext(ctx, s.stmts.insertChild).ExecContext(ctx, p.RecordID, id); err != nil {
				return xerrors.Errorf("linking child %d: %w", id, err)
			}
			childIDs = append(childIDs, id)
		}

		m, err := s.recordMetaTx(ctx, tx, p.RecordID)
		if err != nil {
			return err
		}
		if m.status == record.StatusWaiting {
			if _, err := tx.StmtContext(ctx, s.stmts.updateRecordStatus).ExecContext(ctx,
				string(record.StatusRunning), nowMillis(), p.RecordID); err != nil {
				return xerrors.Errorf("marking record %d running: %w", p.RecordID, err)
			}
		}
		return nil
	})
	return childIDs, err
}

// CompleteService finishes a service record successfully: properties are
// stored, the service row is dropped and a history entry is appended.
// Services that finish without ever iterating pass through running first.
func (s *Store) CompleteService(ctx context.Context, recordID int64, properties json.RawMessage, outputs []ResultOutput) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.recordMetaTx(ctx, tx, recordID)
		if err != nil {
			return err
		}

		now := nowMillis()
		if m.status == record.StatusWaiting {
			if _, err := tx.StmtContext(ctx, s.stmts.updateRecordStatus).ExecContext(ctx,
				string(record.StatusRunning), now, recordID); err != nil {
				return xerrors.Errorf("marking record %d running: %w", recordID, err)
			}
			m.status = record.StatusRunning
		}
		if err := record.ValidateTransition(m.status, record.StatusComplete); err != nil {
			return err
		}

		if _, err := tx.StmtContext(ctx, s.stmts.deleteServiceForRecord).ExecContext(ctx, recordID); err != nil {
			return xerrors.Errorf("deleting service for record %d: %w", recordID, err)
		}
		if _, err := tx.StmtContext(ctx, s.stmts.finishRecord).ExecContext(ctx,
			string(record.StatusComplete), "", nullableBlob(properties), now, recordID); err != nil {
			return xerrors.Errorf("completing record %d: %w", recordID, err)
		}
		if err := s.appendHistoryTx(ctx, tx, recordID, record.StatusComplete, "", 0, now); err != nil {
			return err
		}
		return s.upsertOutputsTx(ctx, tx, recordID, outputs)
	})
}

// FailService moves a service record to error. The service row is dropped,
// so a later reset starts the procedure over from a fresh payload. The
// record info is snapshotted for revert.
func (s *Store) FailService(ctx context.Context, recordID int64, outputs []ResultOutput) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.recordMetaTx(ctx, tx, recordID)
		if err != nil {
			return err
		}

		now := nowMillis()
		if m.status == record.StatusWaiting {
			if _, err := tx.StmtContext(ctx, s.stmts.updateRecordStatus).ExecContext(ctx,
				string(record.StatusRunning), now, recordID); err != nil {
				return xerrors.Errorf("marking record %d running: %w", recordID, err)
			}
			m.status = record.StatusRunning
		}
		if err := record.ValidateTransition(m.status, record.StatusError); err != nil {
			return err
		}

		if err := s.backupTx(ctx, tx, recordID, m, now); err != nil {
			return err
		}
		if _, err := tx.StmtContext(ctx, s.stmts.deleteServiceForRecord).ExecContext(ctx, recordID); err != nil {
			return xerrors.Errorf("deleting service for record %d: %w", recordID, err)
		}
		if _, err := tx.StmtContext(ctx, s.stmts.updateRecordStatus).ExecContext(ctx,
			string(record.StatusError), now, recordID); err != nil {
			return xerrors.Errorf("failing record %d: %w", recordID, err)
		}
		if err := s.appendHistoryTx(ctx, tx, recordID, record.StatusError, "", 0, now); err != nil {
			return err
		}
		return s.upsertOutputsTx(ctx, tx, recordID, outputs)
	})
}

// UnfinishedDependencies returns the dependency record ids of a service
// record that are still waiting or running.
func (s *Store) UnfinishedDependencies(ctx context.Context, recordID int64) ([]int64, error) {
	rows, err := s.stmts.unfinishedDependencies.QueryContext(ctx, recordID)
	if err != nil {
		return nil, xerrors.Errorf("querying unfinished dependencies of record %d: %w", recordID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
