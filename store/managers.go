package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/record"
)

// ErrManagerExists is returned when activating a manager name that has been
// used before. Names are never recycled.
var ErrManagerExists = errors.New("manager name already registered")

// ActivateManager registers a new manager as active. Tags are lowercased;
// an empty tag set defaults to the wildcard.
func (s *Store) ActivateManager(ctx context.Context, m record.Manager) error {
	tags := make([]string, 0, len(m.Tags))
	for _, t := range m.Tags {
		tags = append(tags, strings.ToLower(strings.TrimSpace(t)))
	}
	if len(tags) == 0 {
		tags = []string{"*"}
	}
	tagsJSON, err := marshalStringList(tags)
	if err != nil {
		return err
	}
	programsJSON, err := marshalStringList(m.Programs)
	if err != nil {
		return err
	}

	now := nowMillis()
	_, err = s.stmts.insertManager.ExecContext(ctx,
		m.Name, m.Cluster, m.Hostname, tagsJSON, programsJSON, string(record.ManagerActive), now, now, now)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return xerrors.Errorf("activating manager %s: %w", m.Name, ErrManagerExists)
		}
		return xerrors.Errorf("activating manager %s: %w", m.Name, err)
	}
	return nil
}

// GetManager returns one manager by name.
func (s *Store) GetManager(ctx context.Context, name string) (*record.Manager, error) {
	m, err := scanManager(s.stmts.getManager.QueryRowContext(ctx, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &record.ManagerNotActiveError{Name: name}
	}
	return m, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanManager(row rowScanner) (*record.Manager, error) {
	var (
		m                            record.Manager
		tags, programs, status       string
		created, modified, heartbeat int64
	)
	err := row.Scan(&m.Name, &m.Cluster, &m.Hostname, &tags, &programs, &status,
		&m.Claimed, &m.Successes, &m.Failures, &m.Rejected, &m.TotalWalltime,
		&m.ActiveTasks, &m.ActiveCores, &m.ActiveMemory,
		&created, &modified, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, xerrors.Errorf("scanning manager row: %w", err)
	}

	if m.Tags, err = unmarshalStringList(tags); err != nil {
		return nil, xerrors.Errorf("decoding tags for manager %s: %w", m.Name, err)
	}
	if m.Programs, err = unmarshalStringList(programs); err != nil {
		return nil, xerrors.Errorf("decoding programs for manager %s: %w", m.Name, err)
	}
	m.Status = record.ManagerStatus(status)
	m.CreatedAt = fromMillis(created)
	m.ModifiedAt = fromMillis(modified)
	m.LastHeartbeat = fromMillis(heartbeat)
	return &m, nil
}

// Heartbeat records a liveness report from an active manager. Counter
// fields of the stats are deltas added onto the manager's lifetime
// counters; the utilization gauges replace the stored ones.
func (s *Store) Heartbeat(ctx context.Context, name string, stats record.ManagerStats) error {
	now := nowMillis()
	res, err := s.stmts.heartbeatManager.ExecContext(ctx, now, now,
		stats.Claimed, stats.Successes, stats.Failures, stats.Rejected, stats.TotalWalltime,
		stats.ActiveTasks, stats.ActiveCores, stats.ActiveMemory, name)
	if err != nil {
		return xerrors.Errorf("recording heartbeat for manager %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &record.ManagerNotActiveError{Name: name}
	}
	return nil
}

// DeactivateManager marks a manager inactive and releases every task lease
// it holds: the tasks return to the queue and their records to waiting.
// Returns the record ids that went back to the queue.
func (s *Store) DeactivateManager(ctx context.Context, name string) ([]int64, error) {
	var released []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		released = nil

		res, err := tx.StmtContext(ctx, s.stmts.deactivateManager).ExecContext(ctx, nowMillis(), name)
		if err != nil {
			return xerrors.Errorf("deactivating manager %s: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &record.ManagerNotActiveError{Name: name}
		}

		rows, err := tx.StmtContext(ctx, s.stmts.recordIDsByOwner).QueryContext(ctx, name)
		if err != nil {
			return xerrors.Errorf("listing leases of manager %s: %w", name, err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			released = append(released, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.StmtContext(ctx, s.stmts.releaseTasks).ExecContext(ctx, name); err != nil {
			return xerrors.Errorf("releasing tasks of manager %s: %w", name, err)
		}

		now := nowMillis()
		for _, id := range released {
			// reclaim path, deliberately outside the public transition table
			if _, err := tx.StmtContext(ctx, s.stmts.updateRecordStatus).ExecContext(ctx,
				string(record.StatusWaiting), now, id); err != nil {
				return xerrors.Errorf("requeueing record %d: %w", id, err)
			}
		}
		return nil
	})
	return released, err
}

// DeadManagers returns the names of active managers whose last heartbeat is
// older than the cutoff.
func (s *Store) DeadManagers(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.stmts.deadManagers.QueryContext(ctx, cutoff.UnixMilli())
	if err != nil {
		return nil, xerrors.Errorf("querying dead managers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// CountActiveManagers counts managers currently marked active.
func (s *Store) CountActiveManagers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.stmts.countActiveManagers.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, xerrors.Errorf("counting active managers: %w", err)
	}
	return n, nil
}

// ManagerFilter narrows QueryManagers. Zero values place no constraint.
type ManagerFilter struct {
	Names  []string             `json:"names,omitempty"`
	Status record.ManagerStatus `json:"status,omitempty"`
}

// QueryManagers lists managers matching the filter, ordered by name.
func (s *Store) QueryManagers(ctx context.Context, f ManagerFilter) ([]*record.Manager, error) {
	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`SELECT name, cluster, hostname, tags, programs, status, claimed, successes, failures, rejected,
		total_walltime, active_tasks, active_cores, active_memory, created_at, modified_at, last_heartbeat
		FROM managers WHERE 1=1`)
	if len(f.Names) > 0 {
		sb.WriteString(` AND name IN (` + placeholders(len(f.Names)) + `)`)
		for _, n := range f.Names {
			args = append(args, n)
		}
	}
	if f.Status != "" {
		sb.WriteString(` AND status = ?`)
		args = append(args, string(f.Status))
	}
	sb.WriteString(` ORDER BY name ASC`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, xerrors.Errorf("querying managers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*record.Manager
	for rows.Next() {
		m, err := scanManager(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
