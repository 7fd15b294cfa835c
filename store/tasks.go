package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/record"
)

// ClaimFilter selects the tasks a manager is willing to run.
type ClaimFilter struct {
	Manager  string
	Tags     []string
	Programs []string
	Limit    int
}

// ClaimTasks leases up to Limit queued tasks to a manager. Tasks match when
// their tag is one of the manager's (or the manager serves the "*"
// wildcard) and every required program is available on the manager.
// Matching rows are handed out highest priority first, oldest first within a
// priority. The claimed records move to running.
func (s *Store) ClaimTasks(ctx context.Context, f ClaimFilter) ([]*record.Task, error) {
	if f.Limit <= 0 {
		return nil, nil
	}

	var out []*record.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil

		candidates, err := s.claimCandidatesTx(ctx, tx, f)
		if err != nil {
			return err
		}

		for _, t := range candidates {
			res, err := tx.StmtContext(ctx, s.stmts.claimTask).ExecContext(ctx, f.Manager, t.ID)
			if err != nil {
				return xerrors.Errorf("claiming task %d: %w", t.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}

			res, err = tx.StmtContext(ctx, s.stmts.markRecordRunning).ExecContext(ctx, f.Manager, nowMillis(), t.RecordID)
			if err != nil {
				return xerrors.Errorf("marking record %d running: %w", t.RecordID, err)
			}
			n, err = res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				// record left waiting status under us, give the lease back
				if _, err := tx.StmtContext(ctx, s.stmts.unclaimTask).ExecContext(ctx, t.ID); err != nil {
					return xerrors.Errorf("unclaiming task %d: %w", t.ID, err)
				}
				continue
			}

			t.Owner = f.Manager
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// claimCandidatesTx runs the queue query: unowned tasks whose tag the
// manager serves and whose program requirements are a subset of the
// manager's programs.
func (s *Store) claimCandidatesTx(ctx context.Context, tx *sql.Tx, f ClaimFilter) ([]*record.Task, error) {
	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`SELECT id, record_id, tag, priority, function, args, args_compression, required_programs, created_at
		FROM tasks WHERE owner IS NULL`)

	wildcard := false
	for _, t := range f.Tags {
		if t == "*" {
			wildcard = true
			break
		}
	}
	if !wildcard {
		if len(f.Tags) == 0 {
			return nil, nil
		}
		sb.WriteString(` AND tag IN (` + placeholders(len(f.Tags)) + `)`)
		for _, t := range f.Tags {
			args = append(args, t)
		}
	}

	if len(f.Programs) == 0 {
		sb.WriteString(` AND NOT EXISTS (SELECT 1 FROM task_programs p WHERE p.task_id = tasks.id)`)
	} else {
		sb.WriteString(` AND NOT EXISTS (
			SELECT 1 FROM task_programs p
			WHERE p.task_id = tasks.id
			AND p.program NOT IN (` + placeholders(len(f.Programs)) + `))`)
		for _, prog := range f.Programs {
			args = append(args, prog)
		}
	}

	sb.WriteString(` ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`)
	args = append(args, f.Limit)

	rows, err := tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, xerrors.Errorf("querying claimable tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*record.Task
	for rows.Next() {
		var (
			t           record.Task
			prio        int64
			taskArgs    []byte
			compression string
			progs       string
			created     int64
		)
		if err := rows.Scan(&t.ID, &t.RecordID, &t.Tag, &prio, &t.Function, &taskArgs, &compression, &progs, &created); err != nil {
			return nil, xerrors.Errorf("scanning task row: %w", err)
		}
		t.Priority = record.Priority(prio)
		t.Args = taskArgs
		t.ArgsCompression = record.Compression(compression)
		t.CreatedAt = fromMillis(created)
		if t.RequiredPrograms, err = unmarshalStringList(progs); err != nil {
			return nil, xerrors.Errorf("decoding programs for task %d: %w", t.ID, err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// GetTaskForRecord returns the record's live task row, or nil when the
// record has none.
func (s *Store) GetTaskForRecord(ctx context.Context, recordID int64) (*record.Task, error) {
	var (
		t           record.Task
		prio        int64
		args        []byte
		compression string
		progs       string
		owner       sql.NullString
		created     int64
	)
	err := s.stmts.getTaskForRecord.QueryRowContext(ctx, recordID).Scan(
		&t.ID, &t.RecordID, &t.Tag, &prio, &t.Function, &args, &compression, &progs, &owner, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("loading task for record %d: %w", recordID, err)
	}
	t.Priority = record.Priority(prio)
	t.Args = args
	t.ArgsCompression = record.Compression(compression)
	t.Owner = owner.String
	t.CreatedAt = fromMillis(created)
	if t.RequiredPrograms, err = unmarshalStringList(progs); err != nil {
		return nil, xerrors.Errorf("decoding programs for task %d: %w", t.ID, err)
	}
	return &t, nil
}

// QueueDepth counts tasks waiting for a manager.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.stmts.queueDepth.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, xerrors.Errorf("counting queued tasks: %w", err)
	}
	return n, nil
}
