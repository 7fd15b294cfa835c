package store

import (
	"context"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/record"
)

// RecordFilter narrows QueryRecords. Zero values place no constraint.
// Cursor is the last record id of the previous page; pages are keyed on id
// so concurrent inserts cannot shift results.
type RecordFilter struct {
	IDs     []int64         `json:"ids,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Status  []record.Status `json:"status,omitempty"`
	Tags    []string        `json:"tags,omitempty"`
	Manager string          `json:"manager,omitempty"`

	// ParentID selects children of the given record; ChildID selects its
	// parents.
	ParentID int64 `json:"parent_id,omitempty"`
	ChildID  int64 `json:"child_id,omitempty"`

	// Time windows are half-open: After is inclusive, Before exclusive.
	CreatedAfter   time.Time `json:"created_after,omitempty"`
	CreatedBefore  time.Time `json:"created_before,omitempty"`
	ModifiedAfter  time.Time `json:"modified_after,omitempty"`
	ModifiedBefore time.Time `json:"modified_before,omitempty"`

	Cursor int64 `json:"cursor,omitempty"`
	Limit  int   `json:"limit,omitempty"`
}

const defaultQueryLimit = 1000

// QueryRecords lists records matching the filter in ascending id order.
// Related data is not loaded; use GetRecords with Include for that.
func (s *Store) QueryRecords(ctx context.Context, f RecordFilter) ([]*record.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`SELECT id, kind, spec_id, status, tag, priority, manager, properties, created_at, modified_at
		FROM records WHERE id > ?`)
	args = append(args, f.Cursor)

	if len(f.IDs) > 0 {
		sb.WriteString(` AND id IN (` + placeholders(len(f.IDs)) + `)`)
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.Kind != "" {
		sb.WriteString(` AND kind = ?`)
		args = append(args, f.Kind)
	}
	if len(f.Status) > 0 {
		sb.WriteString(` AND status IN (` + placeholders(len(f.Status)) + `)`)
		for _, st := range f.Status {
			args = append(args, string(st))
		}
	}
	if len(f.Tags) > 0 {
		sb.WriteString(` AND tag IN (` + placeholders(len(f.Tags)) + `)`)
		for _, t := range f.Tags {
			args = append(args, t)
		}
	}
	if f.Manager != "" {
		sb.WriteString(` AND manager = ?`)
		args = append(args, f.Manager)
	}
	if f.ParentID != 0 {
		sb.WriteString(` AND id IN (SELECT child_id FROM record_children WHERE parent_id = ?)`)
		args = append(args, f.ParentID)
	}
	if f.ChildID != 0 {
		sb.WriteString(` AND id IN (SELECT parent_id FROM record_children WHERE child_id = ?)`)
		args = append(args, f.ChildID)
	}
	if !f.CreatedAfter.IsZero() {
		sb.WriteString(` AND created_at >= ?`)
		args = append(args, f.CreatedAfter.UnixMilli())
	}
	if !f.CreatedBefore.IsZero() {
		sb.WriteString(` AND created_at < ?`)
		args = append(args, f.CreatedBefore.UnixMilli())
	}
	if !f.ModifiedAfter.IsZero() {
		sb.WriteString(` AND modified_at >= ?`)
		args = append(args, f.ModifiedAfter.UnixMilli())
	}
	if !f.ModifiedBefore.IsZero() {
		sb.WriteString(` AND modified_at < ?`)
		args = append(args, f.ModifiedBefore.UnixMilli())
	}

	sb.WriteString(` ORDER BY id ASC LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, xerrors.Errorf("querying records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
