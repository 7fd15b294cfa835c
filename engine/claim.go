package engine

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/latticeproject/lattice/metrics"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

// ClaimTasks leases up to limit queued tasks to the named manager. What the
// manager can claim is bounded by the tags and programs it registered with;
// limit is capped by Config.ClaimLimit.
func (e *Engine) ClaimTasks(ctx context.Context, manager string, limit int) ([]*record.Task, error) {
	m, err := e.store.GetManager(ctx, manager)
	if err != nil {
		return nil, err
	}
	if m.Status != record.ManagerActive {
		return nil, &record.ManagerNotActiveError{Name: manager}
	}

	if limit <= 0 || limit > e.cfg.ClaimLimit {
		limit = e.cfg.ClaimLimit
	}

	tasks, err := e.store.ClaimTasks(ctx, store.ClaimFilter{
		Manager:  manager,
		Tags:     m.Tags,
		Programs: m.Programs,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}

	if len(tasks) > 0 {
		ctx, _ = tag.New(ctx, tag.Upsert(metrics.ManagerName, manager))
		stats.Record(ctx, metrics.TasksClaimed.M(int64(len(tasks))))
		log.Debugw("tasks claimed", "manager", manager, "count", len(tasks))
	}
	return tasks, nil
}
