package engine

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/build"
	"github.com/latticeproject/lattice/metrics"
	"github.com/latticeproject/lattice/record"
)

// ActivateManager registers a compute manager. Names are single-use: a
// manager that went inactive cannot come back under the same name.
func (e *Engine) ActivateManager(ctx context.Context, m record.Manager) error {
	if strings.TrimSpace(m.Name) == "" {
		return xerrors.Errorf("manager name must not be empty")
	}
	if err := e.store.ActivateManager(ctx, m); err != nil {
		return err
	}
	e.journal.RecordEvent(e.evtManagerLifecycle, func() interface{} {
		return managerLifecycleEvt{Name: m.Name, Event: "activated"}
	})
	log.Infow("manager activated", "name", m.Name, "cluster", m.Cluster, "tags", m.Tags, "programs", m.Programs)
	return nil
}

// Heartbeat records a liveness report. Counter fields of ms are deltas
// since the previous heartbeat.
func (e *Engine) Heartbeat(ctx context.Context, name string, ms record.ManagerStats) error {
	return e.store.Heartbeat(ctx, name, ms)
}

// DeactivateManager retires a manager at its own request, returning its
// leased tasks to the queue. Reports how many were released.
func (e *Engine) DeactivateManager(ctx context.Context, name string) (int, error) {
	released, err := e.deactivate(ctx, name, "requested")
	if err != nil {
		return 0, err
	}
	return released, nil
}

// SweepManagers deactivates managers silent for longer than
// HeartbeatFrequency x HeartbeatMaxMissed and returns their leases to the
// queue. The heartbeat alert stays raised until a pass finds nothing to
// sweep.
func (e *Engine) SweepManagers(ctx context.Context) (int, error) {
	cutoff := build.Clock.Now().Add(-time.Duration(e.cfg.HeartbeatMaxMissed) * e.cfg.HeartbeatFrequency)
	dead, err := e.store.DeadManagers(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(dead) == 0 {
		if e.alerts.IsRaised(e.heartbeatAlert) {
			e.alerts.Resolve(e.heartbeatAlert, "all managers heartbeating")
		}
		return 0, nil
	}

	if !e.alerts.IsRaised(e.heartbeatAlert) {
		e.alerts.Raise(e.heartbeatAlert, map[string]interface{}{"managers": dead})
	}

	var merr *multierror.Error
	var swept int
	for _, name := range dead {
		released, err := e.deactivate(ctx, name, "missed heartbeats")
		if err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("deactivating manager %s: %w", name, err))
			continue
		}
		swept++
		stats.Record(ctx, metrics.ManagersDeactivated.M(1))
		log.Warnw("manager deactivated after missed heartbeats", "name", name, "released", released)
	}
	return swept, merr.ErrorOrNil()
}

func (e *Engine) deactivate(ctx context.Context, name, reason string) (int, error) {
	released, err := e.store.DeactivateManager(ctx, name)
	if err != nil {
		return 0, err
	}

	if len(released) > 0 {
		mctx, _ := tag.New(ctx, tag.Upsert(metrics.ManagerName, name))
		stats.Record(mctx, metrics.TasksReclaimed.M(int64(len(released))))
	}
	e.journal.RecordEvent(e.evtManagerLifecycle, func() interface{} {
		return managerLifecycleEvt{Name: name, Event: "deactivated", Reason: reason, Released: len(released)}
	})
	return len(released), nil
}

// managerLifecycleEvt is the journal payload for manager activation and
// deactivation.
type managerLifecycleEvt struct {
	Name     string
	Event    string
	Reason   string `json:",omitempty"`
	Released int    `json:",omitempty"`
}
