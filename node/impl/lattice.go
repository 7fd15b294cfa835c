package impl

import (
	"context"

	"github.com/filecoin-project/go-jsonrpc/auth"
	"github.com/gbrlsnchs/jwt/v3"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/build"
	"github.com/latticeproject/lattice/engine"
	"github.com/latticeproject/lattice/journal/alerting"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

var log = logging.Logger("node/impl")

// LatticeAPI implements the daemon API on top of the engine and store.
type LatticeAPI struct {
	Engine *engine.Engine
	Store  *store.Store

	APISecret    *jwt.HMACSHA
	ShutdownChan chan struct{}
}

var _ api.Lattice = &LatticeAPI{}

type jwtPayload struct {
	Allow []auth.Permission
}

func (a *LatticeAPI) AuthVerify(ctx context.Context, token string) ([]auth.Permission, error) {
	var payload jwtPayload
	if _, err := jwt.Verify([]byte(token), a.APISecret, &payload); err != nil {
		return nil, xerrors.Errorf("JWT Verification failed: %w", err)
	}

	return payload.Allow, nil
}

func (a *LatticeAPI) AuthNew(ctx context.Context, perms []auth.Permission) ([]byte, error) {
	for _, perm := range perms {
		if !lo.Contains(api.AllPermissions, perm) {
			return nil, xerrors.Errorf("unknown permission %q", perm)
		}
	}

	return jwt.Sign(&jwtPayload{Allow: perms}, a.APISecret)
}

// submissionFromParams applies the wire-level defaults: omitted priority
// means normal, omitted find_existing means deduplicate.
func submissionFromParams(p api.SubmitParams) engine.Submission {
	sub := engine.Submission{
		Kind:          p.Kind,
		Specification: p.Specification,
		Context:       p.Context,
		Tag:           p.Tag,
		Priority:      record.PriorityNormal,
		FindExisting:  true,
	}
	if p.Priority != nil {
		sub.Priority = *p.Priority
	}
	if p.FindExisting != nil {
		sub.FindExisting = *p.FindExisting
	}
	return sub
}

func (a *LatticeAPI) RecordSubmit(ctx context.Context, sub api.SubmitParams) (*api.SubmitResult, error) {
	id, created, err := a.Engine.Submit(ctx, submissionFromParams(sub))
	if err != nil {
		return nil, err
	}
	return &api.SubmitResult{ID: id, Created: created}, nil
}

func (a *LatticeAPI) RecordSubmitBatch(ctx context.Context, subs []api.SubmitParams) (*engine.BatchResult, error) {
	return a.Engine.SubmitBatch(ctx, lo.Map(subs, func(p api.SubmitParams, _ int) engine.Submission {
		return submissionFromParams(p)
	}))
}

func (a *LatticeAPI) RecordGet(ctx context.Context, id int64, inc store.Include) (*record.Record, error) {
	return a.Store.GetRecord(ctx, id, inc)
}

func (a *LatticeAPI) RecordQuery(ctx context.Context, filter store.RecordFilter) ([]*record.Record, error) {
	return a.Store.QueryRecords(ctx, filter)
}

func (a *LatticeAPI) RecordOutput(ctx context.Context, id int64, typ record.OutputType) ([]byte, error) {
	out, err := a.Store.GetOutput(ctx, id, typ)
	if err != nil {
		return nil, err
	}
	return record.Decompress(out.Data, out.Compression)
}

func (a *LatticeAPI) RecordHistory(ctx context.Context, id int64) ([]record.HistoryEntry, error) {
	return a.Store.GetHistory(ctx, id)
}

func (a *LatticeAPI) RecordComments(ctx context.Context, id int64) ([]record.Comment, error) {
	return a.Store.GetComments(ctx, id)
}

func (a *LatticeAPI) RecordAddComment(ctx context.Context, id int64, user, comment string) error {
	return a.Store.AddComment(ctx, id, user, comment)
}

func (a *LatticeAPI) RecordCancel(ctx context.Context, ids []int64) (*engine.UpdateResult, error) {
	return a.Engine.CancelRecords(ctx, ids)
}

func (a *LatticeAPI) RecordInvalidate(ctx context.Context, ids []int64) (*engine.UpdateResult, error) {
	return a.Engine.InvalidateRecords(ctx, ids)
}

func (a *LatticeAPI) RecordDelete(ctx context.Context, ids []int64, soft, cascade bool) (*engine.UpdateResult, error) {
	return a.Engine.DeleteRecords(ctx, ids, soft, cascade)
}

func (a *LatticeAPI) RecordReset(ctx context.Context, ids []int64) (*engine.UpdateResult, error) {
	return a.Engine.ResetRecords(ctx, ids)
}

func (a *LatticeAPI) RecordRevert(ctx context.Context, ids []int64) (*engine.UpdateResult, error) {
	return a.Engine.RevertRecords(ctx, ids)
}

func (a *LatticeAPI) RecordModify(ctx context.Context, ids []int64, tag *string, priority *record.Priority) (*engine.UpdateResult, error) {
	return a.Engine.ModifyRecords(ctx, ids, tag, priority)
}

func (a *LatticeAPI) ManagerActivate(ctx context.Context, m record.Manager) error {
	return a.Engine.ActivateManager(ctx, m)
}

func (a *LatticeAPI) ManagerHeartbeat(ctx context.Context, name string, stats record.ManagerStats) error {
	return a.Engine.Heartbeat(ctx, name, stats)
}

func (a *LatticeAPI) ManagerDeactivate(ctx context.Context, name string) (int, error) {
	return a.Engine.DeactivateManager(ctx, name)
}

func (a *LatticeAPI) ManagerQuery(ctx context.Context, filter store.ManagerFilter) ([]*record.Manager, error) {
	return a.Store.QueryManagers(ctx, filter)
}

func (a *LatticeAPI) TaskClaim(ctx context.Context, manager string, limit int) ([]*record.Task, error) {
	return a.Engine.ClaimTasks(ctx, manager, limit)
}

func (a *LatticeAPI) TaskReturn(ctx context.Context, manager string, results map[int64]record.Result) (*api.ReturnResult, error) {
	accepted, rejected, err := a.Engine.SubmitResults(ctx, manager, results)
	if err != nil {
		return nil, err
	}
	return &api.ReturnResult{NAccepted: accepted, Rejected: rejected}, nil
}

func (a *LatticeAPI) Version(ctx context.Context) (api.APIVersion, error) {
	return api.APIVersion{
		Version:    build.UserVersion(),
		APIVersion: build.APIVersion,
	}, nil
}

func (a *LatticeAPI) ServerStats(ctx context.Context) (*api.ServerStats, error) {
	records, err := a.Store.CountRecordsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := a.Store.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	services, err := a.Store.CountActiveServices(ctx)
	if err != nil {
		return nil, err
	}
	managers, err := a.Store.CountActiveManagers(ctx)
	if err != nil {
		return nil, err
	}
	return &api.ServerStats{
		Records:        records,
		QueueDepth:     depth,
		ActiveServices: services,
		ActiveManagers: managers,
	}, nil
}

func (a *LatticeAPI) LogList(ctx context.Context) ([]string, error) {
	return logging.GetSubsystems(), nil
}

func (a *LatticeAPI) LogSetLevel(ctx context.Context, subsystem, level string) error {
	return logging.SetLogLevel(subsystem, level)
}

func (a *LatticeAPI) LogAlerts(ctx context.Context) ([]alerting.Alert, error) {
	return a.Engine.Alerts().GetAlerts(), nil
}

// Trigger shutdown
func (a *LatticeAPI) Shutdown(ctx context.Context) error {
	a.ShutdownChan <- struct{}{}
	return nil
}
