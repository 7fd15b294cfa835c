package api

import (
	"context"

	"github.com/filecoin-project/go-jsonrpc/auth"

	"github.com/latticeproject/lattice/engine"
	"github.com/latticeproject/lattice/journal/alerting"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

// LatticeStruct implements Lattice passing calls to user-provided function
// values. It is the shape both the RPC client and the permission proxy bind
// to.
type LatticeStruct struct {
	Internal struct {
		AuthVerify func(ctx context.Context, token string) ([]auth.Permission, error) `perm:"read"`
		AuthNew    func(ctx context.Context, perms []auth.Permission) ([]byte, error) `perm:"admin"`

		RecordSubmit      func(ctx context.Context, sub SubmitParams) (*SubmitResult, error)           `perm:"write"`
		RecordSubmitBatch func(ctx context.Context, subs []SubmitParams) (*engine.BatchResult, error)  `perm:"write"`
		RecordGet         func(ctx context.Context, id int64, inc store.Include) (*record.Record, error)        `perm:"read"`
		RecordQuery       func(ctx context.Context, filter store.RecordFilter) ([]*record.Record, error)        `perm:"read"`
		RecordOutput      func(ctx context.Context, id int64, typ record.OutputType) ([]byte, error)            `perm:"read"`
		RecordHistory     func(ctx context.Context, id int64) ([]record.HistoryEntry, error)                    `perm:"read"`
		RecordComments    func(ctx context.Context, id int64) ([]record.Comment, error)                         `perm:"read"`
		RecordAddComment  func(ctx context.Context, id int64, user, comment string) error                       `perm:"write"`

		RecordCancel     func(ctx context.Context, ids []int64) (*engine.UpdateResult, error)                                        `perm:"admin"`
		RecordInvalidate func(ctx context.Context, ids []int64) (*engine.UpdateResult, error)                                        `perm:"admin"`
		RecordDelete     func(ctx context.Context, ids []int64, soft, cascade bool) (*engine.UpdateResult, error)                    `perm:"admin"`
		RecordReset      func(ctx context.Context, ids []int64) (*engine.UpdateResult, error)                                        `perm:"admin"`
		RecordRevert     func(ctx context.Context, ids []int64) (*engine.UpdateResult, error)                                        `perm:"admin"`
		RecordModify     func(ctx context.Context, ids []int64, tag *string, priority *record.Priority) (*engine.UpdateResult, error) `perm:"admin"`

		ManagerActivate   func(ctx context.Context, m record.Manager) error                               `perm:"compute"`
		ManagerHeartbeat  func(ctx context.Context, name string, stats record.ManagerStats) error         `perm:"compute"`
		ManagerDeactivate func(ctx context.Context, name string) (int, error)                             `perm:"compute"`
		ManagerQuery      func(ctx context.Context, filter store.ManagerFilter) ([]*record.Manager, error) `perm:"read"`

		TaskClaim  func(ctx context.Context, manager string, limit int) ([]*record.Task, error)                     `perm:"compute"`
		TaskReturn func(ctx context.Context, manager string, results map[int64]record.Result) (*ReturnResult, error) `perm:"compute"`

		Version     func(ctx context.Context) (APIVersion, error)           `perm:"read"`
		ServerStats func(ctx context.Context) (*ServerStats, error)         `perm:"read"`
		LogList     func(ctx context.Context) ([]string, error)             `perm:"write"`
		LogSetLevel func(ctx context.Context, subsystem, level string) error `perm:"write"`
		LogAlerts   func(ctx context.Context) ([]alerting.Alert, error)     `perm:"admin"`
		Shutdown    func(ctx context.Context) error                         `perm:"admin"`
	}
}

func (s *LatticeStruct) AuthVerify(ctx context.Context, token string) ([]auth.Permission, error) {
	return s.Internal.AuthVerify(ctx, token)
}

func (s *LatticeStruct) AuthNew(ctx context.Context, perms []auth.Permission) ([]byte, error) {
	return s.Internal.AuthNew(ctx, perms)
}

func (s *LatticeStruct) RecordSubmit(ctx context.Context, sub SubmitParams) (*SubmitResult, error) {
	return s.Internal.RecordSubmit(ctx, sub)
}

func (s *LatticeStruct) RecordSubmitBatch(ctx context.Context, subs []SubmitParams) (*engine.BatchResult, error) {
	return s.Internal.RecordSubmitBatch(ctx, subs)
}

func (s *LatticeStruct) RecordGet(ctx context.Context, id int64, inc store.Include) (*record.Record, error) {
	return s.Internal.RecordGet(ctx, id, inc)
}

func (s *LatticeStruct) RecordQuery(ctx context.Context, filter store.RecordFilter) ([]*record.Record, error) {
	return s.Internal.RecordQuery(ctx, filter)
}

func (s *LatticeStruct) RecordOutput(ctx context.Context, id int64, typ record.OutputType) ([]byte, error) {
	return s.Internal.RecordOutput(ctx, id, typ)
}

func (s *LatticeStruct) RecordHistory(ctx context.Context, id int64) ([]record.HistoryEntry, error) {
	return s.Internal.RecordHistory(ctx, id)
}

func (s *LatticeStruct) RecordComments(ctx context.Context, id int64) ([]record.Comment, error) {
	return s.Internal.RecordComments(ctx, id)
}

func (s *LatticeStruct) RecordAddComment(ctx context.Context, id int64, user, comment string) error {
	return s.Internal.RecordAddComment(ctx, id, user, comment)
}

func (s *LatticeStruct) RecordCancel(ctx context.Context, ids []int64) (*engine.UpdateResult, error) {
	return s.Internal.RecordCancel(ctx, ids)
}

func (s *LatticeStruct) RecordInvalidate(ctx context.Context, ids []int64) (*engine.UpdateResult, error) {
	return s.Internal.RecordInvalidate(ctx, ids)
}

func (s *LatticeStruct) RecordDelete(ctx context.Context, ids []int64, soft, cascade bool) (*engine.UpdateResult, error) {
	return s.Internal.RecordDelete(ctx, ids, soft, cascade)
}

func (s *LatticeStruct) RecordReset(ctx context.Context, ids []int64) (*engine.UpdateResult, error) {
	return s.Internal.RecordReset(ctx, ids)
}

func (s *LatticeStruct) RecordRevert(ctx context.Context, ids []int64) (*engine.UpdateResult, error) {
	return s.Internal.RecordRevert(ctx, ids)
}

func (s *LatticeStruct) RecordModify(ctx context.Context, ids []int64, tag *string, priority *record.Priority) (*engine.UpdateResult, error) {
	return s.Internal.RecordModify(ctx, ids, tag, priority)
}

func (s *LatticeStruct) ManagerActivate(ctx context.Context, m record.Manager) error {
	return s.Internal.ManagerActivate(ctx, m)
}

func (s *LatticeStruct) ManagerHeartbeat(ctx context.Context, name string, stats record.ManagerStats) error {
	return s.Internal.ManagerHeartbeat(ctx, name, stats)
}

func (s *LatticeStruct) ManagerDeactivate(ctx context.Context, name string) (int, error) {
	return s.Internal.ManagerDeactivate(ctx, name)
}

func (s *LatticeStruct) ManagerQuery(ctx context.Context, filter store.ManagerFilter) ([]*record.Manager, error) {
	return s.Internal.ManagerQuery(ctx, filter)
}

func (s *LatticeStruct) TaskClaim(ctx context.Context, manager string, limit int) ([]*record.Task, error) {
	return s.Internal.TaskClaim(ctx, manager, limit)
}

func (s *LatticeStruct) TaskReturn(ctx context.Context, manager string, results map[int64]record.Result) (*ReturnResult, error) {
	return s.Internal.TaskReturn(ctx, manager, results)
}

func (s *LatticeStruct) Version(ctx context.Context) (APIVersion, error) {
	return s.Internal.Version(ctx)
}

func (s *LatticeStruct) ServerStats(ctx context.Context) (*ServerStats, error) {
	return s.Internal.ServerStats(ctx)
}

func (s *LatticeStruct) LogList(ctx context.Context) ([]string, error) {
	return s.Internal.LogList(ctx)
}

func (s *LatticeStruct) LogSetLevel(ctx context.Context, subsystem, level string) error {
	return s.Internal.LogSetLevel(ctx, subsystem, level)
}

func (s *LatticeStruct) LogAlerts(ctx context.Context) ([]alerting.Alert, error) {
	return s.Internal.LogAlerts(ctx)
}

func (s *LatticeStruct) Shutdown(ctx context.Context) error {
	return s.Internal.Shutdown(ctx)
}

var _ Lattice = &LatticeStruct{}
