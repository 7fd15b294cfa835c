package api

import (
	"context"

	"github.com/filecoin-project/go-jsonrpc/auth"

	"github.com/latticeproject/lattice/engine"
	"github.com/latticeproject/lattice/journal/alerting"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

// Lattice is the JSON-RPC interface exposed by the daemon. Permissions are
// declared on LatticeStruct; managers authenticate with compute tokens,
// administrative mutations need admin.
type Lattice interface {
	// MethodGroup: Auth

	AuthVerify(ctx context.Context, token string) ([]auth.Permission, error)
	AuthNew(ctx context.Context, perms []auth.Permission) ([]byte, error)

	// MethodGroup: Record
	// Submission, inspection and bulk mutation of computation records.

	// RecordSubmit plans and inserts one record, deduplicating against
	// earlier submissions unless the request opts out.
	RecordSubmit(ctx context.Context, sub SubmitParams) (*SubmitResult, error)
	// RecordSubmitBatch submits entries in order, stopping at the first
	// hard failure. Dedup hits are reported per input position.
	RecordSubmitBatch(ctx context.Context, subs []SubmitParams) (*engine.BatchResult, error)

	RecordGet(ctx context.Context, id int64, inc store.Include) (*record.Record, error)
	RecordQuery(ctx context.Context, filter store.RecordFilter) ([]*record.Record, error)
	// RecordOutput returns one decompressed output blob of the record.
	RecordOutput(ctx context.Context, id int64, typ record.OutputType) ([]byte, error)
	RecordHistory(ctx context.Context, id int64) ([]record.HistoryEntry, error)
	RecordComments(ctx context.Context, id int64) ([]record.Comment, error)
	RecordAddComment(ctx context.Context, id int64, user, comment string) error

	// Bulk mutations apply per record and report per-record rejections
	// instead of failing the call.
	RecordCancel(ctx context.Context, ids []int64) (*engine.UpdateResult, error)
	RecordInvalidate(ctx context.Context, ids []int64) (*engine.UpdateResult, error)
	RecordDelete(ctx context.Context, ids []int64, soft, cascade bool) (*engine.UpdateResult, error)
	RecordReset(ctx context.Context, ids []int64) (*engine.UpdateResult, error)
	RecordRevert(ctx context.Context, ids []int64) (*engine.UpdateResult, error)
	RecordModify(ctx context.Context, ids []int64, tag *string, priority *record.Priority) (*engine.UpdateResult, error)

	// MethodGroup: Manager
	// Compute manager lifecycle.

	// ManagerActivate registers a manager under a fresh name. Names are
	// single-use.
	ManagerActivate(ctx context.Context, m record.Manager) error
	// ManagerHeartbeat reports liveness and utilization. Counter fields are
	// deltas since the previous heartbeat.
	ManagerHeartbeat(ctx context.Context, name string, stats record.ManagerStats) error
	// ManagerDeactivate retires the manager and returns its leased tasks to
	// the queue, reporting how many were released.
	ManagerDeactivate(ctx context.Context, name string) (int, error)
	ManagerQuery(ctx context.Context, filter store.ManagerFilter) ([]*record.Manager, error)

	// MethodGroup: Task
	// The claim/return cycle driven by managers.

	// TaskClaim leases up to limit tasks matching the manager's tags and
	// programs. The server caps limit at its claim batch size.
	TaskClaim(ctx context.Context, manager string, limit int) ([]*record.Task, error)
	// TaskReturn posts finished results keyed by record id. Per-record
	// rejections (lost leases, finished records) do not fail the call.
	TaskReturn(ctx context.Context, manager string, results map[int64]record.Result) (*ReturnResult, error)

	// MethodGroup: Node

	Version(ctx context.Context) (APIVersion, error)
	ServerStats(ctx context.Context) (*ServerStats, error)
	LogList(ctx context.Context) ([]string, error)
	LogSetLevel(ctx context.Context, subsystem, level string) error
	LogAlerts(ctx context.Context) ([]alerting.Alert, error)
	Shutdown(ctx context.Context) error
}
