package itests

import (
	"context"
	"errors"
	"testing"

	"github.com/filecoin-project/go-jsonrpc/auth"
	"github.com/stretchr/testify/require"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/itests/kit"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

func TestPermissionGates(t *testing.T) {
	_, d := kit.Daemon(t)
	ctx := context.Background()

	// No token at all falls back to read-only access.
	bare := d.BareClient()
	_, err := bare.ServerStats(ctx)
	require.NoError(t, err)

	_, err = bare.RecordSubmit(ctx, waterSinglepoint())
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing permission to invoke")

	// A write token can submit but not run bulk mutations or claim tasks.
	rw := d.Client([]auth.Permission{api.PermRead, api.PermWrite})
	res, err := rw.RecordSubmit(ctx, waterSinglepoint())
	require.NoError(t, err)

	_, err = rw.RecordCancel(ctx, []int64{res.ID})
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing permission to invoke")

	_, err = rw.TaskClaim(ctx, "whoever", 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing permission to invoke")

	// A compute token drives the manager cycle but cannot submit work.
	cm := d.Client([]auth.Permission{api.PermRead, api.PermCompute})
	require.NoError(t, cm.ManagerActivate(ctx, record.Manager{
		Name:     "itest-host-perm",
		Cluster:  "itest",
		Hostname: "host",
		Programs: []string{"psi4"},
	}))
	tasks, err := cm.TaskClaim(ctx, "itest-host-perm", 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	_, err = cm.RecordSubmit(ctx, waterSinglepoint())
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing permission to invoke")

	// Token minting itself is admin-only.
	_, err = rw.AuthNew(ctx, []auth.Permission{api.PermRead})
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing permission to invoke")
}

// TestTypedErrorsOverRPC checks that the registered error types survive the
// wire with their fields, so clients can branch with errors.As instead of
// string matching.
func TestTypedErrorsOverRPC(t *testing.T) {
	c, _ := kit.Daemon(t)
	ctx := context.Background()

	_, err := c.RecordGet(ctx, 424242, store.Include{})
	require.Error(t, err)
	var nf *record.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, int64(424242), nf.ID)
	require.Equal(t, "record", nf.What)

	err = c.ManagerHeartbeat(ctx, "never-registered", record.ManagerStats{})
	require.Error(t, err)
	var mna *record.ManagerNotActiveError
	require.ErrorAs(t, err, &mna)
	require.Equal(t, "never-registered", mna.Name)

	// Per-record rejections ride inside the result, not the call error.
	res, err := c.RecordSubmit(ctx, waterSinglepoint())
	require.NoError(t, err)

	upd, err := c.RecordInvalidate(ctx, []int64{res.ID})
	require.NoError(t, err)
	require.Zero(t, upd.NUpdated)
	require.Len(t, upd.Errors, 1)
	require.Equal(t, res.ID, upd.Errors[0].RecordID)
	require.Contains(t, upd.Errors[0].Reason, "invalid status transition")
}
