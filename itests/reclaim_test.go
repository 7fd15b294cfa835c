package itests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticeproject/lattice/engine"
	"github.com/latticeproject/lattice/itests/kit"
	"github.com/latticeproject/lattice/manager"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

// TestDeadManagerReclaim loses a manager mid-execution and checks that the
// heartbeat sweep returns its lease to the queue, where a healthy manager
// picks it up.
func TestDeadManagerReclaim(t *testing.T) {
	c, d := kit.Daemon(t, kit.WithEngineConfig(func(cfg *engine.Config) {
		cfg.HeartbeatFrequency = 20 * time.Millisecond
		cfg.HeartbeatMaxMissed = 50 // silent for 1s means dead
	}))
	ctx := context.Background()

	// The first manager never heartbeats and never finishes its task.
	stuckCfg := kit.ManagerConfig()
	stuckCfg.HeartbeatInterval = time.Hour
	stuckCfg.Parallelism = 1
	stuck := d.StartManager(t, stuckCfg, manager.ExecFunc(func(ctx context.Context, function string, args []byte) record.Result {
		<-ctx.Done()
		return record.Result{
			Success: false,
			Error:   &record.ComputeError{Type: string(record.ErrorClassComputeLost), Message: "interrupted"},
		}
	}))

	res, err := c.RecordSubmit(ctx, waterSinglepoint())
	require.NoError(t, err)

	waitStatus(t, c, res.ID, record.StatusRunning)

	// The sweep notices the silence and puts the task back.
	waitStatus(t, c, res.ID, record.StatusWaiting)

	ms, err := c.ManagerQuery(ctx, store.ManagerFilter{Names: []string{stuck.Name()}})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	require.Equal(t, record.ManagerInactive, ms[0].Status)

	// A healthy manager finishes the job.
	healthyCfg := kit.ManagerConfig()
	healthyCfg.HeartbeatInterval = 10 * time.Millisecond
	d.StartManager(t, healthyCfg, &manager.MockExecutor{})

	waitStatus(t, c, res.ID, record.StatusComplete)

	r, err := c.RecordGet(ctx, res.ID, store.Include{})
	require.NoError(t, err)
	require.NotEqual(t, stuck.Name(), r.Manager)

	// The swept manager cannot deactivate its retired name.
	err = stuck.Stop()
	require.Error(t, err)
	require.Contains(t, err.Error(), "is not active")

	// The sweep raised the heartbeat alert.
	alerts, err := c.LogAlerts(ctx)
	require.NoError(t, err)
	found := false
	for _, a := range alerts {
		if a.Type.Subsystem == "manager-heartbeat" {
			found = true
			require.NotNil(t, a.LastActive)
		}
	}
	require.True(t, found)
}

// TestManagerNamesSingleUse checks that a deactivated manager name cannot be
// activated again.
func TestManagerNamesSingleUse(t *testing.T) {
	c, d := kit.Daemon(t)
	ctx := context.Background()

	m := d.StartManager(t, kit.ManagerConfig(), &manager.MockExecutor{})

	require.Eventually(t, func() bool {
		ms, err := c.ManagerQuery(ctx, store.ManagerFilter{Names: []string{m.Name()}})
		return err == nil && len(ms) == 1 && ms[0].Status == record.ManagerActive
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop())

	err := c.ManagerActivate(ctx, record.Manager{
		Name:     m.Name(),
		Cluster:  "itest",
		Hostname: "host",
		Programs: []string{"psi4"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already registered")
}
