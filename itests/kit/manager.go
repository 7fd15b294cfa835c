package kit

import (
	"context"
	"testing"
	"time"

	"github.com/filecoin-project/go-jsonrpc/auth"
	"github.com/stretchr/testify/require"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/manager"
)

// TestManager wraps an in-process compute manager running against a
// TestDaemon over real RPC.
type TestManager struct {
	*manager.Manager

	cancel context.CancelFunc
	done   chan error
}

// ManagerConfig is the kit's fast-polling default; tests override fields
// before passing it to StartManager.
func ManagerConfig() manager.Config {
	cfg := manager.DefaultConfig()
	cfg.Cluster = "itest"
	cfg.Programs = []string{"psi4"}
	cfg.ClaimInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	return cfg
}

// StartManager runs a manager with a compute-scoped token against the
// daemon. Stop it explicitly or let the test cleanup do it.
func (d *TestDaemon) StartManager(t *testing.T, cfg manager.Config, exec manager.Executor) *TestManager {
	c := d.Client([]auth.Permission{api.PermRead, api.PermCompute})

	m, err := manager.New(c, exec, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tm := &TestManager{
		Manager: m,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { tm.done <- m.Run(ctx) }()

	t.Cleanup(func() { _ = tm.Stop() })
	return tm
}

// Stop cancels the manager's run context and waits for the drain,
// returning Run's error. Safe to call more than once.
func (tm *TestManager) Stop() error {
	tm.cancel()
	select {
	case err := <-tm.done:
		tm.done <- err
		return err
	case <-time.After(30 * time.Second):
		return context.DeadlineExceeded
	}
}
