// Package kit assembles full daemons and managers for the integration
// tests: a real store on a temp database, the engine with its background
// loops, and the JSON-RPC server on a loopback port, talked to over an
// actual HTTP client.
package kit

import (
	"context"
	"crypto/rand"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/filecoin-project/go-jsonrpc/auth"
	"github.com/gbrlsnchs/jwt/v3"
	"github.com/stretchr/testify/require"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/api/client"
	"github.com/latticeproject/lattice/engine"
	"github.com/latticeproject/lattice/journal/alerting"
	"github.com/latticeproject/lattice/journal/fsjournal"
	"github.com/latticeproject/lattice/node"
	"github.com/latticeproject/lattice/node/impl"
	"github.com/latticeproject/lattice/store"
)

// TestDaemon is a running daemon plus handles into its internals for
// white-box assertions and for driving the periodic passes deterministically.
type TestDaemon struct {
	t *testing.T

	Engine *engine.Engine
	Store  *store.Store

	// Addr is the full RPC endpoint, http://127.0.0.1:<port>/rpc/v0.
	Addr string

	impl *impl.LatticeAPI
}

type DaemonOpt func(*engine.Config)

// WithEngineConfig adjusts the engine configuration before start.
func WithEngineConfig(f func(*engine.Config)) DaemonOpt {
	return f
}

// Daemon starts a complete daemon on a loopback port, backed by a temp
// database, and returns an admin client connected over real RPC. Background
// loops run with a fast service pass and an effectively disabled heartbeat
// sweep; tests that exercise sweeping call Engine.SweepManagers themselves
// or shorten HeartbeatFrequency.
func Daemon(t *testing.T, opts ...DaemonOpt) (api.Lattice, *TestDaemon) {
	ctx := context.Background()
	dir := t.TempDir()

	jrnl, err := fsjournal.OpenFSJournal(dir, nil)
	require.NoError(t, err)

	s, err := store.Open(ctx, filepath.Join(dir, "lattice.db"))
	require.NoError(t, err)

	cfg := engine.DefaultConfig()
	cfg.ServiceFrequency = 25 * time.Millisecond
	cfg.HeartbeatFrequency = time.Hour
	for _, opt := range opts {
		opt(&cfg)
	}

	e := engine.New(s, jrnl, alerting.NewAlertingSystem(jrnl), cfg)
	e.Start()

	secret := make([]byte, 32)
	_, err = rand.Read(secret)
	require.NoError(t, err)

	a := &impl.LatticeAPI{
		Engine:       e,
		Store:        s,
		APISecret:    jwt.NewHS256(secret),
		ShutdownChan: make(chan struct{}, 1),
	}

	handler := node.LatticeHandler(a.AuthVerify, a, true)
	addr, stop, err := node.ServeRPC(handler, "lattice-test", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, stop(sctx))
		require.NoError(t, e.Stop(sctx))
		require.NoError(t, s.Close())
		require.NoError(t, jrnl.Close())
	})

	d := &TestDaemon{
		t:      t,
		Engine: e,
		Store:  s,
		Addr:   "http://" + addr + "/rpc/v0",
		impl:   a,
	}

	return d.Client(api.AllPermissions), d
}

// Client dials the daemon with a fresh token carrying perms. The connection
// is closed with the test.
func (d *TestDaemon) Client(perms []auth.Permission) api.Lattice {
	token, err := d.impl.AuthNew(context.Background(), perms)
	require.NoError(d.t, err)

	headers := http.Header{}
	headers.Add("Authorization", "Bearer "+string(token))

	c, closer, err := client.NewLatticeRPC(context.Background(), d.Addr, headers)
	require.NoError(d.t, err)
	d.t.Cleanup(closer)
	return c
}

// BareClient dials without any token, for exercising the auth gate.
func (d *TestDaemon) BareClient() api.Lattice {
	c, closer, err := client.NewLatticeRPC(context.Background(), d.Addr, nil)
	require.NoError(d.t, err)
	d.t.Cleanup(closer)
	return c
}
