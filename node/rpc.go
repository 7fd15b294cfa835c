// Package node assembles a running daemon out of the repo, store, engine
// and RPC layers.
package node

import (
	"context"
	"net"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/filecoin-project/go-jsonrpc/auth"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/metrics"
	"github.com/latticeproject/lattice/metrics/proxy"
)

var log = logging.Logger("node")

// LatticeHandler assembles the daemon's HTTP handler: the JSON-RPC API on
// /rpc/v0, the prometheus exporter on /debug/metrics, pprof on everything
// else. With permissioned set, every request must carry a valid token and
// methods are gated by their perm tags.
func LatticeHandler(
	authv func(ctx context.Context, token string) ([]auth.Permission, error),
	a api.Lattice,
	permissioned bool) http.Handler {
	m := mux.NewRouter()
	rpcServer := jsonrpc.NewServer(jsonrpc.WithServerErrors(api.RPCErrors))

	var wapi api.Lattice = proxy.MetricedAPI[api.Lattice, api.LatticeStruct](a)
	if permissioned {
		wapi = api.PermissionedLatticeAPI(wapi)
	}

	rpcServer.Register("Lattice", wapi)

	m.Handle("/rpc/v0", rpcServer)
	m.Handle("/debug/metrics", metrics.Exporter("lattice"))
	m.PathPrefix("/").Handler(http.DefaultServeMux) // pprof

	if !permissioned {
		return m
	}

	return &auth.Handler{
		Verify: authv,
		Next:   m.ServeHTTP,
	}
}

// ServeRPC starts serving the handler on addr. Port 0 picks a free port; the
// address actually listened on is returned along with a shutdown func.
func ServeRPC(h http.Handler, id string, addr string) (string, func(context.Context) error, error) {
	// Start listening to the addr; if invalid or occupied, fail early.
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, xerrors.Errorf("could not listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(listener net.Listener) context.Context {
			ctx, _ := tag.New(context.Background(), tag.Upsert(metrics.APIInterface, id))
			return ctx
		},
	}

	go func() {
		err := srv.Serve(lst)
		if err != http.ErrServerClosed {
			log.Warnw("API server shutdown", "id", id, "err", err)
		}
	}()

	return lst.Addr().String(), srv.Shutdown, nil
}
