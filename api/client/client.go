package client

import (
	"context"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"

	"github.com/latticeproject/lattice/api"
)

// NewLatticeRPC creates a new http jsonrpc client against a daemon.
func NewLatticeRPC(ctx context.Context, addr string, requestHeader http.Header, opts ...jsonrpc.Option) (api.Lattice, jsonrpc.ClientCloser, error) {
	var res api.LatticeStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, "Lattice",
		api.GetInternalStructs(&res),
		requestHeader,
		append([]jsonrpc.Option{jsonrpc.WithErrors(api.RPCErrors)}, opts...)...,
	)

	return &res, closer, err
}
