package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/filecoin-project/go-jsonrpc"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/api/client"
	"github.com/latticeproject/lattice/node/repo"
)

var log = logging.Logger("cli")

const (
	metadataTraceContext = "traceContext"
	metadataContext      = "context"
)

// FlagRepo is the name of the repo flag carried by every command.
const FlagRepo = "repo"

// GetAPIInfo resolves the daemon endpoint and token. The LATTICE_API_INFO
// environment variable ("token:url") wins over the repo files, so scripts
// can target a remote daemon without a local repo.
func GetAPIInfo(cctx *cli.Context) (APIInfo, error) {
	if env, ok := os.LookupEnv("LATTICE_API_INFO"); ok {
		return ParseApiInfo(env), nil
	}

	r, err := repo.NewFS(cctx.String(FlagRepo))
	if err != nil {
		return APIInfo{}, xerrors.Errorf("opening repo at %s: %w", cctx.String(FlagRepo), err)
	}

	addr, err := r.APIEndpoint()
	if err != nil {
		return APIInfo{}, xerrors.Errorf("failed to get api endpoint (is the daemon running?): %w", err)
	}

	info := APIInfo{Addr: addr}
	token, err := r.APIToken()
	if err != nil {
		log.Warnf("couldn't load CLI token, capabilities may be limited: %s", err)
	} else {
		info.Token = token
	}

	return info, nil
}

// GetAPI opens an RPC client against the daemon the CLI is pointed at.
func GetAPI(cctx *cli.Context) (api.Lattice, jsonrpc.ClientCloser, error) {
	ainfo, err := GetAPIInfo(cctx)
	if err != nil {
		return nil, nil, err
	}

	return client.NewLatticeRPC(cctx.Context, ainfo.Addr, ainfo.AuthHeader())
}

// ReqContext returns context for cli execution. Calling it for the first time
// installs SIGTERM handler that will close returned context.
// Not safe for concurrent execution.
func ReqContext(cctx *cli.Context) context.Context {
	if uctx, ok := cctx.App.Metadata[metadataContext]; ok {
		// unchecked cast as if something else is in there
		// it is crash worthy either way
		return uctx.(context.Context)
	}
	var tCtx context.Context

	if mtCtx, ok := cctx.App.Metadata[metadataTraceContext]; ok {
		tCtx = mtCtx.(context.Context)
	} else {
		tCtx = context.Background()
	}

	ctx, done := context.WithCancel(tCtx)
	sigChan := make(chan os.Signal, 2)
	go func() {
		<-sigChan
		done()
	}()
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	return ctx
}

var Commands = []*cli.Command{
	authCmd,
	infoCmd,
	logCmd,
	managerCmd,
	recordCmd,
	versionCmd,
}
