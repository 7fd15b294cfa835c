package cli

import (
	"fmt"

	"github.com/filecoin-project/go-jsonrpc/auth"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/api"
)

var authCmd = &cli.Command{
	Name:  "auth",
	Usage: "Manage RPC permissions",
	Subcommands: []*cli.Command{
		authCreateTokenCmd,
		authApiInfoCmd,
	},
}

// permPrefix returns the permissions implied by perm: every permission up to
// and including it, so 'compute' gives [read, write, compute].
func permPrefix(perm string) ([]auth.Permission, error) {
	idx := 0
	for i, p := range api.AllPermissions {
		if auth.Permission(perm) == p {
			idx = i + 1
		}
	}
	if idx == 0 {
		return nil, fmt.Errorf("--perm flag has to be one of: %v", api.AllPermissions)
	}
	return api.AllPermissions[:idx], nil
}

var authCreateTokenCmd = &cli.Command{
	Name:  "create-token",
	Usage: "Create token",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "perm",
			Usage: "permission to assign to the token, one of: read, write, compute, admin",
		},
	},

	Action: func(cctx *cli.Context) error {
		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)

		if !cctx.IsSet("perm") {
			return xerrors.New("--perm flag not set")
		}

		perms, err := permPrefix(cctx.String("perm"))
		if err != nil {
			return err
		}

		token, err := napi.AuthNew(ctx, perms)
		if err != nil {
			return err
		}

		fmt.Println(string(token))
		return nil
	},
}

var authApiInfoCmd = &cli.Command{
	Name:  "api-info",
	Usage: "Get token with API info required to connect to this node",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "perm",
			Usage: "permission to assign to the token, one of: read, write, compute, admin",
		},
	},

	Action: func(cctx *cli.Context) error {
		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)

		if !cctx.IsSet("perm") {
			return xerrors.New("--perm flag not set")
		}

		perms, err := permPrefix(cctx.String("perm"))
		if err != nil {
			return err
		}

		token, err := napi.AuthNew(ctx, perms)
		if err != nil {
			return err
		}

		ainfo, err := GetAPIInfo(cctx)
		if err != nil {
			return xerrors.Errorf("could not get API info: %w", err)
		}

		fmt.Printf("LATTICE_API_INFO=%s:%s\n", string(token), ainfo.Addr)
		return nil
	},
}
