package main

import (
	"context"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/trace"

	"github.com/latticeproject/lattice/build"
	lcli "github.com/latticeproject/lattice/cli"
	"github.com/latticeproject/lattice/lib/latticelog"
	"github.com/latticeproject/lattice/lib/tracing"
)

var log = logging.Logger("main")

func main() {
	latticelog.SetupLogLevels()

	local := []*cli.Command{
		daemonCmd,
	}

	jaeger := tracing.SetupJaegerTracing("lattice")
	defer func() {
		if jaeger != nil {
			_ = jaeger.ForceFlush(context.Background())
		}
	}()

	for _, cmd := range local {
		cmd := cmd
		originBefore := cmd.Before
		cmd.Before = func(cctx *cli.Context) error {
			if jaeger != nil {
				_ = jaeger.Shutdown(cctx.Context)
			}
			jaeger = tracing.SetupJaegerTracing("lattice/" + cmd.Name)

			if originBefore != nil {
				return originBefore(cctx)
			}
			return nil
		}
	}

	ctx, span := trace.StartSpan(context.Background(), "/cli")
	defer span.End()

	app := &cli.App{
		Name:                 "lattice",
		Usage:                "Distributed scheduler for scientific computations",
		Version:              build.UserVersion(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    lcli.FlagRepo,
				EnvVars: []string{"LATTICE_PATH"},
				Hidden:  true,
				Value:   "~/.lattice",
			},
		},
		Commands: append(local, lcli.Commands...),
	}

	app.Setup()
	app.Metadata["traceContext"] = ctx

	lcli.RunApp(app)
}
