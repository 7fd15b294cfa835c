package main

import (
	"fmt"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/build"
	lcli "github.com/latticeproject/lattice/cli"
	"github.com/latticeproject/lattice/lib/latticelog"
	"github.com/latticeproject/lattice/manager"
	"github.com/latticeproject/lattice/metrics"
)

var log = logging.Logger("main")

func main() {
	latticelog.SetupLogLevels()

	app := &cli.App{
		Name:                 "lattice-manager",
		Usage:                "Compute manager for the lattice scheduler",
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
		Commands: []*cli.Command{
			runCmd,
		},
	}
	app.Setup()

	lcli.RunApp(app)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start claiming and executing tasks",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "cluster",
			Usage:   "cluster name, the first component of the manager name",
			Value:   "local",
			EnvVars: []string{"LATTICE_MANAGER_CLUSTER"},
		},
		&cli.StringSliceFlag{
			Name:    "tags",
			Usage:   "task tags to claim ('*' for any)",
			Value:   cli.NewStringSlice("*"),
			EnvVars: []string{"LATTICE_MANAGER_TAGS"},
		},
		&cli.StringSliceFlag{
			Name:    "programs",
			Usage:   "programs this manager can execute",
			Value:   cli.NewStringSlice("psi4"),
			EnvVars: []string{"LATTICE_MANAGER_PROGRAMS"},
		},
		&cli.IntFlag{
			Name:    "parallelism",
			Usage:   "tasks to execute concurrently",
			Value:   2,
			EnvVars: []string{"LATTICE_MANAGER_PARALLELISM"},
		},
		&cli.DurationFlag{
			Name:    "claim-interval",
			Usage:   "queue poll interval while idle",
			Value:   2 * time.Second,
			EnvVars: []string{"LATTICE_MANAGER_CLAIM_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "heartbeat-interval",
			Usage:   "how often to report liveness and utilization",
			Value:   30 * time.Second,
			EnvVars: []string{"LATTICE_MANAGER_HEARTBEAT_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:  "mock-delay",
			Usage: "artificial execution time per task",
		},
	},
	Action: func(cctx *cli.Context) error {
		log.Info("Starting lattice manager")

		ctx := lcli.ReqContext(cctx)

		if err := view.Register(metrics.DefaultViews...); err != nil {
			return xerrors.Errorf("registering metric views: %w", err)
		}

		// Wait out daemon restarts instead of failing on the first refused
		// connection.
		var napi api.Lattice
		var closer jsonrpc.ClientCloser
		var err error
		for {
			napi, closer, err = lcli.GetAPI(cctx)
			if err == nil {
				_, err = napi.Version(ctx)
				if err == nil {
					break
				}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Printf("\r\x1b[0KConnecting to daemon API... (%s)", err)
			time.Sleep(time.Second)
		}
		defer closer()

		v, err := napi.Version(ctx)
		if err != nil {
			return err
		}
		if v.APIVersion != build.APIVersion {
			return xerrors.Errorf("daemon API version doesn't match: expected %s, got %s", build.APIVersion, v.APIVersion)
		}
		log.Infof("Remote version %s", v)

		cfg := manager.DefaultConfig()
		cfg.Cluster = cctx.String("cluster")
		cfg.Tags = cctx.StringSlice("tags")
		cfg.Programs = cctx.StringSlice("programs")
		cfg.Parallelism = cctx.Int("parallelism")
		cfg.ClaimInterval = cctx.Duration("claim-interval")
		cfg.HeartbeatInterval = cctx.Duration("heartbeat-interval")

		m, err := manager.New(napi, &manager.MockExecutor{Delay: cctx.Duration("mock-delay")}, cfg)
		if err != nil {
			return err
		}

		log.Infof("Manager %s ready", m.Name())
		return m.Run(ctx)
	},
}
