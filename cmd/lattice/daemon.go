package main

import (
	"context"
	"time"

	"github.com/gbrlsnchs/jwt/v3"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	logging "github.com/ipfs/go-log/v2"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/build"
	lcli "github.com/latticeproject/lattice/cli"
	"github.com/latticeproject/lattice/engine"
	"github.com/latticeproject/lattice/journal"
	"github.com/latticeproject/lattice/journal/alerting"
	"github.com/latticeproject/lattice/journal/fsjournal"
	"github.com/latticeproject/lattice/metrics"
	"github.com/latticeproject/lattice/node"
	"github.com/latticeproject/lattice/node/config"
	"github.com/latticeproject/lattice/node/impl"
	"github.com/latticeproject/lattice/node/repo"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

var daemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "Start a lattice daemon process",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "api",
			Usage: "host:port for the JSON-RPC api, overriding the config",
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: "use a config file outside the repo",
		},
	},
	Subcommands: []*cli.Command{
		daemonStopCmd,
	},
	Action: func(cctx *cli.Context) error {
		ctx, _ := tag.New(context.Background(),
			tag.Insert(metrics.Version, build.BuildVersion),
			tag.Insert(metrics.Commit, build.CurrentCommit),
		)

		if err := view.Register(metrics.DefaultViews...); err != nil {
			return xerrors.Errorf("registering metric views: %w", err)
		}
		// Set the metric to one so it is published to the exporter
		stats.Record(ctx, metrics.LatticeInfo.M(1))

		if dir, err := homedir.Expand(cctx.String(lcli.FlagRepo)); err == nil {
			log.Infof("lattice repo: %s", dir)
		}

		r, err := repo.NewFS(cctx.String(lcli.FlagRepo))
		if err != nil {
			return xerrors.Errorf("opening fs repo: %w", err)
		}

		if cctx.String("config") != "" {
			r.SetConfigPath(cctx.String("config"))
		}

		if err := r.Init(); err != nil {
			return xerrors.Errorf("repo init error: %w", err)
		}

		lr, err := r.Lock()
		if err != nil {
			return err
		}
		defer lr.Close() //nolint:errcheck

		cfg, err := lr.Config()
		if err != nil {
			return xerrors.Errorf("loading config: %w", err)
		}

		for subsys, level := range cfg.Logging.SubsystemLevels {
			if err := logging.SetLogLevel(subsys, level); err != nil {
				log.Warnw("setting log level from config", "subsystem", subsys, "level", level, "error", err)
			}
		}

		// The env var wins over the config so operators can silence events
		// without touching the repo.
		disabled := journal.EnvDisabledEvents()
		if len(disabled) == 0 && cfg.Journal.DisabledEvents != "" {
			disabled, err = journal.ParseDisabledEvents(cfg.Journal.DisabledEvents)
			if err != nil {
				return xerrors.Errorf("parsing Journal.DisabledEvents: %w", err)
			}
		}

		jrnl, err := fsjournal.OpenFSJournal(lr.Path(), disabled)
		if err != nil {
			return xerrors.Errorf("opening filesystem journal: %w", err)
		}

		dbPath, err := lr.DatabasePath()
		if err != nil {
			return xerrors.Errorf("resolving database path: %w", err)
		}

		s, err := store.Open(ctx, dbPath)
		if err != nil {
			return xerrors.Errorf("opening store at %s: %w", dbPath, err)
		}

		alerts := alerting.NewAlertingSystem(jrnl)

		e := engine.New(s, jrnl, alerts, engineConfig(cfg))
		e.Start()

		sec, err := lr.Secret()
		if err != nil {
			return xerrors.Errorf("loading jwt secret: %w", err)
		}

		shutdownChan := make(chan struct{})

		a := &impl.LatticeAPI{
			Engine:       e,
			Store:        s,
			APISecret:    jwt.NewHS256(sec),
			ShutdownChan: shutdownChan,
		}

		// Mint the CLI token on first start. Operators mint scoped tokens
		// with `lattice auth create-token`.
		if _, err := r.APIToken(); err != nil {
			tok, err := a.AuthNew(ctx, api.AllPermissions)
			if err != nil {
				return xerrors.Errorf("minting admin token: %w", err)
			}
			if err := lr.SetAPIToken(tok); err != nil {
				return xerrors.Errorf("writing api token: %w", err)
			}
		}

		listen := cfg.API.ListenAddress
		if cctx.IsSet("api") {
			listen = cctx.String("api")
		}

		h := node.LatticeHandler(a.AuthVerify, a, true)

		addr, rpcStopper, err := node.ServeRPC(h, "lattice-daemon", listen)
		if err != nil {
			return xerrors.Errorf("failed to start json-rpc endpoint: %w", err)
		}

		if err := lr.SetAPIEndpoint("http://" + addr + "/rpc/v0"); err != nil {
			return xerrors.Errorf("writing api endpoint: %w", err)
		}

		log.Infof("json-rpc api listening on %s", addr)

		finishCh := node.MonitorShutdown(shutdownChan,
			node.ShutdownHandler{Component: "rpc server", StopFunc: func(context.Context) error {
				// bound the wait for in-flight requests
				sctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.API.Timeout))
				defer cancel()
				return rpcStopper(sctx)
			}},
			node.ShutdownHandler{Component: "engine", StopFunc: e.Stop},
			node.ShutdownHandler{Component: "store", StopFunc: func(context.Context) error { return s.Close() }},
			node.ShutdownHandler{Component: "journal", StopFunc: func(context.Context) error { return jrnl.Close() }},
		)
		<-finishCh

		return nil
	},
}

// engineConfig maps the repo config onto the engine's, leaving defaults in
// place for anything the file does not mention.
func engineConfig(cfg *config.Lattice) engine.Config {
	ecfg := engine.DefaultConfig()
	ecfg.ServiceFrequency = time.Duration(cfg.Engine.ServiceFrequency)
	ecfg.MaxActiveServices = cfg.Engine.MaxActiveServices
	ecfg.HeartbeatFrequency = time.Duration(cfg.Engine.HeartbeatFrequency)
	ecfg.HeartbeatMaxMissed = cfg.Engine.HeartbeatMaxMissed
	ecfg.ClaimLimit = cfg.Engine.ClaimLimit
	ecfg.ReturnLimit = cfg.Engine.ReturnLimit
	ecfg.AutoReset = cfg.Engine.AutoReset
	if len(cfg.Engine.AutoResetLimits) > 0 {
		ecfg.AutoResetLimits = make(map[record.ErrorClass]int, len(cfg.Engine.AutoResetLimits))
		for class, limit := range cfg.Engine.AutoResetLimits {
			ecfg.AutoResetLimits[record.ErrorClass(class)] = limit
		}
	}
	return ecfg
}

var daemonStopCmd = &cli.Command{
	Name:  "stop",
	Usage: "Stop a running lattice daemon",
	Action: func(cctx *cli.Context) error {
		napi, closer, err := lcli.GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return napi.Shutdown(lcli.ReqContext(cctx))
	},
}
