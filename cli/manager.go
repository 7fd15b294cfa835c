package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/lib/tablewriter"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

var managerCmd = &cli.Command{
	Name:  "manager",
	Usage: "Inspect and manage compute managers",
	Subcommands: []*cli.Command{
		managerListCmd,
		managerDeactivateCmd,
	},
}

var managerListCmd = &cli.Command{
	Name:  "list",
	Usage: "List compute managers",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "all",
			Usage: "include deactivated managers",
		},
	},
	Action: func(cctx *cli.Context) error {
		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)

		filter := store.ManagerFilter{Status: record.ManagerActive}
		if cctx.Bool("all") {
			filter.Status = ""
		}

		managers, err := napi.ManagerQuery(ctx, filter)
		if err != nil {
			return err
		}

		tw := tablewriter.New(
			tablewriter.Col("Name"),
			tablewriter.Col("Status"),
			tablewriter.Col("Cluster"),
			tablewriter.Col("Host"),
			tablewriter.Col("Tags"),
			tablewriter.Col("Claimed"),
			tablewriter.Col("Done"),
			tablewriter.Col("Failed"),
			tablewriter.Col("Tasks"),
			tablewriter.Col("Heartbeat"),
		)
		for _, m := range managers {
			status := string(m.Status)
			if m.Status == record.ManagerActive {
				status = color.GreenString(status)
			}
			hb := "never"
			if !m.LastHeartbeat.IsZero() {
				hb = humanize.Time(m.LastHeartbeat)
			}
			tw.Write(map[string]interface{}{
				"Name":      m.Name,
				"Status":    status,
				"Cluster":   m.Cluster,
				"Host":      m.Hostname,
				"Tags":      strings.Join(m.Tags, ","),
				"Claimed":   m.Claimed,
				"Done":      m.Successes,
				"Failed":    m.Failures,
				"Tasks":     m.ActiveTasks,
				"Heartbeat": hb,
			})
		}
		return tw.Flush(os.Stdout)
	},
}

var managerDeactivateCmd = &cli.Command{
	Name:      "deactivate",
	Usage:     "Deactivate managers, returning their leased tasks to the queue",
	ArgsUsage: "<name>...",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() < 1 {
			return ShowHelp(cctx, xerrors.New("expected at least one manager name"))
		}

		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)

		for _, name := range cctx.Args().Slice() {
			released, err := napi.ManagerDeactivate(ctx, name)
			if err != nil {
				return err
			}
			fmt.Printf("%s deactivated, %d tasks returned to the queue\n", name, released)
		}
		return nil
	},
}
