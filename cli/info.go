package cli

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/latticeproject/lattice/record"
)

var infoCmd = &cli.Command{
	Name:  "info",
	Usage: "Print daemon and queue status",
	Action: func(cctx *cli.Context) error {
		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)

		v, err := napi.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Daemon: %s\n\n", v)

		stats, err := napi.ServerStats(ctx)
		if err != nil {
			return err
		}

		fmt.Println("Records:")
		var total int64
		for _, st := range record.AllStatuses {
			n := stats.Records[st]
			total += n
			if n == 0 {
				continue
			}
			// pad before coloring so the escape codes don't skew alignment
			pad := strings.Repeat(" ", 10-len(st))
			fmt.Printf("  %s%s %s\n", colorStatus(st), pad, humanize.Comma(n))
		}
		fmt.Printf("  total      %s\n", humanize.Comma(total))

		fmt.Println()
		fmt.Printf("Queue depth:     %s\n", humanize.Comma(stats.QueueDepth))
		fmt.Printf("Active services: %s\n", humanize.Comma(stats.ActiveServices))
		fmt.Printf("Active managers: %s\n", humanize.Comma(stats.ActiveManagers))

		// needs an admin token; skip quietly without one
		if alerts, err := napi.LogAlerts(ctx); err == nil {
			raised := 0
			for _, a := range alerts {
				if a.Active {
					raised++
				}
			}
			if raised > 0 {
				fmt.Println()
				fmt.Println(color.RedString("%d alert(s) raised, see `lattice log alerts`", raised))
			}
		}

		return nil
	},
}
