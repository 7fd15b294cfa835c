package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/engine"
	"github.com/latticeproject/lattice/lib/tablewriter"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

var recordCmd = &cli.Command{
	Name:  "record",
	Usage: "Submit and manage computation records",
	Subcommands: []*cli.Command{
		recordSubmitCmd,
		recordListCmd,
		recordGetCmd,
		recordOutputCmd,
		recordHistoryCmd,
		recordCommentCmd,
		recordCancelCmd,
		recordResetCmd,
		recordRevertCmd,
		recordInvalidateCmd,
		recordDeleteCmd,
		recordModifyCmd,
	},
}

var recordSubmitCmd = &cli.Command{
	Name:      "submit",
	Usage:     "Submit one or more computation records",
	ArgsUsage: "[input.json]",
	Description: `Reads a submission document from the given file, or stdin when the
   argument is omitted or '-'. The document is either a single submission
   or an array of them:

     {"kind": "singlepoint",
      "specification": {"program": "psi4", "driver": "energy",
                        "method": "b3lyp", "basis": "def2-svp"},
      "context": {"molecule": "..."}}

   Flags fill in fields the document leaves unset.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "kind",
			Usage: "record kind for entries that don't set one",
		},
		&cli.StringFlag{
			Name:  "tag",
			Usage: "routing tag for entries that don't set one",
		},
		&cli.StringFlag{
			Name:  "priority",
			Usage: "priority for entries that don't set one: low, normal, high",
		},
		&cli.BoolFlag{
			Name:  "force-new",
			Usage: "skip deduplication and always create new records",
		},
	},
	Action: func(cctx *cli.Context) error {
		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)

		input, err := readInput(cctx.Args().First())
		if err != nil {
			return err
		}

		subs, single, err := parseSubmissions(input)
		if err != nil {
			return ShowHelp(cctx, err)
		}

		for i := range subs {
			if err := applySubmitFlags(cctx, &subs[i]); err != nil {
				return err
			}
		}

		if single {
			res, err := napi.RecordSubmit(ctx, subs[0])
			if err != nil {
				return err
			}
			if res.Created {
				fmt.Printf("record %d created\n", res.ID)
			} else {
				fmt.Printf("record %d already exists\n", res.ID)
			}
			return nil
		}

		res, err := napi.RecordSubmitBatch(ctx, subs)
		if err != nil {
			return err
		}
		fmt.Printf("%d records: %d created, %d existing\n", len(res.IDs), res.NumInserted, res.NumExisting)
		for i, id := range res.IDs {
			fmt.Printf("  [%d] %d\n", i, id)
		}
		return nil
	},
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// parseSubmissions accepts a single submission object or an array of them.
func parseSubmissions(input []byte) ([]api.SubmitParams, bool, error) {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 {
		return nil, false, xerrors.New("empty submission document")
	}

	if trimmed[0] == '[' {
		var subs []api.SubmitParams
		if err := json.Unmarshal(trimmed, &subs); err != nil {
			return nil, false, xerrors.Errorf("parsing submission array: %w", err)
		}
		if len(subs) == 0 {
			return nil, false, xerrors.New("empty submission array")
		}
		return subs, false, nil
	}

	var sub api.SubmitParams
	if err := json.Unmarshal(trimmed, &sub); err != nil {
		return nil, false, xerrors.Errorf("parsing submission: %w", err)
	}
	return []api.SubmitParams{sub}, true, nil
}

func applySubmitFlags(cctx *cli.Context, sub *api.SubmitParams) error {
	if sub.Kind == "" {
		sub.Kind = cctx.String("kind")
	}
	if sub.Tag == "" {
		sub.Tag = cctx.String("tag")
	}
	if sub.Priority == nil && cctx.IsSet("priority") {
		prio, err := record.ParsePriority(cctx.String("priority"))
		if err != nil {
			return err
		}
		sub.Priority = &prio
	}
	if cctx.Bool("force-new") {
		no := false
		sub.FindExisting = &no
	}
	return nil
}

var recordListCmd = &cli.Command{
	Name:  "list",
	Usage: "List records",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "kind",
			Usage: "only records of this kind",
		},
		&cli.StringSliceFlag{
			Name:  "status",
			Usage: "only records in these statuses",
		},
		&cli.StringSliceFlag{
			Name:  "tag",
			Usage: "only records with these routing tags",
		},
		&cli.StringFlag{
			Name:  "manager",
			Usage: "only records last touched by this manager",
		},
		&cli.Int64Flag{
			Name:  "parent",
			Usage: "only children of this record",
		},
		&cli.Int64Flag{
			Name:  "child",
			Usage: "only parents of this record",
		},
		&cli.DurationFlag{
			Name:  "created-since",
			Usage: "only records created within this duration",
		},
		&cli.DurationFlag{
			Name:  "modified-since",
			Usage: "only records modified within this duration",
		},
		&cli.Int64Flag{
			Name:  "cursor",
			Usage: "resume listing after this record id",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "maximum number of records to list",
			Value: 50,
		},
	},
	Action: func(cctx *cli.Context) error {
		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)

		filter := store.RecordFilter{
			Kind:     cctx.String("kind"),
			Manager:  cctx.String("manager"),
			ParentID: cctx.Int64("parent"),
			ChildID:  cctx.Int64("child"),
			Cursor:   cctx.Int64("cursor"),
			Limit:    cctx.Int("limit"),
		}
		for _, s := range cctx.StringSlice("status") {
			st, err := record.ParseStatus(s)
			if err != nil {
				return ShowHelp(cctx, err)
			}
			filter.Status = append(filter.Status, st)
		}
		for _, t := range cctx.StringSlice("tag") {
			// tags are stored lowercased
			filter.Tags = append(filter.Tags, strings.ToLower(strings.TrimSpace(t)))
		}
		if d := cctx.Duration("created-since"); d > 0 {
			filter.CreatedAfter = time.Now().Add(-d)
		}
		if d := cctx.Duration("modified-since"); d > 0 {
			filter.ModifiedAfter = time.Now().Add(-d)
		}

		recs, err := napi.RecordQuery(ctx, filter)
		if err != nil {
			return err
		}

		tw := tablewriter.New(
			tablewriter.Col("ID"),
			tablewriter.Col("Kind"),
			tablewriter.Col("Status"),
			tablewriter.Col("Tag"),
			tablewriter.Col("Priority"),
			tablewriter.Col("Manager"),
			tablewriter.Col("Age"),
		)
		for _, r := range recs {
			tw.Write(map[string]interface{}{
				"ID":       r.ID,
				"Kind":     r.Kind,
				"Status":   colorStatus(r.Status),
				"Tag":      r.Tag,
				"Priority": r.Priority,
				"Manager":  r.Manager,
				"Age":      humanize.Time(r.CreatedAt),
			})
		}
		return tw.Flush(os.Stdout)
	},
}

func colorStatus(s record.Status) string {
	switch s {
	case record.StatusComplete:
		return color.GreenString(string(s))
	case record.StatusError:
		return color.RedString(string(s))
	case record.StatusRunning:
		return color.CyanString(string(s))
	case record.StatusCancelled, record.StatusInvalid, record.StatusDeleted:
		return color.HiBlackString(string(s))
	default:
		return string(s)
	}
}

var recordGetCmd = &cli.Command{
	Name:      "get",
	Usage:     "Print one record as JSON",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "context",
			Usage: "include the submitted input document",
		},
		&cli.BoolFlag{
			Name:  "task",
			Usage: "include the live task row",
		},
		&cli.BoolFlag{
			Name:  "service",
			Usage: "include the live service row and its dependencies",
		},
		&cli.BoolFlag{
			Name:  "children",
			Usage: "include child record ids",
		},
	},
	Action: func(cctx *cli.Context) error {
		id, err := parseRecordID(cctx)
		if err != nil {
			return err
		}

		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)

		rec, err := napi.RecordGet(ctx, id, store.Include{
			Context:  cctx.Bool("context"),
			Task:     cctx.Bool("task"),
			Service:  cctx.Bool("service"),
			Children: cctx.Bool("children"),
		})
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var recordOutputCmd = &cli.Command{
	Name:      "output",
	Usage:     "Print a stored output of a record",
	ArgsUsage: "<id> [stdout|stderr|error]",
	Action: func(cctx *cli.Context) error {
		id, err := parseRecordID(cctx)
		if err != nil {
			return err
		}
		typ := record.OutputStdout
		if arg := cctx.Args().Get(1); arg != "" {
			typ = record.OutputType(arg)
		}

		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)

		data, err := napi.RecordOutput(ctx, id, typ)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var recordHistoryCmd = &cli.Command{
	Name:      "history",
	Usage:     "Show the execution attempts of a record",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		id, err := parseRecordID(cctx)
		if err != nil {
			return err
		}

		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)

		entries, err := napi.RecordHistory(ctx, id)
		if err != nil {
			return err
		}

		tw := tablewriter.New(
			tablewriter.Col("Status"),
			tablewriter.Col("Manager"),
			tablewriter.Col("Walltime"),
			tablewriter.Col("When"),
		)
		for _, e := range entries {
			walltime := ""
			if e.Walltime > 0 {
				walltime = (time.Duration(e.Walltime * float64(time.Second))).Truncate(time.Millisecond).String()
			}
			tw.Write(map[string]interface{}{
				"Status":   colorStatus(e.Status),
				"Manager":  e.Manager,
				"Walltime": walltime,
				"When":     humanize.Time(e.ModifiedAt),
			})
		}
		return tw.Flush(os.Stdout)
	},
}

var recordCommentCmd = &cli.Command{
	Name:      "comment",
	Usage:     "List comments on a record, or add one",
	ArgsUsage: "<id> [comment]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "user",
			Usage: "author to attribute the comment to",
		},
	},
	Action: func(cctx *cli.Context) error {
		id, err := parseRecordID(cctx)
		if err != nil {
			return err
		}

		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)

		if cctx.NArg() > 1 {
			return napi.RecordAddComment(ctx, id, cctx.String("user"), cctx.Args().Get(1))
		}

		comments, err := napi.RecordComments(ctx, id)
		if err != nil {
			return err
		}
		for _, c := range comments {
			user := c.User
			if user == "" {
				user = "(anonymous)"
			}
			fmt.Printf("%s %s: %s\n", c.CreatedAt.Format(time.RFC3339), user, c.Comment)
		}
		return nil
	},
}

var recordCancelCmd = &cli.Command{
	Name:      "cancel",
	Usage:     "Cancel waiting or running records, cascading to service children",
	ArgsUsage: "<id>...",
	Action: bulkAction(func(ctx *cli.Context, napi api.Lattice, ids []int64) (*engine.UpdateResult, error) {
		return napi.RecordCancel(ReqContext(ctx), ids)
	}),
}

var recordResetCmd = &cli.Command{
	Name:      "reset",
	Usage:     "Requeue errored records",
	ArgsUsage: "<id>...",
	Action: bulkAction(func(ctx *cli.Context, napi api.Lattice, ids []int64) (*engine.UpdateResult, error) {
		return napi.RecordReset(ReqContext(ctx), ids)
	}),
}

var recordRevertCmd = &cli.Command{
	Name:      "revert",
	Usage:     "Undo the last cancel or invalidate",
	ArgsUsage: "<id>...",
	Action: bulkAction(func(ctx *cli.Context, napi api.Lattice, ids []int64) (*engine.UpdateResult, error) {
		return napi.RecordRevert(ReqContext(ctx), ids)
	}),
}

var recordInvalidateCmd = &cli.Command{
	Name:      "invalidate",
	Usage:     "Mark completed records as scientifically unsound",
	ArgsUsage: "<id>...",
	Action: bulkAction(func(ctx *cli.Context, napi api.Lattice, ids []int64) (*engine.UpdateResult, error) {
		return napi.RecordInvalidate(ReqContext(ctx), ids)
	}),
}

var recordDeleteCmd = &cli.Command{
	Name:      "delete",
	Usage:     "Delete records",
	ArgsUsage: "<id>...",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "hard",
			Usage: "remove rows entirely instead of marking deleted",
		},
		&cli.BoolFlag{
			Name:  "no-cascade",
			Usage: "don't delete service children",
		},
	},
	Action: bulkAction(func(ctx *cli.Context, napi api.Lattice, ids []int64) (*engine.UpdateResult, error) {
		return napi.RecordDelete(ReqContext(ctx), ids, !ctx.Bool("hard"), !ctx.Bool("no-cascade"))
	}),
}

var recordModifyCmd = &cli.Command{
	Name:      "modify",
	Usage:     "Change the routing tag or priority of unfinished records",
	ArgsUsage: "<id>...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "tag",
			Usage: "new routing tag",
		},
		&cli.StringFlag{
			Name:  "priority",
			Usage: "new priority: low, normal, high",
		},
	},
	Action: func(cctx *cli.Context) error {
		if !cctx.IsSet("tag") && !cctx.IsSet("priority") {
			return ShowHelp(cctx, xerrors.New("nothing to modify, set --tag or --priority"))
		}

		var tag *string
		if cctx.IsSet("tag") {
			t := cctx.String("tag")
			tag = &t
		}
		var prio *record.Priority
		if cctx.IsSet("priority") {
			p, err := record.ParsePriority(cctx.String("priority"))
			if err != nil {
				return err
			}
			prio = &p
		}

		ids, err := parseRecordIDs(cctx)
		if err != nil {
			return err
		}

		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		res, err := napi.RecordModify(ReqContext(cctx), ids, tag, prio)
		if err != nil {
			return err
		}
		printUpdateResult(res)
		return nil
	},
}

func parseRecordID(cctx *cli.Context) (int64, error) {
	if cctx.NArg() < 1 {
		return 0, ShowHelp(cctx, xerrors.New("expected a record id"))
	}
	id, err := strconv.ParseInt(cctx.Args().First(), 10, 64)
	if err != nil {
		return 0, ShowHelp(cctx, xerrors.Errorf("parsing record id %q: %w", cctx.Args().First(), err))
	}
	return id, nil
}

func parseRecordIDs(cctx *cli.Context) ([]int64, error) {
	if cctx.NArg() < 1 {
		return nil, ShowHelp(cctx, xerrors.New("expected at least one record id"))
	}
	var ids []int64
	for _, arg := range cctx.Args().Slice() {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, ShowHelp(cctx, xerrors.Errorf("parsing record id %q: %w", arg, err))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func bulkAction(op func(*cli.Context, api.Lattice, []int64) (*engine.UpdateResult, error)) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		ids, err := parseRecordIDs(cctx)
		if err != nil {
			return err
		}

		napi, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		res, err := op(cctx, napi, ids)
		if err != nil {
			return err
		}
		printUpdateResult(res)
		return nil
	}
}

func printUpdateResult(res *engine.UpdateResult) {
	fmt.Printf("%d records updated\n", res.NUpdated)
	for _, re := range res.Errors {
		fmt.Printf("  %d: %s\n", re.RecordID, re.Reason)
	}
}
