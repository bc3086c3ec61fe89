package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cruncher/internal/orchestrator"
	"cruncher/internal/querylang"
	"cruncher/internal/record"
	"cruncher/internal/repl"
)

// fetchPage is the page size used to drain a finished task.
const fetchPage = 1000

// NewQueryCommand returns the "query" command, which runs one query to
// completion and prints its table or events.
func NewQueryCommand(env Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <QQL>",
		Short: "Run a query and print the result",
		Example: `  cruncher query 'level=error timeout | stats count() by host'
  cruncher query --range 15m --format csv '@web-* | table _time, host, _raw'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := queryOptions(cmd)
			if err != nil {
				return err
			}
			instance, _ := cmd.Flags().GetString("instance")
			profile, _ := cmd.Flags().GetString("profile")
			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text", orchestrator.ExportCSV, orchestrator.ExportJSON:
			default:
				return fmt.Errorf("unknown format %q", format)
			}

			client, done, err := clientFromCmd(cmd, env)
			if err != nil {
				return err
			}
			defer done()

			ctx := cmd.Context()
			text := strings.Join(args, " ")
			id, err := client.RunQuery(ctx, orchestrator.Target{Instance: instance, Profile: profile}, text, opts)
			if err != nil {
				var pe *querylang.ParseError
				if errors.As(err, &pe) {
					fmt.Fprintln(cmd.ErrOrStderr(), pe.Excerpt(text))
				}
				return err
			}
			defer func() { _ = client.Release(ctx, id) }()

			info, err := client.Wait(ctx, id)
			if err != nil {
				return err
			}
			if info.Status == orchestrator.StatusFailed {
				return fmt.Errorf("query failed: %s", info.Error)
			}

			out := cmd.OutOrStdout()
			if format != "text" {
				data, err := client.Export(ctx, id, format)
				if err != nil {
					return err
				}
				return writeAll(out, data)
			}
			return printResult(cmd, client, id, out)
		},
	}
	cmd.Flags().String("addr", "", "server address (default: run in-process)")
	cmd.Flags().String("instance", "", "run against one instance")
	cmd.Flags().String("profile", "", "run against a profile (default: the default profile)")
	cmd.Flags().String("from", "", "range start (RFC3339, Unix seconds, now or -1h)")
	cmd.Flags().String("to", "", "range end (default: now)")
	cmd.Flags().Duration("range", time.Hour, "range length when --from is not set")
	cmd.Flags().Int("limit", 0, "maximum events per instance (0 = no limit)")
	cmd.Flags().Bool("forced", false, "refetch instead of reusing cached results")
	cmd.Flags().String("format", "text", "output format: text, csv or json")
	return cmd
}

func queryOptions(cmd *cobra.Command) (orchestrator.RunOptions, error) {
	now := time.Now()
	var opts orchestrator.RunOptions
	opts.Limit, _ = cmd.Flags().GetInt("limit")
	opts.Forced, _ = cmd.Flags().GetBool("forced")
	if opts.Limit < 0 {
		return opts, fmt.Errorf("invalid --limit %d", opts.Limit)
	}

	opts.To = now
	if s, _ := cmd.Flags().GetString("to"); s != "" {
		t, err := repl.ParseTime(s, now)
		if err != nil {
			return opts, fmt.Errorf("--to: %w", err)
		}
		opts.To = t
	}
	if s, _ := cmd.Flags().GetString("from"); s != "" {
		t, err := repl.ParseTime(s, now)
		if err != nil {
			return opts, fmt.Errorf("--from: %w", err)
		}
		opts.From = t
	} else {
		span, _ := cmd.Flags().GetDuration("range")
		opts.From = opts.To.Add(-span)
	}
	if opts.From.After(opts.To) {
		return opts, fmt.Errorf("--from %s is after --to %s", opts.From.Format(time.RFC3339), opts.To.Format(time.RFC3339))
	}
	return opts, nil
}

// printResult writes the task's table when the pipeline produced one, its
// events otherwise.
func printResult(cmd *cobra.Command, client repl.Client, id string, out io.Writer) error {
	ctx := cmd.Context()
	tp, err := client.Table(ctx, id, 0, fetchPage)
	if err != nil {
		return err
	}
	if len(tp.Columns) > 0 {
		rows := tableRows(tp)
		for tp.Next != nil {
			if tp, err = client.Table(ctx, id, *tp.Next, fetchPage); err != nil {
				return err
			}
			rows = append(rows, tableRows(tp)...)
		}
		newPrinter(formatTable, out).table(tp.Columns, rows)
		return nil
	}

	for offset := 0; ; {
		p, err := client.Logs(ctx, id, offset, fetchPage)
		if err != nil {
			return err
		}
		for _, rec := range p.Data {
			fmt.Fprintf(out, "%s %s\n", rec.Get(record.TimeField).Display(), rec.Text())
		}
		if p.Next == nil {
			return nil
		}
		offset = *p.Next
	}
}

func tableRows(tp orchestrator.TablePage) [][]string {
	rows := make([][]string, len(tp.Data))
	for i, row := range tp.Data {
		cells := make([]string, len(tp.Columns))
		for j, col := range tp.Columns {
			cells[j] = row.Get(col).Display()
		}
		rows[i] = cells
	}
	return rows
}
