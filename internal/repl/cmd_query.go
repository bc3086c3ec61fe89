package repl

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"cruncher/internal/orchestrator"
	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

func (r *REPL) runOptions() orchestrator.RunOptions {
	opts := orchestrator.RunOptions{Limit: r.limit, Forced: r.forced}
	opts.From, opts.To = r.from, r.to
	if r.span > 0 && r.from.IsZero() {
		if opts.To.IsZero() {
			opts.To = r.now()
		}
		opts.From = opts.To.Add(-r.span)
	}
	return opts
}

func (r *REPL) cmdQuery(out *strings.Builder, text string) {
	if text == "" {
		out.WriteString("Usage: query <QQL>\n")
		return
	}
	r.releaseCurrent()

	id, err := r.client.RunQuery(r.ctx, r.target, text, r.runOptions())
	if err != nil {
		fmt.Fprintf(out, "Query error: %v\n", err)
		var pe *querylang.ParseError
		if errors.As(err, &pe) {
			fmt.Fprintf(out, "%s\n", pe.Excerpt(text))
		}
		return
	}
	r.task = id
	r.offset = 0

	info, err := r.client.Wait(r.ctx, id)
	if err != nil {
		fmt.Fprintf(out, "Wait error: %v\n", err)
		return
	}
	fmt.Fprintf(out, "Task %s %s: %d events from %s\n", info.ID, info.Status, info.Events, strings.Join(info.Instances, ", "))
	if info.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", info.Error)
	}

	tp, err := r.client.Table(r.ctx, id, 0, r.pageLimit())
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	r.table = len(tp.Columns) > 0
	if r.table {
		r.printTable(out, tp)
		return
	}
	r.fetchEvents(out)
}

// unpaged is the page limit used when paging is disabled.
const unpaged = 1 << 30

// pageLimit is the number of rows fetched per page.
func (r *REPL) pageLimit() int {
	if r.pageSize <= 0 {
		return unpaged
	}
	return r.pageSize
}

func (r *REPL) cmdNext(out *strings.Builder, args []string) {
	if r.task == "" {
		out.WriteString("No active query. Use 'query' first.\n")
		return
	}
	limit := r.pageLimit()
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintf(out, "Invalid count: %s\n", args[0])
			return
		}
		limit = n
	}
	r.fetchPage(out, limit)
}

func (r *REPL) cmdPrev(out *strings.Builder) {
	if r.task == "" {
		out.WriteString("No active query. Use 'query' first.\n")
		return
	}
	// offset points past the page on screen; step back two pages.
	r.offset = max(0, r.offset-2*r.pageLimit())
	r.fetchPage(out, r.pageLimit())
}

func (r *REPL) cmdShow(out *strings.Builder, table bool) {
	if r.task == "" {
		out.WriteString("No active query. Use 'query' first.\n")
		return
	}
	r.table = table
	r.offset = 0
	r.fetchPage(out, r.pageLimit())
}

func (r *REPL) fetchPage(out *strings.Builder, limit int) {
	if !r.table {
		r.fetchEventsN(out, limit)
		return
	}
	tp, err := r.client.Table(r.ctx, r.task, r.offset, limit)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	r.printTable(out, tp)
}

func (r *REPL) fetchEvents(out *strings.Builder) { r.fetchEventsN(out, r.pageLimit()) }

func (r *REPL) fetchEventsN(out *strings.Builder, limit int) {
	p, err := r.client.Logs(r.ctx, r.task, r.offset, limit)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	if len(p.Data) == 0 {
		out.WriteString("No more results.\n")
		return
	}
	for _, rec := range p.Data {
		printRecord(out, rec)
	}
	r.offset += len(p.Data)
	r.footer(out, len(p.Data), p.Total, p.Next != nil)
}

func (r *REPL) printTable(out *strings.Builder, tp orchestrator.TablePage) {
	if len(tp.Columns) == 0 {
		out.WriteString("Query produced no table.\n")
		return
	}
	if len(tp.Data) == 0 {
		out.WriteString("No more results.\n")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(tp.Columns, "\t"))
	for _, row := range tp.Data {
		cells := make([]string, len(tp.Columns))
		for i, col := range tp.Columns {
			cells[i] = row.Get(col).Display()
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
	r.offset += len(tp.Data)
	if tp.Truncated {
		out.WriteString("(table truncated)\n")
	}
	r.footer(out, len(tp.Data), tp.Total, tp.Next != nil)
}

func (r *REPL) footer(out *strings.Builder, shown, total int, more bool) {
	if more {
		fmt.Fprintf(out, "--- %d-%d of %d shown. Use 'next' for more. ---\n", r.offset-shown+1, r.offset, total)
		return
	}
	fmt.Fprintf(out, "--- %d-%d of %d shown. ---\n", r.offset-shown+1, r.offset, total)
}

// printRecord writes TIMESTAMP MESSAGE. Records without a message show their
// fields instead.
func printRecord(out *strings.Builder, rec record.Record) {
	ts := rec.Get(record.TimeField).Display()
	msg := rec.Text()
	if msg == "" {
		var parts []string
		for _, k := range rec.Keys() {
			if k == record.TimeField || k == record.SortByField {
				continue
			}
			parts = append(parts, k+"="+rec.Get(k).Display())
		}
		msg = strings.Join(parts, " ")
	}
	fmt.Fprintf(out, "%s %s\n", ts, msg)
}

func (r *REPL) cmdClosest(out *strings.Builder, arg string) {
	if r.task == "" {
		out.WriteString("No active query. Use 'query' first.\n")
		return
	}
	at, err := ParseTime(arg, r.now())
	if err != nil {
		fmt.Fprintf(out, "Invalid time: %v\n", err)
		return
	}
	cp, err := r.client.Closest(r.ctx, r.task, at)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	if cp.Closest == nil {
		out.WriteString("No events.\n")
		return
	}
	fmt.Fprintf(out, "Closest event: %s at index %d\n", record.DateMillis(*cp.Closest).Display(), cp.Index)
}

// cmdExport writes the current task as csv or json, to a file when one is
// named.
func (r *REPL) cmdExport(out *strings.Builder, args []string) {
	if r.task == "" {
		out.WriteString("No active query. Use 'query' first.\n")
		return
	}
	format := orchestrator.ExportCSV
	if len(args) > 0 {
		format = args[0]
	}
	data, err := r.client.Export(r.ctx, r.task, format)
	if err != nil {
		fmt.Fprintf(out, "Export error: %v\n", err)
		return
	}
	if len(args) > 1 {
		if err := os.WriteFile(args[1], data, 0o644); err != nil {
			fmt.Fprintf(out, "Export error: %v\n", err)
			return
		}
		fmt.Fprintf(out, "Wrote %d bytes to %s.\n", len(data), args[1])
		return
	}
	out.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		out.WriteByte('\n')
	}
}

func (r *REPL) taskArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return r.task
}

func (r *REPL) cmdCancel(out *strings.Builder, args []string) {
	id := r.taskArg(args)
	if id == "" {
		out.WriteString("No task to cancel.\n")
		return
	}
	if err := r.client.Cancel(r.ctx, id); err != nil {
		fmt.Fprintf(out, "Cancel error: %v\n", err)
		return
	}
	fmt.Fprintf(out, "Task %s canceled.\n", id)
}

func (r *REPL) cmdRelease(out *strings.Builder, args []string) {
	id := r.taskArg(args)
	if id == "" {
		out.WriteString("No task to release.\n")
		return
	}
	if err := r.client.Release(r.ctx, id); err != nil {
		fmt.Fprintf(out, "Release error: %v\n", err)
		return
	}
	if id == r.task {
		r.task = ""
	}
	fmt.Fprintf(out, "Task %s released.\n", id)
}

func (r *REPL) cmdTasks(out *strings.Builder) {
	tasks, err := r.client.Tasks(r.ctx)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	if len(tasks) == 0 {
		out.WriteString("No tasks.\n")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tEVENTS\tINSTANCES\tQUERY")
	for _, t := range tasks {
		marker := ""
		if t.ID == r.task {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%d\t%s\t%s\n", t.ID, marker, t.Status, t.Events, strings.Join(t.Instances, ","), t.Input)
	}
	_ = tw.Flush()
}

func (r *REPL) cmdReset(out *strings.Builder) {
	if err := r.client.Reset(r.ctx); err != nil {
		fmt.Fprintf(out, "Reset error: %v\n", err)
		return
	}
	r.task = ""
	r.offset = 0
	r.table = false
	out.WriteString("All queries canceled and released.\n")
}
