// Package repl provides an interactive read-eval-print loop for running
// queries against a cruncher orchestrator, either in-process or through a
// running server's websocket endpoint.
//
// The REPL is a client, not an owner: it never starts or stops the
// orchestrator and only goes through the Client interface. Queries it
// starts are released when a new query replaces them or the REPL exits.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"cruncher/internal/orchestrator"
)

const defaultPageSize = 20

// REPL reads commands from in and writes results to out.
type REPL struct {
	client Client

	in  *bufio.Scanner
	out io.Writer
	// termFd is the terminal behind out, or -1 when out is not a terminal.
	termFd int

	now func() time.Time

	// Query settings.
	target   orchestrator.Target
	from, to time.Time
	span     time.Duration // relative window used when from/to are unset
	limit    int
	forced   bool
	pageSize int

	// Current task state.
	task   string
	table  bool
	offset int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a REPL on top of client. Paging through the terminal is
// enabled when out is a terminal.
func New(client Client, in io.Reader, out io.Writer) *REPL {
	ctx, cancel := context.WithCancel(context.Background())
	r := &REPL{
		client:   client,
		in:       bufio.NewScanner(in),
		out:      out,
		termFd:   -1,
		now:      time.Now,
		pageSize: defaultPageSize,
		ctx:      ctx,
		cancel:   cancel,
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		r.termFd = int(f.Fd())
	}
	return r
}

// Run starts the loop. It blocks until the input ends, the user exits or
// Stop is called.
func (r *REPL) Run() error {
	defer r.releaseCurrent()

	r.printf("cruncher REPL. Type 'help' for commands.\n")
	r.printf("> ")
	for r.in.Scan() {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			r.printf("> ")
			continue
		}
		if exit := r.execute(line); exit {
			return nil
		}
		r.printf("> ")
	}
	return r.in.Err()
}

// Stop interrupts a running command and ends Run after the current line.
func (r *REPL) Stop() { r.cancel() }

// execute runs a single command. It returns true when the REPL should exit.
func (r *REPL) execute(line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	var out strings.Builder
	switch cmd {
	case "help", "?":
		r.cmdHelp(&out)
	case "query", "q":
		r.cmdQuery(&out, rest)
	case "next", "n":
		r.cmdNext(&out, args)
	case "prev", "p":
		r.cmdPrev(&out)
	case "events":
		r.cmdShow(&out, false)
	case "table":
		r.cmdShow(&out, true)
	case "closest":
		r.cmdClosest(&out, rest)
	case "export":
		r.cmdExport(&out, args)
	case "cancel":
		r.cmdCancel(&out, args)
	case "release":
		r.cmdRelease(&out, args)
	case "tasks":
		r.cmdTasks(&out)
	case "instances":
		r.cmdInstances(&out)
	case "profiles":
		r.cmdProfiles(&out)
	case "params":
		r.cmdParams(&out, args)
	case "use":
		r.cmdUse(&out, args)
	case "set":
		r.cmdSet(&out, args)
	case "reset":
		r.cmdReset(&out)
	case "exit", "quit":
		return true
	default:
		fmt.Fprintf(&out, "Unknown command: %s. Type 'help' for commands.\n", cmd)
	}
	r.show(out.String())
	return false
}

// show writes output, through the pager when it does not fit the terminal.
func (r *REPL) show(output string) {
	if output == "" {
		return
	}
	if r.termFd >= 0 && strings.Count(output, "\n") >= terminalHeight(r.termFd) {
		r.pager(output)
		return
	}
	_, _ = io.WriteString(r.out, output)
}

func (r *REPL) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// releaseCurrent frees the server-side resources of the current task.
func (r *REPL) releaseCurrent() {
	if r.task == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.client.Release(ctx, r.task)
	r.task = ""
}
