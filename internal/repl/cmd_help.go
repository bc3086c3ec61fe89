package repl

import "strings"

func (r *REPL) cmdHelp(out *strings.Builder) {
	out.WriteString(`Commands:
  help                     Show this help
  query <QQL>              Run a query and show the first page
  next [count]             Show the next page of the current query
  prev                     Show the previous page
  events                   Show the current query's events
  table                    Show the current query's table
  closest <time>           Find the event nearest to a time
  export [csv|json] [file] Export the table (or events) of the current query
  cancel [task]            Cancel a running query
  release [task]           Release a query's resources
  tasks                    List queries
  reset                    Cancel and release every query
  exit                     Leave the REPL

Sources:
  instances                List configured instances
  profiles                 List search profiles
  params <instance>        Show the filter params an instance offers
  use <target>             Set the default target: an instance name,
                           profile=NAME, or default

Settings (set key=value, no args shows current settings):
  from=TIME to=TIME        Absolute range (RFC3339, Unix seconds, now, -1h)
  range=DURATION           Relative range ending now, e.g. 15m
  limit=N                  Maximum events per instance (0 = no limit)
  forced=BOOL              Refetch instead of reusing cached results
  pager=N                  Rows per page (0 = no paging, show all)

Examples:
  query error
  query @web-* level=error timeout | stats count() by host
  query "connection reset" | where status >= 500 | sort _time desc
  set range=15m limit=500
  use profile=prod
`)
}
