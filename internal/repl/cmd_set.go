package repl

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func (r *REPL) cmdSet(out *strings.Builder, args []string) {
	if len(args) == 0 {
		fmt.Fprintf(out, "from=%s\n", formatSetting(r.from))
		fmt.Fprintf(out, "to=%s\n", formatSetting(r.to))
		fmt.Fprintf(out, "range=%s\n", r.span)
		fmt.Fprintf(out, "limit=%d\n", r.limit)
		fmt.Fprintf(out, "forced=%t\n", r.forced)
		fmt.Fprintf(out, "pager=%d\n", r.pageSize)
		return
	}

	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			fmt.Fprintf(out, "Invalid setting: %s (expected key=value)\n", arg)
			return
		}

		switch k {
		case "from", "to":
			var t time.Time
			if v != "" {
				parsed, err := ParseTime(v, r.now())
				if err != nil {
					fmt.Fprintf(out, "Invalid %s: %v\n", k, err)
					return
				}
				t = parsed
			}
			if k == "from" {
				r.from = t
			} else {
				r.to = t
			}
			fmt.Fprintf(out, "%s set to %s.\n", k, formatSetting(t))
		case "range":
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				fmt.Fprintf(out, "Invalid range: %s (expected a duration like 15m)\n", v)
				return
			}
			r.span = d
			r.from, r.to = time.Time{}, time.Time{}
			fmt.Fprintf(out, "Range set to the last %s.\n", d)
		case "limit":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				fmt.Fprintf(out, "Invalid limit value: %s (expected non-negative integer)\n", v)
				return
			}
			r.limit = n
			fmt.Fprintf(out, "Limit set to %d.\n", n)
		case "forced":
			b, err := strconv.ParseBool(v)
			if err != nil {
				fmt.Fprintf(out, "Invalid forced value: %s\n", v)
				return
			}
			r.forced = b
			fmt.Fprintf(out, "Forced set to %t.\n", b)
		case "pager":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				fmt.Fprintf(out, "Invalid pager value: %s (expected non-negative integer)\n", v)
				return
			}
			r.pageSize = n
			if n == 0 {
				out.WriteString("Pager disabled (showing all results).\n")
			} else {
				fmt.Fprintf(out, "Pager set to %d.\n", n)
			}
		default:
			fmt.Fprintf(out, "Unknown setting: %s\n", k)
		}
	}
}

func formatSetting(t time.Time) string {
	if t.IsZero() {
		return "unset"
	}
	return t.UTC().Format(time.RFC3339)
}
