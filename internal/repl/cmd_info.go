package repl

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"cruncher/internal/orchestrator"
)

func (r *REPL) cmdInstances(out *strings.Builder) {
	instances, err := r.client.Instances(r.ctx)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	if len(instances) == 0 {
		out.WriteString("No instances configured.\n")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPLUGIN\tPARAMS")
	for _, inst := range instances {
		var params []string
		for _, k := range slices.Sorted(maps.Keys(inst.Params)) {
			params = append(params, k+"="+inst.Params[k])
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", inst.Name, inst.Plugin, strings.Join(params, " "))
	}
	_ = tw.Flush()
}

func (r *REPL) cmdProfiles(out *strings.Builder) {
	profiles, err := r.client.Profiles(r.ctx)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	if len(profiles) == 0 {
		out.WriteString("No profiles configured.\n")
		return
	}
	for _, name := range slices.Sorted(maps.Keys(profiles)) {
		fmt.Fprintf(out, "%s: %s\n", name, strings.Join(profiles[name], ", "))
	}
}

// cmdParams lists the values an instance offers for each of its index
// params, the keys usable as key=value filters in queries.
func (r *REPL) cmdParams(out *strings.Builder, args []string) {
	if len(args) != 1 {
		out.WriteString("Usage: params <instance>\n")
		return
	}
	params, err := r.client.ControllerParams(r.ctx, args[0])
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	if len(params) == 0 {
		out.WriteString("No params.\n")
		return
	}
	for _, k := range slices.Sorted(maps.Keys(params)) {
		fmt.Fprintf(out, "%s: %s\n", k, strings.Join(params[k], ", "))
	}
}

// cmdUse selects the default target for queries without @ refs.
func (r *REPL) cmdUse(out *strings.Builder, args []string) {
	if len(args) != 1 {
		fmt.Fprintf(out, "Current target: %s\n", describeTarget(r.target))
		return
	}
	arg := args[0]
	switch {
	case arg == "default":
		r.target = orchestrator.Target{}
	case strings.HasPrefix(arg, "profile="):
		r.target = orchestrator.Target{Profile: strings.TrimPrefix(arg, "profile=")}
	default:
		r.target = orchestrator.Target{Instance: strings.TrimPrefix(arg, "instance=")}
	}
	fmt.Fprintf(out, "Target set to %s.\n", describeTarget(r.target))
}

func describeTarget(t orchestrator.Target) string {
	switch {
	case t.Instance != "":
		return "instance " + t.Instance
	case t.Profile != "":
		return "profile " + t.Profile
	}
	return "the default profile"
}
