package query

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

// OtherGroup collects timechart groups beyond maxGroups.
const OtherGroup = "other"

// applyTimechart buckets the working rows by time and aggregates each
// (bucket, group). The range is the pipeline context, or the data's own
// extent when the context is empty. It produces a timechart View and a
// mirror table with one row per bucket and group.
func applyTimechart(pc PipelineContext, in DisplayResult, st *querylang.TimechartStage) DisplayResult {
	timeCol := cmp.Or(st.TimeColumn, querylang.DefaultTimeColumn)
	maxGroups := cmp.Or(st.MaxGroups, querylang.DefaultTimechartMaxGroups)

	type point struct {
		t   time.Time
		row record.Record
	}
	var points []point
	for _, r := range in.Rows() {
		f := r.Get(timeCol)
		if f.Kind != record.KindDate && f.Kind != record.KindNumber {
			continue
		}
		points = append(points, point{t: f.Time(), row: r})
	}

	start, end := pc.Start, pc.End
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		start, end = time.Time{}, time.Time{}
		for _, p := range points {
			if start.IsZero() || p.t.Before(start) {
				start = p.t
			}
			if end.IsZero() || p.t.After(end) {
				end = p.t
			}
		}
		if !start.Before(end) {
			end = start.Add(time.Second)
		}
	}
	var b Bucketing
	if !start.IsZero() {
		b = NewBucketing(start, end, st.Span)
	}

	// First pass: pick the most populated groups.
	groupOf := func(r record.Record) string {
		if st.GroupBy == "" {
			return ""
		}
		return r.Get(st.GroupBy).Display()
	}
	kept := map[string]bool{"": true}
	if st.GroupBy != "" {
		counts := make(map[string]int)
		for _, p := range points {
			if _, ok := b.Index(p.t); ok {
				counts[groupOf(p.row)]++
			}
		}
		ranked := slices.SortedFunc(maps.Keys(counts), func(x, y string) int {
			if c := cmp.Compare(counts[y], counts[x]); c != 0 {
				return c
			}
			return cmp.Compare(x, y)
		})
		kept = make(map[string]bool, maxGroups)
		for _, g := range ranked[:min(maxGroups, len(ranked))] {
			kept[g] = true
		}
	}

	// Second pass: accumulate per bucket and group.
	cells := make([]map[string][]accumulator, b.N)
	groups := make(map[string]bool)
	for _, p := range points {
		idx, ok := b.Index(p.t)
		if !ok {
			continue
		}
		g := groupOf(p.row)
		if !kept[g] {
			g = OtherGroup
		}
		groups[g] = true
		if cells[idx] == nil {
			cells[idx] = make(map[string][]accumulator)
		}
		accs, ok := cells[idx][g]
		if !ok {
			accs = newAccumulators(st.Aggs)
			cells[idx][g] = accs
		}
		for i, agg := range st.Aggs {
			if agg.Column == "" {
				accs[i].Add(record.Number(1))
			} else {
				accs[i].Add(p.row.Get(agg.Column))
			}
		}
	}

	groupNames := slices.Sorted(maps.Keys(groups))
	if st.GroupBy == "" {
		groupNames = []string{""}
	} else if i := slices.Index(groupNames, OtherGroup); i >= 0 && !kept[OtherGroup] {
		// "other" always comes last unless it is a real group value.
		groupNames = append(slices.Delete(groupNames, i, i+1), OtherGroup)
	}

	seriesName := func(group string, agg querylang.AggExpr) string {
		switch {
		case st.GroupBy == "":
			return agg.OutputName()
		case len(st.Aggs) == 1:
			return group
		}
		return group + ":" + agg.OutputName()
	}

	var series []string
	for _, g := range groupNames {
		for _, agg := range st.Aggs {
			series = append(series, seriesName(g, agg))
		}
	}

	view := &View{Kind: ViewTimechart, XAxis: querylang.DefaultTimeColumn, Series: series}
	table := &Table{Columns: timechartColumns(st)}

	for i := range b.N {
		ts := record.Date(b.BucketStart(i))
		pt := record.Record{Fields: map[string]record.Field{querylang.DefaultTimeColumn: ts}}

		for _, g := range groupNames {
			accs, ok := cells[i][g]
			if !ok {
				accs = newAccumulators(st.Aggs)
			}
			for k, agg := range st.Aggs {
				if v := accs[k].Result(); !v.IsNone() {
					pt.Fields[seriesName(g, agg)] = v
				}
			}

			// The table only carries buckets with data, except ungrouped
			// charts which are gap-filled.
			if !ok && st.GroupBy != "" {
				continue
			}
			row := record.Record{Fields: map[string]record.Field{querylang.DefaultTimeColumn: ts}}
			if st.GroupBy != "" {
				row.Fields[st.GroupBy] = record.String(g)
			}
			for k, agg := range st.Aggs {
				if v := accs[k].Result(); !v.IsNone() {
					row.Fields[agg.OutputName()] = v
				}
			}
			table.Rows = append(table.Rows, row)
		}
		view.Points = append(view.Points, pt)
	}

	return DisplayResult{Events: in.Events, Table: table, View: view}
}

// timechartColumns returns the mirror table columns: _time, the group-by
// column when set, then one column per aggregation.
func timechartColumns(st *querylang.TimechartStage) []string {
	cols := []string{querylang.DefaultTimeColumn}
	if st.GroupBy != "" {
		cols = append(cols, st.GroupBy)
	}
	for _, agg := range st.Aggs {
		cols = append(cols, agg.OutputName())
	}
	return cols
}
