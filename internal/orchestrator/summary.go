package orchestrator

import (
	"maps"
	"slices"
	"time"
	"unicode/utf8"

	"cruncher/internal/query"
	"cruncher/internal/record"
)

// autoCompleteSample bounds how many events are scanned for field names.
const autoCompleteSample = 1000

// BatchSummary is what clients receive after every merged batch: enough to
// draw the histogram and size the table without fetching rows.
type BatchSummary struct {
	Scale Scale  `msgpack:"scale" json:"scale"`
	Views Views  `msgpack:"views" json:"views"`
	Error string `msgpack:"error,omitempty" json:"error,omitempty"`
}

// Scale is the task's time range in epoch milliseconds.
type Scale struct {
	From int64 `msgpack:"from" json:"from"`
	To   int64 `msgpack:"to" json:"to"`
}

// Views summarizes each projection of the result.
type Views struct {
	Events EventsSummary `msgpack:"events" json:"events"`
	Table  *TableSummary `msgpack:"table,omitempty" json:"table,omitempty"`
	View   *ViewSummary  `msgpack:"view,omitempty" json:"view,omitempty"`
}

type EventsSummary struct {
	Total            int                     `msgpack:"total" json:"total"`
	Buckets          []query.HistogramBucket `msgpack:"buckets" json:"buckets"`
	AutoCompleteKeys []string                `msgpack:"autoCompleteKeys" json:"autoCompleteKeys"`
}

type TableSummary struct {
	TotalRows     int            `msgpack:"totalRows" json:"totalRows"`
	Columns       []string       `msgpack:"columns" json:"columns"`
	ColumnLengths map[string]int `msgpack:"columnLengths" json:"columnLengths"`
	Truncated     bool           `msgpack:"truncated,omitempty" json:"truncated,omitempty"`
}

type ViewSummary struct {
	Kind   string          `msgpack:"kind" json:"kind"`
	XAxis  string          `msgpack:"xAxis" json:"xAxis"`
	Series []string        `msgpack:"series" json:"series"`
	Points []record.Record `msgpack:"points" json:"points"`
}

// summarize describes res. The histogram counts merged, the rows fetched
// before any pipeline stage ran, so filtering does not reshape it.
func summarize(res query.DisplayResult, merged []record.Record, from, to time.Time, pipelineErr error) BatchSummary {
	s := BatchSummary{
		Scale: Scale{From: from.UnixMilli(), To: to.UnixMilli()},
		Views: Views{
			Events: EventsSummary{
				Total:            len(res.Events),
				Buckets:          query.EventHistogram(merged, from, to, histogramTicks),
				AutoCompleteKeys: fieldNames(res.Events[:min(len(res.Events), autoCompleteSample)]),
			},
		},
	}
	if pipelineErr != nil {
		s.Error = pipelineErr.Error()
	}
	if tb := res.Table; tb != nil {
		s.Views.Table = &TableSummary{
			TotalRows:     len(tb.Rows),
			Columns:       tb.Columns,
			ColumnLengths: columnLengths(tb),
			Truncated:     tb.Truncated,
		}
	}
	if v := res.View; v != nil {
		s.Views.View = &ViewSummary{Kind: v.Kind, XAxis: v.XAxis, Series: v.Series, Points: v.Points}
	}
	return s
}

// fieldNames returns the sorted union of field names across rows.
func fieldNames(rows []record.Record) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r.Fields {
			seen[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// columnLengths is the widest rendered value per column, header included.
func columnLengths(tb *query.Table) map[string]int {
	out := make(map[string]int, len(tb.Columns))
	for _, c := range tb.Columns {
		out[c] = utf8.RuneCountInString(c)
	}
	for _, r := range tb.Rows {
		for _, c := range tb.Columns {
			if n := utf8.RuneCountInString(r.Get(c).Display()); n > out[c] {
				out[c] = n
			}
		}
	}
	return out
}
