// Package query runs QQL pipelines over fetched records and merges
// time-ordered result runs.
//
// Every stage is a pure function from one DisplayResult to the next. Input
// records are never modified; stages that add fields work on clones.
package query

import (
	"time"

	"cruncher/internal/record"
)

// PipelineContext carries the query time range used by time-bucketing stages.
type PipelineContext struct {
	Start time.Time
	End   time.Time
}

// Table is a projected or aggregated result.
type Table struct {
	Columns   []string
	Rows      []record.Record
	Truncated bool // group cardinality cap was hit
}

// View kinds.
const (
	ViewTimechart = "timechart"
)

// View is a chart-ready projection. Each point carries the XAxis field and
// one field per series.
type View struct {
	Kind   string
	XAxis  string
	Series []string
	Points []record.Record
}

// DisplayResult is the output of a pipeline run. Events is always the
// matched event list; Table and View are set by projecting stages.
type DisplayResult struct {
	Events []record.Record
	Table  *Table
	View   *View
}

// Rows returns the rows the next stage operates on: the table if one
// exists, else the events.
func (d DisplayResult) Rows() []record.Record {
	if d.Table != nil {
		return d.Table.Rows
	}
	return d.Events
}

// withRows replaces the working rows, keeping the table's columns and
// appending any new ones. View is dropped since it no longer reflects the
// rows.
func (d DisplayResult) withRows(rows []record.Record, added ...string) DisplayResult {
	if d.Table == nil {
		return DisplayResult{Events: rows}
	}
	return DisplayResult{
		Events: d.Events,
		Table: &Table{
			Columns:   appendMissing(d.Table.Columns, added...),
			Rows:      rows,
			Truncated: d.Table.Truncated,
		},
	}
}

// appendMissing returns cols plus every name in extra not already present,
// without modifying cols.
func appendMissing(cols []string, extra ...string) []string {
	out := make([]string, len(cols), len(cols)+len(extra))
	copy(out, cols)
	seen := make(map[string]bool, len(cols)+len(extra))
	for _, c := range cols {
		seen[c] = true
	}
	for _, c := range extra {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
