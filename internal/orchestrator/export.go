package orchestrator

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"

	jsoniter "github.com/json-iterator/go"

	"cruncher/internal/record"
)

// Export formats.
const (
	ExportCSV  = "csv"
	ExportJSON = "json"
)

// ExportTableResults streams the task's table to w in format. Without a
// table the displayed events are exported with _time first and the other
// field names sorted after it.
func (o *Orchestrator) ExportTableResults(w io.Writer, id, format string) error {
	t, err := o.task(id)
	if err != nil {
		return err
	}
	res := t.Result()

	var columns []string
	var rows []record.Record
	if res.Table != nil {
		columns, rows = res.Table.Columns, res.Table.Rows
	} else {
		rows = res.Events
		columns = eventColumns(rows)
	}

	switch format {
	case ExportCSV:
		return writeCSV(w, columns, rows)
	case ExportJSON:
		return writeJSON(w, columns, rows)
	}
	return fmt.Errorf("%w: export format %q", ErrInvalidArgument, format)
}

func eventColumns(rows []record.Record) []string {
	names := fieldNames(rows)
	names = slices.DeleteFunc(names, func(n string) bool {
		return n == record.TimeField || n == record.SortByField
	})
	return append([]string{record.TimeField}, names...)
}

func writeCSV(w io.Writer, columns []string, rows []record.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	line := make([]string, len(columns))
	for _, r := range rows {
		for i, c := range columns {
			f := r.Get(c)
			if f.IsNone() {
				line[i] = ""
				continue
			}
			line[i] = f.Display()
		}
		if err := cw.Write(line); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeJSON writes an array of objects keyed by column. Absent fields are
// written as null.
func writeJSON(w io.Writer, columns []string, rows []record.Record) error {
	stream := jsoniter.ConfigFastest.BorrowStream(w)
	defer jsoniter.ConfigFastest.ReturnStream(stream)

	stream.WriteArrayStart()
	for i, r := range rows {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectStart()
		for j, c := range columns {
			if j > 0 {
				stream.WriteMore()
			}
			stream.WriteObjectField(c)
			stream.WriteVal(r.Get(c).Interface())
		}
		stream.WriteObjectEnd()
		if stream.Buffered() > 64*1024 {
			if err := stream.Flush(); err != nil {
				return fmt.Errorf("write json: %w", err)
			}
		}
	}
	stream.WriteArrayEnd()
	if stream.Error != nil {
		return fmt.Errorf("encode json: %w", stream.Error)
	}
	return stream.Flush()
}
