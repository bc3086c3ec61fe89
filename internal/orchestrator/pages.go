package orchestrator

import (
	"fmt"
	"slices"
	"time"

	"cruncher/internal/query"
	"cruncher/internal/record"
)

// Page is one slice of a task's rows. Next and Prev are nil when there is
// no further page in that direction.
type Page struct {
	Data  []record.Record `msgpack:"data" json:"data"`
	Total int             `msgpack:"total" json:"total"`
	Limit int             `msgpack:"limit" json:"limit"`
	Next  *int            `msgpack:"next" json:"next"`
	Prev  *int            `msgpack:"prev" json:"prev"`
}

// TablePage is a Page of table rows with the table's columns.
type TablePage struct {
	Page
	Columns   []string `msgpack:"columns" json:"columns"`
	Truncated bool     `msgpack:"truncated,omitempty" json:"truncated,omitempty"`
}

// ClosestPoint is the result of a nearest-timestamp lookup. Closest is in
// epoch milliseconds and nil when the task has no events; Index is the
// position of the first displayed event with that timestamp, or -1.
type ClosestPoint struct {
	Closest *int64 `msgpack:"closest" json:"closest"`
	Index   int    `msgpack:"index" json:"index"`
}

func paginate(rows []record.Record, offset, limit int) (Page, error) {
	if offset < 0 || limit <= 0 {
		return Page{}, fmt.Errorf("%w: offset %d, limit %d", ErrInvalidArgument, offset, limit)
	}
	total := len(rows)
	p := Page{Data: []record.Record{}, Total: total, Limit: limit}
	if offset < total {
		p.Data = rows[offset:min(offset+limit, total)]
	}
	if offset+limit < total {
		next := offset + limit
		p.Next = &next
	}
	if offset > 0 {
		prev := max(0, offset-limit)
		p.Prev = &prev
	}
	return p, nil
}

// GetLogsPaginated returns events [offset, offset+limit) of the task's
// latest displayed result.
func (o *Orchestrator) GetLogsPaginated(id string, offset, limit int) (Page, error) {
	t, err := o.task(id)
	if err != nil {
		return Page{}, err
	}
	return paginate(t.Result().Events, offset, limit)
}

// GetTableDataPaginated pages through the task's table. A task whose
// pipeline produced no table yields an empty page with no columns.
func (o *Orchestrator) GetTableDataPaginated(id string, offset, limit int) (TablePage, error) {
	t, err := o.task(id)
	if err != nil {
		return TablePage{}, err
	}
	res := t.Result()
	var rows []record.Record
	var tp TablePage
	if res.Table != nil {
		rows = res.Table.Rows
		tp.Columns = res.Table.Columns
		tp.Truncated = res.Table.Truncated
	}
	tp.Page, err = paginate(rows, offset, limit)
	if err != nil {
		return TablePage{}, err
	}
	return tp, nil
}

// GetViewData returns the task's chart view, nil when it has none.
func (o *Orchestrator) GetViewData(id string) (*query.View, error) {
	t, err := o.task(id)
	if err != nil {
		return nil, err
	}
	return t.Result().View, nil
}

// GetClosestDateEvent finds the event timestamp nearest to at among the
// task's merged rows. Equidistant candidates resolve to the later
// timestamp. Index is the position of the first displayed event with that
// timestamp, or -1 when the pipeline filtered every such row out.
func (o *Orchestrator) GetClosestDateEvent(id string, at time.Time) (ClosestPoint, error) {
	t, err := o.task(id)
	if err != nil {
		return ClosestPoint{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	te, ok := t.index.closest(at.UnixMilli())
	if !ok {
		return ClosestPoint{Index: -1}, nil
	}
	millis := te.millis
	idx := slices.IndexFunc(t.result.Events, func(ev record.Record) bool {
		return ev.TimeMillis() == millis
	})
	return ClosestPoint{Closest: &millis, Index: idx}, nil
}
