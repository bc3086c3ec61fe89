package record

import (
	"maps"
	"slices"
	"time"
)

// Conventional field names set by adapters.
const (
	TimeField   = "_time"
	RawField    = "_raw"
	SortByField = "_sortBy"
)

// Record is one row: typed fields plus the original message text.
type Record struct {
	Fields  map[string]Field
	Message string
}

// New returns a record carrying _time, _raw and _sortBy for message at t.
func New(t time.Time, message string) Record {
	return Record{
		Fields: map[string]Field{
			TimeField:   Date(t),
			RawField:    String(message),
			SortByField: Date(t),
		},
		Message: message,
	}
}

// Get returns the named field, or the absent value.
func (r Record) Get(name string) Field {
	return r.Fields[name]
}

// Time returns the _time instant; records without one sort at the epoch.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.TimeMillis())
}

// TimeMillis returns _time as epoch milliseconds, or 0 when absent.
func (r Record) TimeMillis() int64 {
	f, ok := r.Fields[TimeField]
	if !ok {
		return 0
	}
	return f.AsDate().Millis()
}

// Clone returns a copy whose field map can be modified without affecting r.
// Field values are shared; they are treated as immutable.
func (r Record) Clone() Record {
	fields := maps.Clone(r.Fields)
	if fields == nil {
		fields = make(map[string]Field)
	}
	return Record{Fields: fields, Message: r.Message}
}

// With returns a clone of r with name set to f.
func (r Record) With(name string, f Field) Record {
	c := r.Clone()
	c.Fields[name] = f
	return c
}

// Keys returns the field names in sorted order.
func (r Record) Keys() []string {
	return slices.Sorted(maps.Keys(r.Fields))
}

// Text returns the string searched by free-text predicates: the message,
// or _raw when the message is empty.
func (r Record) Text() string {
	if r.Message != "" {
		return r.Message
	}
	if raw := r.Fields[RawField]; raw.Kind == KindString {
		return raw.Str
	}
	return ""
}

// CompareTimeDesc orders records newest first.
func CompareTimeDesc(a, b Record) int {
	at, bt := a.TimeMillis(), b.TimeMillis()
	switch {
	case at > bt:
		return -1
	case at < bt:
		return 1
	}
	return 0
}
