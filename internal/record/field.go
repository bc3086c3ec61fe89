// Package record defines the row model shared by adapters, the pipeline
// engine and the orchestrator.
//
// A Record is a bag of typed Fields plus the raw message text. Records are
// immutable once they enter the query cache: code that needs to change a
// field works on Clone().
package record

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind is the type tag of a Field.
type Kind uint8

const (
	KindNone Kind = iota // absent / undefined
	KindNumber
	KindString
	KindDate
	KindArray
	KindObject
	KindBoolean
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "undefined"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindBoolean:
		return "boolean"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	switch s {
	case "number":
		return KindNumber
	case "string":
		return KindString
	case "date":
		return KindDate
	case "array":
		return KindArray
	case "object":
		return KindObject
	case "boolean":
		return KindBoolean
	default:
		return KindNone
	}
}

// Field is a tagged value. The zero Field is the absent value.
//
// Only the member matching Kind is meaningful. Dates are stored as epoch
// milliseconds in Num.
type Field struct {
	Kind   Kind
	Num    float64
	Str    string
	Bool   bool
	Arr    []Field
	Obj    map[string]Field
	Errors []string
}

// None returns the absent value.
func None() Field { return Field{} }

// Number returns a number field.
func Number(f float64) Field { return Field{Kind: KindNumber, Num: f} }

// String returns a string field.
func String(s string) Field { return Field{Kind: KindString, Str: s} }

// Bool returns a boolean field.
func Bool(b bool) Field { return Field{Kind: KindBoolean, Bool: b} }

// Date returns a date field for t, truncated to milliseconds.
func Date(t time.Time) Field { return Field{Kind: KindDate, Num: float64(t.UnixMilli())} }

// DateMillis returns a date field from epoch milliseconds.
func DateMillis(ms int64) Field { return Field{Kind: KindDate, Num: float64(ms)} }

// Array returns an array field.
func Array(items ...Field) Field { return Field{Kind: KindArray, Arr: items} }

// Object returns an object field.
func Object(m map[string]Field) Field { return Field{Kind: KindObject, Obj: m} }

// IsNone reports whether f is the absent value.
func (f Field) IsNone() bool { return f.Kind == KindNone }

// Millis returns the epoch milliseconds of a date or number field.
func (f Field) Millis() int64 { return int64(f.Num) }

// Time returns the instant of a date or number field.
func (f Field) Time() time.Time { return time.UnixMilli(int64(f.Num)) }

func withError(f Field, msg string) Field {
	f.Errors = append(slices.Clip(f.Errors), msg)
	return f
}

// AsString views f as a string field. Non-strings yield "" flagged with an
// error.
func (f Field) AsString() Field {
	if f.Kind == KindString {
		return f
	}
	return withError(String(""), "Invalid string")
}

// AsNumber views f as a number field. Dates convert to their epoch
// milliseconds; anything else yields NaN flagged with an error.
func (f Field) AsNumber() Field {
	switch f.Kind {
	case KindNumber:
		return f
	case KindDate:
		return Number(f.Num)
	}
	return withError(Number(math.NaN()), "Invalid number")
}

// AsDate views f as a date field. Numbers are read as epoch milliseconds;
// anything else yields the epoch flagged with an error.
func (f Field) AsDate() Field {
	switch f.Kind {
	case KindDate:
		return f
	case KindNumber:
		return Field{Kind: KindDate, Num: f.Num}
	}
	return withError(DateMillis(0), "Invalid date")
}

// Float reads f as a number: numbers and dates directly, strings when they
// parse as a float.
func (f Field) Float() (float64, bool) {
	switch f.Kind {
	case KindNumber, KindDate:
		return f.Num, true
	case KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(f.Str), 64)
		return n, err == nil
	}
	return 0, false
}

// DisplayTimeLayout is the layout used to render dates.
const DisplayTimeLayout = "2006-01-02 15:04:05.000"

// Display renders f for tables and exports. Absent fields render as <null>.
func (f Field) Display() string {
	switch f.Kind {
	case KindNone:
		return "<null>"
	case KindDate:
		return time.UnixMilli(int64(f.Num)).UTC().Format(DisplayTimeLayout)
	case KindArray, KindObject:
		b, err := json.Marshal(f.Interface())
		if err != nil {
			return "<invalid>"
		}
		return string(b)
	}
	return f.scalarString()
}

func (f Field) scalarString() string {
	switch f.Kind {
	case KindNumber:
		return formatNumber(f.Num)
	case KindString:
		return f.Str
	case KindBoolean:
		return strconv.FormatBool(f.Bool)
	case KindDate:
		return strconv.FormatInt(int64(f.Num), 10)
	}
	return ""
}

func formatNumber(n float64) string {
	switch {
	case math.IsNaN(n):
		return "NaN"
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// Interface returns f as a plain Go value: float64, string, bool, int64
// epoch milliseconds for dates, []any, map[string]any or nil.
func (f Field) Interface() any {
	switch f.Kind {
	case KindNumber:
		if math.IsNaN(f.Num) || math.IsInf(f.Num, 0) {
			return nil
		}
		return f.Num
	case KindString:
		return f.Str
	case KindBoolean:
		return f.Bool
	case KindDate:
		return int64(f.Num)
	case KindArray:
		out := make([]any, len(f.Arr))
		for i, item := range f.Arr {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(f.Obj))
		for k, v := range f.Obj {
			out[k] = v.Interface()
		}
		return out
	}
	return nil
}

// FromAny converts a decoded JSON value into a Field. Unknown types become
// strings via their JSON encoding.
func FromAny(v any) Field {
	switch x := v.(type) {
	case nil:
		return None()
	case Field:
		return x
	case bool:
		return Bool(x)
	case string:
		return String(x)
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case uint64:
		return Number(float64(x))
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return String(x.String())
		}
		return Number(n)
	case time.Time:
		return Date(x)
	case []any:
		items := make([]Field, len(x))
		for i, item := range x {
			items[i] = FromAny(item)
		}
		return Array(items...)
	case map[string]any:
		m := make(map[string]Field, len(x))
		for k, item := range x {
			m[k] = FromAny(item)
		}
		return Object(m)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return None()
	}
	return String(string(b))
}

// Equal reports value equality: both absent, or the same kind and value.
// Dates and numbers compare by epoch milliseconds.
func Equal(a, b Field) bool {
	if a.Kind == KindNone || b.Kind == KindNone {
		return a.Kind == b.Kind
	}
	if isNumeric(a) && isNumeric(b) {
		return a.Num == b.Num
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindString:
		return a.Str == b.Str
	case KindBoolean:
		return a.Bool == b.Bool
	case KindArray:
		return slices.EqualFunc(a.Arr, b.Arr, Equal)
	case KindObject:
		if len(a.Obj) != len(b.Obj) {
			return false
		}
		for k, av := range a.Obj {
			bv, ok := b.Obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

func isNumeric(f Field) bool { return f.Kind == KindNumber || f.Kind == KindDate }

// Compare orders two present fields. Numbers and dates compare numerically
// and sort before everything else, strings compare lexicographically,
// false sorts before true, and remaining kinds compare by display string.
// Absent fields sort last.
func Compare(a, b Field) int {
	switch {
	case a.Kind == KindNone && b.Kind == KindNone:
		return 0
	case a.Kind == KindNone:
		return 1
	case b.Kind == KindNone:
		return -1
	}
	an, bn := isNumeric(a), isNumeric(b)
	switch {
	case an && bn:
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		}
		return 0
	case an:
		return -1
	case bn:
		return 1
	}
	if a.Kind == KindString && b.Kind == KindString {
		return strings.Compare(a.Str, b.Str)
	}
	if a.Kind == KindBoolean && b.Kind == KindBoolean {
		switch {
		case a.Bool == b.Bool:
			return 0
		case !a.Bool:
			return -1
		}
		return 1
	}
	return strings.Compare(a.Display(), b.Display())
}
