package querylang

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/regexp"
)

// Stage is one pipeline step. The marker method seals the set of variants.
type Stage interface {
	stage()
	// Name returns the stage keyword ("table", "stats", ...).
	Name() string
	String() string
}

// TableColumn is a projected column with an optional alias.
type TableColumn struct {
	Name  string
	Alias string
}

// OutputName is the column name in the resulting table.
func (c TableColumn) OutputName() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.Name
}

// TableStage represents: table col [as alias] ( [","] col [as alias] )*
type TableStage struct {
	Columns []TableColumn
}

func (TableStage) stage()         {}
func (*TableStage) Name() string { return "table" }

func (s *TableStage) String() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = c.Name
		if c.Alias != "" {
			parts[i] += " as " + c.Alias
		}
	}
	return "table " + strings.Join(parts, ", ")
}

// AggExpr represents an aggregation: func([column]) [as alias].
type AggExpr struct {
	Func   string // lower-case function name
	Column string // empty for count()
	Alias  string
}

func (a AggExpr) String() string {
	s := a.Func + "(" + a.Column + ")"
	if a.Alias != "" {
		s += " as " + a.Alias
	}
	return s
}

// OutputName returns the alias, or "<func>_<column>", or "<func>".
func (a AggExpr) OutputName() string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.Column == "" {
		return a.Func
	}
	return a.Func + "_" + a.Column
}

// AggregationFuncs lists the aggregation functions stats and timechart accept.
var AggregationFuncs = []string{"count", "sum", "avg", "min", "max", "dcount", "median", "first", "last", "values"}

// IsAggregationFunc reports whether name (lower-case) is an aggregation.
func IsAggregationFunc(name string) bool {
	for _, f := range AggregationFuncs {
		if f == name {
			return true
		}
	}
	return false
}

// StatsStage represents: stats agg ( "," agg )* [ by col ( "," col )* ]
type StatsStage struct {
	Aggs    []AggExpr
	GroupBy []string
}

func (StatsStage) stage()         {}
func (*StatsStage) Name() string { return "stats" }

func (s *StatsStage) String() string {
	aggs := make([]string, len(s.Aggs))
	for i, a := range s.Aggs {
		aggs[i] = a.String()
	}
	out := "stats " + strings.Join(aggs, ", ")
	if len(s.GroupBy) > 0 {
		out += " by " + strings.Join(s.GroupBy, ", ")
	}
	return out
}

// SortKey is one sort column.
type SortKey struct {
	Name string
	Desc bool
}

// SortStage represents: sort col [asc|desc] ( "," col [asc|desc] )*
type SortStage struct {
	Keys []SortKey
}

func (SortStage) stage()         {}
func (*SortStage) Name() string { return "sort" }

func (s *SortStage) String() string {
	parts := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		order := "asc"
		if k.Desc {
			order = "desc"
		}
		parts[i] = k.Name + " " + order
	}
	return "sort " + strings.Join(parts, ", ")
}

// RegexStage represents: regex [field=col] `pattern`
type RegexStage struct {
	Pattern string
	Column  string // empty: match against the message
	Re      *regexp.Regexp
}

func (RegexStage) stage()         {}
func (*RegexStage) Name() string { return "regex" }

func (s *RegexStage) String() string {
	if s.Column != "" {
		return "regex field=" + s.Column + " `" + s.Pattern + "`"
	}
	return "regex `" + s.Pattern + "`"
}

// WhereStage represents: where expr
type WhereStage struct {
	Expr Expr
}

func (WhereStage) stage()         {}
func (*WhereStage) Name() string { return "where" }

func (s *WhereStage) String() string { return "where " + s.Expr.String() }

// EvalStage represents: eval name = expr
type EvalStage struct {
	Field string
	Expr  Expr
}

func (EvalStage) stage()         {}
func (*EvalStage) Name() string { return "eval" }

func (s *EvalStage) String() string { return "eval " + s.Field + " = " + s.Expr.String() }

// Timechart defaults.
const (
	DefaultTimechartMaxGroups = 10
	DefaultTimeColumn         = "_time"
)

// TimechartStage represents: timechart {param} agg ("," agg)* [by col] {param}
type TimechartStage struct {
	Aggs       []AggExpr
	GroupBy    string
	Span       time.Duration // zero: derived from the query range
	MaxGroups  int
	TimeColumn string
}

func (TimechartStage) stage()         {}
func (*TimechartStage) Name() string { return "timechart" }

func (s *TimechartStage) String() string {
	var parts []string
	parts = append(parts, "timechart")
	if s.Span > 0 {
		parts = append(parts, "span="+s.Span.String())
	}
	if s.MaxGroups != DefaultTimechartMaxGroups {
		parts = append(parts, "maxGroups="+strconv.Itoa(s.MaxGroups))
	}
	if s.TimeColumn != DefaultTimeColumn {
		parts = append(parts, "timeCol="+s.TimeColumn)
	}
	aggs := make([]string, len(s.Aggs))
	for i, a := range s.Aggs {
		aggs[i] = a.String()
	}
	parts = append(parts, strings.Join(aggs, ", "))
	if s.GroupBy != "" {
		parts = append(parts, "by", s.GroupBy)
	}
	return strings.Join(parts, " ")
}

// UnpackStage represents: unpack col ( [","] col )*
type UnpackStage struct {
	Columns []string
}

func (UnpackStage) stage()         {}
func (*UnpackStage) Name() string { return "unpack" }

func (s *UnpackStage) String() string { return "unpack " + strings.Join(s.Columns, ", ") }

// StageNames lists the keywords accepted after '|'.
var StageNames = []string{"table", "stats", "sort", "regex", "where", "eval", "timechart", "unpack"}

// Stages is a convenience for debugging output.
func Stages(stages []Stage) string {
	parts := make([]string, len(stages))
	for i, s := range stages {
		parts[i] = fmt.Sprint(s)
	}
	return strings.Join(parts, " | ")
}
