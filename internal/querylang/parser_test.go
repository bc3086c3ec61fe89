package querylang

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"cruncher/internal/record"
)

var astOpts = cmp.Options{
	cmpopts.IgnoreFields(RegexStage{}, "Re"),
	cmpopts.IgnoreFields(RegexLit{}, "Re"),
	cmpopts.EquateEmpty(),
}

func mustParse(t *testing.T, input string) *Query {
	t.Helper()
	q, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse(%q): %v", input, err)
	}
	return q
}

func lit(tokens ...string) *SearchLiteral { return &SearchLiteral{Tokens: tokens} }

func TestParseSearch(t *testing.T) {
	tests := []struct {
		input string
		want  *Query
	}{
		{"", &Query{}},
		{"hello", &Query{Search: &Search{Root: lit("hello")}}},
		{"hello world", &Query{Search: &Search{Root: lit("hello", "world")}}},
		{"hello AND world", &Query{Search: &Search{Root: &SearchAnd{Left: lit("hello"), Right: lit("world")}}}},
		{"a OR b c", &Query{Search: &Search{Root: &SearchOr{Left: lit("a"), Right: lit("b", "c")}}}},
		{"(a OR b) c", &Query{Search: &Search{Root: &SearchAnd{
			Left:  &SearchOr{Left: lit("a"), Right: lit("b")},
			Right: lit("c"),
		}}}},
		{`"connection refused" db`, &Query{Search: &Search{Root: lit("connection refused", "db")}}},
		{"550e8400-e29b-41d4-a716-446655440000", &Query{Search: &Search{Root: lit("550e8400-e29b-41d4-a716-446655440000")}}},
		{"@prod error", &Query{
			Search:     &Search{Root: lit("error")},
			SourceRefs: []string{"prod"},
		}},
		{"error service=api level!=debug", &Query{
			Search: &Search{Root: lit("error")},
			IndexParams: []IndexParam{
				{Key: "service", Operator: "=", Value: "api"},
				{Key: "level", Operator: "!=", Value: "debug"},
			},
		}},
		{"host=`web-\\d+`", &Query{
			IndexParams: []IndexParam{{Key: "host", Operator: "=", Value: `web-\d+`, Regex: true}},
		}},
		{"@a @b", &Query{SourceRefs: []string{"a", "b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := mustParse(t, tt.input)
			if diff := cmp.Diff(tt.want, got, astOpts); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func TestParsePipeline(t *testing.T) {
	tests := []struct {
		input string
		want  *Query
	}{
		{"hello world | table column1", &Query{
			Search:   &Search{Root: lit("hello", "world")},
			Pipeline: []Stage{&TableStage{Columns: []TableColumn{{Name: "column1"}}}},
		}},
		{"a | stats count() by b", &Query{
			Search:   &Search{Root: lit("a")},
			Pipeline: []Stage{&StatsStage{Aggs: []AggExpr{{Func: "count"}}, GroupBy: []string{"b"}}},
		}},
		{"| table a as x, b c", &Query{
			Pipeline: []Stage{&TableStage{Columns: []TableColumn{{Name: "a", Alias: "x"}, {Name: "b"}, {Name: "c"}}}},
		}},
		{"| stats count, avg(latency) as lat, max(bytes) by host, service", &Query{
			Pipeline: []Stage{&StatsStage{
				Aggs: []AggExpr{
					{Func: "count"},
					{Func: "avg", Column: "latency", Alias: "lat"},
					{Func: "max", Column: "bytes"},
				},
				GroupBy: []string{"host", "service"},
			}},
		}},
		{"| sort a desc, b, c asc", &Query{
			Pipeline: []Stage{&SortStage{Keys: []SortKey{{Name: "a", Desc: true}, {Name: "b"}, {Name: "c"}}}},
		}},
		{"| regex field=message `user=(?P<user>\\w+)`", &Query{
			Pipeline: []Stage{&RegexStage{Pattern: `user=(?P<user>\w+)`, Column: "message"}},
		}},
		{"| regex `(?P<code>\\d{3})`", &Query{
			Pipeline: []Stage{&RegexStage{Pattern: `(?P<code>\d{3})`}},
		}},
		{"| where x > 1 && x < 10", &Query{
			Pipeline: []Stage{&WhereStage{Expr: &BinaryExpr{
				Op:    OpAnd,
				Left:  &BinaryExpr{Op: OpGt, Left: &ColumnRef{Name: "x"}, Right: &Literal{Value: record.Number(1)}},
				Right: &BinaryExpr{Op: OpLt, Left: &ColumnRef{Name: "x"}, Right: &Literal{Value: record.Number(10)}},
			}}},
		}},
		{"| eval total = a + b * 2", &Query{
			Pipeline: []Stage{&EvalStage{Field: "total", Expr: &BinaryExpr{
				Op:   OpAdd,
				Left: &ColumnRef{Name: "a"},
				Right: &BinaryExpr{
					Op:    OpMul,
					Left:  &ColumnRef{Name: "b"},
					Right: &Literal{Value: record.Number(2)},
				},
			}}},
		}},
		{"| timechart span=5m count() by level maxGroups=3", &Query{
			Pipeline: []Stage{&TimechartStage{
				Aggs:       []AggExpr{{Func: "count"}},
				GroupBy:    "level",
				Span:       5 * time.Minute,
				MaxGroups:  3,
				TimeColumn: DefaultTimeColumn,
			}},
		}},
		{"| unpack payload meta", &Query{
			Pipeline: []Stage{&UnpackStage{Columns: []string{"payload", "meta"}}},
		}},
		{"error | where status >= 500 | stats count() by host | sort count desc", &Query{
			Search: &Search{Root: lit("error")},
			Pipeline: []Stage{
				&WhereStage{Expr: &BinaryExpr{Op: OpGte, Left: &ColumnRef{Name: "status"}, Right: &Literal{Value: record.Number(500)}}},
				&StatsStage{Aggs: []AggExpr{{Func: "count"}}, GroupBy: []string{"host"}},
				&SortStage{Keys: []SortKey{{Name: "count", Desc: true}}},
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := mustParse(t, tt.input)
			if diff := cmp.Diff(tt.want, got, astOpts); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input   string
		want    error
		message string
	}{
		{"a | table", ErrUnexpectedEOF, "expected at least one column name after 'table', found end of query"},
		{"a | frobnicate", ErrUnknownStage, "unknown pipeline stage 'frobnicate'"},
		{"(a OR b", ErrUnmatchedParen, "unmatched opening parenthesis"},
		{"a OR", ErrUnexpectedEOF, "expected search term"},
		{"| stats nope(x)", ErrUnknownAggregation, "unknown aggregation function 'nope'"},
		{"| stats avg()", ErrUnexpectedToken, "avg() requires a column"},
		{"| stats count(), count()", ErrUnexpectedToken, "duplicate output column 'count'"},
		{"| where x = 1", ErrUnexpectedToken, "use '=='"},
		{"| where nosuch(x)", ErrUnknownFunction, "unknown function 'nosuch'"},
		{"| regex `(`", ErrInvalidRegex, "invalid regex"},
		{"| timechart span=banana count()", ErrInvalidParam, "invalid span"},
		{"| timechart maxGroups=0 count()", ErrInvalidParam, "maxGroups must be a positive integer"},
		{"| eval x 1", ErrUnexpectedToken, "expected '=' after 'x'"},
		{`"unterminated`, ErrUnterminatedString, "unterminated string"},
		{"a )", ErrUnexpectedToken, "expected end of query"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			q, err := Parse(tt.input)
			if err == nil {
				t.Fatalf("Parse(%q) = %v, want error", tt.input, q)
			}
			if q != nil {
				t.Errorf("partial query returned: %v", q)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err %T is not a *ParseError", err)
			}
			if !strings.Contains(pe.Message, tt.message) {
				t.Errorf("message = %q, want it to contain %q", pe.Message, tt.message)
			}
		})
	}
}

func TestQueryStringRoundTrip(t *testing.T) {
	inputs := []string{
		"hello world",
		"(a OR b) c",
		`"two words" @prod level!=debug`,
		"| stats count() as n, avg(x) by host",
		"error | where x > 1 && !isNull(y) | sort n desc",
		"| timechart span=1m0s count() by level",
		"| eval label = lower(name) + \"-x\"",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			first := mustParse(t, input)
			second := mustParse(t, first.String())
			if diff := cmp.Diff(first, second, astOpts); diff != "" {
				t.Errorf("reparse of %q differs (-first +second):\n%s", first.String(), diff)
			}
		})
	}
}

func TestParseSpan(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"2d", 48 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSpan(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("ParseSpan(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
	for _, bad := range []string{"0", "-1", "xd", "soon"} {
		if _, err := ParseSpan(bad); err == nil {
			t.Errorf("ParseSpan(%q): expected error", bad)
		}
	}
}
