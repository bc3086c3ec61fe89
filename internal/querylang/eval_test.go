package querylang

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"cruncher/internal/record"
)

func testRecord() record.Record {
	rec := record.New(time.UnixMilli(1_700_000_000_000), "GET /api/users 200")
	rec.Fields["x"] = record.Number(5)
	rec.Fields["status"] = record.String("500")
	rec.Fields["host"] = record.String("Web-01")
	rec.Fields["name"] = record.String("  Alice  ")
	rec.Fields["payload"] = record.String(`{"user":{"id":42,"tags":["a","b"]}}`)
	rec.Fields["ok"] = record.Bool(true)
	rec.Fields["neg"] = record.Number(-2.5)
	return rec
}

func mustParseExpr(t *testing.T, input string) Expr {
	t.Helper()
	e, err := ParseExpr(input)
	if err != nil {
		t.Fatalf("ParseExpr(%q): %v", input, err)
	}
	return e
}

func TestEvaluatorTest(t *testing.T) {
	rec := testRecord()
	ev := NewEvaluator()

	tests := []struct {
		expr string
		want bool
	}{
		{"x > 1 && x < 10", true},
		{"x > 1 && x < 5", false},
		{"x >= 5 && x <= 5", true},
		{"x == 5", true},
		{"x != 5", false},
		{"missing == null", true},
		{"missing != null", false},
		{"x == null", false},
		{"x != null", true},
		{"missing > 1", false},
		{"missing < 1", false},
		{"missing != 1", true},
		{"status > 400", true},
		{"status == 500", false},
		{`status == "500"`, true},
		{`host > "A"`, true},
		{"ok", true},
		{"!ok", false},
		{"ok || missing > 1", true},
		{"x in [1, 5, 9]", true},
		{`host in ["web-01", "db"]`, false},
		{`lower(host) in ["web-01", "db"]`, true},
		{`contains(host, "eb")`, true},
		{`startsWith(lower(host), "web")`, true},
		{`endsWith(host, "01")`, true},
		{"match(host, `^web-\\d+$`)", false},
		{"match(lower(host), `^web-\\d+$`)", true},
		{"isNull(missing) && isNotNull(x)", true},
		{"length(host) == 6", true},
		{"abs(neg) == 2.5", true},
		{"round(neg) == -2", true},
		{"ceil(neg) == -2 && floor(neg) == -3", true},
		{`trim(name) == "Alice"`, true},
		{`upper(trim(name)) == "ALICE"`, true},
		{`json_extract(payload, "$.user.id") == 42`, true},
		{`json_extract(payload, "$.user.nope") == null`, true},
		{"x * 2 + 1 == 11", true},
		{"x / 0 == null", true},
		{"-x == -5", true},
		{"(x - 1) / 2 == 2", true},
		{`_time > 0`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ev.Test(mustParseExpr(t, tt.expr), rec)
			if err != nil {
				t.Fatalf("Test(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Test(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluatorEval(t *testing.T) {
	rec := testRecord()
	ev := NewEvaluator()

	tests := []struct {
		expr string
		want record.Field
	}{
		{"x + 1", record.Number(6)},
		{`"a" + "b"`, record.String("ab")},
		{"missing + 1", record.None()},
		{"lower(host)", record.String("web-01")},
		{"length(payload)", record.Number(35)},
		{`json_extract(payload, "$.user.tags")`, record.Array(record.String("a"), record.String("b"))},
		{"round(2.5)", record.Number(3)},
		{"x", record.Number(5)},
		{"null", record.None()},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ev.Eval(mustParseExpr(t, tt.expr), rec)
			if err != nil {
				t.Fatalf("Eval(%q): %v", tt.expr, err)
			}
			if !record.Equal(got, tt.want) {
				t.Errorf("Eval(%q) = %s (%s), want %s (%s)", tt.expr, got.Display(), got.Kind, tt.want.Display(), tt.want.Kind)
			}
		})
	}
}

func TestEvaluatorErrors(t *testing.T) {
	rec := testRecord()
	ev := NewEvaluator()

	tests := []struct {
		expr    string
		want    error
		message string
	}{
		{"x + 1", ErrNotBoolean, "where expression must evaluate to a boolean, got number"},
		{`host`, ErrNotBoolean, "got string"},
		{"match(x, \"a\")", ErrInvalidArguments,
			"invalid argument types for function match - expected: (string|columnRef|functionExpression,regex), got (columnRef,string)"},
		{"match(5, `a`)", ErrInvalidArguments,
			"invalid argument types for function match - expected: (string|columnRef|functionExpression,regex), got (number,regex)"},
		{"contains(host)", ErrInvalidArguments, "invalid number of arguments for function contains - expected 2, got 1"},
		{"lower(host, host) == \"\"", ErrInvalidArguments, "invalid number of arguments for function lower - expected 1, got 2"},
		{`host * 2 > 1`, ErrInvalidOperands, "arithmetic requires numeric operands"},
		{`!x`, ErrNotBoolean, "got number"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ev.Test(mustParseExpr(t, tt.expr), rec)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var ee *EvalError
			if !errors.As(err, &ee) {
				t.Fatalf("err %T is not an *EvalError", err)
			}
			if !strings.Contains(ee.Message, tt.message) {
				t.Errorf("message = %q, want it to contain %q", ee.Message, tt.message)
			}
		})
	}
}

func TestCompareUndefined(t *testing.T) {
	none := record.None()
	one := record.Number(1)
	for _, op := range []BinaryOp{OpGt, OpGte, OpLt, OpLte} {
		if Compare(op, none, one) || Compare(op, one, none) || Compare(op, none, none) {
			t.Errorf("%s against undefined should be false", op)
		}
	}
	if !Compare(OpEq, none, none) {
		t.Error("undefined == undefined should be true")
	}
	if !Compare(OpNeq, none, one) {
		t.Error("undefined != 1 should be true")
	}
	if Compare(OpEq, record.Number(math.NaN()), record.Number(math.NaN())) {
		t.Error("NaN == NaN should be false")
	}
	if !Compare(OpEq, record.DateMillis(1000), record.Number(1000)) {
		t.Error("date and number should compare as epoch milliseconds")
	}
}
