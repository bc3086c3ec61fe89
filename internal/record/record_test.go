package record

import (
	"math"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func TestCoercion(t *testing.T) {
	t.Run("AsNumber from date", func(t *testing.T) {
		got := DateMillis(1500).AsNumber()
		if got.Kind != KindNumber || got.Num != 1500 || len(got.Errors) != 0 {
			t.Errorf("got %+v", got)
		}
	})
	t.Run("AsNumber from string", func(t *testing.T) {
		got := String("abc").AsNumber()
		if got.Kind != KindNumber || !math.IsNaN(got.Num) {
			t.Errorf("got %+v", got)
		}
		if len(got.Errors) != 1 || got.Errors[0] != "Invalid number" {
			t.Errorf("errors = %v", got.Errors)
		}
	})
	t.Run("AsString from number", func(t *testing.T) {
		got := Number(3).AsString()
		if got.Kind != KindString || got.Str != "" || len(got.Errors) != 1 {
			t.Errorf("got %+v", got)
		}
	})
	t.Run("AsDate from number", func(t *testing.T) {
		got := Number(42).AsDate()
		if got.Kind != KindDate || got.Millis() != 42 || len(got.Errors) != 0 {
			t.Errorf("got %+v", got)
		}
	})
	t.Run("AsDate from absent", func(t *testing.T) {
		got := None().AsDate()
		if got.Kind != KindDate || got.Millis() != 0 || len(got.Errors) != 1 {
			t.Errorf("got %+v", got)
		}
	})
}

func TestDisplay(t *testing.T) {
	tests := []struct {
		name string
		f    Field
		want string
	}{
		{"absent", None(), "<null>"},
		{"integer", Number(42), "42"},
		{"float", Number(1.5), "1.5"},
		{"nan", Number(math.NaN()), "NaN"},
		{"string", String("hi"), "hi"},
		{"bool", Bool(true), "true"},
		{"date", DateMillis(0), "1970-01-01 00:00:00.000"},
		{"array", Array(Number(1), String("a")), `[1,"a"]`},
		{"object", Object(map[string]Field{"k": String("v")}), `{"k":"v"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Display(); got != tt.want {
				t.Errorf("Display() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEqualAndCompare(t *testing.T) {
	if !Equal(None(), None()) {
		t.Error("absent should equal absent")
	}
	if Equal(None(), Number(0)) {
		t.Error("absent should not equal 0")
	}
	if !Equal(Number(100), DateMillis(100)) {
		t.Error("number and date with same millis should be equal")
	}
	if Equal(String("1"), Number(1)) {
		t.Error("string and number should differ")
	}
	if !Equal(Array(Number(1)), Array(Number(1))) {
		t.Error("equal arrays")
	}

	if Compare(Number(1), Number(2)) >= 0 {
		t.Error("1 < 2")
	}
	if Compare(Number(5), String("a")) >= 0 {
		t.Error("numbers sort before strings")
	}
	if Compare(String("a"), None()) >= 0 {
		t.Error("absent sorts last")
	}
	if Compare(String("b"), String("a")) <= 0 {
		t.Error("b > a")
	}
}

func TestRecordCloneIsolation(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	r := New(ts, "hello")
	c := r.With("extra", String("x"))

	if _, ok := r.Fields["extra"]; ok {
		t.Error("With must not modify the original record")
	}
	if c.Get("extra").Str != "x" {
		t.Error("clone should carry the new field")
	}
	if r.TimeMillis() != ts.UnixMilli() {
		t.Errorf("TimeMillis = %d", r.TimeMillis())
	}
	if r.Text() != "hello" {
		t.Errorf("Text = %q", r.Text())
	}
}

func TestMsgpackRoundTrip(t *testing.T) {
	r := New(time.UnixMilli(1000), "line")
	r.Fields["n"] = Number(3.5)
	r.Fields["tags"] = Array(String("a"), Bool(false))
	r.Fields["bad"] = String("x").AsNumber()

	b, err := msgpack.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Record
	if err := msgpack.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Message != "line" {
		t.Errorf("message = %q", got.Message)
	}
	for _, k := range []string{TimeField, "n", "tags"} {
		if !Equal(got.Get(k), r.Get(k)) {
			t.Errorf("field %s: got %+v, want %+v", k, got.Get(k), r.Get(k))
		}
	}
	if len(got.Get("bad").Errors) != 1 {
		t.Errorf("errors lost: %+v", got.Get("bad"))
	}
}

func TestParseJSON(t *testing.T) {
	obj, ok := ParseJSONObject([]byte(`{"a":1,"b":"x","c":[true,null],"d":{"e":2}}`))
	if !ok {
		t.Fatal("expected object")
	}
	if obj["a"].Kind != KindNumber || obj["a"].Num != 1 {
		t.Errorf("a = %+v", obj["a"])
	}
	if obj["b"].Str != "x" {
		t.Errorf("b = %+v", obj["b"])
	}
	if c := obj["c"]; c.Kind != KindArray || len(c.Arr) != 2 || !c.Arr[1].IsNone() {
		t.Errorf("c = %+v", c)
	}
	if obj["d"].Obj["e"].Num != 2 {
		t.Errorf("d = %+v", obj["d"])
	}

	if _, ok := ParseJSONObject([]byte(`[1,2]`)); ok {
		t.Error("array is not an object")
	}
	if _, err := ParseJSON([]byte(`{`)); err == nil {
		t.Error("expected parse error")
	}
}
