package adapter

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"
	"time"

	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

type stubProvider struct {
	params map[string]string
}

func (s *stubProvider) ControllerParams(context.Context) (map[string][]string, error) {
	return nil, nil
}

func (s *stubProvider) Query(context.Context, []querylang.IndexParam, *querylang.Search, QueryOptions) error {
	return nil
}

func TestRegistry(t *testing.T) {
	stub := Plugin{
		Ref: "stub",
		Factory: func(params map[string]string, _ *slog.Logger) (QueryProvider, error) {
			if params["fail"] == "yes" {
				return nil, errors.New("bad params")
			}
			return &stubProvider{params: params}, nil
		},
		Defaults: func() map[string]string { return map[string]string{"a": "1", "b": "2"} },
	}
	r := NewRegistry(stub)
	r.Register(Plugin{Ref: "another", Factory: stub.Factory})

	if got := r.Plugins(); len(got) != 2 || got[0].Ref != "another" || got[1].Ref != "stub" {
		t.Errorf("Plugins = %v", got)
	}

	qp, err := r.New("stub", map[string]string{"b": "override"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	params := qp.(*stubProvider).params
	if params["a"] != "1" || params["b"] != "override" {
		t.Errorf("params = %v, want defaults merged under overrides", params)
	}

	if _, err := r.New("nope", nil, nil); !errors.Is(err, ErrUnknownPlugin) {
		t.Errorf("unknown plugin err = %v", err)
	}
	if _, err := r.New("stub", map[string]string{"fail": "yes"}, nil); err == nil {
		t.Error("factory error swallowed")
	}
}

func TestParamFilter(t *testing.T) {
	attrs := map[string]string{"host": "web-10", "level": "error"}
	tests := []struct {
		name   string
		params []querylang.IndexParam
		want   bool
	}{
		{"no params", nil, true},
		{"exact", []querylang.IndexParam{{Key: "host", Operator: "=", Value: "web-10"}}, true},
		{"exact miss", []querylang.IndexParam{{Key: "host", Operator: "=", Value: "web-1"}}, false},
		{"glob", []querylang.IndexParam{{Key: "host", Operator: "=", Value: "web-*"}}, true},
		{"negated", []querylang.IndexParam{{Key: "level", Operator: "!=", Value: "error"}}, false},
		{"regex", []querylang.IndexParam{{Key: "level", Operator: "=", Value: "^(warn|error)$", Regex: true}}, true},
		{"absent equals", []querylang.IndexParam{{Key: "zone", Operator: "=", Value: "a"}}, false},
		{"absent not equals", []querylang.IndexParam{{Key: "zone", Operator: "!=", Value: "a"}}, true},
		{"all must hold", []querylang.IndexParam{
			{Key: "host", Operator: "=", Value: "web-*"},
			{Key: "level", Operator: "=", Value: "info"},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := CompileParams(tt.params)
			if err != nil {
				t.Fatal(err)
			}
			if got := f.MatchMap(attrs); got != tt.want {
				t.Errorf("MatchMap = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParamFilterMatchValue(t *testing.T) {
	f, err := CompileParams([]querylang.IndexParam{
		{Key: "container", Operator: "=", Value: "api-*"},
		{Key: "stream", Operator: "=", Value: "stdout"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !f.MatchValue("container", "api-1") || f.MatchValue("container", "db") {
		t.Error("MatchValue on container wrong")
	}
	if !f.MatchValue("image", "anything") {
		t.Error("MatchValue applied params of another key")
	}
	if !f.MatchValue("container", "db", "api-9") {
		t.Error("alias match ignored")
	}
	neg, _ := CompileParams([]querylang.IndexParam{{Key: "container", Operator: "!=", Value: "db"}})
	if neg.MatchValue("container", "db", "bbb222") {
		t.Error("!= passed although one alias matched")
	}
	if got := f.Keys(); !slices.Equal(got, []string{"container", "stream"}) {
		t.Errorf("Keys = %v", got)
	}
}

func TestCompileParamsErrors(t *testing.T) {
	if _, err := CompileParams([]querylang.IndexParam{{Key: "h", Operator: "=", Value: "[", Regex: true}}); err == nil {
		t.Error("invalid regex accepted")
	}
	if _, err := CompileParams([]querylang.IndexParam{{Key: "h", Operator: "=", Value: "a[b"}}); err == nil {
		t.Error("invalid glob accepted")
	}
}

func TestBatcher(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var batches [][]record.Record
	b := NewBatcher(QueryOptions{Limit: 5, OnBatch: func(rs []record.Record) {
		batches = append(batches, rs)
	}}, 2)

	for i := range 10 {
		ok := b.Add(record.New(base.Add(time.Duration(i)*time.Second), "m"))
		if i < 4 && !ok {
			t.Fatalf("Add %d reported full", i)
		}
		if i == 4 && ok {
			t.Fatal("Add at limit reported room")
		}
	}
	b.Flush()

	if b.Sent() != 5 {
		t.Errorf("sent = %d, want 5", b.Sent())
	}
	sizes := make([]int, len(batches))
	for i, bt := range batches {
		sizes[i] = len(bt)
		if !slices.IsSortedFunc(bt, record.CompareTimeDesc) {
			t.Errorf("batch %d not newest first", i)
		}
	}
	if !slices.Equal(sizes, []int{2, 2, 1}) {
		t.Errorf("batch sizes = %v", sizes)
	}
}

func TestInRange(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := QueryOptions{From: base, To: base.Add(time.Minute)}
	tests := []struct {
		offset time.Duration
		want   bool
	}{
		{-time.Second, false},
		{0, true},
		{time.Minute, true},
		{time.Minute + time.Millisecond, false},
	}
	for _, tt := range tests {
		if got := InRange(opts, record.New(base.Add(tt.offset), "m")); got != tt.want {
			t.Errorf("InRange(+%v) = %v, want %v", tt.offset, got, tt.want)
		}
	}
	if !InRange(QueryOptions{}, record.New(base, "m")) {
		t.Error("open range rejected a record")
	}
}
