package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"cruncher/internal/adapter"
	"cruncher/internal/query"
	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

var (
	from = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to   = from.Add(time.Hour)
)

func newProvider(t *testing.T, params map[string]string) *Provider {
	t.Helper()
	qp, err := New(params, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return qp.(*Provider)
}

func collect(t *testing.T, p *Provider, q string, opts adapter.QueryOptions) ([]record.Record, int) {
	t.Helper()
	parsed, err := querylang.Parse(q)
	if err != nil {
		t.Fatalf("parse %q: %v", q, err)
	}
	var all []record.Record
	batches := 0
	opts.OnBatch = func(b []record.Record) {
		batches++
		if !query.IsSortedDescending(b) {
			t.Error("batch not newest first")
		}
		all = append(all, b...)
	}
	if err := p.Query(context.Background(), parsed.IndexParams, parsed.Search, opts); err != nil {
		t.Fatalf("Query: %v", err)
	}
	return all, batches
}

func TestFactoryParams(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		wantErr bool
	}{
		{"defaults", nil, false},
		{"formats", map[string]string{"formats": "json, kv,json"}, false},
		{"unknown format", map[string]string{"formats": "xml"}, true},
		{"empty formats", map[string]string{"formats": " , "}, true},
		{"bad events", map[string]string{"events": "many"}, true},
		{"zero batch", map[string]string{"batchSize": "0"}, true},
		{"negative rate", map[string]string{"rate": "-1"}, true},
		{"bad seed", map[string]string{"seed": "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.params, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	p := newProvider(t, map[string]string{"formats": "json, kv,json"})
	if len(p.formats) != 2 {
		t.Errorf("formats = %v, want deduplicated pair", p.formats)
	}
}

func TestQueryCoversRange(t *testing.T) {
	p := newProvider(t, map[string]string{"events": "1000", "batchSize": "100"})
	rows, batches := collect(t, p, "", adapter.QueryOptions{From: from, To: to})
	if len(rows) != 1000 {
		t.Fatalf("rows = %d, want 1000", len(rows))
	}
	if batches != 10 {
		t.Errorf("batches = %d, want 10", batches)
	}
	if !query.IsSortedDescending(rows) {
		t.Error("rows not newest first across batches")
	}
	for _, r := range rows {
		if r.Time().Before(from) || r.Time().After(to) {
			t.Fatalf("row at %v outside range", r.Time())
		}
	}
}

func TestQueryDeterministic(t *testing.T) {
	p := newProvider(t, map[string]string{"events": "200"})
	a, _ := collect(t, p, "", adapter.QueryOptions{From: from, To: to})
	b, _ := collect(t, p, "", adapter.QueryOptions{From: from, To: to})
	for i := range a {
		if a[i].Message != b[i].Message {
			t.Fatalf("row %d differs between runs", i)
		}
	}
}

func TestQueryFilters(t *testing.T) {
	p := newProvider(t, map[string]string{"events": "2000"})
	all, _ := collect(t, p, "", adapter.QueryOptions{From: from, To: to})

	tests := []struct {
		query string
		keep  func(record.Record) bool
	}{
		{"level=error", func(r record.Record) bool { return r.Get("level").Str == "error" }},
		{"host!=host-1", func(r record.Record) bool { return r.Get("host").Str != "host-1" }},
		{"service=`^(api|web)$`", func(r record.Record) bool {
			s := r.Get("service").Str
			return s == "api" || s == "web"
		}},
		{"host=host-1*", func(r record.Record) bool {
			h := r.Get("host").Str
			return h == "host-1" || h == "host-10"
		}},
		{"format=json", func(r record.Record) bool { return r.Get("format").Str == "json" }},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, _ := collect(t, p, tt.query, adapter.QueryOptions{From: from, To: to})
			want := 0
			for _, r := range all {
				if tt.keep(r) {
					want++
				}
			}
			if want == 0 {
				t.Fatal("filter matches nothing in the full set")
			}
			if len(got) != want {
				t.Errorf("rows = %d, want %d", len(got), want)
			}
			for _, r := range got {
				if !tt.keep(r) {
					t.Fatalf("row %q violates %s", r.Message, tt.query)
				}
			}
		})
	}
}

func TestQuerySearchAndLimit(t *testing.T) {
	p := newProvider(t, map[string]string{"events": "2000", "formats": "plain"})
	rows, _ := collect(t, p, "timeout", adapter.QueryOptions{From: from, To: to})
	if len(rows) == 0 {
		t.Fatal("no rows matched")
	}
	for _, r := range rows {
		if !querylang.NewMatcher(mustSearch(t, "timeout"))(r.Message) {
			t.Fatalf("row %q does not match", r.Message)
		}
	}

	limited, _ := collect(t, p, "", adapter.QueryOptions{From: from, To: to, Limit: 7})
	if len(limited) != 7 {
		t.Errorf("limited rows = %d, want 7", len(limited))
	}
}

func mustSearch(t *testing.T, q string) *querylang.Search {
	t.Helper()
	parsed, err := querylang.Parse(q)
	if err != nil {
		t.Fatal(err)
	}
	return parsed.Search
}

func TestQueryCancel(t *testing.T) {
	p := newProvider(t, map[string]string{"events": "100000", "batchSize": "10", "rate": "100"})
	ctx, cancel := context.WithCancel(context.Background())
	batches := 0
	err := p.Query(ctx, nil, nil, adapter.QueryOptions{From: from, To: to, OnBatch: func([]record.Record) {
		batches++
		if batches == 2 {
			cancel()
		}
	}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if batches > 3 {
		t.Errorf("batches after cancel = %d", batches)
	}
}

func TestControllerParams(t *testing.T) {
	p := newProvider(t, map[string]string{"hostCount": "3", "formats": "kv"})
	params, err := p.ControllerParams(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(params["host"]) != 3 {
		t.Errorf("hosts = %v", params["host"])
	}
	if len(params["format"]) != 1 || params["format"][0] != "kv" {
		t.Errorf("formats = %v", params["format"])
	}
}

func TestParseKV(t *testing.T) {
	fields := parseKV(`level=info msg="request completed" status=200 path=/api`)
	if fields["msg"].Str != "request completed" {
		t.Errorf("msg = %q", fields["msg"].Str)
	}
	if fields["status"].Kind != record.KindNumber || fields["status"].Num != 200 {
		t.Errorf("status = %+v", fields["status"])
	}
	if fields["path"].Str != "/api" {
		t.Errorf("path = %q", fields["path"].Str)
	}
}
