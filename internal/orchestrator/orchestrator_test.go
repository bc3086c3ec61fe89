package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"cruncher/internal/adapter"
	"cruncher/internal/cache"
	"cruncher/internal/config"
	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("github.com/panjf2000/ants/v2.(*poolCommon).purgeStaleWorkers"),
		goleak.IgnoreAnyFunction("github.com/panjf2000/ants/v2.(*poolCommon).ticktock"),
	)
}

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func at(ms int64) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

// rows builds newest-first records at the given offsets (ms after t0).
func rows(offsets ...int64) []record.Record {
	out := make([]record.Record, len(offsets))
	for i, ms := range offsets {
		out[i] = record.New(at(ms), fmt.Sprintf("hello %d", ms))
	}
	slices.SortStableFunc(out, record.CompareTimeDesc)
	return out
}

func window() RunOptions {
	return RunOptions{From: t0, To: t0.Add(time.Hour)}
}

// fakeProvider serves fixed rows. With a gate it delivers its batch and
// then blocks until the gate closes or its context ends.
type fakeProvider struct {
	rows   []record.Record
	gate   chan struct{}
	err    error
	params map[string][]string

	calls      atomic.Int32
	paramCalls atomic.Int32
	started    chan struct{}
	stopped    chan error
}

func newFake(rs []record.Record) *fakeProvider {
	return &fakeProvider{rows: rs, started: make(chan struct{}, 16), stopped: make(chan error, 16)}
}

func (f *fakeProvider) ControllerParams(ctx context.Context) (map[string][]string, error) {
	f.paramCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.params, nil
}

func (f *fakeProvider) Query(ctx context.Context, _ []querylang.IndexParam, search *querylang.Search, opts adapter.QueryOptions) (err error) {
	f.calls.Add(1)
	f.started <- struct{}{}
	defer func() { f.stopped <- err }()

	match := querylang.NewMatcher(search)
	var batch []record.Record
	for _, r := range f.rows {
		if adapter.InRange(opts, r) && match(r.Text()) {
			batch = append(batch, r)
		}
	}
	if opts.Limit > 0 && len(batch) > opts.Limit {
		batch = batch[:opts.Limit]
	}
	if len(batch) > 0 {
		opts.OnBatch(batch)
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

// recorder is a Notifier that keeps everything it is sent.
type recorder struct {
	mu      sync.Mutex
	batches map[string]int
	updates []JobUpdate
}

func (r *recorder) BatchDone(id string, _ BatchSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.batches == nil {
		r.batches = make(map[string]int)
	}
	r.batches[id]++
}

func (r *recorder) JobUpdated(u JobUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) statuses(id string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, u := range r.updates {
		if u.TaskID == id {
			out = append(out, u.Status)
		}
	}
	return out
}

type harness struct {
	*Orchestrator
	notes *recorder
	clock *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newHarness configures one "fake" connector per provider. The default
// profile holds every connector.
func newHarness(t *testing.T, providers map[string]*fakeProvider) *harness {
	t.Helper()
	reg := adapter.NewRegistry(adapter.Plugin{
		Ref:  "fake",
		Name: "Fake",
		Factory: func(params map[string]string, _ *slog.Logger) (adapter.QueryProvider, error) {
			p, ok := providers[params["id"]]
			if !ok {
				return nil, fmt.Errorf("no provider %q", params["id"])
			}
			return p, nil
		},
	})
	notes := &recorder{}
	clk := &clock{now: t0.Add(2 * time.Hour)}
	o, err := New(Config{
		Registry:             reg,
		Notifier:             notes,
		TaskTTL:              10 * time.Minute,
		MaxConcurrentFetches: 4,
		Now:                  clk.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := o.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	names := slices.Sorted(maps.Keys(providers))
	cfg := &config.Config{
		Profiles: map[string]config.ProfileConfig{
			config.DefaultProfile: {Connectors: names},
		},
		Server: config.ServerConfig{TaskTTL: 10 * time.Minute},
	}
	for _, name := range names {
		cfg.Connectors = append(cfg.Connectors, config.ConnectorConfig{
			Type: "fake", Name: name, Params: map[string]string{"id": name},
		})
	}
	if err := o.ApplyConfig(cfg); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	return &harness{Orchestrator: o, notes: notes, clock: clk}
}

func (h *harness) run(t *testing.T, text string, opts RunOptions) *Task {
	t.Helper()
	task, err := h.RunQuery(context.Background(), Target{}, text, opts)
	if err != nil {
		t.Fatalf("RunQuery(%q): %v", text, err)
	}
	return task
}

func (h *harness) finish(t *testing.T, task *Task) TaskInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := h.WaitFinished(ctx, task.ID)
	if err != nil {
		t.Fatalf("WaitFinished: %v", err)
	}
	return info
}

func eventTimes(rs []record.Record) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.Time().Sub(t0).Milliseconds()
	}
	return out
}

func TestRunQueryMergesInstances(t *testing.T) {
	h := newHarness(t, map[string]*fakeProvider{
		"a": newFake(rows(100, 300, 500)),
		"b": newFake(rows(200, 400)),
	})
	task := h.run(t, "hello", window())
	info := h.finish(t, task)

	if info.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", info.Status, info.Error)
	}
	if diff := cmp.Diff([]string{"a", "b"}, info.Instances); diff != "" {
		t.Errorf("instances (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{500, 400, 300, 200, 100}, eventTimes(task.Result().Events)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if got := h.notes.statuses(task.ID); !slices.Equal(got, []Status{StatusCompleted}) {
		t.Errorf("updates = %v", got)
	}
	sum := task.Summary()
	if sum.Views.Events.Total != 5 || len(sum.Views.Events.Buckets) != histogramTicks {
		t.Errorf("summary events = %+v", sum.Views.Events)
	}
	if sum.Scale.From != t0.UnixMilli() {
		t.Errorf("scale = %+v", sum.Scale)
	}
}

func TestRunQueryDeduplicatesFetches(t *testing.T) {
	p := newFake(rows(100, 200, 300))
	p.gate = make(chan struct{})
	h := newHarness(t, map[string]*fakeProvider{"local": p})

	first := h.run(t, "hello", window())
	<-p.started
	second := h.run(t, "hello", window())
	close(p.gate)

	for _, task := range []*Task{first, second} {
		if info := h.finish(t, task); info.Status != StatusCompleted || info.Events != 3 {
			t.Errorf("task %s: %+v", task.ID, info)
		}
	}
	if n := p.calls.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
	if subs := second.Subtasks(); len(subs) != 1 || !subs[0].Shared {
		t.Errorf("second task subtasks = %+v", subs)
	}
	if first.Subtasks()[0].CacheKey != second.Subtasks()[0].CacheKey {
		t.Error("identical queries produced different cache keys")
	}
}

func TestCompletedEntryIsReused(t *testing.T) {
	p := newFake(rows(100, 200))
	h := newHarness(t, map[string]*fakeProvider{"local": p})

	h.finish(t, h.run(t, "hello", window()))
	again := h.run(t, "hello", window())
	h.finish(t, again)
	if n := p.calls.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
	if got := len(again.Result().Events); got != 2 {
		t.Errorf("reused task has %d events, want 2", got)
	}

	forced := window()
	forced.Forced = true
	h.finish(t, h.run(t, "hello", forced))
	if n := p.calls.Load(); n != 2 {
		t.Errorf("fetches after forced run = %d, want 2", n)
	}
}

func TestCancelQuery(t *testing.T) {
	p := newFake(rows(100))
	p.gate = make(chan struct{})
	defer close(p.gate)
	h := newHarness(t, map[string]*fakeProvider{"local": p})

	task := h.run(t, "hello", window())
	<-p.started
	if err := h.CancelQuery(task.ID); err != nil {
		t.Fatalf("CancelQuery: %v", err)
	}
	if info := h.finish(t, task); info.Status != StatusCanceled {
		t.Errorf("status = %s", info.Status)
	}
	select {
	case err := <-p.stopped:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("provider returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fetch not cancelled")
	}
	// Cancelling again is a no-op.
	if err := h.CancelQuery(task.ID); err != nil {
		t.Errorf("second CancelQuery: %v", err)
	}
	if got := h.notes.statuses(task.ID); !slices.Equal(got, []Status{StatusCanceled}) {
		t.Errorf("updates = %v", got)
	}
}

func TestCancelKeepsSharedFetch(t *testing.T) {
	p := newFake(rows(100, 200))
	p.gate = make(chan struct{})
	h := newHarness(t, map[string]*fakeProvider{"local": p})

	first := h.run(t, "hello", window())
	<-p.started
	second := h.run(t, "hello", window())
	if err := h.CancelQuery(first.ID); err != nil {
		t.Fatal(err)
	}
	close(p.gate)

	if info := h.finish(t, second); info.Status != StatusCompleted || info.Events != 2 {
		t.Errorf("surviving task: %+v", info)
	}
	if info := h.finish(t, first); info.Status != StatusCanceled {
		t.Errorf("cancelled task: %+v", info)
	}
	if err := <-p.stopped; err != nil {
		t.Errorf("shared fetch ended with %v", err)
	}
}

func TestFailedFetchFailsTask(t *testing.T) {
	bad := newFake(nil)
	bad.err = errors.New("boom")
	h := newHarness(t, map[string]*fakeProvider{
		"bad":  bad,
		"good": newFake(rows(100)),
	})
	task := h.run(t, "hello", window())
	info := h.finish(t, task)
	if info.Status != StatusFailed || !strings.Contains(info.Error, "bad: boom") {
		t.Fatalf("info = %+v", info)
	}
	if got := len(task.Result().Events); got != 1 {
		t.Errorf("events from healthy instance = %d, want 1", got)
	}
}

func TestRunQueryErrors(t *testing.T) {
	h := newHarness(t, map[string]*fakeProvider{"web-1": newFake(nil), "web-2": newFake(nil), "db": newFake(nil)})
	ctx := context.Background()

	tests := []struct {
		name   string
		target Target
		text   string
		opts   RunOptions
		want   error
	}{
		{"parse error", Target{}, "a | table", window(), querylang.ErrUnexpectedEOF},
		{"unknown instance", Target{Instance: "nope"}, "hello", window(), ErrUnknownInstance},
		{"unknown profile", Target{Profile: "ops"}, "hello", window(), ErrUnknownProfile},
		{"unknown source ref", Target{}, "@cache hello", window(), ErrUnknownInstance},
		{"inverted range", Target{}, "hello", RunOptions{From: t0.Add(time.Hour), To: t0}, ErrInvalidArgument},
		{"negative limit", Target{}, "hello", RunOptions{From: t0, To: t0.Add(time.Hour), Limit: -1}, ErrInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.RunQuery(ctx, tc.target, tc.text, tc.opts)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if tasks := h.Tasks(); len(tasks) != 0 {
		t.Errorf("failed runs left tasks: %+v", tasks)
	}
}

func TestResolveTargets(t *testing.T) {
	h := newHarness(t, map[string]*fakeProvider{"web-1": newFake(nil), "web-2": newFake(nil), "db": newFake(nil)})
	cfg := &config.Config{
		Connectors: []config.ConnectorConfig{
			{Type: "fake", Name: "web-1", Params: map[string]string{"id": "web-1"}},
			{Type: "fake", Name: "web-2", Params: map[string]string{"id": "web-2"}},
			{Type: "fake", Name: "db", Params: map[string]string{"id": "db"}},
		},
		Profiles: map[string]config.ProfileConfig{
			config.DefaultProfile: {Connectors: []string{"db"}},
			"storage":             {Connectors: []string{"db", "web-2"}},
		},
		Server: config.ServerConfig{TaskTTL: 10 * time.Minute},
	}
	if err := h.ApplyConfig(cfg); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		target Target
		text   string
		want   []string
	}{
		{"default profile", Target{}, "hello", []string{"db"}},
		{"named profile", Target{Profile: "storage"}, "hello", []string{"db", "web-2"}},
		{"instance", Target{Instance: "web-1"}, "hello", []string{"web-1"}},
		{"glob ref", Target{Instance: "db"}, "@web-* hello", []string{"web-1", "web-2"}},
		{"profile ref deduplicated", Target{}, "@storage @db hello", []string{"db", "web-2"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q, err := querylang.Parse(tc.text)
			if err != nil {
				t.Fatal(err)
			}
			insts, err := h.resolve(tc.target, q.SourceRefs)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			var got []string
			for _, inst := range insts {
				got = append(got, inst.name)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("instances (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetLogsPaginated(t *testing.T) {
	var offsets []int64
	for i := range 25 {
		offsets = append(offsets, int64(i+1)*10)
	}
	h := newHarness(t, map[string]*fakeProvider{"local": newFake(rows(offsets...))})
	task := h.run(t, "hello", window())
	h.finish(t, task)

	ptr := func(n int) *int { return &n }
	tests := []struct {
		offset, limit int
		size          int
		next, prev    *int
	}{
		{0, 10, 10, ptr(10), nil},
		{5, 10, 10, ptr(15), ptr(0)},
		{20, 10, 5, nil, ptr(10)},
		{30, 10, 0, nil, ptr(20)},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("offset=%d", tc.offset), func(t *testing.T) {
			page, err := h.GetLogsPaginated(task.ID, tc.offset, tc.limit)
			if err != nil {
				t.Fatal(err)
			}
			if len(page.Data) != tc.size || page.Total != 25 || page.Limit != tc.limit {
				t.Errorf("page: %d rows, total %d, limit %d", len(page.Data), page.Total, page.Limit)
			}
			if diff := cmp.Diff(tc.next, page.Next); diff != "" {
				t.Errorf("next (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.prev, page.Prev); diff != "" {
				t.Errorf("prev (-want +got):\n%s", diff)
			}
		})
	}

	first, _ := h.GetLogsPaginated(task.ID, 0, 1)
	if got := eventTimes(first.Data); !slices.Equal(got, []int64{250}) {
		t.Errorf("first event = %v, want newest", got)
	}
	if _, err := h.GetLogsPaginated(task.ID, 0, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero limit: err = %v", err)
	}
	if _, err := h.GetLogsPaginated("missing", 0, 10); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("missing task: err = %v", err)
	}
}

func TestGetClosestDateEvent(t *testing.T) {
	h := newHarness(t, map[string]*fakeProvider{"local": newFake(rows(100, 200, 200))})
	task := h.run(t, "hello", window())
	h.finish(t, task)

	tests := []struct {
		at        int64
		want      int64
		wantIndex int
	}{
		{150, 200, 0}, // equidistant: later wins
		{120, 100, 2},
		{200, 200, 0},
		{5000, 200, 0},
		{0, 100, 2},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.at), func(t *testing.T) {
			cp, err := h.GetClosestDateEvent(task.ID, at(tc.at))
			if err != nil {
				t.Fatal(err)
			}
			if cp.Closest == nil || *cp.Closest != at(tc.want).UnixMilli() || cp.Index != tc.wantIndex {
				t.Errorf("got %+v (closest %v), want %d at index %d", cp, cp.Closest, tc.want, tc.wantIndex)
			}
		})
	}

	empty := h.run(t, "nomatch", window())
	h.finish(t, empty)
	cp, err := h.GetClosestDateEvent(empty.ID, at(100))
	if err != nil {
		t.Fatal(err)
	}
	if cp.Closest != nil || cp.Index != -1 {
		t.Errorf("empty task: %+v", cp)
	}
}

func TestGetClosestDateEventFilteredRows(t *testing.T) {
	h := newHarness(t, map[string]*fakeProvider{"local": newFake(rows(100, 200))})
	task := h.run(t, `hello | where _raw != "hello 200"`, window())
	h.finish(t, task)
	if got := eventTimes(task.Result().Events); len(got) != 1 {
		t.Fatalf("displayed events = %v, want one", got)
	}

	tests := []struct {
		at        int64
		want      int64
		wantIndex int
	}{
		{190, 200, -1}, // nearest row exists but the pipeline hid it
		{110, 100, 0},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.at), func(t *testing.T) {
			cp, err := h.GetClosestDateEvent(task.ID, at(tc.at))
			if err != nil {
				t.Fatal(err)
			}
			if cp.Closest == nil || *cp.Closest != at(tc.want).UnixMilli() || cp.Index != tc.wantIndex {
				t.Errorf("got %+v (closest %v), want %d at index %d", cp, cp.Closest, tc.want, tc.wantIndex)
			}
		})
	}
}

func TestHistogramCountsMergedRows(t *testing.T) {
	h := newHarness(t, map[string]*fakeProvider{"local": newFake(rows(100, 200, 300))})
	task := h.run(t, `hello | where _raw != "hello 200"`, window())
	h.finish(t, task)

	ev := task.Summary().Views.Events
	if ev.Total != 2 {
		t.Errorf("displayed total = %d, want 2", ev.Total)
	}
	var counted int
	for _, b := range ev.Buckets {
		counted += b.Count
	}
	if counted != 3 {
		t.Errorf("histogram counts %d rows, want all 3 merged rows", counted)
	}
}

func TestPipelineTableAndErrors(t *testing.T) {
	rs := rows(100, 200, 300)
	for i, host := range []string{"web", "db", "web"} {
		rs[i] = rs[i].With("host", record.String(host)).With("n", record.Number(float64(i)))
	}
	h := newHarness(t, map[string]*fakeProvider{"local": newFake(rs)})

	task := h.run(t, "hello | stats count() by host", window())
	h.finish(t, task)
	page, err := h.GetTableDataPaginated(task.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"host", "count"}, page.Columns); diff != "" {
		t.Errorf("columns (-want +got):\n%s", diff)
	}
	if page.Total != 2 {
		t.Errorf("table rows = %d, want 2", page.Total)
	}
	if tb := task.Summary().Views.Table; tb == nil || tb.TotalRows != 2 || tb.ColumnLengths["host"] != 4 {
		t.Errorf("table summary = %+v", tb)
	}

	broken := h.run(t, "hello | where n + 1", window())
	info := h.finish(t, broken)
	if info.Status != StatusCompleted {
		t.Errorf("pipeline error changed status to %s", info.Status)
	}
	if broken.PipelineError() == nil || broken.Summary().Error == "" {
		t.Error("pipeline error not recorded")
	}

	plain := h.run(t, "hello", window())
	h.finish(t, plain)
	page, err = h.GetTableDataPaginated(plain.ID, 0, 10)
	if err != nil || page.Columns != nil || page.Total != 0 {
		t.Errorf("no-table page = %+v, %v", page, err)
	}
	if v, err := h.GetViewData(plain.ID); err != nil || v != nil {
		t.Errorf("view = %v, %v", v, err)
	}
}

func TestLimitAppliesPerInstance(t *testing.T) {
	h := newHarness(t, map[string]*fakeProvider{
		"a": newFake(rows(100, 300, 500)),
		"b": newFake(rows(200, 400, 600)),
	})
	opts := window()
	opts.Limit = 2
	task := h.run(t, "hello", opts)
	h.finish(t, task)
	if diff := cmp.Diff([]int64{600, 500, 400, 300}, eventTimes(task.Result().Events)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestReleaseAndSweep(t *testing.T) {
	p := newFake(rows(100))
	h := newHarness(t, map[string]*fakeProvider{"local": p})

	released := h.run(t, "hello", window())
	h.finish(t, released)
	if err := h.ReleaseTaskResources(released.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Task(released.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Task after release: %v", err)
	}
	if err := h.ReleaseTaskResources(released.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("second release: %v", err)
	}
	if n := h.Stats().CacheEntries; n != 0 {
		t.Errorf("cache entries after release = %d", n)
	}

	old := h.run(t, "hello", window())
	h.finish(t, old)
	h.clock.Advance(5 * time.Minute)
	fresh := h.run(t, "hello other", window())
	h.finish(t, fresh)

	h.clock.Advance(6 * time.Minute)
	h.sweep()
	tasks := h.Tasks()
	if len(tasks) != 1 || tasks[0].ID != fresh.ID {
		t.Errorf("tasks after sweep = %+v", tasks)
	}
}

func TestResetQueries(t *testing.T) {
	p := newFake(rows(100))
	p.gate = make(chan struct{})
	defer close(p.gate)
	h := newHarness(t, map[string]*fakeProvider{"local": p})

	task := h.run(t, "hello", window())
	<-p.started
	h.ResetQueries()

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task not finished after reset")
	}
	if task.Status() != StatusCanceled {
		t.Errorf("status = %s", task.Status())
	}
	if len(h.Tasks()) != 0 || h.Stats().CacheEntries != 0 {
		t.Errorf("state after reset: %d tasks, %d entries", len(h.Tasks()), h.Stats().CacheEntries)
	}
}

func TestAcquireSkipsStoppedTask(t *testing.T) {
	p := newFake(rows(100))
	h := newHarness(t, map[string]*fakeProvider{"local": p})

	q, err := querylang.Parse("hello")
	if err != nil {
		t.Fatal(err)
	}
	task := newTask("stopped", "hello", Target{}, window(), q, t0)
	task.mu.Lock()
	task.setTerminalLocked(StatusCanceled, nil, t0)
	task.mu.Unlock()
	task.cancel()

	h.mu.RLock()
	inst := h.instances["local"]
	h.mu.RUnlock()
	params := cache.Params{Search: q.Search.String(), From: t0, To: t0.Add(time.Hour), Instance: "local"}
	if h.acquire(task, inst, q, cache.NewKey(params), params) {
		t.Error("acquire succeeded for a canceled task")
	}
	if n := h.Stats().CacheEntries; n != 0 {
		t.Errorf("cache entries = %d, want 0", n)
	}
	if len(task.Subtasks()) != 0 || p.calls.Load() != 0 {
		t.Errorf("subtasks = %d, fetches = %d", len(task.Subtasks()), p.calls.Load())
	}
}

func TestResetDuringRunQueryLeavesNoEntries(t *testing.T) {
	h := newHarness(t, map[string]*fakeProvider{
		"a": newFake(rows(100)),
		"b": newFake(rows(200)),
	})

	var wg sync.WaitGroup
	var started []*Task
	var mu sync.Mutex
	for i := range 8 {
		wg.Go(func() {
			for j := range 10 {
				opts := window()
				opts.Limit = i*10 + j + 1
				task, err := h.RunQuery(context.Background(), Target{}, "hello", opts)
				if err != nil {
					t.Errorf("RunQuery: %v", err)
					return
				}
				mu.Lock()
				started = append(started, task)
				mu.Unlock()
			}
		})
	}
	wg.Go(func() {
		for range 20 {
			h.ResetQueries()
		}
	})
	wg.Wait()

	for _, task := range started {
		select {
		case <-task.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("task %s never finished", task.ID)
		}
	}
	for _, info := range h.Tasks() {
		if err := h.ReleaseTaskResources(info.ID); err != nil {
			t.Fatal(err)
		}
	}
	if n := h.Stats().CacheEntries; n != 0 {
		t.Errorf("cache entries after releasing every task = %d, want 0", n)
	}
}

func TestCloseDuringRunQuery(t *testing.T) {
	h := newHarness(t, map[string]*fakeProvider{"local": newFake(rows(100))})

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for range 20 {
				_, err := h.RunQuery(context.Background(), Target{}, "hello", window())
				if err != nil && !errors.Is(err, ErrClosed) {
					t.Errorf("RunQuery: %v", err)
					return
				}
			}
		})
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if _, err := h.RunQuery(context.Background(), Target{}, "hello", window()); !errors.Is(err, ErrClosed) {
		t.Errorf("RunQuery after Close: %v", err)
	}
}

func TestExportTableResults(t *testing.T) {
	rs := rows(100, 200)
	rs[0] = rs[0].With("host", record.String("web"))
	h := newHarness(t, map[string]*fakeProvider{"local": newFake(rs)})
	task := h.run(t, "hello | table host, _raw", window())
	h.finish(t, task)

	var buf bytes.Buffer
	if err := h.ExportTableResults(&buf, task.ID, ExportCSV); err != nil {
		t.Fatal(err)
	}
	want := "host,_raw\nweb,hello 200\n,hello 100\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("csv (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := h.ExportTableResults(&buf, task.ID, ExportJSON); err != nil {
		t.Fatal(err)
	}
	var got []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	wantJSON := []map[string]any{
		{"host": "web", "_raw": "hello 200"},
		{"host": nil, "_raw": "hello 100"},
	}
	if diff := cmp.Diff(wantJSON, got); diff != "" {
		t.Errorf("json (-want +got):\n%s", diff)
	}

	if err := h.ExportTableResults(&buf, task.ID, "xml"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("xml export: %v", err)
	}
}

func TestGetControllerParamsShared(t *testing.T) {
	p := newFake(nil)
	p.params = map[string][]string{"host": {"a", "b"}}
	p.gate = make(chan struct{})
	h := newHarness(t, map[string]*fakeProvider{"local": p})

	var wg sync.WaitGroup
	results := make([]map[string][]string, 3)
	for i := range results {
		wg.Go(func() {
			res, err := h.GetControllerParams(context.Background(), "local")
			if err != nil {
				t.Error(err)
			}
			results[i] = res
		})
	}
	// Give the callers time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(p.gate)
	wg.Wait()

	if n := p.paramCalls.Load(); n != 1 {
		t.Errorf("adapter calls = %d, want 1", n)
	}
	for _, res := range results {
		if diff := cmp.Diff(p.params, res); diff != "" {
			t.Errorf("params (-want +got):\n%s", diff)
		}
	}
	if _, err := h.GetControllerParams(context.Background(), "nope"); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("unknown instance: %v", err)
	}
}

func TestApplyConfig(t *testing.T) {
	h := newHarness(t, map[string]*fakeProvider{"a": newFake(nil), "b": newFake(nil)})
	before := h.instances["a"]

	err := h.ApplyConfig(&config.Config{
		Connectors: []config.ConnectorConfig{
			{Type: "fake", Name: "a", Params: map[string]string{"id": "a"}},
			{Type: "fake", Name: "c", Params: map[string]string{"id": "missing"}},
		},
	})
	if err == nil {
		t.Fatal("expected factory error")
	}
	if got := len(h.Instances()); got != 2 {
		t.Errorf("failed apply changed instances: %d", got)
	}

	err = h.ApplyConfig(&config.Config{
		Connectors: []config.ConnectorConfig{
			{Type: "fake", Name: "a", Params: map[string]string{"id": "a"}},
		},
		Profiles: map[string]config.ProfileConfig{"only": {Connectors: []string{"a"}}},
		Server:   config.ServerConfig{SweepCron: "*/5 * * * *"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if h.instances["a"] != before {
		t.Error("unchanged connector was re-instantiated")
	}
	if diff := cmp.Diff([]InstanceInfo{{Name: "a", Plugin: "fake", Params: map[string]string{"id": "a"}}}, h.Instances()); diff != "" {
		t.Errorf("instances (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string][]string{"only": {"a"}}, h.Profiles()); diff != "" {
		t.Errorf("profiles (-want +got):\n%s", diff)
	}
	if job := h.SweepJob(); job.Schedule != "*/5 * * * *" || job.Name != "task-sweep" {
		t.Errorf("sweep job = %+v", job)
	}
}

func TestRunAfterClose(t *testing.T) {
	h := newHarness(t, map[string]*fakeProvider{"local": newFake(nil)})
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.RunQuery(context.Background(), Target{}, "hello", window()); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v", err)
	}
}

func TestTimeIndexClosest(t *testing.T) {
	idx := newTimeIndex(rows(300, 100, 100))
	if idx.Len() != 2 {
		t.Fatalf("distinct timestamps = %d", idx.Len())
	}
	if _, ok := newTimeIndex(nil).closest(0); ok {
		t.Error("empty index returned a point")
	}
	te, ok := idx.closest(at(200).UnixMilli())
	if !ok || te.millis != at(300).UnixMilli() {
		t.Errorf("closest(200) = %+v", te)
	}
	te, _ = idx.closest(at(150).UnixMilli())
	if te.millis != at(100).UnixMilli() {
		t.Errorf("closest(150) = %+v", te)
	}
}
