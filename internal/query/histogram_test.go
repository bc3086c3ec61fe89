package query

import (
	"testing"
	"time"

	"cruncher/internal/record"
)

func TestNewBucketing(t *testing.T) {
	tests := []struct {
		name      string
		total     time.Duration
		span      time.Duration
		wantN     int
		wantWidth time.Duration
	}{
		{"exact span", time.Hour, 5 * time.Minute, 12, 5 * time.Minute},
		{"partial last bucket", 50 * time.Minute, 15 * time.Minute, 4, 15 * time.Minute},
		{"default buckets", 50 * time.Minute, 0, DefaultBuckets, time.Minute},
		{"capped", 24 * time.Hour, time.Second, MaxBuckets, 24 * time.Hour / MaxBuckets},
		{"millisecond floor", 10 * time.Millisecond, 0, 10, time.Millisecond},
		{"empty range", 0, time.Minute, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBucketing(baseTime, baseTime.Add(tt.total), tt.span)
			if b.N != tt.wantN || b.Width != tt.wantWidth {
				t.Errorf("N=%d Width=%v, want N=%d Width=%v", b.N, b.Width, tt.wantN, tt.wantWidth)
			}
		})
	}
}

func TestBucketingIndex(t *testing.T) {
	b := NewBucketing(baseTime, baseTime.Add(time.Hour), 10*time.Minute)
	tests := []struct {
		offset time.Duration
		want   int
		ok     bool
	}{
		{0, 0, true},
		{9 * time.Minute, 0, true},
		{10 * time.Minute, 1, true},
		{59 * time.Minute, 5, true},
		{time.Hour, 5, true},
		{-time.Millisecond, 0, false},
		{time.Hour + time.Millisecond, 0, false},
	}
	for _, tt := range tests {
		got, ok := b.Index(baseTime.Add(tt.offset))
		if got != tt.want || ok != tt.ok {
			t.Errorf("Index(+%v) = %d, %v; want %d, %v", tt.offset, got, ok, tt.want, tt.ok)
		}
	}
	if got := b.BucketStart(2); !got.Equal(baseTime.Add(20 * time.Minute)) {
		t.Errorf("BucketStart(2) = %v", got)
	}
}

func TestEventHistogram(t *testing.T) {
	from, to := baseTime, baseTime.Add(100*time.Millisecond)
	events := []record.Record{
		makeRec(99, "a"), makeRec(55, "b"), makeRec(50, "c"), makeRec(0, "d"), makeRec(500, "out"),
	}
	got := EventHistogram(events, from, to, 4)
	want := []int{1, 0, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("buckets = %d, want %d", len(got), len(want))
	}
	for i, b := range got {
		if b.Count != want[i] {
			t.Errorf("bucket %d count = %d, want %d", i, b.Count, want[i])
		}
		if wantTS := from.Add(time.Duration(i) * 25 * time.Millisecond).UnixMilli(); b.Timestamp != wantTS {
			t.Errorf("bucket %d timestamp = %d, want %d", i, b.Timestamp, wantTS)
		}
	}

	if EventHistogram(events, to, to, 4) != nil {
		t.Error("empty range produced buckets")
	}
}
