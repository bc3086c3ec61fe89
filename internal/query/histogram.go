package query

import (
	"time"

	"cruncher/internal/record"
)

// Bucket limits shared by timechart and the event histogram.
const (
	DefaultBuckets = 50
	MaxBuckets     = 500
)

// Bucketing divides [Start, End] into N buckets of equal Width.
type Bucketing struct {
	Start time.Time
	End   time.Time
	Width time.Duration
	N     int
}

// NewBucketing covers [start, end] with buckets of width span. A zero span
// yields DefaultBuckets buckets; spans producing more than MaxBuckets are
// widened. Empty or inverted ranges yield a zero Bucketing.
func NewBucketing(start, end time.Time, span time.Duration) Bucketing {
	if end.Before(start) {
		start, end = end, start
	}
	total := end.Sub(start)
	if total <= 0 {
		return Bucketing{}
	}
	if span <= 0 {
		span = total / DefaultBuckets
	}
	span = max(span, time.Millisecond)
	n := bucketCount(total, span)
	if n > MaxBuckets {
		span = (total + MaxBuckets - 1) / MaxBuckets
		n = bucketCount(total, span)
	}
	return Bucketing{Start: start, End: end, Width: span, N: max(n, 1)}
}

func bucketCount(total, span time.Duration) int {
	n := int(total / span)
	if time.Duration(n)*span < total {
		n++
	}
	return n
}

// NewFixedBucketing covers [start, end] with exactly n buckets.
func NewFixedBucketing(start, end time.Time, n int) Bucketing {
	if end.Before(start) {
		start, end = end, start
	}
	total := end.Sub(start)
	if total <= 0 || n <= 0 {
		return Bucketing{}
	}
	width := total / time.Duration(n)
	if time.Duration(n)*width < total {
		width++
	}
	return Bucketing{Start: start, End: end, Width: max(width, 1), N: n}
}

// Index returns the bucket holding t. The range end falls in the last bucket.
func (b Bucketing) Index(t time.Time) (int, bool) {
	if b.N == 0 || t.Before(b.Start) || t.After(b.End) {
		return 0, false
	}
	return min(int(t.Sub(b.Start)/b.Width), b.N-1), true
}

// BucketStart returns the start time of bucket i.
func (b Bucketing) BucketStart(i int) time.Time {
	return b.Start.Add(b.Width * time.Duration(i))
}

// HistogramBucket is an event count for one time tick.
type HistogramBucket struct {
	Timestamp int64 `msgpack:"timestamp" json:"timestamp"` // epoch milliseconds
	Count     int   `msgpack:"count" json:"count"`
}

// EventHistogram counts events into n equal ticks over [from, to]. Events
// outside the range are ignored.
func EventHistogram(events []record.Record, from, to time.Time, n int) []HistogramBucket {
	b := NewFixedBucketing(from, to, n)
	if b.N == 0 {
		return nil
	}
	out := make([]HistogramBucket, b.N)
	for i := range out {
		out[i].Timestamp = b.BucketStart(i).UnixMilli()
	}
	for _, e := range events {
		if idx, ok := b.Index(e.Time()); ok {
			out[idx].Count++
		}
	}
	return out
}
