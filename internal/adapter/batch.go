package adapter

import (
	"context"
	"slices"

	"cruncher/internal/record"
)

// DefaultBatchSize is used when a provider is configured without one.
const DefaultBatchSize = 1000

// Batcher groups records into time-descending batches for OnBatch and
// enforces the query limit.
type Batcher struct {
	size    int
	limit   int
	sent    int
	pending []record.Record
	emit    func([]record.Record)
}

// NewBatcher returns a Batcher flushing every size records to opts.OnBatch.
func NewBatcher(opts QueryOptions, size int) *Batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	emit := opts.OnBatch
	if emit == nil {
		emit = func([]record.Record) {}
	}
	return &Batcher{size: size, limit: opts.Limit, emit: emit}
}

// Add queues r. It reports false once the limit is reached; further records
// are dropped.
func (b *Batcher) Add(r record.Record) bool {
	if b.Full() {
		return false
	}
	b.pending = append(b.pending, r)
	if len(b.pending) >= b.size || b.Full() {
		b.Flush()
	}
	return !b.Full()
}

// Full reports whether the limit has been reached.
func (b *Batcher) Full() bool {
	return b.limit > 0 && b.sent+len(b.pending) >= b.limit
}

// Flush emits the pending records, newest first.
func (b *Batcher) Flush() {
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = nil
	slices.SortStableFunc(batch, record.CompareTimeDesc)
	b.sent += len(batch)
	b.emit(batch)
}

// Sent returns the number of records emitted so far.
func (b *Batcher) Sent() int { return b.sent }

// InRange reports whether t lies within [opts.From, opts.To]. Zero bounds
// are open.
func InRange(opts QueryOptions, r record.Record) bool {
	t := r.Time()
	if !opts.From.IsZero() && t.Before(opts.From) {
		return false
	}
	if !opts.To.IsZero() && t.After(opts.To) {
		return false
	}
	return true
}

// Canceled reports whether ctx is done, for tight loops that cannot select.
func Canceled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
