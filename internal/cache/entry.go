package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cruncher/internal/record"
)

// ErrAbandoned is the cancellation cause when every task withdrew interest.
var ErrAbandoned = errors.New("no interested tasks")

// Status is the lifecycle state of an entry's fetch.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Entry is one cached fetch. Rows are replaced wholesale on every batch, so
// a snapshot is an immutable view.
type Entry struct {
	ID      string
	Key     Key
	Params  Params
	Created time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once

	rows    atomic.Pointer[[]record.Record]
	batches atomic.Int64

	mu     sync.Mutex
	status Status
	err    error

	// Guarded by Cache.mu.
	refs         map[string]bool // task ID -> still interested
	detached     bool
	abandoned    bool
	lastAccessed time.Time
}

func newEntry(key Key, p Params, now time.Time) *Entry {
	ctx, cancel := context.WithCancelCause(context.Background())
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	e := &Entry{
		ID:           id.String(),
		Key:          key,
		Params:       p,
		Created:      now,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		status:       StatusRunning,
		refs:         make(map[string]bool),
		lastAccessed: now,
	}
	empty := []record.Record{}
	e.rows.Store(&empty)
	return e
}

// Context is cancelled when the fetch should stop.
func (e *Entry) Context() context.Context { return e.ctx }

// Snapshot returns the merged rows received so far, newest first. The slice
// must not be modified.
func (e *Entry) Snapshot() []record.Record { return *e.rows.Load() }

// Batches returns the number of batches merged into the entry.
func (e *Entry) Batches() int64 { return e.batches.Load() }

// Done is closed once the fetch has resolved.
func (e *Entry) Done() <-chan struct{} { return e.done }

// Wait blocks until the fetch resolves or ctx ends, returning the fetch
// error in the former case.
func (e *Entry) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the fetch state.
func (e *Entry) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the fetch error, nil while running or after success.
func (e *Entry) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Resolve records the fetch outcome and closes Done. Only the first call
// has an effect. An error after the entry's context was cancelled marks it
// canceled rather than failed.
func (e *Entry) Resolve(err error) {
	e.once.Do(func() {
		e.mu.Lock()
		switch {
		case err == nil && e.ctx.Err() == nil:
			e.status = StatusCompleted
		case e.ctx.Err() != nil:
			e.status = StatusCanceled
			e.err = context.Cause(e.ctx)
		case errors.Is(err, context.Canceled):
			e.status = StatusCanceled
			e.err = err
		default:
			e.status = StatusFailed
			e.err = err
		}
		e.mu.Unlock()
		e.cancel(nil)
		close(e.done)
	})
}

// usable reports whether a new task may share this entry. Caller holds
// Cache.mu.
func (e *Entry) usable() bool {
	if e.detached || e.abandoned {
		return false
	}
	switch e.Status() {
	case StatusFailed, StatusCanceled:
		return false
	}
	return true
}
