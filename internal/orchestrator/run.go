package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cruncher/internal/adapter"
	"cruncher/internal/cache"
	"cruncher/internal/query"
	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

// defaultRange is the query window used when RunOptions.From is zero.
const defaultRange = time.Hour

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RunQuery parses text and starts a task over the instances it resolves
// to. Parse and resolution errors are returned before any task exists.
// The returned task is running; progress arrives through the Notifier.
func (o *Orchestrator) RunQuery(ctx context.Context, target Target, text string, opts RunOptions) (*Task, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := o.parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}

	now := o.now()
	if opts.To.IsZero() {
		opts.To = now
	}
	if opts.From.IsZero() {
		opts.From = opts.To.Add(-defaultRange)
	}
	if !opts.From.Before(opts.To) {
		return nil, fmt.Errorf("%w: from %s is not before to %s", ErrInvalidArgument, opts.From, opts.To)
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidArgument)
	}

	instances, err := o.resolve(target, q.SourceRefs)
	if err != nil {
		return nil, err
	}

	o.gate.RLock()
	defer o.gate.RUnlock()
	if o.closed.Load() {
		return nil, ErrClosed
	}

	t := newTask(newID(), text, target, opts, q, now)

	// Registered before the fetches start so their first batches find it.
	o.mu.Lock()
	o.tasks[t.ID] = t
	o.mu.Unlock()

	for _, inst := range instances {
		p := cache.Params{
			Search:      q.Search.String(),
			IndexParams: q.IndexParams,
			From:        opts.From,
			To:          opts.To,
			Limit:       opts.Limit,
			Instance:    inst.name,
		}
		key := cache.NewKey(p)
		if opts.Forced {
			o.cache.ForceRemove(key)
		}
		if !o.acquire(t, inst, q, key, p) {
			o.logger.Debug("task stopped while registering", "task", t.ID)
			break
		}
	}

	o.logger.Info("task started", "task", t.ID, "instances", len(instances), "forced", opts.Forced)
	o.wg.Go(func() { o.wait(t) })
	return t, nil
}

// acquire adds a subtask for inst unless t already left the running
// state. The check and the cache reference happen under the task lock, so
// a concurrent cancel or release either sees the subtask or stops the loop
// before the entry is referenced.
func (o *Orchestrator) acquire(t *Task, inst *instance, q *querylang.Query, key cache.Key, p cache.Params) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return false
	}
	e, created := o.cache.Acquire(key, t.ID, p, o.starter(inst, q))
	t.subtasks = append(t.subtasks, &SubTask{
		ID:          newID(),
		InstanceRef: inst.name,
		CacheKey:    key,
		Shared:      !created,
		entry:       e,
	})
	return true
}

// starter returns the cache StartFunc for a fetch from inst. The fetch
// runs on the bounded pool; submission waits for a free worker off the
// caller's goroutine.
func (o *Orchestrator) starter(inst *instance, q *querylang.Query) cache.StartFunc {
	return func(e *cache.Entry) {
		o.wg.Go(func() {
			err := o.pool.Submit(func() { o.fetch(inst, q, e) })
			if err != nil {
				e.Resolve(fmt.Errorf("submit fetch: %w", err))
			}
		})
	}
}

func (o *Orchestrator) fetch(inst *instance, q *querylang.Query, e *cache.Entry) {
	ctx := e.Context()
	if ctx.Err() != nil {
		e.Resolve(ctx.Err())
		return
	}
	err := inst.provider.Query(ctx, q.IndexParams, q.Search, adapter.QueryOptions{
		From:    e.Params.From,
		To:      e.Params.To,
		Limit:   e.Params.Limit,
		OnBatch: func(rows []record.Record) { o.onBatch(e, rows) },
	})
	if err != nil && ctx.Err() == nil {
		o.logger.Warn("fetch failed", "instance", inst.name, "key", e.Key, "error", err)
	}
	e.Resolve(err)
}

// onBatch merges rows into e and recomputes every task still interested in
// it. The cache lock is released before any task lock is taken.
func (o *Orchestrator) onBatch(e *cache.Entry, rows []record.Record) {
	if len(rows) == 0 {
		return
	}
	ids := o.cache.AppendBatch(e, rows)
	o.batches.Add(1)
	for _, id := range ids {
		t, err := o.task(id)
		if err != nil {
			continue
		}
		o.recompute(t)
	}
}

// recompute merges the task's subtask snapshots, rebuilds its time index
// from the merged rows, reruns its pipeline and emits a batch summary. Tasks that are no longer
// running are left untouched.
func (o *Orchestrator) recompute(t *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return
	}

	runs := make([][]record.Record, len(t.subtasks))
	for i, st := range t.subtasks {
		runs[i] = st.entry.Snapshot()
	}
	events := query.MergeDescending(runs...)
	t.index = newTimeIndex(events)

	pc := query.PipelineContext{Start: t.Options.From, End: t.Options.To}
	res, err := o.engine.Run(pc, events, t.query.Pipeline)
	if err != nil {
		if t.pipelineErr == nil || t.pipelineErr.Error() != err.Error() {
			o.logger.Warn("pipeline failed", "task", t.ID, "error", err)
		}
		t.pipelineErr = err
	} else {
		t.pipelineErr = nil
		t.result = res
	}

	t.summary = summarize(t.result, events, t.Options.From, t.Options.To, t.pipelineErr)
	o.notifier.BatchDone(t.ID, t.summary)
}

// wait blocks until every subtask's fetch resolves, then finishes the task.
// Entries detached by a forced refresh or a reset, or abandoned because
// every task withdrew, do not fail the task.
func (o *Orchestrator) wait(t *Task) {
	var g errgroup.Group
	for _, st := range t.Subtasks() {
		g.Go(func() error {
			err := st.entry.Wait(t.ctx)
			switch {
			case err == nil,
				errors.Is(err, cache.ErrDetached),
				errors.Is(err, cache.ErrAbandoned),
				t.ctx.Err() != nil:
				return nil
			}
			return fmt.Errorf("%s: %w", st.InstanceRef, err)
		})
	}
	err := g.Wait()

	// A last pass picks up shared entries that completed before this task
	// subscribed and batches that beat the subtask registration.
	o.recompute(t)

	status := StatusCompleted
	if err != nil {
		status = StatusFailed
	}
	t.mu.Lock()
	changed := t.setTerminalLocked(status, err, o.now())
	t.mu.Unlock()
	t.cancel()
	t.finished.Open()

	if changed {
		if err != nil {
			o.logger.Warn("task failed", "task", t.ID, "error", err)
		} else {
			o.logger.Info("task completed", "task", t.ID, "events", len(t.Result().Events))
		}
		o.notifier.JobUpdated(t.update())
	}
}
