package orchestrator

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
)

// CancelQuery stops a running task: its context is cancelled, its interest
// in every cache entry is withdrawn and its status becomes canceled. Fetches
// shared with other live tasks keep running. Cancelling a finished task is a
// no-op.
func (o *Orchestrator) CancelQuery(id string) error {
	t, err := o.task(id)
	if err != nil {
		return err
	}
	o.cancelTask(t)
	return nil
}

func (o *Orchestrator) cancelTask(t *Task) {
	t.mu.Lock()
	changed := t.setTerminalLocked(StatusCanceled, nil, o.now())
	subs := slices.Clone(t.subtasks)
	t.mu.Unlock()
	if !changed {
		return
	}

	t.cancel()
	for _, st := range subs {
		o.cache.CancelInterest(st.CacheKey, t.ID)
	}
	o.logger.Info("task canceled", "task", t.ID)
	o.notifier.JobUpdated(t.update())
}

// ReleaseTaskResources forgets a task and drops its references to the
// cache. A running task is cancelled first.
func (o *Orchestrator) ReleaseTaskResources(id string) error {
	o.mu.Lock()
	t, ok := o.tasks[id]
	delete(o.tasks, id)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	o.cancelTask(t)
	for _, st := range t.Subtasks() {
		o.cache.Release(st.CacheKey, t.ID)
	}
	o.logger.Debug("task released", "task", t.ID)
	return nil
}

// ResetQueries cancels and forgets every task and empties the cache.
func (o *Orchestrator) ResetQueries() {
	o.gate.Lock()
	defer o.gate.Unlock()

	o.mu.Lock()
	tasks := o.tasks
	o.tasks = make(map[string]*Task)
	o.mu.Unlock()

	for _, t := range tasks {
		o.cancelTask(t)
	}
	o.cache.Reset()
	o.logger.Info("queries reset", "tasks", len(tasks))
}

// Task returns a snapshot of the task with id.
func (o *Orchestrator) Task(id string) (TaskInfo, error) {
	t, err := o.task(id)
	if err != nil {
		return TaskInfo{}, err
	}
	return t.Info(), nil
}

// Tasks returns every live task, oldest first.
func (o *Orchestrator) Tasks() []TaskInfo {
	o.mu.RLock()
	tasks := slices.Collect(maps.Values(o.tasks))
	o.mu.RUnlock()

	infos := make([]TaskInfo, len(tasks))
	for i, t := range tasks {
		infos[i] = t.Info()
	}
	slices.SortFunc(infos, func(a, b TaskInfo) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return infos
}

// WaitFinished blocks until the task reaches a terminal state or ctx ends.
func (o *Orchestrator) WaitFinished(ctx context.Context, id string) (TaskInfo, error) {
	t, err := o.task(id)
	if err != nil {
		return TaskInfo{}, err
	}
	select {
	case <-t.Done():
		return t.Info(), nil
	case <-ctx.Done():
		return TaskInfo{}, ctx.Err()
	}
}

// sweep releases tasks that finished more than taskTTL ago.
func (o *Orchestrator) sweep() {
	now := o.now()
	o.mu.RLock()
	ttl := o.taskTTL
	var expired []string
	for id, t := range o.tasks {
		t.mu.Lock()
		if !t.finishedAt.IsZero() && now.Sub(t.finishedAt) > ttl {
			expired = append(expired, id)
		}
		t.mu.Unlock()
	}
	o.mu.RUnlock()

	for _, id := range expired {
		_ = o.ReleaseTaskResources(id)
	}
	if len(expired) > 0 {
		o.logger.Info("expired tasks released", "count", len(expired))
	}
}
