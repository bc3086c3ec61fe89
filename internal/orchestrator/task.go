package orchestrator

import (
	"context"
	"sync"
	"time"

	"cruncher/internal/cache"
	"cruncher/internal/notify"
	"cruncher/internal/query"
	"cruncher/internal/querylang"
)

// Status is a task's lifecycle state. running is the only non-terminal
// state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Target selects the instances a query runs against when it carries no
// @source refs: Instance when set, else Profile, else the default profile.
type Target struct {
	Instance string `msgpack:"instance,omitempty" json:"instance,omitempty"`
	Profile  string `msgpack:"profile,omitempty" json:"profile,omitempty"`
}

// RunOptions bound a query. A zero To means now; a zero From means one hour
// before To.
type RunOptions struct {
	From   time.Time
	To     time.Time
	Limit  int  // per instance; zero: no limit
	Forced bool // refetch even when a cached result exists
}

// SubTask is a task's fetch from one instance.
type SubTask struct {
	ID          string
	InstanceRef string
	CacheKey    cache.Key
	Shared      bool // the cache entry already existed

	entry *cache.Entry
}

// Task is one submitted query.
type Task struct {
	ID        string
	Input     string
	Target    Target
	Options   RunOptions
	CreatedAt time.Time

	query    *querylang.Query
	ctx      context.Context
	cancel   context.CancelFunc
	finished *notify.Latch

	mu          sync.Mutex
	subtasks    []*SubTask
	status      Status
	err         error
	finishedAt  time.Time
	result      query.DisplayResult
	index       *timeIndex
	pipelineErr error
	summary     BatchSummary
}

func newTask(id, input string, target Target, opts RunOptions, q *querylang.Query, now time.Time) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		ID:        id,
		Input:     input,
		Target:    target,
		Options:   opts,
		CreatedAt: now,
		query:     q,
		ctx:       ctx,
		cancel:    cancel,
		finished:  notify.NewLatch(),
		status:    StatusRunning,
		index:     newTimeIndex(nil),
	}
}

// Status returns the task's current state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the error that failed the task, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// PipelineError returns the error from the most recent pipeline run, if
// it failed. The displayed result is the last successful one.
func (t *Task) PipelineError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pipelineErr
}

// Result returns the latest pipeline output.
func (t *Task) Result() query.DisplayResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Summary returns the most recent batch summary.
func (t *Task) Summary() BatchSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

// Subtasks returns the task's per-instance fetches.
func (t *Task) Subtasks() []SubTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SubTask, len(t.subtasks))
	for i, st := range t.subtasks {
		out[i] = *st
	}
	return out
}

// Done is closed when the task reaches a terminal state and its waiter has
// finished.
func (t *Task) Done() <-chan struct{} { return t.finished.C() }

// TaskInfo is a serializable view of a task.
type TaskInfo struct {
	ID         string    `msgpack:"id" json:"id"`
	Input      string    `msgpack:"input" json:"input"`
	Status     Status    `msgpack:"status" json:"status"`
	Error      string    `msgpack:"error,omitempty" json:"error,omitempty"`
	Instances  []string  `msgpack:"instances" json:"instances"`
	Events     int       `msgpack:"events" json:"events"`
	CreatedAt  time.Time `msgpack:"createdAt" json:"createdAt"`
	FinishedAt time.Time `msgpack:"finishedAt,omitempty" json:"finishedAt,omitzero"`
}

// Info returns a snapshot of the task.
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := TaskInfo{
		ID:         t.ID,
		Input:      t.Input,
		Status:     t.status,
		Events:     len(t.result.Events),
		CreatedAt:  t.CreatedAt,
		FinishedAt: t.finishedAt,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	for _, st := range t.subtasks {
		info.Instances = append(info.Instances, st.InstanceRef)
	}
	return info
}

// setTerminalLocked moves a running task to status. It reports false when
// the task was already terminal. Caller holds t.mu.
func (t *Task) setTerminalLocked(status Status, err error, now time.Time) bool {
	if t.status != StatusRunning {
		return false
	}
	t.status = status
	t.err = err
	t.finishedAt = now
	return true
}

func (t *Task) update() JobUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := JobUpdate{TaskID: t.ID, Status: t.status}
	if t.err != nil {
		u.Error = t.err.Error()
	}
	return u
}
