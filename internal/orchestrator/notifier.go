package orchestrator

// Notifier receives task progress. Implementations must return quickly and
// must not call back into the Orchestrator: BatchDone is invoked while the
// task's lock is held so summaries arrive in order.
type Notifier interface {
	BatchDone(taskID string, summary BatchSummary)
	JobUpdated(update JobUpdate)
}

// JobUpdate reports a task status change.
type JobUpdate struct {
	TaskID string `msgpack:"jobId" json:"jobId"`
	Status Status `msgpack:"status" json:"status"`
	Error  string `msgpack:"error,omitempty" json:"error,omitempty"`
}

type nopNotifier struct{}

func (nopNotifier) BatchDone(string, BatchSummary) {}
func (nopNotifier) JobUpdated(JobUpdate)           {}
