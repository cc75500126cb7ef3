package node

import (
	"context"
	"sync"

	"slotd/internal/slot"
)

// Task is a minimal TaskSlotPayload for callers that do not bring their own
// task handle. FailExternally cancels Context; Finish marks it terminated.
type Task struct {
	job   slot.JobID
	exec  slot.ExecutionID
	alloc slot.AllocationID

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once
}

func NewTask(job slot.JobID, alloc slot.AllocationID) *Task {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Task{
		job:    job,
		exec:   slot.NewExecutionID(),
		alloc:  alloc,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (t *Task) JobID() slot.JobID               { return t.job }
func (t *Task) ExecutionID() slot.ExecutionID   { return t.exec }
func (t *Task) AllocationID() slot.AllocationID { return t.alloc }
func (t *Task) Terminated() <-chan struct{}     { return t.done }

// Context is canceled, with the free cause, when the slot asks the task to
// stop.
func (t *Task) Context() context.Context { return t.ctx }

func (t *Task) FailExternally(cause error) { t.cancel(cause) }

// Finish marks the task terminated. Safe to call more than once.
func (t *Task) Finish() {
	t.once.Do(func() {
		t.cancel(context.Canceled)
		close(t.done)
	})
}
