package slot

import "slotd/internal/timer"

// DynamicIndex requests a table-chosen index beyond the static pool.
const DynamicIndex = -1

// TaskSlotPayload is a task handle supplied by the execution subsystem.
// The table only attaches, detaches and fails it.
type TaskSlotPayload interface {
	JobID() JobID
	ExecutionID() ExecutionID
	AllocationID() AllocationID

	// FailExternally asks the task to stop because its slot is being freed.
	FailExternally(cause error)

	// Terminated is closed once the task has reached a terminal state.
	Terminated() <-chan struct{}
}

// SlotActions is implemented by the owning service. Both methods are invoked
// on the table's executor.
type SlotActions interface {
	// FreeSlot reports that a deferred free completed.
	FreeSlot(allocationID AllocationID)

	// TimeoutSlot reports that an allocated slot was not activated in time.
	TimeoutSlot(allocationID AllocationID, ticket timer.Ticket)
}

// Executor marshals work onto the table's single writer.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }
