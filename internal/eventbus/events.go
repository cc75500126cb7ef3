package eventbus

import (
	"time"

	"slotd/internal/slot"
)

// Type names a node event.
type Type string

const (
	SlotAllocated Type = "slot.allocated"
	SlotActivated Type = "slot.activated"
	SlotReleasing Type = "slot.releasing"
	SlotFreed     Type = "slot.freed"
	SlotTimedOut  Type = "slot.timeout"
	TaskAdded     Type = "task.added"
	TaskRemoved   Type = "task.removed"
	TableClosed   Type = "table.closed"
	ReportSent    Type = "report.sent"
)

// JournalTypes are the events worth persisting: every change to slot or task
// bindings plus table shutdown.
var JournalTypes = []Type{SlotAllocated, SlotActivated, SlotReleasing, SlotFreed, SlotTimedOut, TaskAdded, TaskRemoved, TableClosed}

// Event is one notification. Seq is assigned by the bus and increases by one
// per Publish.
type Event struct {
	Seq  uint64
	Type Type
	Time time.Time

	// Slot is set for slot, task and table events.
	Slot SlotEvent
	// Report is set for ReportSent.
	Report *slot.SlotReport
}

// SlotEvent identifies the slot an event is about. IDs are rendered as
// strings so the payload can be journaled as-is. Index is -1 when the slot
// index is unknown.
type SlotEvent struct {
	Index        int    `json:"index"`
	JobID        string `json:"job_id,omitempty"`
	AllocationID string `json:"allocation_id,omitempty"`
	ExecutionID  string `json:"execution_id,omitempty"`
	Profile      string `json:"profile,omitempty"`
	Cause        string `json:"cause,omitempty"`
}

// SlotEventOf describes s, which may be nil, and the optional cause.
func SlotEventOf(s *slot.Slot, cause error) SlotEvent {
	ev := SlotEvent{Index: -1}
	if s != nil {
		ev.Index = s.Index()
		ev.JobID = s.JobID().String()
		ev.AllocationID = s.AllocationID().String()
		ev.Profile = s.Profile().String()
	}
	if cause != nil {
		ev.Cause = cause.Error()
	}
	return ev
}

// TaskEventOf describes a task leaving or joining slot index.
func TaskEventOf(index int, task slot.TaskSlotPayload) SlotEvent {
	return SlotEvent{
		Index:        index,
		JobID:        task.JobID().String(),
		AllocationID: task.AllocationID().String(),
		ExecutionID:  task.ExecutionID().String(),
	}
}
