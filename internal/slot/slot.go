package slot

import (
	"fmt"
	"iter"

	"slotd/internal/resource"
)

type State int

const (
	StateFree State = iota
	StateAllocated
	StateActive
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAllocated:
		return "allocated"
	case StateActive:
		return "active"
	case StateReleasing:
		return "releasing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Slot is one allocation of a table index. A Slot value lives from a
// successful allocation until its free completes; a free index has no Slot.
type Slot struct {
	index        int
	profile      resource.Profile
	jobID        JobID
	allocationID AllocationID
	state        State
	tasks        map[ExecutionID]TaskSlotPayload
}

func newSlot(index int, profile resource.Profile, jobID JobID, allocationID AllocationID) *Slot {
	return &Slot{
		index:        index,
		profile:      profile,
		jobID:        jobID,
		allocationID: allocationID,
		state:        StateAllocated,
		tasks:        map[ExecutionID]TaskSlotPayload{},
	}
}

func (s *Slot) Index() int                 { return s.index }
func (s *Slot) Profile() resource.Profile  { return s.profile }
func (s *Slot) JobID() JobID               { return s.jobID }
func (s *Slot) AllocationID() AllocationID { return s.allocationID }
func (s *Slot) State() State               { return s.state }
func (s *Slot) IsEmpty() bool              { return len(s.tasks) == 0 }
func (s *Slot) TaskCount() int             { return len(s.tasks) }
func (s *Slot) IsActive() bool             { return s.state == StateActive }
func (s *Slot) IsReleasing() bool          { return s.state == StateReleasing }

// Tasks iterates over a copy of the resident tasks.
func (s *Slot) Tasks() iter.Seq[TaskSlotPayload] {
	snapshot := make([]TaskSlotPayload, 0, len(s.tasks))
	for _, t := range s.tasks {
		snapshot = append(snapshot, t)
	}
	return func(yield func(TaskSlotPayload) bool) {
		for _, t := range snapshot {
			if !yield(t) {
				return
			}
		}
	}
}

// isAllocated reports whether the slot is held (not releasing) by this pair.
func (s *Slot) isAllocated(jobID JobID, allocationID AllocationID) bool {
	return s.jobID == jobID && s.allocationID == allocationID &&
		(s.state == StateAllocated || s.state == StateActive)
}

func (s *Slot) markActive() bool {
	switch s.state {
	case StateAllocated, StateActive:
		s.state = StateActive
		return true
	default:
		return false
	}
}

func (s *Slot) markInactive() bool {
	switch s.state {
	case StateAllocated, StateActive:
		s.state = StateAllocated
		return true
	default:
		return false
	}
}

func (s *Slot) canAccept(task TaskSlotPayload) error {
	if !s.isActiveFor(task.JobID(), task.AllocationID()) {
		return fmt.Errorf("%w: slot %d is %s for job %s, task %s is for job %s",
			ErrSlotNotActive, s.index, s.state, s.jobID, task.ExecutionID(), task.JobID())
	}
	return nil
}

func (s *Slot) isActiveFor(jobID JobID, allocationID AllocationID) bool {
	return s.state == StateActive && s.jobID == jobID && s.allocationID == allocationID
}

func (s *Slot) remove(id ExecutionID) TaskSlotPayload {
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	delete(s.tasks, id)
	return t
}

// release moves the slot to Releasing and fails every resident task.
func (s *Slot) release(cause error) {
	s.state = StateReleasing
	for t := range s.Tasks() {
		t.FailExternally(cause)
	}
}

func (s *Slot) String() string {
	return fmt.Sprintf("Slot{index=%d, state=%s, job=%s, allocation=%s, tasks=%d, profile=%s}",
		s.index, s.state, s.jobID, s.allocationID, len(s.tasks), s.profile)
}
