package slot

import (
	"iter"
	"slices"

	"slotd/internal/resource"
)

// SlotID addresses one slot cluster-wide.
type SlotID struct {
	ResourceID ResourceID `json:"resource_id"`
	Index      int        `json:"index"`
}

// SlotStatus is one row of a SlotReport. JobID and AllocationID are nil for
// a free static slot.
type SlotStatus struct {
	SlotID       SlotID           `json:"slot_id"`
	Profile      resource.Profile `json:"profile"`
	JobID        *JobID           `json:"job_id,omitempty"`
	AllocationID *AllocationID    `json:"allocation_id,omitempty"`
}

func (s SlotStatus) IsFree() bool { return s.AllocationID == nil }

// SlotReport lists every static slot and every live dynamic slot in index
// order.
type SlotReport struct {
	Statuses []SlotStatus `json:"statuses"`
}

func (r SlotReport) Len() int { return len(r.Statuses) }

func (r SlotReport) All() iter.Seq[SlotStatus] { return slices.Values(r.Statuses) }

// Free counts the unallocated rows.
func (r SlotReport) Free() int {
	n := 0
	for _, s := range r.Statuses {
		if s.IsFree() {
			n++
		}
	}
	return n
}

// CreateSlotReport snapshots the table for the cluster coordinator.
func (t *Table) CreateSlotReport(resourceID ResourceID) SlotReport {
	statuses := make([]SlotStatus, 0, t.numberOfStaticSlots+len(t.dynamic))
	for i, s := range t.static {
		if s == nil {
			statuses = append(statuses, SlotStatus{
				SlotID:  SlotID{ResourceID: resourceID, Index: i},
				Profile: t.defaultProfile,
			})
			continue
		}
		statuses = append(statuses, statusOf(resourceID, s))
	}

	dynamic := make([]*Slot, 0, len(t.dynamic))
	for _, s := range t.dynamic {
		dynamic = append(dynamic, s)
	}
	sortByIndex(dynamic)
	for _, s := range dynamic {
		statuses = append(statuses, statusOf(resourceID, s))
	}
	return SlotReport{Statuses: statuses}
}

func statusOf(resourceID ResourceID, s *Slot) SlotStatus {
	jobID, allocationID := s.jobID, s.allocationID
	return SlotStatus{
		SlotID:       SlotID{ResourceID: resourceID, Index: s.index},
		Profile:      s.profile,
		JobID:        &jobID,
		AllocationID: &allocationID,
	}
}
