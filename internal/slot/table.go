package slot

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"slotd/internal/resource"
	"slotd/internal/timer"
	logx "slotd/pkg/logx"
)

type tableState int

const (
	tableCreated tableState = iota
	tableRunning
	tableClosing
	tableClosed
)

func (s tableState) String() string {
	switch s {
	case tableCreated:
		return "created"
	case tableRunning:
		return "running"
	case tableClosing:
		return "closing"
	case tableClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Config struct {
	// NumberOfSlots is the size of the static pool, indices [0, NumberOfSlots).
	NumberOfSlots int

	// TotalProfile is the node's whole resource budget.
	TotalProfile resource.Profile

	// DefaultSlotProfile replaces an unknown requested profile and describes
	// free static slots in reports. Zero means TotalProfile/NumberOfSlots.
	DefaultSlotProfile resource.Profile

	Timers *timer.Service[AllocationID]
	Log    logx.Logger
}

// Table tracks slot allocations of one worker node.
//
// Table is not safe for concurrent use. Every method must run on the executor
// passed to Start; timer expiries are marshaled there before they touch state.
type Table struct {
	log logx.Logger

	numberOfStaticSlots int
	defaultProfile      resource.Profile
	budget              *resource.Budget

	static           []*Slot
	dynamic          map[int]*Slot
	nextDynamicIndex int

	allocated map[AllocationID]*Slot
	perJob    map[JobID]map[AllocationID]struct{}
	tasks     map[ExecutionID]*Slot
	freed     *freedHistory

	timers   *timer.Service[AllocationID]
	actions  SlotActions
	executor Executor

	state   tableState
	closeCh chan struct{}
}

func NewTable(cfg Config) (*Table, error) {
	if cfg.NumberOfSlots < 0 {
		return nil, fmt.Errorf("slot: negative number of slots %d", cfg.NumberOfSlots)
	}
	if cfg.Timers == nil {
		return nil, errors.New("slot: timer service required")
	}
	if cfg.TotalProfile.IsUnknown() {
		return nil, errors.New("slot: total profile must be known")
	}
	def := cfg.DefaultSlotProfile
	if def.IsZero() || def.IsUnknown() {
		def = cfg.TotalProfile.Divide(cfg.NumberOfSlots)
		if def.IsUnknown() {
			def = resource.Zero
		}
	}

	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	return &Table{
		log:                 log.Component("slot-table"),
		numberOfStaticSlots: cfg.NumberOfSlots,
		defaultProfile:      def,
		budget:              resource.NewBudget(cfg.TotalProfile),
		static:              make([]*Slot, cfg.NumberOfSlots),
		dynamic:             map[int]*Slot{},
		nextDynamicIndex:    cfg.NumberOfSlots,
		allocated:           map[AllocationID]*Slot{},
		perJob:              map[JobID]map[AllocationID]struct{}{},
		tasks:               map[ExecutionID]*Slot{},
		freed:               newFreedHistory(freedHistorySize),
		timers:              cfg.Timers,
		state:               tableCreated,
		closeCh:             make(chan struct{}),
	}, nil
}

// Start binds the table to its owner and begins accepting allocations.
func (t *Table) Start(actions SlotActions, executor Executor) error {
	if t.state != tableCreated {
		return ErrAlreadyStarted
	}
	if actions == nil || executor == nil {
		return errors.New("slot: actions and executor required")
	}
	t.actions = actions
	t.executor = executor
	t.timers.Start(t)
	t.state = tableRunning
	t.log.Info("slot table started",
		logx.Int("static_slots", t.numberOfStaticSlots),
		logx.Stringer("default_profile", t.defaultProfile),
		logx.Stringer("total_profile", t.budget.Total()),
	)
	return nil
}

func (t *Table) NumberOfSlots() int                  { return t.numberOfStaticSlots }
func (t *Table) DefaultSlotProfile() resource.Profile { return t.defaultProfile }
func (t *Table) AvailableProfile() resource.Profile   { return t.budget.Available() }
func (t *Table) IsRunning() bool                      { return t.state == tableRunning }
func (t *Table) IsClosed() bool                       { return t.state == tableClosed }

// AllocateSlot reserves index (or a fresh dynamic index for DynamicIndex) for
// the given job and allocation and arms an activation timeout. An unknown
// profile resolves to DefaultSlotProfile; the profile is taken out of the
// table budget for static and dynamic slots alike.
//
// Repeating an allocation that already holds the slot returns the existing
// Slot without arming a new timeout.
func (t *Table) AllocateSlot(index int, jobID JobID, allocationID AllocationID, profile resource.Profile, timeout time.Duration) (*Slot, error) {
	if t.state != tableRunning {
		return nil, fmt.Errorf("%w: %s", ErrTableNotRunning, t.state)
	}
	if index >= t.numberOfStaticSlots {
		return nil, fmt.Errorf("%w: static index %d out of range [0,%d)", ErrSlotNotFound, index, t.numberOfStaticSlots)
	}
	dynamic := index < 0
	if profile.IsUnknown() {
		profile = t.defaultProfile
	}

	if existing, ok := t.allocated[allocationID]; ok {
		if existing.jobID == jobID && existing.profile.Equal(profile) &&
			(dynamic || existing.index == index) {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: allocation %s already holds slot %d for job %s", ErrAllocationConflict, allocationID, existing.index, existing.jobID)
	}
	if !dynamic && t.static[index] != nil {
		return nil, fmt.Errorf("%w: static slot %d is assigned to allocation %s", ErrAllocationConflict, index, t.static[index].allocationID)
	}

	if !t.budget.Reserve(profile) {
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientResources, profile, t.budget.Available())
	}
	var s *Slot
	if dynamic {
		s = newSlot(t.nextDynamicIndex, profile, jobID, allocationID)
		t.nextDynamicIndex++
		t.dynamic[s.index] = s
	} else {
		s = newSlot(index, profile, jobID, allocationID)
		t.static[index] = s
	}

	t.allocated[allocationID] = s
	set, ok := t.perJob[jobID]
	if !ok {
		set = map[AllocationID]struct{}{}
		t.perJob[jobID] = set
	}
	set[allocationID] = struct{}{}
	t.timers.Register(allocationID, timeout)

	t.log.Debug("slot allocated", s.LogFields(), logx.Stringer("profile", profile))
	return s, nil
}

// MarkSlotActive activates the slot of allocationID and cancels its timeout.
// Unknown allocations are ignored.
func (t *Table) MarkSlotActive(allocationID AllocationID) bool {
	s, ok := t.allocated[allocationID]
	if !ok {
		return false
	}
	return t.markActive(s)
}

// TryMarkSlotActive is MarkSlotActive restricted to slots owned by jobID.
func (t *Table) TryMarkSlotActive(jobID JobID, allocationID AllocationID) bool {
	s, ok := t.allocated[allocationID]
	if !ok || s.jobID != jobID {
		return false
	}
	return t.markActive(s)
}

func (t *Table) markActive(s *Slot) bool {
	if !s.markActive() {
		return false
	}
	t.timers.Unregister(s.allocationID)
	return true
}

// MarkSlotInactive returns an active slot to Allocated and re-arms its
// timeout.
func (t *Table) MarkSlotInactive(allocationID AllocationID, timeout time.Duration) (bool, error) {
	s, ok := t.allocated[allocationID]
	if !ok {
		return false, fmt.Errorf("%w: allocation %s", ErrSlotNotFound, allocationID)
	}
	if !s.markInactive() {
		return false, nil
	}
	t.timers.Register(allocationID, timeout)
	return true, nil
}

// FreeSlot releases the slot of allocationID. An empty slot is freed at once
// and its index returned. A slot with resident tasks moves to Releasing, each
// task is failed with cause, and -1 is returned; the free completes when the
// last task is removed and SlotActions.FreeSlot is called.
//
// Freeing a releasing slot again, or an allocation this table recently freed,
// is a no-op returning -1. Any other unknown allocation returns
// ErrSlotNotFound.
func (t *Table) FreeSlot(allocationID AllocationID, cause error) (int, error) {
	s, ok := t.allocated[allocationID]
	if !ok {
		if t.freed.contains(allocationID) {
			return -1, nil
		}
		return -1, fmt.Errorf("%w: allocation %s", ErrSlotNotFound, allocationID)
	}
	t.timers.Unregister(allocationID)
	if s.IsReleasing() {
		return -1, nil
	}
	if s.IsEmpty() {
		t.finalize(s)
		t.log.Debug("slot freed",
			logx.Int("index", s.index),
			AllocationField(allocationID),
			logx.Err(cause),
		)
		return s.index, nil
	}

	t.log.Info("slot releasing", s.LogFields(), logx.Int("tasks", s.TaskCount()), logx.Err(cause))
	s.release(cause)
	return -1, nil
}

// finalize drops every binding of s and returns its resources.
func (t *Table) finalize(s *Slot) {
	delete(t.allocated, s.allocationID)
	if set, ok := t.perJob[s.jobID]; ok {
		delete(set, s.allocationID)
		if len(set) == 0 {
			delete(t.perJob, s.jobID)
		}
	}
	if s.index < t.numberOfStaticSlots {
		t.static[s.index] = nil
	} else {
		delete(t.dynamic, s.index)
	}
	if !t.budget.Release(s.profile) {
		t.log.Warn("budget release rejected", logx.Int("index", s.index), logx.Stringer("profile", s.profile))
	}
	t.freed.add(s.allocationID)
	s.state = StateFree
	t.maybeFinishClose()
}

// IsValidTimeout reports whether ticket is the live activation timeout of
// allocationID.
func (t *Table) IsValidTimeout(allocationID AllocationID, ticket timer.Ticket) bool {
	return t.timers.IsValid(allocationID, ticket)
}

// IsAllocated reports whether index is held by exactly this job and
// allocation and is not releasing.
func (t *Table) IsAllocated(index int, jobID JobID, allocationID AllocationID) bool {
	s := t.slotAt(index)
	return s != nil && s.isAllocated(jobID, allocationID)
}

// IsSlotFree reports whether no allocation holds index.
func (t *Table) IsSlotFree(index int) bool {
	return t.slotAt(index) == nil
}

func (t *Table) slotAt(index int) *Slot {
	switch {
	case index < 0:
		return nil
	case index < t.numberOfStaticSlots:
		return t.static[index]
	default:
		return t.dynamic[index]
	}
}

// HasAllocatedSlots reports whether jobID holds any slot.
func (t *Table) HasAllocatedSlots(jobID JobID) bool {
	return len(t.perJob[jobID]) > 0
}

// GetOwningJob returns the job holding allocationID.
func (t *Table) GetOwningJob(allocationID AllocationID) (JobID, bool) {
	s, ok := t.allocated[allocationID]
	if !ok {
		return JobID{}, false
	}
	return s.jobID, true
}

// GetSlot returns the slot held by allocationID.
func (t *Table) GetSlot(allocationID AllocationID) (*Slot, bool) {
	s, ok := t.allocated[allocationID]
	return s, ok
}

// GetAllocatedSlots iterates over the slots of jobID as of the call, in
// index order.
func (t *Table) GetAllocatedSlots(jobID JobID) iter.Seq[*Slot] {
	snapshot := t.jobSlots(jobID)
	return slices.Values(snapshot)
}

func (t *Table) jobSlots(jobID JobID) []*Slot {
	set := t.perJob[jobID]
	out := make([]*Slot, 0, len(set))
	for id := range set {
		out = append(out, t.allocated[id])
	}
	sortByIndex(out)
	return out
}

// GetAllocationIDsPerJob lists the allocations of jobID in index order.
func (t *Table) GetAllocationIDsPerJob(jobID JobID) []AllocationID {
	return allocationIDs(t.jobSlots(jobID), nil)
}

// GetActiveTaskSlotAllocationIDs lists allocations whose slot is Active.
func (t *Table) GetActiveTaskSlotAllocationIDs() []AllocationID {
	return allocationIDs(t.allSlots(), (*Slot).IsActive)
}

// GetActiveTaskSlotAllocationIDsPerJob lists the Active allocations of jobID.
func (t *Table) GetActiveTaskSlotAllocationIDsPerJob(jobID JobID) []AllocationID {
	return allocationIDs(t.jobSlots(jobID), (*Slot).IsActive)
}

// Slots iterates over every live slot as of the call, in index order.
func (t *Table) Slots() iter.Seq[*Slot] {
	return slices.Values(t.allSlots())
}

// AllocatedCount returns the number of live allocations.
func (t *Table) AllocatedCount() int { return len(t.allocated) }

func allocationIDs(slots []*Slot, keep func(*Slot) bool) []AllocationID {
	out := make([]AllocationID, 0, len(slots))
	for _, s := range slots {
		if keep == nil || keep(s) {
			out = append(out, s.allocationID)
		}
	}
	return out
}

func sortByIndex(s []*Slot) {
	slices.SortFunc(s, func(a, b *Slot) int { return a.index - b.index })
}

// AddTask places task into the Active slot of its allocation. A task whose job
// does not own the slot is reported as ErrSlotNotActive, and an execution
// already resident anywhere in the table as ErrDuplicateTask.
func (t *Table) AddTask(task TaskSlotPayload) error {
	s, ok := t.allocated[task.AllocationID()]
	if !ok {
		return fmt.Errorf("%w: allocation %s", ErrSlotNotFound, task.AllocationID())
	}
	if err := s.canAccept(task); err != nil {
		return err
	}
	if _, dup := t.tasks[task.ExecutionID()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ExecutionID())
	}
	s.tasks[task.ExecutionID()] = task
	t.tasks[task.ExecutionID()] = s
	return nil
}

// RemoveTask detaches the task with executionID. Removing the last task of a
// releasing slot completes its free. Returns nil for unknown tasks.
func (t *Table) RemoveTask(executionID ExecutionID) TaskSlotPayload {
	s, ok := t.tasks[executionID]
	if !ok {
		return nil
	}
	delete(t.tasks, executionID)
	task := s.remove(executionID)

	if s.IsReleasing() && s.IsEmpty() {
		allocationID := s.allocationID
		t.finalize(s)
		t.log.Debug("deferred slot free completed", logx.Int("index", s.index), AllocationField(allocationID), ExecutionField(executionID))
		if t.actions != nil {
			t.actions.FreeSlot(allocationID)
		}
	}
	return task
}

// GetTask returns the resident task with executionID, or nil.
func (t *Table) GetTask(executionID ExecutionID) TaskSlotPayload {
	s, ok := t.tasks[executionID]
	if !ok {
		return nil
	}
	return s.tasks[executionID]
}

// GetTasks iterates over the resident tasks of jobID as of the call.
func (t *Table) GetTasks(jobID JobID) iter.Seq[TaskSlotPayload] {
	var snapshot []TaskSlotPayload
	for _, s := range t.jobSlots(jobID) {
		for task := range s.Tasks() {
			snapshot = append(snapshot, task)
		}
	}
	return slices.Values(snapshot)
}

// NotifyTimeout implements timer.TimeoutListener. It runs on a timer
// goroutine and only marshals the expiry onto the executor.
func (t *Table) NotifyTimeout(allocationID AllocationID, ticket timer.Ticket) {
	t.executor.Execute(func() { t.handleTimeout(allocationID, ticket) })
}

func (t *Table) handleTimeout(allocationID AllocationID, ticket timer.Ticket) {
	if t.state != tableRunning {
		return
	}
	if !t.timers.IsValid(allocationID, ticket) {
		t.log.Trace("stale slot timeout", AllocationField(allocationID))
		return
	}
	t.log.Debug("slot activation timed out", AllocationField(allocationID))
	t.actions.TimeoutSlot(allocationID, ticket)
}

// CloseAsync frees every slot with ErrTableClosing. The returned channel is
// closed once all slots are free; repeated calls return the same channel.
func (t *Table) CloseAsync() <-chan struct{} {
	switch t.state {
	case tableCreated:
		t.state = tableClosed
		t.timers.Stop()
		close(t.closeCh)
	case tableRunning:
		t.state = tableClosing
		t.log.Info("slot table closing", logx.Int("allocated", len(t.allocated)))
		for _, s := range t.allSlots() {
			_, _ = t.FreeSlot(s.allocationID, ErrTableClosing)
		}
		t.maybeFinishClose()
	}
	return t.closeCh
}

func (t *Table) maybeFinishClose() {
	if t.state != tableClosing || len(t.allocated) > 0 {
		return
	}
	t.timers.Stop()
	t.state = tableClosed
	close(t.closeCh)
	t.log.Info("slot table closed")
}

func (t *Table) allSlots() []*Slot {
	out := make([]*Slot, 0, len(t.allocated))
	for _, s := range t.allocated {
		out = append(out, s)
	}
	sortByIndex(out)
	return out
}

const freedHistorySize = 1024

// freedHistory remembers the most recently freed allocations, oldest evicted
// first.
type freedHistory struct {
	ids  map[AllocationID]struct{}
	ring []AllocationID
	next int
}

func newFreedHistory(size int) *freedHistory {
	return &freedHistory{ids: make(map[AllocationID]struct{}, size), ring: make([]AllocationID, 0, size)}
}

func (h *freedHistory) contains(id AllocationID) bool {
	_, ok := h.ids[id]
	return ok
}

func (h *freedHistory) add(id AllocationID) {
	if h.contains(id) {
		return
	}
	if len(h.ring) < cap(h.ring) {
		h.ring = append(h.ring, id)
	} else {
		delete(h.ids, h.ring[h.next])
		h.ring[h.next] = id
		h.next = (h.next + 1) % len(h.ring)
	}
	h.ids[id] = struct{}{}
}
