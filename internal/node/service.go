package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"slotd/internal/eventbus"
	"slotd/internal/mainthread"
	"slotd/internal/resource"
	rtsup "slotd/internal/runtime/supervisor"
	"slotd/internal/slot"
	"slotd/internal/storage"
	"slotd/internal/timer"
	logx "slotd/pkg/logx"
)

var (
	ErrNotStarted  = errors.New("node service not started")
	ErrSlotTimeout = errors.New("slot activation timed out")
)

type Config struct {
	ResourceID   slot.ResourceID
	Slots        int
	SlotProfile  resource.Profile
	TotalProfile resource.Profile
	SlotTimeout  time.Duration
	Report       ReportConfig
}

// ReportConfig controls when slot reports are sent. OnChangeRate <= 0
// disables on-change reports; heartbeats still follow Schedule.
type ReportConfig struct {
	Schedule      string
	OnChangeRate  float64
	OnChangeBurst int
}

// ReportSink delivers slot reports to the cluster coordinator.
type ReportSink interface {
	SendSlotReport(ctx context.Context, r slot.SlotReport) error
}

// Deps are the optional collaborators of a Service.
type Deps struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Store    storage.Store
	Registry prometheus.Registerer
	Sink     ReportSink
	Clock    timer.Clock
}

type pendingReport struct {
	trigger string
	report  slot.SlotReport
}

// Service owns the slot table of this node and is its only writer. Every
// exported method is safe for concurrent use; table work is funneled through
// the main thread executor.
type Service struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	sink  ReportSink

	exec    *mainthread.Executor
	timers  *timer.Service[slot.AllocationID]
	table   *slot.Table
	metrics *Metrics
	parser  cron.Parser
	reports chan pendingReport

	// main thread only
	limiter   *rate.Limiter
	releasing map[slot.AllocationID]int

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	cron    *cron.Cron
	entry   cron.EntryID
	started bool
	stopped bool
}

func New(cfg Config, deps Deps) (*Service, error) {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Component("node")
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	if cfg.SlotTimeout <= 0 {
		cfg.SlotTimeout = 10 * time.Second
	}
	if cfg.Report.Schedule == "" {
		cfg.Report.Schedule = "@every 10s"
	}

	topts := []timer.Option{timer.WithLogger(log.Component("timer"))}
	if deps.Clock != nil {
		topts = append(topts, timer.WithClock(deps.Clock))
	}
	timers := timer.New[slot.AllocationID](topts...)

	table, err := slot.NewTable(slot.Config{
		NumberOfSlots:      cfg.Slots,
		TotalProfile:       cfg.TotalProfile,
		DefaultSlotProfile: cfg.SlotProfile,
		Timers:             timers,
		Log:                log,
	})
	if err != nil {
		return nil, err
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Report.Schedule); err != nil {
		return nil, fmt.Errorf("report schedule %q: %w", cfg.Report.Schedule, err)
	}

	exec := mainthread.New(log.Component("mainthread"))
	return &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		store:     deps.Store,
		sink:      deps.Sink,
		exec:      exec,
		timers:    timers,
		table:     table,
		metrics:   newMetrics(deps.Registry, exec, bus),
		parser:    parser,
		reports:   make(chan pendingReport, 1),
		limiter:   newLimiter(cfg.Report),
		releasing: map[slot.AllocationID]int{},
	}, nil
}

func newLimiter(cfg ReportConfig) *rate.Limiter {
	if cfg.OnChangeRate <= 0 {
		return nil
	}
	burst := max(cfg.OnChangeBurst, 1)
	return rate.NewLimiter(rate.Limit(cfg.OnChangeRate), burst)
}

func (s *Service) ResourceID() slot.ResourceID { return s.cfg.ResourceID }

// Bus exposes the event bus slot events are published on.
func (s *Service) Bus() eventbus.Bus { return s.bus }

// Start runs the main thread, the report schedule and the journal under sup.
func (s *Service) Start(sup *rtsup.Supervisor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	s.exec.Start(sup)
	var err error
	if cerr := s.exec.Call(sup.Context(), func() {
		if err = s.table.Start(actions{s}, s.exec); err == nil {
			s.metrics.observe(s.table)
		}
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}

	if s.store != nil {
		// Subscribe before any event can be published.
		ch, unsub := s.bus.Subscribe(256, eventbus.JournalTypes...)
		sup.Go0("node.journal", func(ctx context.Context) { s.runJournal(ctx, ch, unsub) })
	}
	sup.Go0("node.reporter", s.runReporter)

	s.cron = cron.New(cron.WithParser(s.parser))
	if s.entry, err = s.cron.AddFunc(s.cfg.Report.Schedule, s.heartbeat); err != nil {
		return err
	}
	s.cron.Start()

	s.sup = sup
	s.started = true
	s.log.Info("node started",
		logx.Stringer("resource_id", s.cfg.ResourceID),
		logx.Int("static_slots", s.cfg.Slots),
		logx.String("report_schedule", s.cfg.Report.Schedule),
	)
	return nil
}

// Stop closes the slot table and waits until every slot is free or ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	var done <-chan struct{}
	if err := s.exec.Call(ctx, func() {
		for sl := range s.table.Slots() {
			if !sl.IsEmpty() {
				s.releasing[sl.AllocationID()] = sl.Index()
			}
		}
		done = s.table.CloseAsync()
		s.metrics.observe(s.table)
	}); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("slot table close: %w", ctx.Err())
	}
	s.exec.Execute(func() { s.metrics.observe(s.table) })
	s.emit(eventbus.TableClosed, eventbus.SlotEvent{Index: -1})
	s.log.Info("node stopped")
	return s.exec.Stop(ctx)
}

// ApplyReport swaps the report schedule and on-change limiter.
func (s *Service) ApplyReport(cfg ReportConfig) error {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10s"
	}
	if _, err := s.parser.Parse(cfg.Schedule); err != nil {
		return fmt.Errorf("report schedule %q: %w", cfg.Schedule, err)
	}

	s.mu.Lock()
	if s.cron != nil && cfg.Schedule != s.cfg.Report.Schedule {
		s.cron.Remove(s.entry)
		id, err := s.cron.AddFunc(cfg.Schedule, s.heartbeat)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.entry = id
	}
	s.cfg.Report = cfg
	s.mu.Unlock()

	s.exec.Execute(func() { s.limiter = newLimiter(cfg) })
	s.log.Info("report settings applied", logx.String("schedule", cfg.Schedule), logx.Any("on_change_rate", cfg.OnChangeRate))
	return nil
}

// Allocate reserves a slot (index >= 0) or a dynamic slot (slot.DynamicIndex)
// and returns its index.
func (s *Service) Allocate(ctx context.Context, index int, job slot.JobID, alloc slot.AllocationID, profile resource.Profile) (int, error) {
	idx := -1
	var err error
	cerr := s.exec.Call(ctx, func() {
		_, had := s.table.GetSlot(alloc)
		var sl *slot.Slot
		sl, err = s.table.AllocateSlot(index, job, alloc, profile, s.cfg.SlotTimeout)
		if err != nil {
			s.metrics.rejections.WithLabelValues(rejectionReason(err)).Inc()
			s.log.Debug("allocation rejected", slot.JobField(job), slot.AllocationField(alloc), logx.Int("index", index), logx.Err(err))
			return
		}
		idx = sl.Index()
		if had {
			return
		}
		kind := "static"
		if index < 0 {
			kind = "dynamic"
		}
		s.metrics.allocations.WithLabelValues(kind).Inc()
		s.emit(eventbus.SlotAllocated, eventbus.SlotEventOf(sl, nil))
		s.changed()
	})
	if cerr != nil {
		return -1, cerr
	}
	return idx, err
}

// Activate marks the slot active for job, cancelling its timeout.
func (s *Service) Activate(ctx context.Context, job slot.JobID, alloc slot.AllocationID) (bool, error) {
	var ok bool
	err := s.exec.Call(ctx, func() {
		sl, found := s.table.GetSlot(alloc)
		wasActive := found && sl.IsActive()
		ok = s.table.TryMarkSlotActive(job, alloc)
		if ok && !wasActive {
			s.emit(eventbus.SlotActivated, eventbus.SlotEventOf(sl, nil))
			s.changed()
		}
	})
	return ok, err
}

// Deactivate returns an active slot to allocated and re-arms its timeout.
func (s *Service) Deactivate(ctx context.Context, alloc slot.AllocationID) (bool, error) {
	var (
		ok  bool
		err error
	)
	if cerr := s.exec.Call(ctx, func() {
		ok, err = s.table.MarkSlotInactive(alloc, s.cfg.SlotTimeout)
		if ok {
			s.changed()
		}
	}); cerr != nil {
		return false, cerr
	}
	return ok, err
}

// Free releases the slot of alloc. It returns the freed index, or -1 when
// the free is deferred until resident tasks leave.
func (s *Service) Free(ctx context.Context, alloc slot.AllocationID, cause error) (int, error) {
	idx := -1
	var err error
	if cerr := s.exec.Call(ctx, func() { idx, err = s.free(alloc, cause) }); cerr != nil {
		return -1, cerr
	}
	return idx, err
}

// ReleaseJob frees every slot held by job and returns how many were freed
// immediately.
func (s *Service) ReleaseJob(ctx context.Context, job slot.JobID, cause error) (int, error) {
	n := 0
	err := s.exec.Call(ctx, func() {
		allocs := s.table.GetAllocationIDsPerJob(job)
		for _, alloc := range allocs {
			if idx, err := s.free(alloc, cause); err == nil && idx >= 0 {
				n++
			}
		}
		if len(allocs) > 0 {
			s.log.Info("job released", slot.JobField(job), logx.Int("slots", len(allocs)), logx.Int("freed", n), logx.Err(cause))
		}
	})
	return n, err
}

func (s *Service) free(alloc slot.AllocationID, cause error) (int, error) {
	sl, found := s.table.GetSlot(alloc)
	wasReleasing := found && sl.IsReleasing()
	idx, err := s.table.FreeSlot(alloc, cause)
	if err != nil || !found {
		return idx, err
	}
	switch {
	case idx >= 0:
		s.metrics.frees.WithLabelValues("immediate").Inc()
		s.emit(eventbus.SlotFreed, eventbus.SlotEventOf(sl, cause))
	case !wasReleasing:
		s.releasing[alloc] = sl.Index()
		s.emit(eventbus.SlotReleasing, eventbus.SlotEventOf(sl, cause))
	}
	s.changed()
	return idx, nil
}

// SubmitTask attaches task to its slot. When task terminates it is removed
// automatically.
func (s *Service) SubmitTask(ctx context.Context, task slot.TaskSlotPayload) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return ErrNotStarted
	}

	var err error
	if cerr := s.exec.Call(ctx, func() {
		if err = s.table.AddTask(task); err != nil {
			return
		}
		sl, _ := s.table.GetSlot(task.AllocationID())
		s.emit(eventbus.TaskAdded, eventbus.TaskEventOf(sl.Index(), task))
		s.changed()
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}

	id := task.ExecutionID()
	sup.Go0("node.task-watch", func(ctx context.Context) {
		select {
		case <-task.Terminated():
			s.exec.Execute(func() { s.removeTask(id) })
		case <-ctx.Done():
		}
	})
	return nil
}

// RemoveTask detaches a task explicitly. It returns nil for unknown tasks.
func (s *Service) RemoveTask(ctx context.Context, id slot.ExecutionID) (slot.TaskSlotPayload, error) {
	var task slot.TaskSlotPayload
	err := s.exec.Call(ctx, func() { task = s.removeTask(id) })
	return task, err
}

func (s *Service) removeTask(id slot.ExecutionID) slot.TaskSlotPayload {
	idx := -1
	if t := s.table.GetTask(id); t != nil {
		if sl, ok := s.table.GetSlot(t.AllocationID()); ok {
			idx = sl.Index()
		}
	}
	task := s.table.RemoveTask(id)
	if task == nil {
		return nil
	}
	s.emit(eventbus.TaskRemoved, eventbus.TaskEventOf(idx, task))
	s.changed()
	return task
}

// Report builds a slot report.
func (s *Service) Report(ctx context.Context) (slot.SlotReport, error) {
	var r slot.SlotReport
	err := s.exec.Call(ctx, func() { r = s.table.CreateSlotReport(s.cfg.ResourceID) })
	return r, err
}

// Snapshot is a diagnostics view of the node.
type Snapshot struct {
	ResourceID      string           `json:"resource_id"`
	StaticSlots     int              `json:"static_slots"`
	Allocated       int              `json:"allocated"`
	Active          int              `json:"active"`
	Available       string           `json:"available"`
	PendingTimeouts int              `json:"pending_timeouts"`
	Closed          bool             `json:"closed"`
	Executor        mainthread.Stats `json:"executor"`
	Events          eventbus.Stats   `json:"events"`
	Workers         rtsup.Snapshot   `json:"workers"`
}

func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.exec.Call(ctx, func() {
		snap = Snapshot{
			ResourceID:      s.cfg.ResourceID.String(),
			StaticSlots:     s.table.NumberOfSlots(),
			Allocated:       s.table.AllocatedCount(),
			Active:          len(s.table.GetActiveTaskSlotAllocationIDs()),
			Available:       s.table.AvailableProfile().String(),
			PendingTimeouts: s.timers.Pending(),
			Closed:          s.table.IsClosed(),
		}
	})
	snap.Executor = s.exec.Stats()
	snap.Events = s.bus.Stats()
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	snap.Workers = sup.Snapshot()
	return snap, err
}

// changed refreshes gauges and sends an on-change report if the limiter
// allows. Main thread only.
func (s *Service) changed() {
	s.metrics.observe(s.table)
	if s.limiter != nil && s.limiter.Allow() {
		s.enqueueReport("change", s.table.CreateSlotReport(s.cfg.ResourceID))
	}
}

func (s *Service) emit(typ eventbus.Type, ev eventbus.SlotEvent) {
	s.bus.Publish(eventbus.Event{Type: typ, Slot: ev})
}

// actions receives deferred frees and timeouts from the table on the main
// thread.
type actions struct{ s *Service }

func (a actions) FreeSlot(alloc slot.AllocationID) {
	s := a.s
	idx, ok := s.releasing[alloc]
	if !ok {
		idx = -1
	}
	delete(s.releasing, alloc)
	s.metrics.frees.WithLabelValues("deferred").Inc()
	s.emit(eventbus.SlotFreed, eventbus.SlotEvent{Index: idx, AllocationID: alloc.String()})
	s.log.Debug("deferred free completed", slot.AllocationField(alloc), logx.Int("index", idx))
	s.changed()
}

func (a actions) TimeoutSlot(alloc slot.AllocationID, ticket timer.Ticket) {
	s := a.s
	if !s.table.IsValidTimeout(alloc, ticket) {
		return
	}
	sl, _ := s.table.GetSlot(alloc)
	s.metrics.timeouts.Inc()
	s.emit(eventbus.SlotTimedOut, eventbus.SlotEventOf(sl, ErrSlotTimeout))
	s.log.Info("freeing slot after activation timeout", slot.AllocationField(alloc))
	if _, err := s.free(alloc, ErrSlotTimeout); err != nil {
		s.log.Warn("timeout free failed", slot.AllocationField(alloc), logx.Err(err))
	}
}
