package node

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"slotd/internal/eventbus"
	"slotd/internal/resource"
	rtsup "slotd/internal/runtime/supervisor"
	"slotd/internal/slot"
	"slotd/internal/storage"
	"slotd/internal/timer"
	logx "slotd/pkg/logx"
)

var unit = resource.Profile{CPUMillis: 1000, TaskHeap: 1 << 30}

type chanSink struct{ ch chan slot.SlotReport }

func (s chanSink) SendSlotReport(ctx context.Context, r slot.SlotReport) error {
	select {
	case s.ch <- r:
	default:
	}
	return nil
}

type fixture struct {
	svc   *Service
	sup   *rtsup.Supervisor
	clock *timer.ManualClock
	sink  chanSink
	store storage.Store
}

func newFixture(t *testing.T, report ReportConfig) *fixture {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "slotd")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	if report.Schedule == "" {
		report.Schedule = "@every 1h"
	}
	f := &fixture{
		clock: timer.NewManualClock(time.Unix(1_700_000_000, 0)),
		sink:  chanSink{ch: make(chan slot.SlotReport, 16)},
		store: store,
	}
	svc, err := New(Config{
		ResourceID:   slot.ParseResourceID("worker-1"),
		Slots:        2,
		SlotProfile:  unit,
		TotalProfile: unit.Multiply(4),
		SlotTimeout:  time.Second,
		Report:       report,
	}, Deps{
		Log:      logx.Nop(),
		Store:    store,
		Registry: prometheus.NewRegistry(),
		Sink:     f.sink,
		Clock:    f.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.svc = svc
	f.sup = rtsup.New(context.Background())
	if err := svc.Start(f.sup); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
		_ = f.sup.Stop(ctx)
		_ = store.Close()
	})
	return f
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) isFree(t *testing.T, index int) bool {
	t.Helper()
	r, err := f.svc.Report(ctxT(t))
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	for st := range r.All() {
		if st.SlotID.Index == index {
			return st.IsFree()
		}
	}
	return true
}

func TestAllocateActivateAndDeferredFree(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ReportConfig{})
	ctx := ctxT(t)
	job, alloc := slot.NewJobID(), slot.NewAllocationID()

	idx, err := f.svc.Allocate(ctx, 1, job, alloc, unit)
	if err != nil || idx != 1 {
		t.Fatalf("Allocate = %d, %v", idx, err)
	}
	if ok, err := f.svc.Activate(ctx, job, alloc); err != nil || !ok {
		t.Fatalf("Activate = %v, %v", ok, err)
	}

	task := NewTask(job, alloc)
	if err := f.svc.SubmitTask(ctx, task); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if err := f.svc.SubmitTask(ctx, task); !errors.Is(err, slot.ErrDuplicateTask) {
		t.Fatalf("second SubmitTask err = %v", err)
	}

	cause := errors.New("job cancelled")
	if idx, err := f.svc.Free(ctx, alloc, cause); err != nil || idx != -1 {
		t.Fatalf("Free = %d, %v; want deferred", idx, err)
	}
	if !errors.Is(context.Cause(task.Context()), cause) {
		t.Fatalf("task cause = %v", context.Cause(task.Context()))
	}
	if f.isFree(t, 1) {
		t.Fatalf("slot freed while a task is resident")
	}

	task.Finish()
	eventually(t, "deferred free", func() bool { return f.isFree(t, 1) })
	eventually(t, "frees_total{deferred}", func() bool {
		return testutil.ToFloat64(f.svc.metrics.frees.WithLabelValues("deferred")) == 1
	})
	if got := testutil.ToFloat64(f.svc.metrics.allocations.WithLabelValues("static")); got != 1 {
		t.Fatalf("allocations_total{static} = %v", got)
	}
}

func TestAllocateRejectionsAreCounted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ReportConfig{})
	ctx := ctxT(t)

	if _, err := f.svc.Allocate(ctx, 0, slot.NewJobID(), slot.NewAllocationID(), unit); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	_, err := f.svc.Allocate(ctx, 0, slot.NewJobID(), slot.NewAllocationID(), unit)
	if !errors.Is(err, slot.ErrAllocationConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if _, err := f.svc.Allocate(ctx, slot.DynamicIndex, slot.NewJobID(), slot.NewAllocationID(), unit.Multiply(4)); !errors.Is(err, slot.ErrInsufficientResources) {
		t.Fatalf("err = %v, want insufficient resources", err)
	}
	if got := testutil.ToFloat64(f.svc.metrics.rejections.WithLabelValues("conflict")); got != 1 {
		t.Fatalf("rejections{conflict} = %v", got)
	}
	if got := testutil.ToFloat64(f.svc.metrics.rejections.WithLabelValues("insufficient_resources")); got != 1 {
		t.Fatalf("rejections{insufficient_resources} = %v", got)
	}
}

func TestActivationTimeoutFreesSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ReportConfig{})
	ctx := ctxT(t)
	job, alloc := slot.NewJobID(), slot.NewAllocationID()

	idx, err := f.svc.Allocate(ctx, slot.DynamicIndex, job, alloc, resource.Unknown)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if idx != 2 {
		t.Fatalf("dynamic index = %d, want 2", idx)
	}

	f.clock.Advance(time.Second)
	eventually(t, "timeout", func() bool {
		return testutil.ToFloat64(f.svc.metrics.timeouts) == 1
	})
	snap, err := f.svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Allocated != 0 || snap.PendingTimeouts != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if ok, _ := f.svc.Activate(ctx, job, alloc); ok {
		t.Fatalf("activated a timed out allocation")
	}
}

func TestActivateCancelsTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ReportConfig{})
	ctx := ctxT(t)
	job, alloc := slot.NewJobID(), slot.NewAllocationID()

	if _, err := f.svc.Allocate(ctx, 0, job, alloc, unit); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if ok, _ := f.svc.Activate(ctx, job, alloc); !ok {
		t.Fatalf("Activate failed")
	}
	f.clock.Advance(time.Minute)
	if f.isFree(t, 0) {
		t.Fatalf("active slot was timed out")
	}

	if ok, err := f.svc.Deactivate(ctx, alloc); err != nil || !ok {
		t.Fatalf("Deactivate = %v, %v", ok, err)
	}
	f.clock.Advance(time.Second)
	eventually(t, "timeout after deactivate", func() bool { return f.isFree(t, 0) })
}

func TestReleaseJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ReportConfig{})
	ctx := ctxT(t)
	job := slot.NewJobID()

	for _, idx := range []int{0, 1, slot.DynamicIndex} {
		if _, err := f.svc.Allocate(ctx, idx, job, slot.NewAllocationID(), unit); err != nil {
			t.Fatalf("Allocate(%d): %v", idx, err)
		}
	}
	other := slot.NewAllocationID()
	if _, err := f.svc.Allocate(ctx, slot.DynamicIndex, slot.NewJobID(), other, unit); err != nil {
		t.Fatalf("Allocate other: %v", err)
	}

	n, err := f.svc.ReleaseJob(ctx, job, errors.New("job finished"))
	if err != nil || n != 3 {
		t.Fatalf("ReleaseJob = %d, %v", n, err)
	}
	snap, _ := f.svc.Snapshot(ctx)
	if snap.Allocated != 1 {
		t.Fatalf("allocated = %d, want 1", snap.Allocated)
	}
	// Allocations and frees were published; only the journal listens.
	if snap.Events.Published < 7 || snap.Events.Subscribers != 1 {
		t.Fatalf("events = %+v", snap.Events)
	}
	var reporter bool
	for _, r := range snap.Workers.Routines {
		reporter = reporter || r.Name == "node.reporter" && r.Active == 1
	}
	if !reporter {
		t.Fatalf("workers = %+v", snap.Workers)
	}
}

func TestStopWaitsForResidentTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ReportConfig{})
	ctx := ctxT(t)
	job, alloc := slot.NewJobID(), slot.NewAllocationID()

	if _, err := f.svc.Allocate(ctx, 0, job, alloc, unit); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	f.svc.Activate(ctx, job, alloc)
	task := NewTask(job, alloc)
	if err := f.svc.SubmitTask(ctx, task); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	go func() {
		<-task.Context().Done()
		time.Sleep(20 * time.Millisecond)
		task.Finish()
	}()

	ch, unsub := f.svc.Bus().Subscribe(64)
	defer unsub()

	if err := f.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !errors.Is(context.Cause(task.Context()), slot.ErrTableClosing) {
		t.Fatalf("task cause = %v", context.Cause(task.Context()))
	}
	select {
	case <-task.Terminated():
	default:
		t.Fatalf("Stop returned before the task terminated")
	}

	closed := false
	for !closed {
		select {
		case e := <-ch:
			closed = e.Type == eventbus.TableClosed
		case <-ctx.Done():
			t.Fatalf("no %s event", eventbus.TableClosed)
		}
	}
	if _, err := f.svc.Allocate(ctx, 1, job, slot.NewAllocationID(), unit); err == nil {
		t.Fatalf("Allocate after Stop succeeded")
	}
}

func TestOnChangeReportReachesSink(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ReportConfig{OnChangeRate: 100, OnChangeBurst: 10})
	ctx := ctxT(t)
	alloc := slot.NewAllocationID()

	if _, err := f.svc.Allocate(ctx, 1, slot.NewJobID(), alloc, unit); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	select {
	case r := <-f.sink.ch:
		if r.Len() != 2 || r.Free() != 1 {
			t.Fatalf("report = %+v", r)
		}
		if got := r.Statuses[1].AllocationID; got == nil || *got != alloc {
			t.Fatalf("slot 1 allocation = %v", got)
		}
	case <-ctx.Done():
		t.Fatalf("no report delivered")
	}
	eventually(t, "slot_reports_total{change}", func() bool {
		return testutil.ToFloat64(f.svc.metrics.reports.WithLabelValues("change")) >= 1
	})
}

func TestApplyReportRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ReportConfig{})
	if err := f.svc.ApplyReport(ReportConfig{Schedule: "every tuesday"}); err == nil {
		t.Fatalf("expected schedule error")
	}
	if err := f.svc.ApplyReport(ReportConfig{Schedule: "@every 30s", OnChangeRate: 1}); err != nil {
		t.Fatalf("ApplyReport: %v", err)
	}
}

func TestJournalRecordsSlotEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ReportConfig{})
	ctx := ctxT(t)
	alloc := slot.NewAllocationID()

	if _, err := f.svc.Allocate(ctx, 0, slot.NewJobID(), alloc, unit); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := f.svc.Free(ctx, alloc, nil); err != nil {
		t.Fatalf("Free: %v", err)
	}

	var recs []storage.Record
	eventually(t, "journal records", func() bool {
		var err error
		recs, err = f.store.Events(ctx, storage.Query{Limit: 10})
		return err == nil && len(recs) >= 2
	})
	if recs[0].Type != string(eventbus.SlotFreed) || recs[1].Type != string(eventbus.SlotAllocated) {
		t.Fatalf("types = %q, %q", recs[0].Type, recs[1].Type)
	}
	if recs[1].AllocationID != alloc.String() || recs[1].Index != 0 {
		t.Fatalf("allocated record = %+v", recs[1])
	}
}

func TestSubmitTaskBeforeStart(t *testing.T) {
	t.Parallel()
	svc, err := New(Config{Slots: 1, TotalProfile: unit}, Deps{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = svc.SubmitTask(context.Background(), NewTask(slot.NewJobID(), slot.NewAllocationID()))
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v", err)
	}
}
