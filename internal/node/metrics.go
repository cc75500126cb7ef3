package node

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"slotd/internal/eventbus"
	"slotd/internal/mainthread"
	"slotd/internal/slot"
)

const namespace = "slotd"

// Metrics holds the node's collectors.
type Metrics struct {
	slots        *prometheus.GaugeVec
	allocatedCPU prometheus.Gauge
	tasks        prometheus.Gauge

	allocations *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	frees       *prometheus.CounterVec
	timeouts    prometheus.Counter
	reports     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, exec *mainthread.Executor, bus eventbus.Bus) *Metrics {
	m := &Metrics{
		slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "slots",
			Help: "Slots by state. Free static slots are counted as free.",
		}, []string{"state"}),
		allocatedCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "allocated_cpu_millis",
			Help: "CPU millicores held by allocated slots.",
		}),
		tasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "resident_tasks",
			Help: "Tasks currently attached to slots.",
		}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "allocations_total",
			Help: "Successful slot allocations.",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "allocation_rejections_total",
			Help: "Rejected slot allocations by reason.",
		}, []string{"reason"}),
		frees: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frees_total",
			Help: "Completed slot frees.",
		}, []string{"mode"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "slot_timeouts_total",
			Help: "Slots freed because they were not activated in time.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "slot_reports_total",
			Help: "Slot reports sent by trigger.",
		}, []string{"trigger"}),
	}
	if reg == nil {
		return m
	}
	reg.MustRegister(m.slots, m.allocatedCPU, m.tasks, m.allocations, m.rejections, m.frees, m.timeouts, m.reports)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "mainthread_queue_depth",
		Help: "Commands waiting for the slot table's main thread.",
	}, func() float64 { return float64(exec.Stats().Queued) }))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "events_dropped_total",
		Help: "Node events not delivered because a subscriber was full.",
	}, func() float64 { return float64(bus.Stats().Dropped) }))
	return m
}

// observe recomputes the gauges. Must run on the main thread.
func (m *Metrics) observe(t *slot.Table) {
	counts := map[slot.State]int{}
	var cpu int64
	var tasks int
	for s := range t.Slots() {
		counts[s.State()]++
		cpu += s.Profile().CPUMillis
		tasks += s.TaskCount()
	}
	static := 0
	for i := 0; i < t.NumberOfSlots(); i++ {
		if !t.IsSlotFree(i) {
			static++
		}
	}
	counts[slot.StateFree] = t.NumberOfSlots() - static
	for _, st := range []slot.State{slot.StateFree, slot.StateAllocated, slot.StateActive, slot.StateReleasing} {
		m.slots.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	m.allocatedCPU.Set(float64(cpu))
	m.tasks.Set(float64(tasks))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, slot.ErrAllocationConflict):
		return "conflict"
	case errors.Is(err, slot.ErrInsufficientResources):
		return "insufficient_resources"
	case errors.Is(err, slot.ErrSlotNotFound):
		return "not_found"
	case errors.Is(err, slot.ErrTableNotRunning):
		return "not_running"
	default:
		return "other"
	}
}
