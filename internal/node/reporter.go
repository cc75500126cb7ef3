package node

import (
	"context"
	"time"

	"slotd/internal/eventbus"
	"slotd/internal/slot"
	"slotd/internal/storage"
	logx "slotd/pkg/logx"
)

const (
	heartbeatTimeout = 5 * time.Second
	sendTimeout      = 10 * time.Second
	journalTimeout   = 2 * time.Second
)

// heartbeat runs on the cron goroutine.
func (s *Service) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
	defer cancel()
	r, err := s.Report(ctx)
	if err != nil {
		s.log.Warn("heartbeat report failed", logx.Err(err))
		return
	}
	s.enqueueReport("heartbeat", r)
}

// enqueueReport keeps only the newest unsent report.
func (s *Service) enqueueReport(trigger string, r slot.SlotReport) {
	p := pendingReport{trigger: trigger, report: r}
	select {
	case s.reports <- p:
		return
	default:
	}
	select {
	case <-s.reports:
	default:
	}
	select {
	case s.reports <- p:
	default:
	}
}

func (s *Service) runReporter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-s.reports:
			s.sendReport(ctx, p)
		}
	}
}

func (s *Service) sendReport(ctx context.Context, p pendingReport) {
	if s.sink != nil {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.sink.SendSlotReport(sctx, p.report)
		cancel()
		if err != nil {
			s.log.Warn("slot report not delivered", logx.String("trigger", p.trigger), logx.Err(err))
			return
		}
	}
	s.metrics.reports.WithLabelValues(p.trigger).Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.ReportSent, Report: &p.report})
	s.log.Trace("slot report sent",
		logx.String("trigger", p.trigger),
		logx.Int("slots", p.report.Len()),
		logx.Int("free", p.report.Free()),
	)
}

// runJournal copies slot events from the bus into the store. ch carries only
// eventbus.JournalTypes.
func (s *Service) runJournal(ctx context.Context, ch <-chan eventbus.Event, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			ev := e.Slot
			rec := storage.Record{
				At:           e.Time,
				Type:         string(e.Type),
				Index:        ev.Index,
				JobID:        ev.JobID,
				AllocationID: ev.AllocationID,
				ExecutionID:  ev.ExecutionID,
				Cause:        ev.Cause,
			}
			actx, cancel := context.WithTimeout(ctx, journalTimeout)
			err := s.store.Append(actx, rec)
			cancel()
			if err != nil {
				s.log.Warn("journal append failed", logx.String("type", string(e.Type)), logx.Uint64("seq", e.Seq), logx.Err(err))
			}
		}
	}
}
