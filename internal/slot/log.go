package slot

import logx "slotd/pkg/logx"

// Log fields for slot identities, shared by every package that logs slots.

func JobField(id JobID) logx.Field               { return logx.Stringer("job", id) }
func AllocationField(id AllocationID) logx.Field { return logx.Stringer("allocation", id) }
func ExecutionField(id ExecutionID) logx.Field   { return logx.Stringer("execution", id) }

// LogFields describes s by index, owner and state.
func (s *Slot) LogFields() logx.Field {
	return logx.Fields(
		logx.Int("index", s.index),
		JobField(s.jobID),
		AllocationField(s.allocationID),
		logx.Stringer("state", s.state),
	)
}
