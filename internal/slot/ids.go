package slot

import "github.com/google/uuid"

// AllocationID identifies a cluster-granted reservation of one slot to a job.
type AllocationID uuid.UUID

// JobID identifies the job owning allocations.
type JobID uuid.UUID

// ExecutionID identifies one execution attempt of a task.
type ExecutionID uuid.UUID

// ResourceID identifies this worker node in slot reports.
type ResourceID uuid.UUID

func NewAllocationID() AllocationID { return AllocationID(uuid.New()) }
func NewJobID() JobID               { return JobID(uuid.New()) }
func NewExecutionID() ExecutionID   { return ExecutionID(uuid.New()) }
func NewResourceID() ResourceID     { return ResourceID(uuid.New()) }

func (id AllocationID) String() string { return uuid.UUID(id).String() }
func (id JobID) String() string        { return uuid.UUID(id).String() }
func (id ExecutionID) String() string  { return uuid.UUID(id).String() }
func (id ResourceID) String() string   { return uuid.UUID(id).String() }

func (id AllocationID) IsZero() bool { return id == AllocationID{} }
func (id JobID) IsZero() bool        { return id == JobID{} }

func (id AllocationID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id JobID) MarshalText() ([]byte, error)        { return uuid.UUID(id).MarshalText() }
func (id ExecutionID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id ResourceID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }

// ParseAllocationID parses the canonical UUID form.
func ParseAllocationID(s string) (AllocationID, error) {
	u, err := uuid.Parse(s)
	return AllocationID(u), err
}

func ParseJobID(s string) (JobID, error) {
	u, err := uuid.Parse(s)
	return JobID(u), err
}

// ParseResourceID parses s, or derives a stable ID from a non-UUID name
// (e.g. a hostname) so config can use readable node names.
func ParseResourceID(s string) ResourceID {
	if u, err := uuid.Parse(s); err == nil {
		return ResourceID(u)
	}
	return ResourceID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(s)))
}
