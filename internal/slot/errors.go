package slot

import "errors"

var (
	ErrAllocationConflict    = errors.New("slot allocation conflict")
	ErrInsufficientResources = errors.New("insufficient resources for slot")
	ErrSlotNotFound          = errors.New("slot not found")
	ErrSlotNotActive         = errors.New("slot not active")
	ErrDuplicateTask         = errors.New("task already resident in slot")

	ErrTableNotRunning = errors.New("slot table not running")
	ErrAlreadyStarted  = errors.New("slot table already started")

	// ErrTableClosing is the failure cause handed to resident tasks when the
	// table shuts down.
	ErrTableClosing = errors.New("slot table closing")
)
