package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

var errClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal with periodic compaction
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retain bounds how many records are kept. 0 means 10000.
	Retain int
}

const defaultRetain = 10000

func (c Config) retain() int {
	if c.Retain <= 0 {
		return defaultRetain
	}
	return c.Retain
}

// Record is one journaled slot event.
type Record struct {
	At           time.Time `json:"at"`
	Type         string    `json:"type"`
	Index        int       `json:"index"`
	JobID        string    `json:"job_id,omitempty"`
	AllocationID string    `json:"allocation_id,omitempty"`
	ExecutionID  string    `json:"execution_id,omitempty"`
	Cause        string    `json:"cause,omitempty"`
}
