// Package storage persists the slot event journal.
//
// The journal is an append-only record of slot lifecycle changes (allocations,
// activations, frees, timeouts) kept for operators and post-mortems. It is not
// used to rebuild the slot table on restart.
package storage
