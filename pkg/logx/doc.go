// Package logx is slotd's logging front end over zerolog.
//
// Loggers are values: With and Component derive new ones cheaply, and
// loggers built from a Service follow Service.Apply, so a config reload can
// raise one component (say "slot-table") to trace without touching others.
package logx
