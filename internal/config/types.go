package config

import "slotd/internal/resource"

type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Node    NodeConfig     `json:"node"`
	Report  ReportConfig   `json:"report,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   DebugConfig    `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Components sets levels per component, e.g. {"slot-table": "trace"}.
	Components map[string]string `json:"components,omitempty"`
	Console    bool              `json:"console"`
	File       LoggingFile       `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NodeConfig describes the slot layout of this worker.
//
// Example:
//
//	"node": {
//	  "resource_id": "worker-1",
//	  "slots": 4,
//	  "total_profile": { "cpu": "4", "task_heap": "4GiB", "managed_memory": "2GiB" }
//	}
//
// slot_profile defaults to total_profile divided by slots. Changing this
// section requires a restart.
type NodeConfig struct {
	// ResourceID is a UUID or any stable name; names are hashed into a UUID.
	// Defaults to the hostname.
	ResourceID   string         `json:"resource_id,omitempty"`
	Slots        int            `json:"slots"`
	SlotProfile  *resource.Spec `json:"slot_profile,omitempty"`
	TotalProfile resource.Spec  `json:"total_profile"`

	// SlotTimeout is how long an allocated slot may stay inactive before it
	// is freed. Default "10s".
	SlotTimeout Duration `json:"slot_timeout,omitempty"`
}

// ReportConfig controls slot report publishing.
//
// Schedule is a robfig/cron spec (default "@every 10s"). On-change reports
// are limited to OnChangeRate per second with OnChangeBurst burst; a rate of
// 0 uses the default of 2/s and a negative rate disables on-change reports.
type ReportConfig struct {
	Schedule      string  `json:"schedule,omitempty"`
	OnChangeRate  float64 `json:"on_change_rate,omitempty"`
	OnChangeBurst int     `json:"on_change_burst,omitempty"`
}

// StorageConfig controls the optional event journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/slotd.sqlite" }
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite only, default 1s
	Retain      int      `json:"retain,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof, metrics, slots).
//
// Prefer binding to localhost. A non-loopback address needs a token or an
// explicit allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  Duration `json:"read_timeout,omitempty"`
	WriteTimeout Duration `json:"write_timeout,omitempty"`
	IdleTimeout  Duration `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
