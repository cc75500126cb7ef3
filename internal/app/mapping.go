package app

import (
	"strings"
	"time"

	"slotd/internal/config"
	"slotd/internal/debug"
	"slotd/internal/node"
	"slotd/internal/slot"
	"slotd/internal/storage"
)

func mapStorageConfig(cfg *config.Config) storage.Config {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}
	}
	sc := cfg.Storage
	return storage.Config{
		Driver:      sc.Driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: sc.BusyTimeout.Or(time.Second),
		Retain:      sc.Retain,
	}
}

func mapNodeConfig(cfg *config.Config) (node.Config, error) {
	n, err := cfg.ResolveNode()
	if err != nil {
		return node.Config{}, err
	}
	r, err := cfg.ResolveReport()
	if err != nil {
		return node.Config{}, err
	}
	return node.Config{
		ResourceID:   slot.ParseResourceID(n.ResourceID),
		Slots:        n.Slots,
		SlotProfile:  n.SlotProfile,
		TotalProfile: n.TotalProfile,
		SlotTimeout:  n.SlotTimeout,
		Report:       mapReportConfig(r),
	}, nil
}

func mapReportConfig(r config.Report) node.ReportConfig {
	return node.ReportConfig{
		Schedule:      r.Schedule,
		OnChangeRate:  r.OnChangeRate,
		OnChangeBurst: r.OnChangeBurst,
	}
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	d := cfg.Debug
	addr := strings.TrimSpace(d.Addr)
	if addr == "" {
		addr = config.DefaultDebugAddr
	}
	prefix := strings.TrimSpace(d.Prefix)
	if prefix == "" {
		prefix = config.DefaultDebugPrefix
	}
	// /debug/pprof/profile streams for 30s by default.
	return debug.Config{
		Enabled:              d.Enabled,
		Addr:                 addr,
		Prefix:               prefix,
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          d.ReadTimeout.Or(10 * time.Second),
		WriteTimeout:         d.WriteTimeout.Or(60 * time.Second),
		IdleTimeout:          d.IdleTimeout.Or(2 * time.Minute),
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
}
