package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"slotd/internal/resource"
	"slotd/internal/storage"
	logx "slotd/pkg/logx"
)

const (
	DefaultSlotTimeout    = 10 * time.Second
	DefaultReportSchedule = "@every 10s"
	DefaultOnChangeRate   = 2.0
	DefaultOnChangeBurst  = 1
	DefaultDebugAddr      = "127.0.0.1:6060"
	DefaultDebugPrefix    = "/debug/pprof/"
)

// Node is the parsed node section.
type Node struct {
	ResourceID   string
	Slots        int
	SlotProfile  resource.Profile
	TotalProfile resource.Profile
	SlotTimeout  time.Duration
}

// Report is the parsed report section. OnChangeRate < 0 disables on-change
// reports.
type Report struct {
	Schedule      string
	OnChangeRate  float64
	OnChangeBurst int
}

func (c *Config) ResolveNode() (Node, error) {
	n := c.Node
	if n.Slots < 0 {
		return Node{}, fmt.Errorf("node.slots must be >= 0 (got %d)", n.Slots)
	}
	total, err := n.TotalProfile.Parse("node.total_profile")
	if err != nil {
		return Node{}, err
	}
	if total.IsZero() {
		return Node{}, errors.New("node.total_profile is required")
	}

	var slotProfile resource.Profile
	switch {
	case n.SlotProfile != nil && !n.SlotProfile.IsEmpty():
		if slotProfile, err = n.SlotProfile.Parse("node.slot_profile"); err != nil {
			return Node{}, err
		}
	case n.Slots > 0:
		slotProfile = total.Divide(n.Slots)
	default:
		return Node{}, errors.New("node.slot_profile is required when node.slots is 0")
	}
	if !slotProfile.LessOrEqual(total) {
		return Node{}, fmt.Errorf("node: slot profile %s exceeds total %s", slotProfile, total)
	}

	if err := n.SlotTimeout.check("node.slot_timeout"); err != nil {
		return Node{}, err
	}

	id := strings.TrimSpace(n.ResourceID)
	if id == "" {
		if id, err = os.Hostname(); err != nil || id == "" {
			id = "slotd"
		}
	}
	return Node{
		ResourceID:   id,
		Slots:        n.Slots,
		SlotProfile:  slotProfile,
		TotalProfile: total,
		SlotTimeout:  n.SlotTimeout.Or(DefaultSlotTimeout),
	}, nil
}

func (c *Config) ResolveReport() (Report, error) {
	r := Report{
		Schedule:      strings.TrimSpace(c.Report.Schedule),
		OnChangeRate:  c.Report.OnChangeRate,
		OnChangeBurst: c.Report.OnChangeBurst,
	}
	if r.Schedule == "" {
		r.Schedule = DefaultReportSchedule
	}
	if _, err := cron.ParseStandard(r.Schedule); err != nil {
		return Report{}, fmt.Errorf("report.schedule: %w", err)
	}
	if r.OnChangeRate == 0 {
		r.OnChangeRate = DefaultOnChangeRate
	}
	if r.OnChangeBurst <= 0 {
		r.OnChangeBurst = DefaultOnChangeBurst
	}
	return r, nil
}

// ResolveLogging maps the logging section onto logx.Config.
func (c *Config) ResolveLogging() logx.Config {
	return logx.Config{
		Level:      c.Logging.Level,
		Components: c.Logging.Components,
		Console:    c.Logging.Console,
		File:       logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// Validate checks every section. It is installed as the Watch validator so
// a broken edit never replaces the running config.
func Validate(ctx context.Context, cfg *Config) error {
	_ = ctx
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := logx.ParseLevel(cfg.Logging.Level, logx.LevelInfo); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	for name, lvl := range cfg.Logging.Components {
		if _, err := logx.ParseLevel(lvl, logx.LevelInfo); err != nil {
			errs = append(errs, fmt.Errorf("logging.components.%s: %w", name, err))
		}
	}
	if _, err := cfg.ResolveNode(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.ResolveReport(); err != nil {
		errs = append(errs, err)
	}
	if s := cfg.Storage; s != nil {
		driver, err := storage.Driver(s.Driver)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("storage.driver: %w", err))
		case driver != "" && strings.TrimSpace(s.Path) == "":
			errs = append(errs, errors.New("storage.path is required"))
		}
		if err := s.BusyTimeout.check("storage.busy_timeout"); err != nil {
			errs = append(errs, err)
		}
	}
	d := cfg.Debug
	for _, err := range []error{
		d.ReadTimeout.check("debug.read_timeout"),
		d.WriteTimeout.check("debug.write_timeout"),
		d.IdleTimeout.check("debug.idle_timeout"),
	} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
