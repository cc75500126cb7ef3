package config

import (
	"reflect"
	"slices"
	"strings"

	logx "slotd/pkg/logx"
)

// Change describes a committed config reload.
type Change struct {
	Prev, Next *Config

	// Sections lists the changed top-level sections in file order.
	Sections []string
	// Fields are safe to log. Tokens are never included.
	Fields []logx.Field
	// Restart is set when node or storage changed. Those sections only take
	// effect after a restart.
	Restart bool
}

// Has reports whether section changed.
func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

// Diff compares two configs section by section. A nil config compares as
// the zero config.
func Diff(prev, next *Config) Change {
	c := Change{Prev: prev, Next: next}
	if prev == nil {
		prev = &Config{}
	}
	if next == nil {
		next = &Config{}
	}

	if !reflect.DeepEqual(prev.Logging, next.Logging) {
		c.Sections = append(c.Sections, "logging")
		c.Fields = append(c.Fields,
			logx.String("logging.level", next.Logging.Level),
			logx.Int("logging.components", len(next.Logging.Components)),
			logx.Bool("logging.file", next.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(prev.Node, next.Node) {
		c.Sections = append(c.Sections, "node")
		c.Fields = append(c.Fields,
			logx.Int("node.slots", next.Node.Slots),
			logx.Any("node.total_profile", next.Node.TotalProfile),
			logx.Stringer("node.slot_timeout", next.Node.SlotTimeout),
		)
		c.Restart = true
	}
	if prev.Report != next.Report {
		c.Sections = append(c.Sections, "report")
		c.Fields = append(c.Fields,
			logx.String("report.schedule", strings.TrimSpace(next.Report.Schedule)),
			logx.Any("report.on_change_rate", next.Report.OnChangeRate),
		)
	}
	if !reflect.DeepEqual(prev.Storage, next.Storage) {
		c.Sections = append(c.Sections, "storage")
		c.Restart = true
	}
	if prev.Debug != next.Debug {
		c.Sections = append(c.Sections, "debug")
		c.Fields = append(c.Fields,
			logx.Bool("debug.enabled", next.Debug.Enabled),
			logx.String("debug.addr", next.Debug.Addr),
			logx.Bool("debug.token_set", strings.TrimSpace(next.Debug.Token) != ""),
		)
	}
	return c
}
