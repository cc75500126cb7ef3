package resource

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
)

// Profile is a resource vector describing the capacity of a slot or a node.
//
// Memory fields are bytes. Extended holds named, countable resources (e.g. "gpu").
// The zero value is an empty profile; Unknown is a distinct marker that callers
// resolve to a concrete default before accounting.
type Profile struct {
	CPUMillis     int64
	TaskHeap      int64
	TaskOffHeap   int64
	ManagedMemory int64
	NetworkMemory int64
	Extended      map[string]int64

	unknown bool
}

// Unknown marks a request that did not specify its resources.
var Unknown = Profile{unknown: true}

// Zero is an empty profile.
var Zero = Profile{}

func (p Profile) IsUnknown() bool { return p.unknown }

func (p Profile) IsZero() bool {
	if p.unknown {
		return false
	}
	if p.CPUMillis != 0 || p.TaskHeap != 0 || p.TaskOffHeap != 0 || p.ManagedMemory != 0 || p.NetworkMemory != 0 {
		return false
	}
	for _, v := range p.Extended {
		if v != 0 {
			return false
		}
	}
	return true
}

// TotalMemory is the sum of all memory components.
func (p Profile) TotalMemory() int64 {
	return p.TaskHeap + p.TaskOffHeap + p.ManagedMemory + p.NetworkMemory
}

func (p Profile) Add(o Profile) Profile {
	if p.unknown || o.unknown {
		return Unknown
	}
	return p.combine(o, func(a, b int64) int64 { return a + b })
}

// Subtract returns p - o. Callers check o.LessOrEqual(p) first; components may go
// negative otherwise.
func (p Profile) Subtract(o Profile) Profile {
	if p.unknown || o.unknown {
		return Unknown
	}
	return p.combine(o, func(a, b int64) int64 { return a - b })
}

// Multiply scales every component by n.
func (p Profile) Multiply(n int) Profile {
	if p.unknown {
		return Unknown
	}
	out := Profile{
		CPUMillis:     p.CPUMillis * int64(n),
		TaskHeap:      p.TaskHeap * int64(n),
		TaskOffHeap:   p.TaskOffHeap * int64(n),
		ManagedMemory: p.ManagedMemory * int64(n),
		NetworkMemory: p.NetworkMemory * int64(n),
	}
	if len(p.Extended) > 0 {
		out.Extended = make(map[string]int64, len(p.Extended))
		for k, v := range p.Extended {
			out.Extended[k] = v * int64(n)
		}
	}
	return out
}

// Divide splits every component into n equal shares (integer division).
func (p Profile) Divide(n int) Profile {
	if p.unknown || n <= 0 {
		return Unknown
	}
	out := Profile{
		CPUMillis:     p.CPUMillis / int64(n),
		TaskHeap:      p.TaskHeap / int64(n),
		TaskOffHeap:   p.TaskOffHeap / int64(n),
		ManagedMemory: p.ManagedMemory / int64(n),
		NetworkMemory: p.NetworkMemory / int64(n),
	}
	if len(p.Extended) > 0 {
		out.Extended = make(map[string]int64, len(p.Extended))
		for k, v := range p.Extended {
			out.Extended[k] = v / int64(n)
		}
	}
	return out
}

// LessOrEqual reports whether every component of p fits into o.
// Unknown only fits into Unknown.
func (p Profile) LessOrEqual(o Profile) bool {
	if p.unknown || o.unknown {
		return p.unknown && o.unknown
	}
	if p.CPUMillis > o.CPUMillis || p.TaskHeap > o.TaskHeap || p.TaskOffHeap > o.TaskOffHeap ||
		p.ManagedMemory > o.ManagedMemory || p.NetworkMemory > o.NetworkMemory {
		return false
	}
	for k, v := range p.Extended {
		if v > o.Extended[k] {
			return false
		}
	}
	return true
}

func (p Profile) Equal(o Profile) bool {
	if p.unknown || o.unknown {
		return p.unknown == o.unknown
	}
	if p.CPUMillis != o.CPUMillis || p.TaskHeap != o.TaskHeap || p.TaskOffHeap != o.TaskOffHeap ||
		p.ManagedMemory != o.ManagedMemory || p.NetworkMemory != o.NetworkMemory {
		return false
	}
	// Missing extended keys count as zero.
	for k, v := range p.Extended {
		if o.Extended[k] != v {
			return false
		}
	}
	for k, v := range o.Extended {
		if p.Extended[k] != v {
			return false
		}
	}
	return true
}

func (p Profile) combine(o Profile, op func(a, b int64) int64) Profile {
	out := Profile{
		CPUMillis:     op(p.CPUMillis, o.CPUMillis),
		TaskHeap:      op(p.TaskHeap, o.TaskHeap),
		TaskOffHeap:   op(p.TaskOffHeap, o.TaskOffHeap),
		ManagedMemory: op(p.ManagedMemory, o.ManagedMemory),
		NetworkMemory: op(p.NetworkMemory, o.NetworkMemory),
	}
	if len(p.Extended) == 0 && len(o.Extended) == 0 {
		return out
	}
	out.Extended = make(map[string]int64, len(p.Extended)+len(o.Extended))
	for k, v := range p.Extended {
		out.Extended[k] = v
	}
	for k, v := range o.Extended {
		out.Extended[k] = op(out.Extended[k], v)
	}
	return out
}

func (p Profile) String() string {
	if p.unknown {
		return "Profile{UNKNOWN}"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Profile{cpu=%dm, heap=%s, off_heap=%s, managed=%s, network=%s",
		p.CPUMillis,
		humanize.IBytes(uint64(max(p.TaskHeap, 0))),
		humanize.IBytes(uint64(max(p.TaskOffHeap, 0))),
		humanize.IBytes(uint64(max(p.ManagedMemory, 0))),
		humanize.IBytes(uint64(max(p.NetworkMemory, 0))),
	)
	for _, k := range slices.Sorted(maps.Keys(p.Extended)) {
		fmt.Fprintf(&b, ", %s=%d", k, p.Extended[k])
	}
	b.WriteString("}")
	return b.String()
}

// MarshalText renders the profile for JSON reports.
func (p Profile) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
