package resource

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Spec is the human-facing form of a Profile, as written in config files.
//
// CPU accepts cores ("1.5") or millicores ("1500m"). Memory fields accept any
// go-humanize size ("512MiB", "1 GB", "1073741824").
type Spec struct {
	CPU           string           `json:"cpu,omitempty"`
	TaskHeap      string           `json:"task_heap,omitempty"`
	TaskOffHeap   string           `json:"task_off_heap,omitempty"`
	ManagedMemory string           `json:"managed_memory,omitempty"`
	NetworkMemory string           `json:"network_memory,omitempty"`
	Extended      map[string]int64 `json:"extended,omitempty"`
}

func (s Spec) IsEmpty() bool {
	return strings.TrimSpace(s.CPU) == "" &&
		strings.TrimSpace(s.TaskHeap) == "" &&
		strings.TrimSpace(s.TaskOffHeap) == "" &&
		strings.TrimSpace(s.ManagedMemory) == "" &&
		strings.TrimSpace(s.NetworkMemory) == "" &&
		len(s.Extended) == 0
}

// Parse converts s into a Profile. path prefixes error messages.
func (s Spec) Parse(path string) (Profile, error) {
	var p Profile
	var err error
	if p.CPUMillis, err = ParseCPU(s.CPU); err != nil {
		return Profile{}, fmt.Errorf("%s.cpu: %w", path, err)
	}
	fields := []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"task_heap", s.TaskHeap, &p.TaskHeap},
		{"task_off_heap", s.TaskOffHeap, &p.TaskOffHeap},
		{"managed_memory", s.ManagedMemory, &p.ManagedMemory},
		{"network_memory", s.NetworkMemory, &p.NetworkMemory},
	}
	for _, f := range fields {
		v, err := ParseMemory(f.raw)
		if err != nil {
			return Profile{}, fmt.Errorf("%s.%s: %w", path, f.name, err)
		}
		*f.dst = v
	}
	if len(s.Extended) > 0 {
		p.Extended = make(map[string]int64, len(s.Extended))
		for k, v := range s.Extended {
			if v < 0 {
				return Profile{}, fmt.Errorf("%s.extended.%s: must be >= 0", path, k)
			}
			p.Extended[k] = v
		}
	}
	return p, nil
}

// ParseCPU parses "2", "0.5" (cores) or "500m" (millicores). Empty is zero.
func ParseCPU(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if m, ok := strings.CutSuffix(s, "m"); ok {
		v, err := strconv.ParseInt(m, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid cpu %q", raw)
		}
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid cpu %q", raw)
	}
	return int64(f*1000 + 0.5), nil
}

// ParseMemory parses a humanized byte size. Empty is zero.
func ParseMemory(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	return int64(v), nil
}
