package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"slotd/internal/resource"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  components:
    slot-table: trace
node:
  resource_id: worker-1
  slots: 4
  total_profile:
    cpu: "4"
    task_heap: 4GiB
    managed_memory: 2GiB
  slot_timeout: 30s
report:
  schedule: "@every 5s"
storage:
  driver: sqlite
  path: ./data/slotd.sqlite
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestDecodeYAMLAndResolve(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("slotd.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(context.Background(), cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	n, err := cfg.ResolveNode()
	if err != nil {
		t.Fatalf("ResolveNode: %v", err)
	}
	want := resource.Profile{CPUMillis: 1000, TaskHeap: 1 << 30, ManagedMemory: 512 << 20}
	if !n.SlotProfile.Equal(want) {
		t.Fatalf("slot profile = %s, want %s", n.SlotProfile, want)
	}
	if n.ResourceID != "worker-1" || n.Slots != 4 || n.SlotTimeout != 30*time.Second {
		t.Fatalf("node = %+v", n)
	}

	r, err := cfg.ResolveReport()
	if err != nil {
		t.Fatalf("ResolveReport: %v", err)
	}
	if r.Schedule != "@every 5s" || r.OnChangeRate != DefaultOnChangeRate || r.OnChangeBurst != DefaultOnChangeBurst {
		t.Fatalf("report = %+v", r)
	}
	if lc := cfg.ResolveLogging(); lc.Level != "debug" || !lc.Console || lc.Components["slot-table"] != "trace" {
		t.Fatalf("logging = %+v", lc)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body string
	}{
		{"unknown json field", "c.json", `{"node":{"slots":1},"telegram":{}}`},
		{"trailing json", "c.json", `{"node":{"slots":1}} {}`},
		{"unknown yaml field", "c.yml", "node:\n  slots: 1\n  gpus: 2\n"},
		{"bad yaml", "c.yaml", "node: [\n"},
		{"bad duration", "c.yaml", "node:\n  slot_timeout: soon\n"},
		{"negative duration", "c.json", `{"debug":{"idle_timeout":"-5s"}}`},
		{"complex yaml key", "c.yaml", "? [a, b]\n: 1\n"},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.path, []byte(tc.body)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestResolveNodeErrors(t *testing.T) {
	t.Parallel()
	total := resource.Spec{CPU: "2", TaskHeap: "2GiB"}
	cases := []struct {
		name string
		node NodeConfig
		want string
	}{
		{"negative slots", NodeConfig{Slots: -1, TotalProfile: total}, "node.slots"},
		{"missing total", NodeConfig{Slots: 1}, "total_profile"},
		{"zero slots no profile", NodeConfig{TotalProfile: total}, "slot_profile"},
		{"slot larger than total", NodeConfig{Slots: 1, TotalProfile: total, SlotProfile: &resource.Spec{CPU: "3"}}, "exceed"},
		{"bad memory", NodeConfig{Slots: 1, TotalProfile: resource.Spec{TaskHeap: "lots"}}, "task_heap"},
		{"negative timeout", NodeConfig{Slots: 1, TotalProfile: total, SlotTimeout: Duration(-time.Second)}, "slot_timeout"},
	}
	for _, tc := range cases {
		cfg := &Config{Node: tc.node}
		_, err := cfg.ResolveNode()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}

	// Static slots may promise more than the total; allocation enforces it.
	over := &Config{Node: NodeConfig{Slots: 3, TotalProfile: total, SlotProfile: &resource.Spec{CPU: "1"}}}
	if _, err := over.ResolveNode(); err != nil {
		t.Fatalf("overcommitted static pool: %v", err)
	}

	cfg := &Config{Node: NodeConfig{TotalProfile: total, SlotProfile: &resource.Spec{CPU: "500m"}}}
	n, err := cfg.ResolveNode()
	if err != nil || n.Slots != 0 || n.SlotProfile.CPUMillis != 500 || n.ResourceID == "" {
		t.Fatalf("dynamic-only node = %+v, %v", n, err)
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Logging: LoggingConfig{Level: "loud", Components: map[string]string{"slot-table": "chatty"}},
		Node:    NodeConfig{Slots: 1, TotalProfile: resource.Spec{CPU: "1"}},
		Report:  ReportConfig{Schedule: "every now and then"},
		Storage: &StorageConfig{Driver: "etcd"},
		Debug:   DebugConfig{ReadTimeout: Duration(-time.Second)},
	}
	err := Validate(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"logging.level", "logging.components.slot-table", "report.schedule", "storage.driver", "debug.read_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	old, err := Decode("a.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c := Diff(old, old); len(c.Sections) != 0 || c.Restart {
		t.Fatalf("self diff = %+v", c)
	}

	next := *old
	next.Logging.Level = "info"
	next.Report.Schedule = "@every 1m"
	c := Diff(old, &next)
	if !slices.Equal(c.Sections, []string{"logging", "report"}) || c.Restart || len(c.Fields) == 0 {
		t.Fatalf("sections=%v restart=%v fields=%d", c.Sections, c.Restart, len(c.Fields))
	}
	if !c.Has("report") || c.Has("node") || c.Next != &next {
		t.Fatalf("change = %+v", c)
	}

	next.Node.Slots = 8
	next.Debug.Token = "secret"
	c = Diff(old, &next)
	if !c.Has("node") || !c.Has("debug") || !c.Restart {
		t.Fatalf("sections=%v restart=%v", c.Sections, c.Restart)
	}
	if c := Diff(nil, old); !c.Has("storage") || !c.Restart {
		t.Fatalf("diff from nil = %v", c.Sections)
	}
}

func TestDurationDecoding(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body string
		want             time.Duration
	}{
		{"go string", "c.json", `{"node":{"slot_timeout":"1m30s"}}`, 90 * time.Second},
		{"seconds", "c.json", `{"node":{"slot_timeout":2.5}}`, 2500 * time.Millisecond},
		{"yaml string", "c.yaml", "node:\n  slot_timeout: 45s\n", 45 * time.Second},
		{"yaml integer", "c.yaml", "node:\n  slot_timeout: 3\n", 3 * time.Second},
		{"empty", "c.json", `{"node":{"slot_timeout":""}}`, 0},
	}
	for _, tc := range cases {
		cfg, err := Decode(tc.path, []byte(tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got := time.Duration(cfg.Node.SlotTimeout); got != tc.want {
			t.Fatalf("%s: slot_timeout = %s, want %s", tc.name, got, tc.want)
		}
	}
	if got := Duration(0).Or(time.Minute); got != time.Minute {
		t.Fatalf("unset Or = %s", got)
	}
	b, err := json.Marshal(Duration(1500 * time.Millisecond))
	if err != nil || string(b) != `"1.5s"` {
		t.Fatalf("marshal = %s, %v", b, err)
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "slotd.yaml", sampleYAML)

	m := NewManager(path, Validate)
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return committed config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, unsub := m.Subscribe(1)
	defer unsub()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher time to register before editing.
	time.Sleep(200 * time.Millisecond)

	// An invalid edit is rejected and never published.
	writeFile(t, dir, "slotd.yaml", strings.Replace(sampleYAML, "level: debug", "level: loud", 1))
	time.Sleep(600 * time.Millisecond)
	select {
	case got := <-sub:
		t.Fatalf("invalid config published: %v", got.Sections)
	default:
	}

	writeFile(t, dir, "slotd.yaml", strings.Replace(sampleYAML, "slot_timeout: 30s", "slot_timeout: 1m", 1))
	select {
	case got := <-sub:
		if !slices.Equal(got.Sections, []string{"node"}) || !got.Restart || got.Prev != cfg {
			t.Fatalf("published change = %v restart=%v", got.Sections, got.Restart)
		}
		if time.Duration(got.Next.Node.SlotTimeout) != time.Minute {
			t.Fatalf("published slot_timeout = %s", got.Next.Node.SlotTimeout)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
	if m.Get().Node.SlotTimeout != Duration(time.Minute) {
		t.Fatal("reload not committed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "slotd.json", `{"node":{"slots":2}}`)
	m := NewManager(path, Validate)
	if _, err := m.Load(context.Background()); err == nil {
		t.Fatal("Load accepted config without total_profile")
	}
	if m.Get() != nil {
		t.Fatal("invalid config committed")
	}
	if _, err := NewManager(filepath.Join(t.TempDir(), "missing.json"), nil).Load(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file err = %v", err)
	}
}
