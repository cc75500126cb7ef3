package resource

import "testing"

func TestProfileArithmetic(t *testing.T) {
	t.Parallel()
	a := Profile{CPUMillis: 1000, TaskHeap: 100, Extended: map[string]int64{"gpu": 1}}
	b := Profile{CPUMillis: 500, TaskHeap: 50}

	sum := a.Add(b)
	if sum.CPUMillis != 1500 || sum.TaskHeap != 150 || sum.Extended["gpu"] != 1 {
		t.Fatalf("Add = %v", sum)
	}
	if !sum.Subtract(b).Equal(a) {
		t.Fatalf("Subtract = %v, want %v", sum.Subtract(b), a)
	}
	if !b.LessOrEqual(a) {
		t.Fatal("b should fit into a")
	}
	if a.LessOrEqual(b) {
		t.Fatal("a should not fit into b")
	}
	if !a.Multiply(3).Divide(3).Equal(a) {
		t.Fatalf("Multiply/Divide round trip = %v", a.Multiply(3).Divide(3))
	}
}

func TestProfileUnknown(t *testing.T) {
	t.Parallel()
	p := Profile{CPUMillis: 1}
	if !Unknown.IsUnknown() || p.IsUnknown() {
		t.Fatal("IsUnknown mismatch")
	}
	if !p.Add(Unknown).IsUnknown() {
		t.Fatal("Add with Unknown should be Unknown")
	}
	if Unknown.LessOrEqual(p) || p.LessOrEqual(Unknown) {
		t.Fatal("Unknown must not compare with concrete profiles")
	}
	if !Unknown.Equal(Unknown) || Unknown.Equal(Zero) {
		t.Fatal("Unknown equality mismatch")
	}
	if !Zero.IsZero() || Unknown.IsZero() {
		t.Fatal("IsZero mismatch")
	}
}

func TestProfileEqualMissingExtended(t *testing.T) {
	t.Parallel()
	a := Profile{CPUMillis: 1, Extended: map[string]int64{"gpu": 0}}
	b := Profile{CPUMillis: 1}
	if !a.Equal(b) || !b.Equal(a) {
		t.Fatal("zero extended entries should equal missing ones")
	}
}

func TestBudget(t *testing.T) {
	t.Parallel()
	slot := Profile{CPUMillis: 1000, TaskHeap: 1 << 20}
	b := NewBudget(slot.Multiply(2))

	if !b.Reserve(slot) || !b.Reserve(slot) {
		t.Fatal("two slots should fit")
	}
	if b.Reserve(slot) {
		t.Fatal("third slot should not fit")
	}
	if !b.Available().IsZero() {
		t.Fatalf("Available = %v", b.Available())
	}
	if !b.Release(slot) {
		t.Fatal("release failed")
	}
	if !b.Available().Equal(slot) {
		t.Fatalf("Available = %v, want %v", b.Available(), slot)
	}
	if b.Release(slot.Multiply(2)) {
		t.Fatal("release beyond total should fail")
	}
	if b.Reserve(Unknown) {
		t.Fatal("Unknown must not be reserved")
	}
}

func TestSpecParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		spec Spec
		want Profile
	}{
		{name: "cores", spec: Spec{CPU: "1.5"}, want: Profile{CPUMillis: 1500}},
		{name: "millis", spec: Spec{CPU: "250m"}, want: Profile{CPUMillis: 250}},
		{name: "memory", spec: Spec{TaskHeap: "1 KiB", ManagedMemory: "2MiB"}, want: Profile{TaskHeap: 1024, ManagedMemory: 2 << 20}},
		{name: "extended", spec: Spec{Extended: map[string]int64{"gpu": 2}}, want: Profile{Extended: map[string]int64{"gpu": 2}}},
		{name: "empty", spec: Spec{}, want: Zero},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.spec.Parse("slot")
			if err != nil {
				t.Fatalf("Parse error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Parse = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpecParseInvalid(t *testing.T) {
	t.Parallel()
	for _, s := range []Spec{{CPU: "-1"}, {CPU: "lots"}, {TaskHeap: "big"}, {Extended: map[string]int64{"gpu": -1}}} {
		if _, err := s.Parse("slot"); err == nil {
			t.Fatalf("Parse(%+v) expected error", s)
		}
	}
}
