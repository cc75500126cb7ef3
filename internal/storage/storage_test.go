package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "slotd/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: store=%v err=%v", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil || !strings.Contains(err.Error(), "file, sqlite, sqlite3") {
		t.Fatalf("unknown driver err = %v", err)
	}
	if d, err := Driver(" SQLite "); err != nil || d != "sqlite" {
		t.Fatalf("Driver = %q, %v", d, err)
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := st.Append(ctx, Record{
			At:           base.Add(time.Duration(i) * time.Second),
			Type:         "slot.allocated",
			Index:        i,
			JobID:        []string{"job-even", "job-odd"}[i%2],
			AllocationID: fmt.Sprintf("alloc-%d", i),
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := st.Events(ctx, Query{Limit: 3})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, r := range got {
		want := 4 - i
		if r.Index != want || r.AllocationID != fmt.Sprintf("alloc-%d", want) {
			t.Fatalf("record %d = %+v", i, r)
		}
		if !r.At.Equal(base.Add(time.Duration(want) * time.Second)) {
			t.Fatalf("record %d at = %s", i, r.At)
		}
	}

	got, err = st.Events(ctx, Query{JobID: "job-odd"})
	if err != nil || len(got) != 2 || got[0].Index != 3 || got[1].Index != 1 {
		t.Fatalf("job filter = %+v, %v", got, err)
	}
	got, err = st.Events(ctx, Query{JobID: "job-even", AllocationID: "alloc-2"})
	if err != nil || len(got) != 1 || got[0].Index != 2 {
		t.Fatalf("job+allocation filter = %+v, %v", got, err)
	}
	got, err = st.Events(ctx, Query{JobID: "job-even", Limit: 2})
	if err != nil || len(got) != 2 || got[0].Index != 4 || got[1].Index != 2 {
		t.Fatalf("limited job filter = %+v, %v", got, err)
	}
	if got, _ := st.Events(ctx, Query{AllocationID: "alloc-9"}); len(got) != 0 {
		t.Fatalf("unknown allocation = %+v", got)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "slotd.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Append(context.Background(), Record{Type: "x"}); err == nil {
		t.Fatal("append after close succeeded")
	}

	// Reopen replays the journal.
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.Events(context.Background(), Query{})
	if err != nil || len(got) != 5 {
		t.Fatalf("replayed %d records, err %v", len(got), err)
	}
}

func TestFileStoreCompactsToRetention(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "slotd.db")
	st, err := Open(Config{Driver: "file", Path: path, Retain: 4}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := st.Append(ctx, Record{Type: "slot.freed", Index: i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path, Retain: 4}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, _ := st.Events(ctx, Query{})
	if len(got) != 4 || got[0].Index != 9 || got[3].Index != 6 {
		t.Fatalf("after compaction = %+v", got)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "slotd.sqlite")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)

	// Empty optional columns come back as empty strings.
	got, err := st.Events(context.Background(), Query{Limit: 1})
	if err != nil || got[0].ExecutionID != "" || got[0].Cause != "" {
		t.Fatalf("got %+v, %v", got, err)
	}
}
