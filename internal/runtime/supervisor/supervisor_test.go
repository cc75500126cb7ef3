package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go("fails", func(ctx context.Context) error { return errors.New("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-sup.Context().Done():
	case <-ctx.Done():
		t.Fatal("supervisor context not canceled on error")
	}
	if err := sup.Wait(ctx); err == nil {
		t.Fatal("Wait returned nil error")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	sup.Go0("panics", func(ctx context.Context) { panic("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err == nil {
		t.Fatal("panic not surfaced as error")
	}
	snap := sup.Snapshot()
	if len(snap.Routines) != 1 || snap.Routines[0].Panics != 1 || snap.Active != 0 || snap.FirstError == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRestartRestartsUntilClean(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, time.Millisecond, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	r := sup.Snapshot().Routines
	if len(r) != 1 || r[0].Name != "flaky" || r[0].Runs != 3 || r[0].Restarts != 2 ||
		r[0].LastErr != "flaky: transient" || r[0].Active != 0 {
		t.Fatalf("routines = %+v", r)
	}
}

func TestStopCancelsContext(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	sup.Go0("loop", func(ctx context.Context) { <-ctx.Done() })
	sup.Go0("loop", func(ctx context.Context) { <-ctx.Done() })

	deadline := time.Now().Add(5 * time.Second)
	for sup.Snapshot().Active != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("snapshot = %+v", sup.Snapshot())
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if snap := sup.Snapshot(); snap.Active != 0 || len(snap.Routines) != 1 || snap.Routines[0].Runs != 2 {
		t.Fatalf("after stop = %+v", snap)
	}
}
