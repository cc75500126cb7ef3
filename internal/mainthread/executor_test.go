package mainthread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	rtsup "slotd/internal/runtime/supervisor"
	logx "slotd/pkg/logx"
)

func startExecutor(t *testing.T) *Executor {
	t.Helper()
	sup := rtsup.New(context.Background())
	e := New(logx.Nop())
	e.Start(sup)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
		_ = sup.Stop(ctx)
	})
	return e
}

func TestCallRunsInSubmissionOrder(t *testing.T) {
	t.Parallel()
	e := startExecutor(t)

	var order []int
	for i := 0; i < 50; i++ {
		i := i
		e.Execute(func() { order = append(order, i) })
	}
	var got []int
	if err := e.Call(context.Background(), func() { got = append(got, order...) }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(got) != 50 {
		t.Fatalf("len = %d, want 50", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order[%d] = %d", i, v)
		}
	}
}

func TestSingleWriterUnderConcurrency(t *testing.T) {
	t.Parallel()
	e := startExecutor(t)

	// counter is intentionally unsynchronized: only the loop touches it.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = e.Call(context.Background(), func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var got int
	_ = e.Call(context.Background(), func() { got = counter })
	if got != 1000 {
		t.Fatalf("counter = %d, want 1000", got)
	}
}

func TestExecuteFromLoopDoesNotDeadlock(t *testing.T) {
	t.Parallel()
	e := startExecutor(t)

	done := make(chan struct{})
	e.Execute(func() {
		e.Execute(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nested Execute never ran")
	}
}

func TestCallRecoversPanic(t *testing.T) {
	t.Parallel()
	e := startExecutor(t)

	err := e.Call(context.Background(), func() { panic("bad") })
	if err == nil {
		t.Fatal("expected error from panicking call")
	}
	if err := e.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("loop dead after panic: %v", err)
	}
	if e.Stats().Panics != 1 {
		t.Fatalf("Panics = %d", e.Stats().Panics)
	}
}

func TestCallLifecycleErrors(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	if err := e.Call(context.Background(), func() {}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Call before Start = %v", err)
	}

	sup := rtsup.New(context.Background())
	e.Start(sup)
	ran := false
	e.Execute(func() { ran = true })
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !ran {
		t.Fatal("queued work not drained on Stop")
	}
	if err := e.Call(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Call after Stop = %v", err)
	}
	_ = sup.Stop(context.Background())
}
