package mainthread

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	rtsup "slotd/internal/runtime/supervisor"
	logx "slotd/pkg/logx"
)

var (
	ErrNotStarted = errors.New("main thread executor not started")
	ErrStopped    = errors.New("main thread executor stopped")
)

// Executor runs submitted functions one at a time on a single goroutine.
//
// Everything that mutates single-writer state (the slot table) goes through
// it: callers use Call to run and wait, timer and notification goroutines use
// Execute to enqueue and return immediately. The queue is unbounded so
// Execute never blocks, including when called from the loop itself.
type Executor struct {
	log logx.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	state   int // 0 created, 1 running, 2 stopped

	processed atomic.Uint64
	panics    atomic.Uint64
}

// Stats is a diagnostics view.
type Stats struct {
	Queued    int    `json:"queued"`
	Processed uint64 `json:"processed"`
	Panics    uint64 `json:"panics"`
}

func New(log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		log:  log,
		wake: make(chan struct{}, 1),
	}
}

// Start launches the loop under sup. Start is idempotent.
func (e *Executor) Start(sup *rtsup.Supervisor) {
	e.mu.Lock()
	if e.state != 0 {
		e.mu.Unlock()
		return
	}
	e.state = 1
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	stopCh, done := e.stopCh, e.done
	e.mu.Unlock()

	sup.Go0("mainthread", func(ctx context.Context) {
		defer close(done)
		e.loop(ctx, stopCh)
	})
	e.log.Debug("main thread started")
}

// Execute enqueues fn. Work submitted after Stop is dropped.
func (e *Executor) Execute(fn func()) {
	if fn == nil {
		return
	}
	if !e.enqueue(fn) {
		e.log.Debug("main thread task dropped: executor stopped")
	}
}

func (e *Executor) enqueue(fn func()) bool {
	e.mu.Lock()
	if e.state == 2 {
		e.mu.Unlock()
		return false
	}
	e.pending = append(e.pending, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return. It must not be called
// from the loop goroutine itself.
func (e *Executor) Call(ctx context.Context, fn func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	switch state {
	case 0:
		return ErrNotStarted
	case 2:
		return ErrStopped
	}

	finished := make(chan error, 1)
	ok := e.enqueue(func() {
		defer func() {
			if r := recover(); r != nil {
				finished <- fmt.Errorf("panic on main thread: %v", r)
				panic(r)
			}
		}()
		fn()
		finished <- nil
	})
	if !ok {
		return ErrStopped
	}

	select {
	case err := <-finished:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop runs the remaining queue and stops the loop.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != 1 {
		e.state = 2
		e.mu.Unlock()
		return nil
	}
	e.state = 2
	close(e.stopCh)
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
		e.log.Debug("main thread stopped", logx.Uint64("processed", e.processed.Load()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) Stats() Stats {
	e.mu.Lock()
	q := len(e.pending)
	e.mu.Unlock()
	return Stats{Queued: q, Processed: e.processed.Load(), Panics: e.panics.Load()}
}

func (e *Executor) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			// Refuse new work before the final drain so Call cannot hang.
			e.mu.Lock()
			e.state = 2
			e.mu.Unlock()
			e.drain()
			return
		case <-stopCh:
			e.drain()
			return
		case <-e.wake:
			e.drain()
		}
	}
}

func (e *Executor) drain() {
	for {
		e.mu.Lock()
		batch := e.pending
		e.pending = nil
		e.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			e.runOne(fn)
		}
	}
}

// runOne isolates panics so one bad callback can't kill the single writer.
func (e *Executor) runOne(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.log.Error("main thread task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		e.processed.Add(1)
	}()
	fn()
}
