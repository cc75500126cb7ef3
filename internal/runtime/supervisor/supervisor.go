// Package supervisor runs named goroutines under one cancelable context and
// keeps per-name run statistics for the debug endpoints.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	logx "slotd/pkg/logx"
)

// A restartable goroutine that ran at least this long restarts from the
// minimum backoff again.
const stableRun = 30 * time.Second

type Supervisor struct {
	ctx         context.Context
	cancel      context.CancelFunc
	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	firstErr error
	routines map[string]*Routine
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first error or
// panic of any goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// Routine aggregates the runs of goroutines sharing a name.
type Routine struct {
	Name     string    `json:"name"`
	Active   int       `json:"active"`
	Runs     uint64    `json:"runs"`
	Restarts uint64    `json:"restarts,omitempty"`
	Panics   uint64    `json:"panics,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
	LastStop time.Time `json:"last_stop"`
}

type Snapshot struct {
	Active     int       `json:"active"`
	FirstError string    `json:"first_error,omitempty"`
	Routines   []Routine `json:"routines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		routines: make(map[string]*Routine),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first goroutine error or panic.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Snapshot is safe on a nil supervisor.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, r := range s.routines {
		snap.Active += r.Active
		snap.Routines = append(snap.Routines, *r)
	}
	slices.SortFunc(snap.Routines, func(a, b Routine) int { return cmp.Compare(a.Name, b.Name) })
	return snap
}

// Go runs fn once. A returned error other than context.Canceled, or a
// panic, becomes the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(name, false, fn); err != nil {
			s.fail(err)
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// GoRestart runs fn until it returns nil or the context is canceled. After
// an error or panic it waits a jittered, doubling backoff and runs it again.
// Failures never become the supervisor error.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, minBackoff, maxBackoff time.Duration) {
	if fn == nil {
		return
	}
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff = max(maxBackoff, minBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := minBackoff
		for restart := false; s.ctx.Err() == nil; restart = true {
			start := time.Now()
			err := s.run(name, restart, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if time.Since(start) >= stableRun {
				backoff = minBackoff
			}
			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}()
}

// run calls fn once and records it under name. It returns nil for a clean
// or canceled exit.
func (s *Supervisor) run(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	s.track(name, func(r *Routine) {
		r.Active++
		r.Runs++
		if restart {
			r.Restarts++
		}
	})
	s.log.Debug("goroutine started", logx.String("name", name))

	panicked := true
	defer func() {
		if panicked {
			p := recover()
			err = fmt.Errorf("%s: panic: %v", name, p)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
		s.track(name, func(r *Routine) {
			r.Active--
			r.LastStop = time.Now()
			if panicked {
				r.Panics++
			}
			if err != nil {
				r.LastErr = err.Error()
			}
		})
		s.log.Debug("goroutine stopped", logx.String("name", name), logx.Err(err))
	}()

	err = fn(s.ctx)
	panicked = false
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Supervisor) track(name string, update func(*Routine)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.routines[name]
	if r == nil {
		r = &Routine{Name: name}
		s.routines[name] = r
	}
	update(r)
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
