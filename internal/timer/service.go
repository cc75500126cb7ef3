package timer

import (
	"sync"
	"time"

	logx "slotd/pkg/logx"
)

// Ticket identifies one registration of a key. Re-registering a key issues a
// new ticket, so expiries carrying an old ticket can be recognised as stale.
type Ticket uint64

// TimeoutListener receives expiries. NotifyTimeout is called on a timer
// goroutine; implementations marshal onto their own executor before touching
// state.
type TimeoutListener[K comparable] interface {
	NotifyTimeout(key K, ticket Ticket)
}

type Option func(*options)

type options struct {
	clock Clock
	log   logx.Logger
}

func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.log = log }
}

type registration struct {
	ticket Ticket
	timer  Stopper
}

// Service keeps at most one pending timeout per key.
//
// Unlike the slot table it is safe for concurrent use: expiries race with
// Register/Unregister calls from the table's main thread.
type Service[K comparable] struct {
	mu       sync.Mutex
	clock    Clock
	log      logx.Logger
	listener TimeoutListener[K]
	pending  map[K]registration
	seq      Ticket
	stopped  bool
}

func New[K comparable](opts ...Option) *Service[K] {
	o := options{clock: realClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return &Service[K]{
		clock:   o.clock,
		log:     o.log,
		pending: map[K]registration{},
	}
}

// Start installs the listener. Registrations made before Start never fire.
func (s *Service[K]) Start(listener TimeoutListener[K]) {
	s.mu.Lock()
	s.listener = listener
	s.stopped = false
	s.mu.Unlock()
}

// Stop cancels every pending timeout; later Register calls are ignored.
func (s *Service[K]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.pending {
		r.timer.Stop()
		delete(s.pending, k)
	}
	s.stopped = true
	s.listener = nil
}

// Register arms a timeout for key, replacing any pending one.
func (s *Service[K]) Register(key K, timeout time.Duration) Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
		delete(s.pending, key)
	}
	s.seq++
	ticket := s.seq
	if s.stopped {
		return ticket
	}
	if timeout < 0 {
		timeout = 0
	}
	t := s.clock.AfterFunc(timeout, func() { s.fire(key, ticket) })
	s.pending[key] = registration{ticket: ticket, timer: t}
	return ticket
}

// Unregister cancels the pending timeout for key, if any.
func (s *Service[K]) Unregister(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.pending[key]; ok {
		r.timer.Stop()
		delete(s.pending, key)
	}
}

// IsValid reports whether ticket is still the live registration for key.
// An expiry that already fired stays valid until the key is unregistered or
// re-registered, so listeners can check it after marshaling.
func (s *Service[K]) IsValid(key K, ticket Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.pending[key]
	return ok && r.ticket == ticket
}

// Pending returns the number of registrations that have not been unregistered.
func (s *Service[K]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Service[K]) fire(key K, ticket Ticket) {
	s.mu.Lock()
	r, ok := s.pending[key]
	listener := s.listener
	s.mu.Unlock()

	if !ok || r.ticket != ticket || listener == nil {
		s.log.Trace("stale timeout ignored", logx.Any("key", key), logx.Uint64("ticket", uint64(ticket)))
		return
	}
	listener.NotifyTimeout(key, ticket)
}
