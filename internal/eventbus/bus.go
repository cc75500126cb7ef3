package eventbus

import (
	"sync"
	"time"
)

// Bus fans node events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event and it is counted in
// Stats.
type Bus interface {
	Publish(e Event)
	// Subscribe delivers events of the given types, or all events when none
	// are given. unsubscribe closes the channel and is idempotent.
	Subscribe(buffer int, types ...Type) (ch <-chan Event, unsubscribe func())
	Stats() Stats
}

type Stats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

const defaultBuffer = 16

// New returns an in-memory bus. It starts no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}, now: time.Now}
}

type subscriber struct {
	ch    chan Event
	types map[Type]struct{}
}

func (s *subscriber) wants(t Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	now func() time.Time

	// mu is held for reading while sending so unsubscribe cannot close a
	// channel mid-send.
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	seq     uint64
	dropped uint64
}

func (b *memBus) Publish(e Event) {
	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	b.mu.Unlock()
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	var missed uint64
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			missed++
		}
	}
	b.mu.RUnlock()

	if missed > 0 {
		b.mu.Lock()
		b.dropped += missed
		b.mu.Unlock()
	}
}

func (b *memBus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{Published: b.seq, Dropped: b.dropped, Subscribers: len(b.subs)}
}
