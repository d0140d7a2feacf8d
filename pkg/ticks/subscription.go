package ticks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gregtusar/brokerd/pkg/models"
)

var ErrSubscriptionClosed = errors.New("tick subscription closed")

// Filter selects the events a subscriber receives. A nil Filter takes all.
type Filter func(ev *models.TickEvent) bool

// Tokens selects events for the given instrument tokens.
func Tokens(tokens ...uint32) Filter {
	set := make(map[uint32]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return func(ev *models.TickEvent) bool {
		_, ok := set[ev.Instrument.Token]
		return ok
	}
}

// Subscription is one consumer's bounded view of the tick stream. When the
// consumer falls behind, the oldest buffered event is overwritten and counted.
type Subscription struct {
	id     uint64
	name   string
	filter Filter
	onDrop func()
	cancel func()

	mu     sync.Mutex
	ring   []models.TickEvent
	head   int
	size   int
	closed bool

	notify  chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

func newSubscription(id uint64, name string, capacity int, filter Filter, onDrop func()) *Subscription {
	if capacity < 1 {
		capacity = 1
	}
	return &Subscription{
		id:     id,
		name:   name,
		filter: filter,
		onDrop: onDrop,
		ring:   make([]models.TickEvent, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Subscription) Name() string {
	return s.name
}

// push never blocks the producer.
func (s *Subscription) push(ev models.TickEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	dropped := false
	if s.size == len(s.ring) {
		s.ring[s.head] = models.TickEvent{}
		s.head = (s.head + 1) % len(s.ring)
		s.size--
		dropped = true
	}
	s.ring[(s.head+s.size)%len(s.ring)] = ev
	s.size++
	s.mu.Unlock()

	if dropped {
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop()
		}
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the oldest buffered event, waiting until one arrives, ctx is
// done or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (models.TickEvent, error) {
	for {
		s.mu.Lock()
		if s.size > 0 {
			ev := s.ring[s.head]
			s.ring[s.head] = models.TickEvent{}
			s.head = (s.head + 1) % len(s.ring)
			s.size--
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return models.TickEvent{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return models.TickEvent{}, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Len is the number of buffered events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Dropped counts events overwritten because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription. Buffered events are discarded and pending
// Next calls return ErrSubscriptionClosed.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.size = 0
	s.mu.Unlock()
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}
}
