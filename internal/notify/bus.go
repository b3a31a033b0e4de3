package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/policysync/config"
)

// Bus is a Sink that fans events out to subscribers.
//
// Each subscriber has its own buffered channel. A subscriber that falls
// behind loses events rather than blocking delivery to everyone else.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool

	dropped atomic.Int64
}

// Subscription is one consumer of a Bus.
type Subscription struct {
	id      uint64
	ch      chan Event
	bus     *Bus
	dropped atomic.Int64
	once    sync.Once
}

// NewBus creates a bus. buffer is the per-subscriber channel capacity.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = config.DefaultSubscriberBuffer
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned subscription's channel
// is closed by Close or when the bus closes.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		ch:  make(chan Event, b.buffer),
		bus: b,
	}
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Handle delivers ev to every subscriber without blocking.
func (b *Bus) Handle(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	return nil
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the number of events dropped across all subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, id)
	}
}

// C returns the event channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns the number of events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
