package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscriber channel capacity used when a
// non-positive size is requested.
const DefaultBuffer = 256

// Bus fans published events out to subscribers over buffered channels.
// Delivery is best-effort: a subscriber that stops draining its channel
// loses events instead of stalling publishers.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string][]chan Event // topic -> subscriber channels
	global  []chan Event            // channels subscribed to every topic
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string][]chan Event)}
}

// Subscribe registers a subscriber for a single topic. The returned
// channel is closed when the bus closes; subscribing to an already
// closed bus yields a closed channel immediately.
func (b *Bus) Subscribe(topic string, size int) <-chan Event {
	ch := newSubscriber(size)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.topics[topic] = append(b.topics[topic], ch)
	return ch
}

// SubscribeAll registers a subscriber that receives events from every
// topic on one channel.
func (b *Bus) SubscribeAll(size int) <-chan Event {
	ch := newSubscriber(size)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.global = append(b.global, ch)
	return ch
}

func newSubscriber(size int) chan Event {
	if size <= 0 {
		size = DefaultBuffer
	}
	return make(chan Event, size)
}

// Publish delivers an event to the topic's subscribers and to every
// SubscribeAll channel without blocking. Full channels drop the event.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.send(b.topics[topic], event)
	b.send(b.global, event)
}

func (b *Bus) send(subs []chan Event, event Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were discarded because a subscriber
// channel was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel. Safe to call more
// than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.topics {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range b.global {
		close(ch)
	}
}
