package events

import (
	"sync"
)

const defaultBuffer = 256

// EventBus is an in-process pub-sub bus for planner events. Publishing
// never blocks the planning pass; slow subscribers miss events.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event // topic -> subscribers; "" holds all-topic subscribers
	closed bool
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving events published on topic.
// A non-positive bufSize selects the default buffer.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe("", bufSize)
}

func (b *EventBus) subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish delivers event to topic subscribers and all-topic subscribers.
// A subscriber whose buffer is full misses the event.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	if topic != "" {
		for _, ch := range b.subs[topic] {
			trySend(ch, event)
		}
	}
	for _, ch := range b.subs[""] {
		trySend(ch, event)
	}
}

// Emit publishes event on its own topic.
func (b *EventBus) Emit(event Event) {
	b.Publish(TopicOf(event), event)
}

func trySend(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
	}
}

// Close closes every subscriber channel. Safe to call more than once.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
}
