package events

import (
	"sync"
	"time"
)

// Handler receives dispatched events. Handlers run on the emitter's goroutine
// and must not block; subscribers that fan out to connections should hand the
// event to a buffered channel and drop on overflow.
type Handler func(*Event)

// Bus dispatches events to per-type subscribers
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventType]map[int]Handler
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType]map[int]Handler),
	}
}

// Subscribe registers a handler for one event type and returns the
// unsubscribe function
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]Handler)
	}
	b.handlers[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// Emit dispatches an event to every subscriber of its type
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	b.EmitEvent(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	})
}

// EmitEvent dispatches an already-built event. Handlers are snapshotted so a
// handler may subscribe or unsubscribe without deadlocking.
func (b *Bus) EmitEvent(event *Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type]))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// SubscriberCount reports the live subscriptions for one event type
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
