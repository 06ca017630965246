// Package event defines the synchronous pub-sub bus used to observe
// delegation lifecycle transitions without coupling components to each
// other. The lead-side operations (delegate, batch) publish events; the
// CLI and tests subscribe.
package event

import (
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler is a function that handles an event.
type Handler func(Event)

// subscription represents a registered event handler.
type subscription struct {
	id        string
	eventType string
	handler   Handler
}

// Bus is a simple synchronous pub-sub event bus.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // eventType -> subscriptions
	nextID        atomic.Uint64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscriptions: make(map[string][]subscription),
	}
}

// Subscribe registers a handler for a specific event type.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.generateID()
	b.subscriptions[eventType] = append(b.subscriptions[eventType], subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe("*", handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[eventType] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches an event to all registered handlers. Specific
// handlers run first, then wildcard handlers, each in registration order.
// A panicking handler is recovered and logged so it cannot block delivery
// to the others.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	eventType := event.EventType()

	specificSubs := make([]subscription, len(b.subscriptions[eventType]))
	copy(specificSubs, b.subscriptions[eventType])

	wildcardSubs := make([]subscription, len(b.subscriptions["*"]))
	copy(wildcardSubs, b.subscriptions["*"])
	b.mu.RUnlock()

	for _, sub := range specificSubs {
		b.safeCall(sub.handler, event)
	}
	for _, sub := range wildcardSubs {
		b.safeCall(sub.handler, event)
	}
}

// safeCall invokes a handler and recovers from any panics.
func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked for event %s: %v\n%s",
				event.EventType(), r, debug.Stack())
		}
	}()
	handler(event)
}

// generateID produces a unique subscription ID.
func (b *Bus) generateID() string {
	return "sub-" + itoa(b.nextID.Add(1))
}

// itoa converts a uint64 to a decimal string without fmt.
func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
