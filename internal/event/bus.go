package event

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/virtengine/openfleet-sub013/internal/logging"
)

// Wildcard is the event type that matches every published event.
const Wildcard = "*"

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous publish/subscribe hub. Publish returns after every
// handler has run, so handlers must not block on work that waits for the
// publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription // event type -> handlers
	nextID atomic.Uint64
	logger *logging.Logger
}

// NewBus creates a bus that discards handler panics silently.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// NewBusWithLogger creates a bus that logs recovered handler panics.
func NewBusWithLogger(logger *logging.Logger) *Bus {
	b := NewBus()
	b.logger = logger.WithComponent("event")
	return b
}

// Subscribe registers handler for one event type and returns an id for
// Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()
	return id
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(Wildcard, handler)
}

// On subscribes a handler that only sees events of concrete type T.
func On[T Event](b *Bus, eventType string, fn func(T)) string {
	return b.Subscribe(eventType, func(e Event) {
		if typed, ok := e.(T); ok {
			fn(typed)
		}
	})
}

// Unsubscribe removes a subscription. It reports whether id was registered.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			rest := make([]subscription, 0, len(subs)-1)
			rest = append(rest, subs[:i]...)
			b.subs[eventType] = append(rest, subs[i+1:]...)
			if len(b.subs[eventType]) == 0 {
				delete(b.subs, eventType)
			}
			return true
		}
	}
	return false
}

// Publish delivers e to the handlers for its type, then to wildcard
// handlers, each group in registration order. A panicking handler is
// recovered and the remaining handlers still run.
func (b *Bus) Publish(e Event) {
	eventType := e.EventType()

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[eventType])+len(b.subs[Wildcard]))
	for _, sub := range b.subs[eventType] {
		handlers = append(handlers, sub.handler)
	}
	for _, sub := range b.subs[Wildcard] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, e)
	}
}

func (b *Bus) dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", e.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	h(e)
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = make(map[string][]subscription)
	b.mu.Unlock()
}

// SubscriptionCount returns the number of registered handlers.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
