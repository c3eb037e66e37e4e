package corelog

import "sync"

// EventType identifies the kind of lifecycle event fired on the bus.
type EventType int

const (
	// EventFlowOpened fires when the Relay Engine accepts a redirected
	// connection and successfully dials the real target.
	EventFlowOpened EventType = iota
	// EventFlowClosed fires when a ProxyValue is removed from the
	// engine's maps.
	EventFlowClosed
	// EventEngineStopped fires once the Relay Engine's main loop
	// returns, whether from a stop signal or a poller failure.
	EventEngineStopped
)

// FlowPayload is the payload for EventFlowOpened and EventFlowClosed.
type FlowPayload struct {
	SrcFD int
	DestFD int
}

// Event carries data about something that happened in the engine.
type Event struct {
	Type    EventType
	Payload any
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between the Relay Engine and whatever
// observability or control-plane glue a caller wires in. Not required
// by the core's data-path correctness — purely an ambient hook.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers from a
// separate goroutine. The Relay Engine is single-threaded and fires
// EventFlowOpened/EventFlowClosed from its own dispatch loop; a slow
// subscriber must not stall that loop, so those two events go through
// PublishAsync instead of Publish. Handlers for one event still run in
// subscription order relative to each other, just not relative to the
// caller.
func (eb *EventBus) PublishAsync(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	go func() {
		for _, h := range handlers {
			h(e)
		}
	}()
}
