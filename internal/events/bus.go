// Package events carries encoder progress notifications over a
// kelindar/event dispatcher.
package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers.
// Usage: bus.Publish(FrameEncodedEvent{...})
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case FrameEncodedEvent:
		event.Publish(b.dispatcher, e)
	case InputDoneEvent:
		event.Publish(b.dispatcher, e)
	case EncoderErrorEvent:
		event.Publish(b.dispatcher, e)
	case EncoderStoppedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler for the event type of its argument and
// returns an unsubscribe function. Unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e FrameEncodedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(FrameEncodedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(InputDoneEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(EncoderErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(EncoderStoppedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
