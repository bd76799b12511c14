// Package events routes server-pushed events to registered watchers.
// It carries no business logic: demultiplexing by event type only.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// TypeAll subscribes a handler to every dispatched event.
const TypeAll = "all"

// Event is anything with a type discriminant. Coordinator and SFU
// packages define the concrete event structs.
type Event interface {
	EventType() string
}

// Handler receives dispatched events. Handlers must not assume they run
// on any particular goroutine; dispatch is synchronous on the caller.
type Handler func(Event)

type registration struct {
	id uint64
	fn Handler
}

// Dispatcher demultiplexes inbound events by type. Handlers for one type
// run in registration order; a panicking handler is recovered and logged
// and does not block delivery to subsequent handlers.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]registration
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]registration)}
}

// On registers fn for the given event type (or TypeAll) and returns an
// unregister function. Unregistration removes by handle id, so the same
// func value can be registered more than once.
func (d *Dispatcher) On(eventType string, fn Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.handlers[eventType] = append(d.handlers[eventType], registration{id: id, fn: fn})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		regs := d.handlers[eventType]
		for i, r := range regs {
			if r.id == id {
				d.handlers[eventType] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Dispatch delivers ev to all handlers registered for its type, then to
// the wildcard handlers, synchronously.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()
	typed := append([]registration(nil), d.handlers[ev.EventType()]...)
	wild := append([]registration(nil), d.handlers[TypeAll]...)
	d.mu.Unlock()

	for _, r := range typed {
		d.invoke(r, ev)
	}
	for _, r := range wild {
		d.invoke(r, ev)
	}
}

func (d *Dispatcher) invoke(r registration, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("module", "events").
				Str("event_type", ev.EventType()).
				Any("panic", rec).
				Msg("event handler panicked")
		}
	}()
	r.fn(ev)
}
