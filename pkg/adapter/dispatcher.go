package adapter

import (
	"fmt"
	"sync"

	"github.com/renflow/runner/pkg/logger"
	"github.com/renflow/runner/pkg/metrics"
)

// Handler receives the payload of a local adapter event.
type Handler func(payload any)

// ListenerID identifies a registered handler so it can be removed.
type ListenerID uint64

type listener struct {
	id      ListenerID
	event   string
	handler Handler
}

// Dispatcher is a per-adapter list of (event, handler) pairs. Handlers run
// synchronously in registration order; a panicking handler is logged and
// does not stop delivery to the rest.
type Dispatcher struct {
	mu        sync.Mutex
	listeners []listener
	nextID    ListenerID
	component string
	metrics   *metrics.Metrics
}

// NewDispatcher creates a dispatcher whose log lines carry component.
func NewDispatcher(component string, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{component: component, metrics: m}
}

// On registers h under each event name and returns a single id for all of
// them.
func (d *Dispatcher) On(h Handler, events ...string) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	for _, ev := range events {
		d.listeners = append(d.listeners, listener{id: id, event: ev, handler: h})
	}
	return id
}

// Off removes listener id from the named events, or from every event when
// none are given.
func (d *Dispatcher) Off(id ListenerID, events ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make(map[string]bool, len(events))
	for _, ev := range events {
		names[ev] = true
	}

	kept := d.listeners[:0:0]
	for _, l := range d.listeners {
		if l.id == id && (len(names) == 0 || names[l.event]) {
			continue
		}
		kept = append(kept, l)
	}
	d.listeners = kept
}

// Count returns the number of handlers registered for event.
func (d *Dispatcher) Count(event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, l := range d.listeners {
		if l.event == event {
			n++
		}
	}
	return n
}

// Dispatch invokes every handler registered for event.
func (d *Dispatcher) Dispatch(event string, payload any) {
	d.mu.Lock()
	var targets []Handler
	for _, l := range d.listeners {
		if l.event == event {
			targets = append(targets, l.handler)
		}
	}
	d.mu.Unlock()

	for _, h := range targets {
		d.invoke(event, h, payload)
	}
}

func (d *Dispatcher) invoke(event string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerPanic(d.component)
			logger.WarnCF(d.component, "Event handler panicked", map[string]interface{}{
				"event": event,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	h(payload)
}
