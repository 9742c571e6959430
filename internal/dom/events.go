package dom

import (
	"log/slog"

	"github.com/dop251/goja"
)

type listener struct {
	value goja.Value
	fn    goja.Callable
	// handler marks the slot owned by an on<type> attribute
	handler bool
}

// EventTarget keeps event listeners per event type and dispatches events to
// them in registration order. An on<type> handler takes the position of the
// first time it was set to a function, like any other listener.
type EventTarget struct {
	vm        *goja.Runtime
	this      goja.Value
	listeners map[string][]*listener
	logger    *slog.Logger
}

// NewEventTarget creates an event target. this is the receiver listeners are
// called with.
func NewEventTarget(vm *goja.Runtime, this goja.Value, logger *slog.Logger) *EventTarget {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventTarget{
		vm:        vm,
		this:      this,
		listeners: make(map[string][]*listener),
		logger:    logger,
	}
}

// AddEventListener registers fn for events of the given type. Non-callable
// values and duplicates are ignored.
func (t *EventTarget) AddEventListener(typ string, fn goja.Value) {
	call, ok := goja.AssertFunction(fn)
	if !ok {
		return
	}
	for _, l := range t.listeners[typ] {
		if !l.handler && l.value.SameAs(fn) {
			return
		}
	}
	t.listeners[typ] = append(t.listeners[typ], &listener{value: fn, fn: call})
}

// RemoveEventListener unregisters fn.
func (t *EventTarget) RemoveEventListener(typ string, fn goja.Value) {
	if fn == nil {
		return
	}
	list := t.listeners[typ]
	for i, l := range list {
		if !l.handler && l.value.SameAs(fn) {
			t.listeners[typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Handler returns the on<type> handler, or null.
func (t *EventTarget) Handler(typ string) goja.Value {
	for _, l := range t.listeners[typ] {
		if l.handler {
			return l.value
		}
	}
	return goja.Null()
}

// SetHandler sets the on<type> handler. Anything but a function clears it.
func (t *EventTarget) SetHandler(typ string, fn goja.Value) {
	list := t.listeners[typ]
	call, ok := goja.AssertFunction(fn)
	for i, l := range list {
		if !l.handler {
			continue
		}
		if !ok {
			t.listeners[typ] = append(list[:i:i], list[i+1:]...)
			return
		}
		l.value, l.fn = fn, call
		return
	}
	if ok {
		t.listeners[typ] = append(list, &listener{value: fn, fn: call, handler: true})
	}
}

// Dispatch calls the listeners registered for typ with event. A listener
// that throws is logged and does not stop the others.
func (t *EventTarget) Dispatch(typ string, event *goja.Object) {
	// listeners added during dispatch are not called for this event
	list := append([]*listener(nil), t.listeners[typ]...)
	for _, l := range list {
		if _, err := l.fn(t.this, event); err != nil {
			t.logger.Warn("uncaught exception in event listener", "type", typ, "error", err)
		}
	}
}

// ListenerCount returns the number of listeners for typ, handler included.
func (t *EventTarget) ListenerCount(typ string) int {
	return len(t.listeners[typ])
}
