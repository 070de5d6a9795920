// Package events provides the publish/subscribe hub that entities and entity
// sets embed.
package events

import (
	"fmt"
	"slices"

	"github.com/diwise/vertebrate/pkg/errors"
)

const (
	NewListenerEvent           string = "newListener"
	NewGenericListenerEvent    string = "newGenericListener"
	RemoveListenerEvent        string = "removeListener"
	RemoveGenericListenerEvent string = "removeGenericListener"
)

// IsMetaEvent reports whether name is one of the events a hub emits about its
// own subscriptions. Meta events are never dispatched to generic listeners.
func IsMetaEvent(name string) bool {
	switch name {
	case NewListenerEvent, NewGenericListenerEvent, RemoveListenerEvent, RemoveGenericListenerEvent:
		return true
	}
	return false
}

// Listener is a callback subscribed to a single event name. Its identity is
// the pointer returned by NewListener.
type Listener struct {
	fn func(args ...any)
}

func NewListener(fn func(args ...any)) *Listener {
	return &Listener{fn: fn}
}

// GenericListener receives every non meta event emitted by a hub.
type GenericListener struct {
	fn func(name string, args ...any)
}

func NewGenericListener(fn func(name string, args ...any)) *GenericListener {
	return &GenericListener{fn: fn}
}

// Hub is not safe for concurrent use. The zero value is ready to use.
type Hub struct {
	names     []string
	listeners map[string][]*Listener
	generic   []*GenericListener
}

func NewHub() *Hub {
	return &Hub{
		listeners: map[string][]*Listener{},
	}
}

// On registers l for events called name. Registering the same pair twice is a no-op.
func (h *Hub) On(name string, l *Listener) error {
	if name == "" {
		return fmt.Errorf("failed to add listener (%w)", errors.ErrMissingEventName)
	}

	if l == nil || l.fn == nil {
		return fmt.Errorf("failed to add listener for %s (%w)", name, errors.ErrInvalidHandler)
	}

	if h.listeners == nil {
		h.listeners = map[string][]*Listener{}
	}

	if slices.Contains(h.listeners[name], l) {
		return nil
	}

	// announced before it is added, so a newListener listener never sees itself
	h.Emit(NewListenerEvent, name, l)

	if _, ok := h.listeners[name]; !ok {
		h.names = append(h.names, name)
	}
	h.listeners[name] = append(h.listeners[name], l)

	return nil
}

func (h *Hub) AddListener(name string, l *Listener) error {
	return h.On(name, l)
}

func (h *Hub) AddGenericListener(l *GenericListener) error {
	if l == nil || l.fn == nil {
		return fmt.Errorf("failed to add generic listener (%w)", errors.ErrInvalidHandler)
	}

	if slices.Contains(h.generic, l) {
		return nil
	}

	h.Emit(NewGenericListenerEvent, l)
	h.generic = append(h.generic, l)

	return nil
}

// Emit calls the generic listeners and then the listeners registered for name,
// each group in registration order. It returns true if any listener was called.
func (h *Hub) Emit(name string, args ...any) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("failed to emit event (%w)", errors.ErrMissingEventName)
	}

	var generic []*GenericListener
	if !IsMetaEvent(name) {
		generic = slices.Clone(h.generic)
	}
	specific := slices.Clone(h.listeners[name])

	for _, l := range generic {
		l.fn(name, args...)
	}

	for _, l := range specific {
		l.fn(args...)
	}

	return len(generic)+len(specific) > 0, nil
}

func (h *Hub) RemoveListener(name string, l *Listener) error {
	if name == "" {
		return fmt.Errorf("failed to remove listener (%w)", errors.ErrMissingEventName)
	}

	registered := h.listeners[name]
	idx := slices.Index(registered, l)
	if idx < 0 {
		return nil
	}

	h.listeners[name] = slices.Delete(registered, idx, idx+1)
	h.forget(name)

	h.Emit(RemoveListenerEvent, name, l)

	return nil
}

func (h *Hub) RemoveGenericListener(l *GenericListener) {
	idx := slices.Index(h.generic, l)
	if idx < 0 {
		return
	}

	h.generic = slices.Delete(h.generic, idx, idx+1)
	h.Emit(RemoveGenericListenerEvent, l)
}

// RemoveAllListeners drops the listeners of the named events, or of every
// event if no name is given. Generic listeners are left untouched.
func (h *Hub) RemoveAllListeners(names ...string) {
	if len(names) == 0 {
		names = slices.Clone(h.names)
	}

	for _, name := range names {
		removed := h.listeners[name]
		delete(h.listeners, name)
		h.forget(name)

		for _, l := range removed {
			h.Emit(RemoveListenerEvent, name, l)
		}
	}
}

func (h *Hub) ListenerCount(name string) int {
	return len(h.listeners[name])
}

func (h *Hub) GenericListenerCount() int {
	return len(h.generic)
}

func (h *Hub) forget(name string) {
	if len(h.listeners[name]) > 0 {
		return
	}

	delete(h.listeners, name)
	if idx := slices.Index(h.names, name); idx >= 0 {
		h.names = slices.Delete(h.names, idx, idx+1)
	}
}
