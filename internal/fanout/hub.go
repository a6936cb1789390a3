package fanout

import (
	"fmt"
	"sync"
)

// Observer receives every broadcast event. Implementations must not assume
// they are the only registered surface.
type Observer interface {
	Deliver(name string, payload any) error
}

// ObserverFunc adapts a plain function (a native window's messaging channel,
// a remote broadcaster) into an Observer.
type ObserverFunc func(name string, payload any) error

func (f ObserverFunc) Deliver(name string, payload any) error { return f(name, payload) }

// Hub fans every event out to all registered observers. Broadcast is
// best-effort per observer: one dead surface never blocks the rest.
type Hub struct {
	logf func(format string, args ...any)

	mu        sync.RWMutex
	observers map[string]Observer
}

func NewHub(logf func(format string, args ...any)) *Hub {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Hub{
		logf:      logf,
		observers: make(map[string]Observer),
	}
}

func (h *Hub) Register(id string, obs Observer) {
	if h == nil || obs == nil || id == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.observers == nil {
		h.observers = make(map[string]Observer)
	}
	h.observers[id] = obs
}

func (h *Hub) Unregister(id string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers, id)
}

func (h *Hub) Len() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Emit broadcasts (name, payload) to every observer registered at call
// time. Register/Unregister stay safe while a broadcast is in progress; a
// failing or panicking observer is logged and skipped.
func (h *Hub) Emit(name string, payload any) {
	if h == nil {
		return
	}
	h.mu.RLock()
	snapshot := make(map[string]Observer, len(h.observers))
	for id, obs := range h.observers {
		snapshot[id] = obs
	}
	h.mu.RUnlock()

	for id, obs := range snapshot {
		h.deliver(id, obs, name, payload)
	}
}

func (h *Hub) deliver(id string, obs Observer, name string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			h.logf("observer %s panicked on %s: %v", id, name, r)
		}
	}()
	if err := obs.Deliver(name, payload); err != nil {
		h.logf("deliver %s to observer %s: %v", name, id, err)
	}
}

// observerID builds a unique registry key for dynamically attached surfaces.
func observerID(kind string, n uint64) string {
	return fmt.Sprintf("%s-%d", kind, n)
}
