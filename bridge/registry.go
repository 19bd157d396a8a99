package bridge

import (
	"encoding/json"
	"sync"
)

// Handler receives the payload of an inbound event.
type Handler func(payload json.RawMessage)

// handlerRegistry maps an event name to its registered handlers.
// An event with no handlers is not an error; dispatch is a no-op.
type handlerRegistry struct {
	mu       sync.Mutex
	handlers map[string][]Handler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[string][]Handler)}
}

func (r *handlerRegistry) on(event string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], h)
}

// dispatch invokes every handler registered for event, in registration
// order. Handlers run outside the lock so they may call back into the
// registry.
func (r *handlerRegistry) dispatch(event string, payload json.RawMessage) {
	r.mu.Lock()
	hs := make([]Handler, len(r.handlers[event]))
	copy(hs, r.handlers[event])
	r.mu.Unlock()

	for _, h := range hs {
		h(payload)
	}
}
