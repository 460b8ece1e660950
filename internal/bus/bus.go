package bus

import "sync"

// Bus is an in-process event broadcaster. Channels and the manager publish
// lifecycle events; the gateway server forwards them to websocket clients.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under an id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers the event to every subscriber. Delivery is synchronous
// on the caller's goroutine; handlers must not block.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
