package main

import (
	"sync"
)

// StatusHandler receives tunnel snapshots. Treat each one as the latest
// known state of that tunnel, not as a delta.
type StatusHandler func(TunnelConfig)

// Publisher is what engines report status changes to.
type Publisher interface {
	Publish(TunnelConfig)
}

// Bus fans status snapshots out to the handlers subscribed at publish time.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]StatusHandler
	order    []uint64
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[uint64]StatusHandler)}
}

// Subscribe registers handler and returns the function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(handler StatusHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.handlers[id]; !ok {
			return
		}
		delete(b.handlers, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish calls every handler in subscription order. Handlers run on the
// publisher's goroutine and must not block.
func (b *Bus) Publish(snapshot TunnelConfig) {
	b.mu.RLock()
	handlers := make([]StatusHandler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(snapshot)
	}
}
