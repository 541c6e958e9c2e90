// Package eventbus is an in-process publish/subscribe keyed by message kind.
// It decouples the connection read pump from the components that react to
// inbound frames.
package eventbus

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"paircode/internal/observability"
	"paircode/internal/protocol"
)

// Handler receives a published message.
type Handler func(protocol.Message)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus dispatches messages synchronously in the publisher's goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[protocol.Kind][]subscription
	logger *slog.Logger
}

// New returns an empty Bus. A nil logger discards handler failures.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[protocol.Kind][]subscription),
		logger: observability.WithComponent(logger, "eventbus"),
	}
}

// Subscribe registers h for kind. The returned func removes it and may be
// called any number of times.
func (b *Bus) Subscribe(kind protocol.Kind, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus) remove(kind protocol.Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[kind]
	for i, s := range list {
		if s.id == id {
			// Copy rather than shift in place: a dispatch may hold the old slice.
			next := make([]subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, kind)
			} else {
				b.subs[kind] = next
			}
			return
		}
	}
}

// Publish calls every handler subscribed to kind, in subscription order.
// Handlers are captured before the first call, so subscriptions added or
// removed during the pass take effect on the next Publish. A panicking
// handler is logged and the remaining handlers still run.
func (b *Bus) Publish(kind protocol.Kind, msg protocol.Message) {
	b.mu.RLock()
	snapshot := b.subs[kind]
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.invoke(kind, s.handler, msg)
	}
}

func (b *Bus) invoke(kind protocol.Kind, h Handler, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "kind", kind, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(msg)
}

// Clear removes every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = make(map[protocol.Kind][]subscription)
	b.mu.Unlock()
}

// Len returns the number of handlers subscribed to kind.
func (b *Bus) Len(kind protocol.Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
