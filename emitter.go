package chatsync

import (
	"log/slog"
	"sync"
)

// notifier is a goroutine-safe observer list. Listeners run synchronously in
// the notifying goroutine, after the notifier's lock has been released.
type notifier[T any] struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]func(T)
	log       *slog.Logger
}

func (n *notifier[T]) subscribe(fn func(T)) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[int]func(T))
	}
	id := n.next
	n.next++
	n.listeners[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

func (n *notifier[T]) notify(v T) {
	n.mu.RLock()
	handlers := make([]func(T), 0, len(n.listeners))
	for _, h := range n.listeners {
		handlers = append(handlers, h)
	}
	n.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil && n.log != nil {
					n.log.Error("listener panicked", "panic", r)
				}
			}()
			h(v)
		}()
	}
}

func (n *notifier[T]) removeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
