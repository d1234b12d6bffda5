// Package event provides an ordered event emitter that never drops events
// fired before the first listener subscribes.
package event

import (
	"sync"
	"sync/atomic"
)

// Buffered delivers events to its listeners in Fire order. Events fired
// while no listener is attached are queued and handed to the first
// subscriber before any later event.
//
// Only one goroutine delivers at a time. A Fire that happens during a
// delivery (from a listener or from another goroutine) is queued and
// delivered by the goroutine already delivering, after the current event.
// Listeners therefore never run concurrently with each other.
type Buffered[T any] struct {
	mu         sync.Mutex
	listeners  []*listener[T]
	queue      []T
	delivering bool
}

type listener[T any] struct {
	fn      func(T)
	removed atomic.Bool
}

// Fire queues v and delivers it, together with anything queued before it,
// unless no listener is attached or another goroutine is delivering.
func (e *Buffered[T]) Fire(v T) {
	e.Enqueue(v)
	e.Deliver()
}

// Enqueue queues v without delivering it. Callers that must fix the event
// order while holding their own lock enqueue under that lock and call
// Deliver after releasing it.
func (e *Buffered[T]) Enqueue(v T) {
	e.mu.Lock()
	e.queue = append(e.queue, v)
	e.mu.Unlock()
}

// Subscribe attaches fn. Events queued while nobody listened are delivered to
// fn on the calling goroutine before Subscribe returns (unless a delivery is
// already running elsewhere, which then picks them up). The returned func
// detaches fn; calling it more than once is harmless.
func (e *Buffered[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	l := &listener[T]{fn: fn}

	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()

	e.Deliver()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.removed.Store(true)
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, other := range e.listeners {
				if other == l {
					e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// Flush drops every queued, undelivered event.
func (e *Buffered[T]) Flush() {
	e.mu.Lock()
	clear(e.queue)
	e.queue = e.queue[:0]
	e.mu.Unlock()
}

// Pending returns the number of queued, undelivered events.
func (e *Buffered[T]) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Deliver hands queued events to the listeners, unless none is attached or
// another goroutine is already delivering.
func (e *Buffered[T]) Deliver() {
	e.mu.Lock()
	if e.delivering {
		e.mu.Unlock()
		return
	}
	e.delivering = true

	for len(e.listeners) > 0 && len(e.queue) > 0 {
		var zero T
		v := e.queue[0]
		e.queue[0] = zero
		e.queue = e.queue[1:]
		ls := make([]*listener[T], len(e.listeners))
		copy(ls, e.listeners)
		e.mu.Unlock()

		for _, l := range ls {
			if !l.removed.Load() {
				l.fn(v)
			}
		}

		e.mu.Lock()
	}

	e.delivering = false
	e.mu.Unlock()
}
