// Package event provides a small synchronous pub-sub bus used to fan
// availability, lock and connection events out to callers.
package event

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"rentsync/pkg/logger"
)

// Wildcard subscribes a handler to every topic.
const Wildcard = "*"

type Handler[T any] func(T)

type subscription[T any] struct {
	id      uint64
	topic   string
	handler Handler[T]
}

// Bus is a synchronous, topic-keyed pub-sub bus. Handlers run on the
// publisher's goroutine, in registration order, specific topics first and
// wildcard handlers after.
type Bus[T any] struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription[T]
	nextID        atomic.Uint64
	log           *logger.Logger
}

func NewBus[T any](log *logger.Logger) *Bus[T] {
	if log == nil {
		log = logger.Discard()
	}
	return &Bus[T]{
		subscriptions: make(map[string][]subscription[T]),
		log:           log,
	}
}

// Subscribe registers handler for topic. The returned token removes it.
func (b *Bus[T]) Subscribe(topic string, handler Handler[T]) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	b.subscriptions[topic] = append(b.subscriptions[topic], subscription[T]{
		id:      id,
		topic:   topic,
		handler: handler,
	})

	return newSubscription(func() { b.remove(topic, id) })
}

func (b *Bus[T]) SubscribeAll(handler Handler[T]) *Subscription {
	return b.Subscribe(Wildcard, handler)
}

func (b *Bus[T]) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[topic]
	for i, sub := range subs {
		if sub.id == id {
			// copy so snapshots taken by an in-progress Publish stay intact
			next := make([]subscription[T], 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subscriptions, topic)
			} else {
				b.subscriptions[topic] = next
			}
			return
		}
	}
}

// Publish dispatches value to the handlers of topic, then to wildcard
// handlers. A panicking handler is logged and skipped.
func (b *Bus[T]) Publish(topic string, value T) {
	b.mu.RLock()
	specific := b.subscriptions[topic]
	var wildcard []subscription[T]
	if topic != Wildcard {
		wildcard = b.subscriptions[Wildcard]
	}
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub, value)
	}
	for _, sub := range wildcard {
		b.safeCall(sub, value)
	}
}

func (b *Bus[T]) safeCall(sub subscription[T], value T) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				"topic", sub.topic,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.handler(value)
}

func (b *Bus[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[string][]subscription[T])
}

func (b *Bus[T]) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}
