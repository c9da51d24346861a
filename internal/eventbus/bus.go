// Package eventbus is a topic-keyed, in-process broadcast for session events.
//
// Delivery is synchronous and serialized across all topics, so every subscriber
// observes events in publish order from one logical context. Nothing is retained:
// a subscriber registered after an event was published never sees it.
// Handlers must not call Publish.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"

	"convopipe/internal/domain"
)

// Handler receives one event. A returned error is logged and does not stop delivery.
type Handler func(domain.Event) error

type subscription struct {
	id      uint64
	handler Handler
}

type Bus struct {
	dispatchMu sync.Mutex

	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64

	logger *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[string][]subscription), logger: logger}
}

// Subscribe registers h for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.subs[topic]
	kept := make([]subscription, 0, len(current))
	for _, sub := range current {
		if sub.id != id {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, topic)
		return
	}
	b.subs[topic] = kept
}

// Publish delivers event to every current subscriber of topic.
func (b *Bus) Publish(topic string, event domain.Event) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := b.deliver(sub, event); err != nil {
			b.logger.Warn("event subscriber failed", "topic", topic, "kind", event.Kind, "session_id", event.SessionID, "err", err)
		}
	}
}

// Subscribers returns the number of handlers registered for topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) deliver(sub subscription, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.handler(event)
}
