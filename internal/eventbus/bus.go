// Package eventbus distributes lifecycle events to subscribers. Events
// published while a type has no subscriber are buffered and replayed, once,
// to the first subscriber that shows up, so UIs can attach to a live run out
// of order without losing history.
package eventbus

import (
	"log"
	"sync"

	"warpsurf/internal/domain"
)

type Handler func(domain.Event)

type subscriber struct {
	id      int
	handler Handler
}

// Bus is safe for concurrent publish, subscribe and unsubscribe. It is
// constructed per orchestration session and discarded with it.
type Bus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[domain.EventType][]subscriber
	buffers map[domain.EventType][]domain.Event
	logger  *log.Logger
}

func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		subs:    make(map[domain.EventType][]subscriber),
		buffers: make(map[domain.EventType][]domain.Event),
		logger:  logger,
	}
}

// Subscription identifies one registered handler; Close removes it.
type Subscription struct {
	bus       *Bus
	eventType domain.EventType
	id        int
}

// Close unsubscribes the handler. It is a no-op if the handler is already gone.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.eventType]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subs[s.eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Subscribe registers a handler for one event type. Events of that type
// published while no handler existed are replayed to it immediately, in
// publish order, and the buffer is cleared: at-most-once replay, not a log.
func (b *Bus) Subscribe(eventType domain.EventType, handler Handler) *Subscription {
	b.mu.Lock()
	b.nextID++
	sub := subscriber{id: b.nextID, handler: handler}
	b.subs[eventType] = append(b.subs[eventType], sub)
	buffered := b.buffers[eventType]
	delete(b.buffers, eventType)
	b.mu.Unlock()

	for _, ev := range buffered {
		b.deliver(sub, ev)
	}
	return &Subscription{bus: b, eventType: eventType, id: sub.id}
}

// Publish delivers the event to every handler registered for its type. Each
// handler runs independently: one failing never stops the others, and
// failures never reach the publisher. With no handlers registered the event
// is buffered for later replay.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.Lock()
	subs := b.subs[ev.Type]
	if len(subs) == 0 {
		b.buffers[ev.Type] = append(b.buffers[ev.Type], ev)
		b.mu.Unlock()
		return
	}
	current := make([]subscriber, len(subs))
	copy(current, subs)
	b.mu.Unlock()

	for _, sub := range current {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub subscriber, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("event handler panic type=%s plan=%s: %v", ev.Type, ev.PlanID, r)
		}
	}()
	sub.handler(ev)
}

// Buffered reports how many undelivered events are held for one type.
func (b *Bus) Buffered(eventType domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffers[eventType])
}
