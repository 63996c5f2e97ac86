// Package bus implements the one-to-many delivery of normalized market
// data events. Listeners register with a predicate and receive every
// matching event at most once; a slow or panicking listener never blocks
// delivery to the others.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"tickflow/internal/event"
	"tickflow/internal/metrics"
	"tickflow/logger"
)

// Predicate selects the events a listener wants. A nil predicate matches
// everything.
type Predicate func(event.Event) bool

// Token is the scoped-acquisition handle returned by Listen. Release is
// idempotent and safe to call while a publish is in flight, including
// from inside the listener callback itself.
type Token struct {
	id  uuid.UUID
	bus *Bus

	closed atomic.Bool
	// mu serializes deliveries to this listener so the callback is never
	// invoked concurrently with itself.
	mu sync.Mutex
	fn func(event.Event)
	p  Predicate
}

// Release stops delivery on this token. Deliveries that have not yet
// entered the callback when Release returns are skipped.
func (t *Token) Release() {
	if t == nil || t.closed.Swap(true) {
		return
	}
	t.bus.remove(t.id)
}

// Bus fans published events out to all registered listeners.
type Bus struct {
	log *logger.Log

	mu        sync.RWMutex
	listeners map[uuid.UUID]*Token

	published atomic.Int64
	panics    atomic.Int64
}

func New(log *logger.Log) *Bus {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Bus{
		log:       log,
		listeners: make(map[uuid.UUID]*Token),
	}
}

// Listen registers a callback for events matching the predicate.
func (b *Bus) Listen(p Predicate, fn func(event.Event)) *Token {
	t := &Token{
		id:  uuid.New(),
		bus: b,
		fn:  fn,
		p:   p,
	}

	b.mu.Lock()
	b.listeners[t.id] = t
	b.mu.Unlock()

	return t
}

// Publish broadcasts an event to every interested listener. Delivery
// order across listeners is unspecified; delivery to a single listener is
// sequential.
func (b *Bus) Publish(ev event.Event) {
	b.published.Add(1)

	b.mu.RLock()
	targets := make([]*Token, 0, len(b.listeners))
	for _, t := range b.listeners {
		targets = append(targets, t)
	}
	b.mu.RUnlock()

	for _, t := range targets {
		b.deliver(t, ev)
	}
}

func (b *Bus) deliver(t *Token, ev event.Event) {
	if t.closed.Load() {
		return
	}
	if t.p != nil && !t.p(ev) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			metrics.Inc(metrics.ListenerPanics)
			b.log.WithComponent("bus").WithFields(logger.Fields{
				"listener": t.id.String(),
				"panic":    r,
			}).Error("listener callback panicked")
		}
	}()
	t.fn(ev)
}

func (b *Bus) remove(id uuid.UUID) {
	b.mu.Lock()
	delete(b.listeners, id)
	b.mu.Unlock()
}

// Stats reports counters for the periodic engine report.
type Stats struct {
	Listeners      int
	Published      int64
	ListenerPanics int64
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.listeners)
	b.mu.RUnlock()
	return Stats{
		Listeners:      n,
		Published:      b.published.Load(),
		ListenerPanics: b.panics.Load(),
	}
}
