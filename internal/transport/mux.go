package transport

import (
	"context"
	"strings"
	"sync"

	"tickflow/internal/event"
)

// Mux composes per-provider adapters into a single Transport. Push
// callbacks registered on the Mux are registered on every adapter, so
// consumers see one merged stream.
type Mux struct {
	mu       sync.RWMutex
	adapters map[string]Transport
}

func NewMux() *Mux {
	return &Mux{adapters: make(map[string]Transport)}
}

// Register binds an adapter to a provider name. Later registrations for
// the same name replace earlier ones.
func (m *Mux) Register(provider string, t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[strings.ToLower(provider)] = t
}

func (m *Mux) adapter(provider string) (Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.adapters[strings.ToLower(provider)]
	return t, ok
}

func (m *Mux) Subscribe(ctx context.Context, provider, symbol string, ch event.Channel, params event.Params) error {
	t, ok := m.adapter(provider)
	if !ok {
		return ErrUnknownProvider
	}
	return t.Subscribe(ctx, provider, symbol, ch, params)
}

func (m *Mux) Unsubscribe(ctx context.Context, provider, symbol string, ch event.Channel) error {
	t, ok := m.adapter(provider)
	if !ok {
		return ErrUnknownProvider
	}
	return t.Unsubscribe(ctx, provider, symbol, ch)
}

func (m *Mux) OnEvent(fn func(RawEvent)) CancelFunc {
	m.mu.RLock()
	cancels := make([]CancelFunc, 0, len(m.adapters))
	for _, t := range m.adapters {
		cancels = append(cancels, t.OnEvent(fn))
	}
	m.mu.RUnlock()
	return mergeCancels(cancels)
}

func (m *Mux) OnStatus(fn func(StatusEvent)) CancelFunc {
	m.mu.RLock()
	cancels := make([]CancelFunc, 0, len(m.adapters))
	for _, t := range m.adapters {
		cancels = append(cancels, t.OnStatus(fn))
	}
	m.mu.RUnlock()
	return mergeCancels(cancels)
}

func (m *Mux) PollOnce(ctx context.Context, provider, symbol string) (RawQuote, error) {
	t, ok := m.adapter(provider)
	if !ok {
		return RawQuote{}, ErrUnknownProvider
	}
	return t.PollOnce(ctx, provider, symbol)
}

func mergeCancels(cancels []CancelFunc) CancelFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, c := range cancels {
				c()
			}
		})
	}
}
